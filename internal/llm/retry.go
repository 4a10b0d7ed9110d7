package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/voice-server/internal/history"
	"github.com/lexiqai/voice-server/internal/resilience"
)

// IsTransient reports whether a generation failure may succeed on retry:
// network errors, timeouts and HTTP 408/409/429/5xx
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}

	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Transient
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return transientStatus(oe.StatusCode)
	}
	var ae genai.APIError
	if errors.As(err, &ae) {
		return transientStatus(ae.Code)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return resilience.IsRetryableNetworkError(err)
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// RetryingGenerator wraps a backend with the port's failure policy. Transient
// failures are retried with backoff until the first delta arrives; after that
// a failure ends the stream. Every error leaving it is a *GenerationError.
type RetryingGenerator struct {
	inner   Generator
	retry   *resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRetryingGenerator wraps inner. breaker may be nil.
func NewRetryingGenerator(inner Generator, retry *resilience.RetryConfig, breaker *resilience.CircuitBreaker, timeout time.Duration, logger zerolog.Logger) *RetryingGenerator {
	if breaker != nil {
		breaker.WithFailureFilter(IsTransient)
	}
	return &RetryingGenerator{
		inner:   inner,
		retry:   retry,
		breaker: breaker,
		timeout: timeout,
		logger:  logger,
	}
}

func (r *RetryingGenerator) Name() string { return r.inner.Name() }

func (r *RetryingGenerator) wrap(err error) error {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge
	}
	return &GenerationError{Provider: r.inner.Name(), Transient: IsTransient(err), Err: err}
}

func (r *RetryingGenerator) Generate(ctx context.Context, turns []history.Turn, userText string) (Stream, error) {
	return r.generate(ctx, func(ctx context.Context) (Stream, error) {
		return r.inner.Generate(ctx, turns, userText)
	})
}

// GenerateWithTools passes box to the backend when it supports tools
func (r *RetryingGenerator) GenerateWithTools(ctx context.Context, turns []history.Turn, userText string, box Toolbox) (Stream, error) {
	return r.generate(ctx, func(ctx context.Context) (Stream, error) {
		return GenerateWithTools(ctx, r.inner, turns, userText, box)
	})
}

func (r *RetryingGenerator) generate(ctx context.Context, open func(context.Context) (Stream, error)) (Stream, error) {
	cancel := context.CancelFunc(func() {})
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	}

	var (
		stream Stream
		first  string
		primed bool
	)
	attemptOnce := func(ctx context.Context) error {
		s, err := open(ctx)
		if err != nil {
			return err
		}
		if s.Next() {
			stream, first, primed = s, s.Delta(), true
			return nil
		}
		if err := s.Err(); err != nil {
			s.Close()
			return err
		}
		stream, primed = s, false
		return nil
	}

	err := resilience.Retry(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			r.logger.Warn().Str("provider", r.inner.Name()).Int("attempt", attempt+1).Msg("Retrying generation")
		}
		if r.breaker == nil {
			return attemptOnce(ctx)
		}
		return r.breaker.Call(func() error { return attemptOnce(ctx) })
	}, r.retry, IsTransient)
	if err != nil {
		cancel()
		return nil, r.wrap(err)
	}

	return &primedStream{
		Stream: stream,
		first:  first,
		primed: primed,
		wrap:   r.wrap,
		cancel: cancel,
	}, nil
}

// primedStream replays the delta consumed while deciding whether to retry
type primedStream struct {
	Stream
	first  string
	primed bool
	cur    string
	wrap   func(error) error
	cancel context.CancelFunc
	once   sync.Once
}

func (p *primedStream) Next() bool {
	if p.primed {
		p.primed = false
		p.cur = p.first
		return true
	}
	if p.Stream.Next() {
		p.cur = p.Stream.Delta()
		return true
	}
	return false
}

func (p *primedStream) Delta() string { return p.cur }

func (p *primedStream) Err() error { return p.wrap(p.Stream.Err()) }

func (p *primedStream) Close() error {
	err := p.Stream.Close()
	p.once.Do(p.cancel)
	return err
}
