package stt

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-server/internal/audio"
	"github.com/lexiqai/voice-server/internal/config"
	"github.com/lexiqai/voice-server/internal/resilience"
)

// Service is the transcription port used by sessions. It enforces the
// minimum utterance length and the per-call deadline, and maps every failure
// to a TranscriptionError.
type Service struct {
	backend     Transcriber
	minDuration time.Duration
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewService wraps backend
func NewService(backend Transcriber, minDuration, timeout time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		backend:     backend,
		minDuration: minDuration,
		timeout:     timeout,
		logger:      logger,
	}
}

// NewFromConfig builds the backend selected by STT_BACKEND
func NewFromConfig(cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	var backend Transcriber
	switch cfg.STTBackend {
	case "deepgram":
		backend = NewDeepgramTranscriber(DeepgramConfig{
			APIKey:   cfg.DeepgramAPIKey,
			Model:    cfg.DeepgramModel,
			Language: cfg.DeepgramLanguage,
			Breaker: resilience.NewObservedCircuitBreaker(
				"deepgram",
				cfg.CircuitBreakerMaxFailures,
				time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
			),
			Reconnect: &resilience.ReconnectConfig{
				MaxAttempts: cfg.ReconnectMaxAttempts,
				Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
				Multiplier:  2.0,
				MaxBackoff:  5 * time.Second,
			},
		}, logger)
	case "stub":
		backend = NewQueueTranscriber(NewInferenceQueue(&StubEngine{Text: cfg.StubTranscript}, cfg.STTQueueSize, logger))
	default:
		engine := NewWhisperEngine(cfg.WhisperURL, cfg.WhisperLanguage)
		backend = NewQueueTranscriber(NewInferenceQueue(engine, cfg.STTQueueSize, logger))
	}

	return NewService(
		backend,
		time.Duration(cfg.STTMinUtterance)*time.Millisecond,
		time.Duration(cfg.STTTimeout)*time.Second,
		logger,
	), nil
}

func (s *Service) Name() string {
	return s.backend.Name()
}

// Transcribe returns the text of u or a *TranscriptionError
func (s *Service) Transcribe(ctx context.Context, u *audio.Utterance) (string, error) {
	if u == nil || u.Len() == 0 || u.Duration() < s.minDuration {
		return "", newError(s.backend.Name(), ErrUtteranceTooShort)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := s.backend.Transcribe(ctx, u)
	if err != nil {
		var te *TranscriptionError
		if errors.As(err, &te) {
			return "", te
		}
		return "", newError(s.backend.Name(), err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", newError(s.backend.Name(), ErrEmptyTranscript)
	}

	s.logger.Debug().
		Str("backend", s.backend.Name()).
		Dur("audio", u.Duration()).
		Dur("latency", time.Since(start)).
		Str("text", text).
		Msg("Transcription complete")
	return text, nil
}

// Ping reports backend readiness when the backend supports it
func (s *Service) Ping(ctx context.Context) error {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := s.backend.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the backend
func (s *Service) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
