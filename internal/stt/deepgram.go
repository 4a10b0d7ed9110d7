package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-server/internal/audio"
	"github.com/lexiqai/voice-server/internal/resilience"
)

const (
	// deepgramChunk is 100 ms of 16 kHz linear16
	deepgramChunk = 3200
	// deepgramTail is trailing silence that lets the endpointer close the utterance
	deepgramTail = 700 * time.Millisecond
	// deepgramSettle is how long to wait for more finals before returning
	deepgramSettle = 800 * time.Millisecond
)

// DeepgramConfig configures the Deepgram live backend
type DeepgramConfig struct {
	APIKey    string
	Model     string
	Language  string
	Breaker   *resilience.CircuitBreaker
	Reconnect *resilience.ReconnectConfig
}

// DeepgramTranscriber streams each utterance over its own Deepgram live
// connection and joins the final results.
type DeepgramTranscriber struct {
	cfg    DeepgramConfig
	logger zerolog.Logger
}

// NewDeepgramTranscriber creates the backend
func NewDeepgramTranscriber(cfg DeepgramConfig, logger zerolog.Logger) *DeepgramTranscriber {
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewObservedCircuitBreaker("deepgram", 5, 30*time.Second)
	}
	cfg.Breaker.WithFailureFilter(countsAgainstBackend)
	return &DeepgramTranscriber{cfg: cfg, logger: logger}
}

func (d *DeepgramTranscriber) Name() string { return "deepgram" }

// countsAgainstBackend keeps caller cancellation and silence from opening the breaker
func countsAgainstBackend(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrEmptyTranscript)
}

func (d *DeepgramTranscriber) Transcribe(ctx context.Context, u *audio.Utterance) (string, error) {
	var text string
	err := d.cfg.Breaker.Call(func() error {
		var err error
		text, err = d.transcribe(ctx, u)
		return err
	})
	return text, err
}

func (d *DeepgramTranscriber) transcribe(ctx context.Context, u *audio.Utterance) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       d.cfg.Language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     u.SampleRate,
	}

	stream := newDeepgramStream(d.logger)
	var client *listenClient.WSCallback
	err := resilience.Reconnect(ctx, func(ctx context.Context) error {
		c, err := listenClient.NewWSUsingCallback(ctx, d.cfg.APIKey, nil, opts, stream)
		if err != nil {
			return err
		}
		if !c.Connect() {
			return errors.New("deepgram websocket connect failed")
		}
		client = c
		return nil
	}, d.cfg.Reconnect, d.logger)
	if err != nil {
		return "", err
	}
	defer client.Stop()

	pcm := audio.SamplesToBytes(u.Samples())
	pcm = append(pcm, make([]byte, int(deepgramTail.Seconds()*float64(u.SampleRate))*2)...)
	for off := 0; off < len(pcm); off += deepgramChunk {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		end := min(off+deepgramChunk, len(pcm))
		if _, err := client.Write(pcm[off:end]); err != nil {
			return "", err
		}
	}

	text, err := stream.wait(ctx)
	client.Finish()
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}

// deepgramStream collects the callbacks of one live connection
type deepgramStream struct {
	*websocketv1api.DefaultCallbackHandler

	logger zerolog.Logger
	mu     sync.Mutex
	finals []string
	final  chan struct{} // one signal per final segment
	done   chan struct{}
	errCh  chan error
	once   sync.Once
}

func newDeepgramStream(logger zerolog.Logger) *deepgramStream {
	return &deepgramStream{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		logger:                 logger,
		final:                  make(chan struct{}, 64),
		done:                   make(chan struct{}),
		errCh:                  make(chan error, 1),
	}
}

func (s *deepgramStream) Message(msg *msginterfaces.MessageResponse) error {
	if msg == nil || !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	if text != "" {
		s.mu.Lock()
		s.finals = append(s.finals, text)
		s.mu.Unlock()
		select {
		case s.final <- struct{}{}:
		default:
		}
	}
	if msg.SpeechFinal {
		s.finish()
	}
	return nil
}

func (s *deepgramStream) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	s.finish()
	return nil
}

func (s *deepgramStream) Error(er *msginterfaces.ErrorResponse) error {
	detail := fmt.Sprintf("%+v", er)
	s.logger.Warn().Str("detail", detail).Msg("Deepgram error")
	select {
	case s.errCh <- errors.New("deepgram: " + detail):
	default:
	}
	return nil
}

func (s *deepgramStream) finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *deepgramStream) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.finals, " ")
}

// wait returns once Deepgram signals the end of speech, or once no new final
// has arrived for deepgramSettle after the audio was sent
func (s *deepgramStream) wait(ctx context.Context) (string, error) {
	settle := time.NewTimer(deepgramSettle)
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err := <-s.errCh:
			return "", err
		case <-s.done:
			return s.text(), nil
		case <-s.final:
			if !settle.Stop() {
				select {
				case <-settle.C:
				default:
				}
			}
			settle.Reset(deepgramSettle)
		case <-settle.C:
			return s.text(), nil
		}
	}
}
