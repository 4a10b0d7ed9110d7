package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-server/internal/audio"
	"github.com/lexiqai/voice-server/internal/resilience"
)

const (
	// DefaultCartesiaURL is the bytes endpoint of the Cartesia TTS API
	DefaultCartesiaURL = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion    = "2024-06-10"
	// 100 ms of 16 kHz linear16
	cartesiaChunkBytes = 3200
)

// CartesiaConfig configures the Cartesia backend
type CartesiaConfig struct {
	APIKey   string
	URL      string
	VoiceID  string
	ModelID  string
	Language string
	Breaker  *resilience.CircuitBreaker
}

// CartesiaSynthesizer streams raw PCM from Cartesia's bytes API
type CartesiaSynthesizer struct {
	cfg        CartesiaConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// cartesiaRequest is the bytes API payload
type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaSynthesizer creates the backend
func NewCartesiaSynthesizer(cfg CartesiaConfig, logger zerolog.Logger) *CartesiaSynthesizer {
	if cfg.URL == "" {
		cfg.URL = DefaultCartesiaURL
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewObservedCircuitBreaker("cartesia", 5, 30*time.Second)
	}
	cfg.Breaker.WithFailureFilter(func(err error) bool {
		return !errors.Is(err, context.Canceled)
	})
	return &CartesiaSynthesizer{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

func (c *CartesiaSynthesizer) Name() string { return "cartesia" }

func (c *CartesiaSynthesizer) SampleRate() int { return audio.PipelineSampleRate }

// Synthesize returns once the response headers arrived; the body is streamed
// into the returned AudioStream.
func (c *CartesiaSynthesizer) Synthesize(ctx context.Context, text string) (*AudioStream, error) {
	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.cfg.ModelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.cfg.VoiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: audio.PipelineSampleRate,
		},
		Language: c.cfg.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	err = c.cfg.Breaker.Call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", c.cfg.APIKey)
		req.Header.Set("Cartesia-Version", cartesiaVersion)

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to make request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug().Int("runes", len([]rune(text))).Msg("Cartesia synthesis started")
	stream := NewAudioStream(8)
	go func() {
		defer resp.Body.Close()
		stream.Finish(c.readBody(ctx, resp.Body, stream))
	}()
	return stream, nil
}

// readBody forwards the body in fixed chunks, carrying an odd trailing byte
// over to the next read
func (c *CartesiaSynthesizer) readBody(ctx context.Context, body io.Reader, stream *AudioStream) error {
	buf := make([]byte, cartesiaChunkBytes)
	pending := 0
	total := 0

	for {
		n, err := io.ReadFull(body, buf[pending:])
		n += pending
		if even := n &^ 1; even > 0 {
			pcm, _ := audio.BytesToSamples(buf[:even])
			chunk := &AudioChunk{PCM: pcm, SampleRate: audio.PipelineSampleRate}
			if !stream.Send(ctx, chunk) {
				return ctx.Err()
			}
			total += even
			pending = copy(buf, buf[even:n])
		} else {
			pending = n
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			if total == 0 {
				return errors.New("cartesia returned empty audio")
			}
			return nil
		default:
			return fmt.Errorf("failed to read audio: %w", err)
		}
	}
}
