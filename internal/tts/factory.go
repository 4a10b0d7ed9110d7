package tts

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-server/internal/config"
	"github.com/lexiqai/voice-server/internal/resilience"
)

// PolicyFromConfig reads the TTS_BOUNDARY_* settings
func PolicyFromConfig(cfg *config.Config) BoundaryPolicy {
	policy := DefaultBoundaryPolicy()
	if cfg.TTSBoundaryChars != "" {
		policy.Boundaries = cfg.TTSBoundaryChars
	}
	policy.MinRunes = cfg.TTSBoundaryMinRune
	policy.MaxRunes = cfg.TTSBoundaryMaxRune
	policy.MaxWait = time.Duration(cfg.TTSBoundaryMaxWait) * time.Millisecond
	return policy
}

// NewFromConfig builds the pipeline for the backend selected by TTS_BACKEND
func NewFromConfig(cfg *config.Config, logger zerolog.Logger) (*Pipeline, error) {
	var synth Synthesizer
	switch cfg.TTSBackend {
	case "cartesia":
		synth = NewCartesiaSynthesizer(CartesiaConfig{
			APIKey:   cfg.CartesiaAPIKey,
			VoiceID:  cfg.CartesiaVoiceID,
			ModelID:  cfg.CartesiaModelID,
			Language: cfg.CartesiaLanguage,
			Breaker: resilience.NewObservedCircuitBreaker(
				"cartesia",
				cfg.CircuitBreakerMaxFailures,
				time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
			),
		}, logger)
	case "tone":
		synth = &ToneSynthesizer{}
	default:
		return nil, fmt.Errorf("unsupported TTS backend %q", cfg.TTSBackend)
	}

	return NewPipeline(synth, PolicyFromConfig(cfg), time.Duration(cfg.TTSTimeout)*time.Second, logger), nil
}
