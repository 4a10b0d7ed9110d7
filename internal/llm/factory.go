package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-server/internal/config"
	"github.com/lexiqai/voice-server/internal/resilience"
)

// NewFromConfig builds the generator selected by LLM_PROVIDER, wrapped with
// the retry and deadline policy. system is the full system prompt.
func NewFromConfig(ctx context.Context, cfg *config.Config, system string, logger zerolog.Logger) (*RetryingGenerator, error) {
	var (
		backend Generator
		remote  = true
	)
	switch cfg.LLMProvider {
	case "openai":
		backend = NewOpenAIGenerator("openai", cfg.OpenAIAPIKey, cfg.LLMBaseURL, cfg.LLMModel, system)
	case "ollama":
		baseURL := cfg.LLMBaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		// Ollama ignores the key but the SDK requires one
		backend = NewOpenAIGenerator("ollama", "ollama", baseURL, cfg.LLMModel, system)
	case "gemini":
		g, err := NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.LLMModel, system)
		if err != nil {
			return nil, err
		}
		backend = g
	case "echo":
		backend, remote = &EchoGenerator{}, false
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.LLMProvider)
	}

	var breaker *resilience.CircuitBreaker
	if remote {
		breaker = resilience.NewObservedCircuitBreaker(
			backend.Name(),
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		)
	}

	retry := &resilience.RetryConfig{
		MaxAttempts:       cfg.LLMRetryAttempts,
		InitialBackoff:    time.Duration(cfg.LLMRetryBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	return NewRetryingGenerator(backend, retry, breaker, time.Duration(cfg.LLMTimeout)*time.Second, logger), nil
}
