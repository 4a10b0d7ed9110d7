package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice server
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8000"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"` // gRPC health service; empty disables it

	// Public base URL for this service, used only for the startup log line.
	// Devices connect to <this-host>/xiaozhi/v1/.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Device audio configuration (server side of the hello exchange)
	AudioFormat        string `envconfig:"AUDIO_FORMAT" default:"opus"`      // opus, pcm, pcmu
	AudioSampleRate    int    `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"` // Hz
	AudioFrameDuration int    `envconfig:"AUDIO_FRAME_DURATION" default:"60"` // milliseconds
	AudioBufferSize    int    `envconfig:"AUDIO_BUFFER_SIZE" default:"8192"`  // WebSocket read and write buffer size in bytes
	CodecMaxErrors     int    `envconfig:"CODEC_MAX_CONSECUTIVE_ERRORS" default:"10"`

	// Voice activity detection
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold
	VADSilenceMs       int     `envconfig:"VAD_SILENCE_MS" default:"2500"`        // Silence that ends an utterance
	VADStartFrames     int     `envconfig:"VAD_START_FRAMES" default:"1"`         // Speech frames needed to open an utterance

	// Transcription
	STTBackend       string `envconfig:"STT_BACKEND" default:"local"` // local, deepgram, stub
	STTTimeout       int    `envconfig:"STT_TIMEOUT" default:"15"`    // seconds
	STTMinUtterance  int    `envconfig:"STT_MIN_UTTERANCE_MS" default:"300"`
	STTQueueSize     int    `envconfig:"STT_QUEUE_SIZE" default:"32"`
	WhisperURL       string `envconfig:"WHISPER_URL" default:"http://localhost:8080"`
	WhisperLanguage  string `envconfig:"WHISPER_LANGUAGE" default:"auto"`
	StubTranscript   string `envconfig:"STUB_TRANSCRIPT" default:""`
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Generation
	LLMProvider      string `envconfig:"LLM_PROVIDER" default:"openai"` // openai, ollama, gemini, echo
	LLMModel         string `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMBaseURL       string `envconfig:"LLM_BASE_URL" default:""` // defaults per provider
	LLMTimeout       int    `envconfig:"LLM_TIMEOUT" default:"30"` // seconds
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY" default:""`
	GeminiAPIKey     string `envconfig:"GEMINI_API_KEY" default:""`
	LLMRetryAttempts int    `envconfig:"LLM_RETRY_MAX_ATTEMPTS" default:"3"`
	LLMRetryBackoff  int    `envconfig:"LLM_RETRY_INITIAL_BACKOFF" default:"200"` // milliseconds

	// Synthesis
	TTSBackend         string `envconfig:"TTS_BACKEND" default:"cartesia"` // cartesia, tone
	TTSTimeout         int    `envconfig:"TTS_TIMEOUT" default:"20"`       // seconds
	TTSBoundaryChars   string `envconfig:"TTS_BOUNDARY_CHARS" default:""`  // empty uses the built-in set
	TTSBoundaryMinRune int    `envconfig:"TTS_BOUNDARY_MIN_RUNES" default:"4"`
	TTSBoundaryMaxRune int    `envconfig:"TTS_BOUNDARY_MAX_RUNES" default:"120"`
	TTSBoundaryMaxWait int    `envconfig:"TTS_BOUNDARY_MAX_WAIT_MS" default:"800"`
	CartesiaAPIKey     string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID    string `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaModelID    string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2"`
	CartesiaLanguage   string `envconfig:"CARTESIA_LANGUAGE" default:"en"`

	// Conversation history
	HistoryBackend  string `envconfig:"HISTORY_BACKEND" default:"memory"` // memory, badger
	HistoryMaxTurns int    `envconfig:"HISTORY_MAX_TURNS" default:"5"`
	HistoryDir      string `envconfig:"HISTORY_DIR" default:"./data/history"`

	// Session behaviour
	MaxSessions       int    `envconfig:"MAX_SESSIONS" default:"64"`
	SessionMaxIdle    int    `envconfig:"SESSION_MAX_IDLE" default:"30000"` // milliseconds, 0 disables
	OutboundPrebuffer int    `envconfig:"OUTBOUND_PREBUFFER_FRAMES" default:"2"`
	WriteTimeout      int    `envconfig:"TRANSPORT_WRITE_TIMEOUT" default:"5"` // seconds
	ProfilePath       string `envconfig:"PROFILE_PATH" default:""`

	// Device tools offered over MCP
	MCPEnabled      bool `envconfig:"MCP_ENABLED" default:"true"`
	MCPToolTimeout  int  `envconfig:"MCP_TOOL_TIMEOUT" default:"10"` // seconds per tool call
	MCPMaxToolSteps int  `envconfig:"MCP_MAX_TOOL_STEPS" default:"5"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Deepgram connect attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"250"`            // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the keys required by the selected backends are present
func (c *Config) Validate() error {
	switch c.STTBackend {
	case "local", "stub":
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for STT_BACKEND=deepgram")
		}
	default:
		return fmt.Errorf("unsupported STT_BACKEND %q", c.STTBackend)
	}

	switch c.LLMProvider {
	case "ollama", "echo":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for LLM_PROVIDER=openai")
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for LLM_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider)
	}

	switch c.TTSBackend {
	case "tone":
	case "cartesia":
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required for TTS_BACKEND=cartesia")
		}
	default:
		return fmt.Errorf("unsupported TTS_BACKEND %q", c.TTSBackend)
	}

	switch c.HistoryBackend {
	case "memory", "badger":
	default:
		return fmt.Errorf("unsupported HISTORY_BACKEND %q", c.HistoryBackend)
	}

	if c.HistoryMaxTurns <= 0 {
		return fmt.Errorf("HISTORY_MAX_TURNS must be positive")
	}
	if c.MCPEnabled && (c.MCPToolTimeout <= 0 || c.MCPMaxToolSteps <= 0) {
		return fmt.Errorf("MCP_TOOL_TIMEOUT and MCP_MAX_TOOL_STEPS must be positive")
	}
	if c.AudioFrameDuration <= 0 || c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE and AUDIO_FRAME_DURATION must be positive")
	}

	return nil
}

// SilenceThreshold returns the VAD silence duration
func (c *Config) SilenceThreshold() time.Duration {
	return time.Duration(c.VADSilenceMs) * time.Millisecond
}

// FrameDuration returns the device frame duration
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.AudioFrameDuration) * time.Millisecond
}

// MaxIdle returns the idle period after which a session is put to sleep
func (c *Config) MaxIdle() time.Duration {
	return time.Duration(c.SessionMaxIdle) * time.Millisecond
}

// ToolTimeout returns the deadline of one device tool call
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.MCPToolTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
