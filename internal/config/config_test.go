package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setStubBackends(t *testing.T) {
	t.Setenv("STT_BACKEND", "stub")
	t.Setenv("LLM_PROVIDER", "echo")
	t.Setenv("TTS_BACKEND", "tone")
}

func TestLoad(t *testing.T) {
	setStubBackends(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.STTBackend != "stub" {
		t.Errorf("Expected STTBackend 'stub', got '%s'", cfg.STTBackend)
	}
	if cfg.LLMProvider != "echo" {
		t.Errorf("Expected LLMProvider 'echo', got '%s'", cfg.LLMProvider)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setStubBackends(t)
	t.Setenv("LLM_PROVIDER", "openai")
	os.Unsetenv("OPENAI_API_KEY")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when OPENAI_API_KEY is missing")
	}

	t.Setenv("LLM_PROVIDER", "echo")
	t.Setenv("TTS_BACKEND", "cartesia")
	os.Unsetenv("CARTESIA_API_KEY")

	_, err = Load()
	if err == nil {
		t.Error("Expected error when CARTESIA_API_KEY is missing")
	}
}

func TestLoad_UnsupportedBackend(t *testing.T) {
	setStubBackends(t)
	t.Setenv("STT_BACKEND", "carrier-pigeon")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error for unsupported STT backend")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setStubBackends(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("Expected default Port '8000', got '%s'", cfg.Port)
	}
	if cfg.AudioFormat != "opus" {
		t.Errorf("Expected default AudioFormat 'opus', got '%s'", cfg.AudioFormat)
	}
	if cfg.AudioSampleRate != 16000 {
		t.Errorf("Expected default AudioSampleRate 16000, got %d", cfg.AudioSampleRate)
	}
	if cfg.AudioBufferSize != 8192 {
		t.Errorf("Expected default AudioBufferSize 8192, got %d", cfg.AudioBufferSize)
	}
	if cfg.FrameDuration() != 60*time.Millisecond {
		t.Errorf("Expected default frame duration 60ms, got %v", cfg.FrameDuration())
	}
	if cfg.SilenceThreshold() != 2500*time.Millisecond {
		t.Errorf("Expected default silence threshold 2500ms, got %v", cfg.SilenceThreshold())
	}
	if cfg.MaxIdle() != 30*time.Second {
		t.Errorf("Expected default idle 30s, got %v", cfg.MaxIdle())
	}
	if cfg.HistoryMaxTurns != 5 {
		t.Errorf("Expected default HistoryMaxTurns 5, got %d", cfg.HistoryMaxTurns)
	}
	if cfg.HistoryBackend != "memory" {
		t.Errorf("Expected default HistoryBackend 'memory', got '%s'", cfg.HistoryBackend)
	}
	if cfg.OutboundPrebuffer != 2 {
		t.Errorf("Expected default OutboundPrebuffer 2, got %d", cfg.OutboundPrebuffer)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "test-value")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	setStubBackends(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}
	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}
	if cfg.LLMRetryAttempts != 3 {
		t.Errorf("Expected default LLMRetryAttempts 3, got %d", cfg.LLMRetryAttempts)
	}
	if cfg.LLMRetryBackoff != 200 {
		t.Errorf("Expected default LLMRetryBackoff 200, got %d", cfg.LLMRetryBackoff)
	}
}

func TestConfig_ToolDefaults(t *testing.T) {
	setStubBackends(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !cfg.MCPEnabled {
		t.Error("Expected device tools to be enabled by default")
	}
	if cfg.ToolTimeout() != 10*time.Second {
		t.Errorf("Expected default tool timeout 10s, got %v", cfg.ToolTimeout())
	}
	if cfg.MCPMaxToolSteps != 5 {
		t.Errorf("Expected default MCPMaxToolSteps 5, got %d", cfg.MCPMaxToolSteps)
	}

	t.Setenv("MCP_MAX_TOOL_STEPS", "0")
	if _, err := Load(); err == nil {
		t.Error("Expected error for zero MCP_MAX_TOOL_STEPS")
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setStubBackends(t)
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}

func TestLoadProfile_Default(t *testing.T) {
	p, err := LoadProfile("")
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	if p.SleepMarker != "[SLEEP]" {
		t.Errorf("Expected sleep marker '[SLEEP]', got '%s'", p.SleepMarker)
	}
	if p.Emotions["😢"] != "sad" {
		t.Errorf("Expected 😢 to map to 'sad', got '%s'", p.Emotions["😢"])
	}
}

func TestLoadProfile_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	data := "system_prompt: You are Xiaozhi.\nstandby_prompt: Bye for now.\nemotions:\n  \"🥳\": excited\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write profile: %v", err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	if p.SystemPrompt != "You are Xiaozhi." {
		t.Errorf("Expected overridden system prompt, got '%s'", p.SystemPrompt)
	}
	if p.StandbyPrompt != "Bye for now." {
		t.Errorf("Expected overridden standby prompt, got '%s'", p.StandbyPrompt)
	}
	if p.Emotions["🥳"] != "excited" {
		t.Errorf("Expected 🥳 to map to 'excited', got '%s'", p.Emotions["🥳"])
	}
	if p.Emotions["😡"] != "angry" {
		t.Error("Expected default emotions to be kept")
	}
	if p.SleepMarker != "[SLEEP]" {
		t.Errorf("Expected default sleep marker to be kept, got '%s'", p.SleepMarker)
	}
}

func TestLoadProfile_MissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("Expected error for missing profile file")
	}
}
