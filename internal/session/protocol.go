package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lexiqai/voice-server/internal/audio"
)

// Message types of the device control protocol
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeAbort  = "abort"
	TypeIoT    = "iot"
	TypeMCP    = "mcp"
	TypeSTT    = "stt"
	TypeLLM    = "llm"
	TypeTTS    = "tts"
	TypeAlert  = "alert"
)

// tts message states
const (
	TTSStart         = "start"
	TTSSentenceStart = "sentence_start"
	TTSStop          = "stop"
)

// AudioParams describes an audio stream in hello messages
type AudioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration"` // milliseconds
}

// Features lists optional device capabilities announced in hello
type Features struct {
	MCP bool `json:"mcp,omitempty"`
}

// ClientMessage is any JSON message sent by a device
type ClientMessage struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id,omitempty"`
	Version     int             `json:"version,omitempty"`
	Transport   string          `json:"transport,omitempty"`
	Features    *Features       `json:"features,omitempty"`
	AudioParams *AudioParams    `json:"audio_params,omitempty"`
	State       string          `json:"state,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Text        string          `json:"text,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"` // JSON-RPC body of mcp messages
}

// ServerMessage is any JSON message sent to a device
type ServerMessage struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id,omitempty"`
	Transport   string          `json:"transport,omitempty"`
	AudioParams *AudioParams    `json:"audio_params,omitempty"`
	State       string          `json:"state,omitempty"`
	Text        string          `json:"text,omitempty"`
	Emotion     string          `json:"emotion,omitempty"`
	Status      string          `json:"status,omitempty"`
	Message     string          `json:"message,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ParseClientMessage decodes a control message
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid control message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("control message without type")
	}
	return &msg, nil
}

// AudioFormat converts hello parameters to an audio format, filling gaps from def
func (p *AudioParams) AudioFormat(def audio.Format) (audio.Format, error) {
	f := def
	if p == nil {
		return f, nil
	}
	enc, err := audio.ParseEncoding(p.Format)
	if err != nil {
		return def, err
	}
	f.Encoding = enc
	if p.SampleRate > 0 {
		f.SampleRate = p.SampleRate
	}
	if p.Channels > 0 {
		f.Channels = p.Channels
	}
	if p.FrameDuration > 0 {
		f.FrameDuration = time.Duration(p.FrameDuration) * time.Millisecond
	}
	return f, f.Validate()
}

func paramsFor(f audio.Format) *AudioParams {
	return &AudioParams{
		Format:        string(f.Encoding),
		SampleRate:    f.SampleRate,
		Channels:      f.Channels,
		FrameDuration: int(f.FrameDuration / time.Millisecond),
	}
}
