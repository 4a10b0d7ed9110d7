package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// WhisperEngine calls a whisper.cpp compatible server (POST /inference)
type WhisperEngine struct {
	baseURL  string
	language string
	client   *http.Client
}

// NewWhisperEngine creates an engine for the server at baseURL
func NewWhisperEngine(baseURL, language string) *WhisperEngine {
	return &WhisperEngine{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: language,
		client:   &http.Client{},
	}
}

func (e *WhisperEngine) Name() string { return "whisper" }

type whisperResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

func (e *WhisperEngine) Infer(ctx context.Context, samples []int16, sampleRate int) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if err := writeWAV(fw, samples, sampleRate); err != nil {
		return "", err
	}
	fields := map[string]string{
		"response_format": "json",
		"temperature":     "0.0",
	}
	if e.language != "" {
		fields["language"] = e.language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/inference", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out whisperResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode whisper response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("whisper error: %s", out.Error)
	}
	return strings.TrimSpace(out.Text), nil
}

// Ping checks that the server answers
func (e *WhisperEngine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("whisper server returned status %d", resp.StatusCode)
	}
	return nil
}

// writeWAV writes a mono 16-bit PCM RIFF file
func writeWAV(w io.Writer, samples []int16, sampleRate int) error {
	dataLen := uint32(len(samples) * 2)
	header := struct {
		RIFF          [4]byte
		ChunkSize     uint32
		WAVE          [4]byte
		Fmt           [4]byte
		Subchunk1Size uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		Subchunk2Size uint32
	}{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataLen,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataLen,
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, samples)
}
