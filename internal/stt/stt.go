// Package stt turns finished utterances into text.
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/voice-server/internal/audio"
)

var (
	// ErrUtteranceTooShort is returned for utterances below the minimum duration
	ErrUtteranceTooShort = errors.New("utterance too short")

	// ErrEmptyTranscript is returned when the backend heard nothing
	ErrEmptyTranscript = errors.New("empty transcript")

	// ErrQueueClosed is returned by a closed InferenceQueue
	ErrQueueClosed = errors.New("inference queue closed")
)

// Transcriber converts a complete utterance to text
type Transcriber interface {
	Transcribe(ctx context.Context, u *audio.Utterance) (string, error)
	Name() string
}

// Engine is a local speech model. Engines are not assumed to be safe for
// concurrent use; InferenceQueue serialises access.
type Engine interface {
	Infer(ctx context.Context, samples []int16, sampleRate int) (string, error)
	Name() string
}

// TranscriptionError is the error type of the transcription port
type TranscriptionError struct {
	Backend string
	Reason  string // too_short, empty, timeout, canceled, backend
	Err     error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription failed (%s, %s): %v", e.Backend, e.Reason, e.Err)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}

func newError(backend string, err error) *TranscriptionError {
	reason := "backend"
	switch {
	case errors.Is(err, ErrUtteranceTooShort):
		reason = "too_short"
	case errors.Is(err, ErrEmptyTranscript):
		reason = "empty"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(err, context.Canceled):
		reason = "canceled"
	}
	return &TranscriptionError{Backend: backend, Reason: reason, Err: err}
}
