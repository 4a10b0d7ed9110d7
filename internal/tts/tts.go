// Package tts turns reply text into 16 kHz PCM audio.
package tts

import (
	"context"
	"fmt"
	"sync"
)

// AudioChunk is a piece of synthesized PCM audio
type AudioChunk struct {
	PCM        []int16
	SampleRate int

	// Segment is the text the chunk belongs to. SegmentStart marks the first
	// chunk of each segment.
	Segment      string
	SegmentStart bool
}

// Synthesizer converts one segment of text to audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*AudioStream, error)
	Name() string
	SampleRate() int
}

// SynthesisError is the error type of the synthesis port
type SynthesisError struct {
	Backend string
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed (%s): %v", e.Backend, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// AudioStream is an ordered, finite stream of chunks. The producer calls
// Send for every chunk and Finish exactly once; the consumer ranges over
// Chunks and then checks Err.
type AudioStream struct {
	ch   chan *AudioChunk
	err  error
	once sync.Once
}

// NewAudioStream creates a stream buffering up to size chunks
func NewAudioStream(size int) *AudioStream {
	return &AudioStream{ch: make(chan *AudioChunk, size)}
}

func (s *AudioStream) Chunks() <-chan *AudioChunk {
	return s.ch
}

// Send delivers c, giving up when ctx is done
func (s *AudioStream) Send(ctx context.Context, c *AudioChunk) bool {
	select {
	case s.ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish ends the stream with err (nil on success)
func (s *AudioStream) Finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ch)
	})
}

// Err is valid once Chunks has been drained
func (s *AudioStream) Err() error {
	return s.err
}

// Drain discards the remaining chunks and returns Err
func (s *AudioStream) Drain() error {
	for range s.ch {
	}
	return s.err
}
