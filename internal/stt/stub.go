package stt

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

// StubEngine is a deterministic engine for development and tests. With a
// fixed text it always returns that text; otherwise the result is derived
// from the audio so equal utterances transcribe equally.
type StubEngine struct {
	Text  string
	Delay time.Duration
}

func (e *StubEngine) Name() string { return "stub" }

func (e *StubEngine) Infer(ctx context.Context, samples []int16, sampleRate int) (string, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.Delay):
		}
	}
	if e.Text != "" {
		return e.Text, nil
	}

	h := fnv.New32a()
	var b [2]byte
	for _, s := range samples {
		b[0], b[1] = byte(s), byte(uint16(s)>>8)
		h.Write(b[:])
	}
	ms := 0
	if sampleRate > 0 {
		ms = len(samples) * 1000 / sampleRate
	}
	return fmt.Sprintf("utterance %08x of %d ms", h.Sum32(), ms), nil
}
