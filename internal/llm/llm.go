// Package llm streams assistant replies from a language model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lexiqai/voice-server/internal/history"
)

// Generator produces a streamed reply to userText given prior turns
type Generator interface {
	Generate(ctx context.Context, turns []history.Turn, userText string) (Stream, error)
	Name() string
}

// Stream is a lazy, ordered, finite sequence of text deltas. It cannot be
// restarted. Next returns false at the end; Err then reports whether the end
// was a failure.
type Stream interface {
	Next() bool
	Delta() string
	Err() error
	Reply() Reply
	Close() error
}

// Reply describes a finished generation
type Reply struct {
	Provider  string
	Model     string
	Text      string
	Truncated bool
	// ToolCalls is set when the model stopped to call tools
	ToolCalls []ToolCall
}

// GenerationError is the error type of the generation port
type GenerationError struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *GenerationError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("generation failed (%s, %s): %v", e.Provider, kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ErrEmptyReply is returned when the model produced no text
var ErrEmptyReply = errors.New("empty reply")

// ending tells how a producer finished
type ending struct {
	truncated bool
	calls     []ToolCall
}

// producer emits deltas until done
type producer func(ctx context.Context, emit func(string) bool) (ending, error)

// pipeStream runs a producer in its own goroutine and hands its deltas to the
// consumer one at a time
type pipeStream struct {
	deltas chan string
	cancel context.CancelFunc

	cur  string
	text strings.Builder

	// written by the producer before deltas is closed
	err   error
	end   ending
	reply Reply

	closeOnce sync.Once
}

func newPipeStream(ctx context.Context, provider, model string, produce producer) *pipeStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &pipeStream{
		deltas: make(chan string, 16),
		cancel: cancel,
		reply:  Reply{Provider: provider, Model: model},
	}

	go func() {
		defer close(s.deltas)
		s.end, s.err = produce(ctx, func(delta string) bool {
			if delta == "" {
				return ctx.Err() == nil
			}
			select {
			case s.deltas <- delta:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if s.err == nil && ctx.Err() != nil {
			s.err = ctx.Err()
		}
	}()
	return s
}

func (s *pipeStream) Next() bool {
	d, ok := <-s.deltas
	if !ok {
		return false
	}
	s.cur = d
	s.text.WriteString(d)
	return true
}

func (s *pipeStream) Delta() string { return s.cur }

// Err is valid once Next has returned false
func (s *pipeStream) Err() error { return s.err }

func (s *pipeStream) Reply() Reply {
	r := s.reply
	r.Text = s.text.String()
	r.Truncated = s.end.truncated
	r.ToolCalls = s.end.calls
	return r
}

func (s *pipeStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.deltas {
		}
	})
	return nil
}
