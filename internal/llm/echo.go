package llm

import (
	"context"
	"strings"
	"time"

	"github.com/lexiqai/voice-server/internal/history"
)

// EchoGenerator repeats the user's words back, one word per delta. It needs
// no network and is used for development and tests.
type EchoGenerator struct {
	Prefix string
	Delay  time.Duration // between deltas
}

func (g *EchoGenerator) Name() string { return "echo" }

func (g *EchoGenerator) Generate(ctx context.Context, turns []history.Turn, userText string) (Stream, error) {
	reply := g.Prefix + userText
	if reply == "" {
		reply = "..."
	}
	words := strings.SplitAfter(reply, " ")

	return newPipeStream(ctx, "echo", "echo", func(ctx context.Context, emit func(string) bool) (ending, error) {
		for _, w := range words {
			if g.Delay > 0 {
				select {
				case <-ctx.Done():
					return ending{}, ctx.Err()
				case <-time.After(g.Delay):
				}
			}
			if !emit(w) {
				return ending{}, ctx.Err()
			}
		}
		return ending{}, nil
	}), nil
}
