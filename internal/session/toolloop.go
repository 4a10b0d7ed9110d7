package session

import (
	"context"
	"sync"

	"github.com/lexiqai/voice-server/internal/history"
	"github.com/lexiqai/voice-server/internal/llm"
)

// toolLoop is an llm.Stream over a reply that may call tools. When a
// generation stops with tool calls, the calls run and the model is asked
// again with their results, for at most maxSteps rounds. Only text deltas
// reach the consumer.
type toolLoop struct {
	ctx      context.Context
	cancel   context.CancelFunc
	gen      llm.Generator
	turns    []history.Turn
	userText string
	box      llm.Toolbox
	maxSteps int
	exec     func(ctx context.Context, c llm.ToolCall) llm.ToolResult

	// Close may run concurrently with Next
	mu     sync.Mutex
	cur    llm.Stream
	closed bool

	err error
}

// startToolLoop opens the first generation of a reply
func startToolLoop(ctx context.Context, gen llm.Generator, turns []history.Turn, userText string, tools []llm.Tool, maxSteps int, exec func(context.Context, llm.ToolCall) llm.ToolResult) (*toolLoop, error) {
	ctx, cancel := context.WithCancel(ctx)
	l := &toolLoop{
		ctx:      ctx,
		cancel:   cancel,
		gen:      gen,
		turns:    turns,
		userText: userText,
		box:      llm.Toolbox{Tools: tools},
		maxSteps: maxSteps,
		exec:     exec,
	}
	if err := l.open(); err != nil {
		cancel()
		return nil, err
	}
	return l, nil
}

func (l *toolLoop) open() error {
	stream, err := llm.GenerateWithTools(l.ctx, l.gen, l.turns, l.userText, l.box)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		stream.Close()
		return context.Canceled
	}
	l.cur = stream
	return nil
}

func (l *toolLoop) stream() llm.Stream {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

func (l *toolLoop) Next() bool {
	for l.err == nil {
		cur := l.stream()
		if cur.Next() {
			return true
		}
		if cur.Err() != nil {
			return false
		}
		calls := cur.Reply().ToolCalls
		if len(calls) == 0 {
			return false
		}
		if len(l.box.Steps) >= l.maxSteps {
			l.err = &llm.GenerationError{Provider: l.gen.Name(), Err: llm.ErrToolLoop}
			return false
		}

		step := llm.ToolStep{Calls: calls}
		for _, c := range calls {
			step.Results = append(step.Results, l.exec(l.ctx, c))
		}
		if err := l.ctx.Err(); err != nil {
			l.err = err
			return false
		}
		l.box.Steps = append(l.box.Steps, step)

		cur.Close()
		if err := l.open(); err != nil {
			l.err = err
		}
	}
	return false
}

func (l *toolLoop) Delta() string { return l.stream().Delta() }

func (l *toolLoop) Err() error {
	if l.err != nil {
		return l.err
	}
	return l.stream().Err()
}

// Reply describes the last generation
func (l *toolLoop) Reply() llm.Reply { return l.stream().Reply() }

func (l *toolLoop) Close() error {
	l.mu.Lock()
	l.closed = true
	cur := l.cur
	l.mu.Unlock()

	l.cancel()
	if cur != nil {
		return cur.Close()
	}
	return nil
}
