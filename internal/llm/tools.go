package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/lexiqai/voice-server/internal/history"
)

// ErrToolLoop is returned when a reply keeps calling tools past the step limit
var ErrToolLoop = errors.New("too many tool steps")

// Tool is a function the model may call. Parameters is a JSON schema.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a function call requested by the model. Arguments is a JSON
// object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Args decodes the call arguments. Malformed or empty arguments decode to an
// empty object.
func (c ToolCall) Args() map[string]any {
	args := map[string]any{}
	if c.Arguments != "" {
		if err := json.Unmarshal([]byte(c.Arguments), &args); err != nil || args == nil {
			return map[string]any{}
		}
	}
	return args
}

// ToolResult answers one ToolCall
type ToolResult struct {
	CallID string
	Name   string
	Output string
}

// ToolStep is one round of calls and their results inside a reply
type ToolStep struct {
	Calls   []ToolCall
	Results []ToolResult
}

// Toolbox holds the tools offered for one reply and the steps taken so far
type Toolbox struct {
	Tools []Tool
	Steps []ToolStep
}

// ToolGenerator is a Generator that can call tools. A stream that ends with
// tool calls reports them in Reply().ToolCalls; the caller runs them and
// generates again with the results appended to box.Steps.
type ToolGenerator interface {
	Generator
	GenerateWithTools(ctx context.Context, turns []history.Turn, userText string, box Toolbox) (Stream, error)
}

// GenerateWithTools uses g's tool support when it has any and box offers
// tools. Otherwise it is a plain Generate.
func GenerateWithTools(ctx context.Context, g Generator, turns []history.Turn, userText string, box Toolbox) (Stream, error) {
	if tg, ok := g.(ToolGenerator); ok && (len(box.Tools) > 0 || len(box.Steps) > 0) {
		return tg.GenerateWithTools(ctx, turns, userText, box)
	}
	return g.Generate(ctx, turns, userText)
}
