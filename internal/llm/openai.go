package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lexiqai/voice-server/internal/history"
)

const (
	oaiFinishReasonLength        = "length"
	oaiFinishReasonContentFilter = "content_filter"
)

// DefaultOllamaURL is the OpenAI-compatible endpoint of a local Ollama
const DefaultOllamaURL = "http://localhost:11434/v1"

// OpenAIGenerator talks to any OpenAI-compatible chat completions API.
// Ollama is served by the same generator under its own provider name.
type OpenAIGenerator struct {
	client   *openai.Client
	provider string
	model    string
	system   string
}

// NewOpenAIGenerator creates a generator. SDK retries are disabled;
// RetryingGenerator owns the retry policy.
func NewOpenAIGenerator(provider, apiKey, baseURL, model, system string) *OpenAIGenerator {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIGenerator{
		client:   &client,
		provider: provider,
		model:    model,
		system:   system,
	}
}

func (g *OpenAIGenerator) Name() string { return g.provider }

func (g *OpenAIGenerator) messages(turns []history.Turn, userText string, steps []ToolStep) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+2+2*len(steps))
	if g.system != "" {
		msgs = append(msgs, openai.SystemMessage(g.system))
	}
	for _, t := range turns {
		switch t.Role {
		case history.RoleUser:
			msgs = append(msgs, openai.UserMessage(t.Text))
		case history.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Text))
		}
	}
	msgs = append(msgs, openai.UserMessage(userText))

	for _, step := range steps {
		calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(step.Calls))
		for _, c := range step.Calls {
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID: c.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      c.Name,
					Arguments: c.Arguments,
				},
			})
		}
		msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
			OfAssistant: &openai.ChatCompletionAssistantMessageParam{ToolCalls: calls},
		})
		for _, r := range step.Results {
			msgs = append(msgs, openai.ToolMessage(r.Output, r.CallID))
		}
	}
	return msgs
}

func oaiTools(tools []Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		fn := openai.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: openai.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func (g *OpenAIGenerator) Generate(ctx context.Context, turns []history.Turn, userText string) (Stream, error) {
	return g.GenerateWithTools(ctx, turns, userText, Toolbox{})
}

func (g *OpenAIGenerator) GenerateWithTools(ctx context.Context, turns []history.Turn, userText string, box Toolbox) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    g.model,
		Messages: g.messages(turns, userText, box.Steps),
	}
	if len(box.Tools) > 0 {
		params.Tools = oaiTools(box.Tools)
	}

	return newPipeStream(ctx, g.provider, g.model, func(ctx context.Context, emit func(string) bool) (ending, error) {
		stream := g.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var (
			end   ending
			calls oaiCallBuilder
		)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if !emit(choice.Delta.Content) {
				return ending{}, ctx.Err()
			}
			for _, tc := range choice.Delta.ToolCalls {
				calls.add(tc)
			}
			switch choice.FinishReason {
			case oaiFinishReasonLength:
				end.truncated = true
			case oaiFinishReasonContentFilter:
				return ending{}, fmt.Errorf("reply blocked by content filter")
			}
		}
		end.calls = calls.done()
		return end, stream.Err()
	}), nil
}

// oaiCallBuilder joins streamed tool call fragments. Fragments of one call
// share an index; only the first carries the id and name.
type oaiCallBuilder struct {
	calls []ToolCall
	index map[int64]int
}

func (b *oaiCallBuilder) add(tc openai.ChatCompletionChunkChoiceDeltaToolCall) {
	if b.index == nil {
		b.index = make(map[int64]int)
	}
	i, ok := b.index[tc.Index]
	if !ok {
		i = len(b.calls)
		b.index[tc.Index] = i
		b.calls = append(b.calls, ToolCall{})
	}
	c := &b.calls[i]
	if tc.ID != "" {
		c.ID = tc.ID
	}
	c.Name += tc.Function.Name
	c.Arguments += tc.Function.Arguments
}

func (b *oaiCallBuilder) done() []ToolCall {
	out := b.calls[:0]
	for _, c := range b.calls {
		if c.Name != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
