package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/lexiqai/voice-server/internal/history"
)

// GeminiGenerator implements Generator using the Google Gemini API
type GeminiGenerator struct {
	client *genai.Client
	model  string
	system string
}

// NewGeminiGenerator creates a generator for model
func NewGeminiGenerator(ctx context.Context, apiKey, model, system string) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiGenerator{client: client, model: model, system: system}, nil
}

func (g *GeminiGenerator) Name() string { return "gemini" }

func (g *GeminiGenerator) contents(turns []history.Turn, userText string, steps []ToolStep) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns)+1+2*len(steps))
	for _, t := range turns {
		role := genai.RoleUser
		if t.Role == history.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(t.Text)},
		})
	}
	out = append(out, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{genai.NewPartFromText(userText)},
	})

	for _, step := range steps {
		calls := make([]*genai.Part, 0, len(step.Calls))
		for _, c := range step.Calls {
			calls = append(calls, &genai.Part{FunctionCall: &genai.FunctionCall{ID: c.ID, Name: c.Name, Args: c.Args()}})
		}
		results := make([]*genai.Part, 0, len(step.Results))
		for _, r := range step.Results {
			results = append(results, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       r.CallID,
				Name:     r.Name,
				Response: map[string]any{"output": r.Output},
			}})
		}
		out = append(out,
			genai.NewContentFromParts(calls, genai.RoleModel),
			genai.NewContentFromParts(results, genai.RoleUser),
		)
	}
	return out
}

func geminiTools(tools []Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		if len(t.Parameters) > 0 {
			decl.ParametersJsonSchema = t.Parameters
		}
		decls = append(decls, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func (g *GeminiGenerator) Generate(ctx context.Context, turns []history.Turn, userText string) (Stream, error) {
	return g.GenerateWithTools(ctx, turns, userText, Toolbox{})
}

func (g *GeminiGenerator) GenerateWithTools(ctx context.Context, turns []history.Turn, userText string, box Toolbox) (Stream, error) {
	cfg := &genai.GenerateContentConfig{}
	if g.system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(g.system)}}
	}
	if len(box.Tools) > 0 {
		cfg.Tools = geminiTools(box.Tools)
	}
	contents := g.contents(turns, userText, box.Steps)

	return newPipeStream(ctx, "gemini", g.model, func(ctx context.Context, emit func(string) bool) (ending, error) {
		var end ending
		for chunk, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
			if err != nil {
				return ending{}, err
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			cand := chunk.Candidates[0]
			if cand.Content != nil {
				for _, p := range cand.Content.Parts {
					if fc := p.FunctionCall; fc != nil {
						end.calls = append(end.calls, geminiCall(fc))
						continue
					}
					if p.Text != "" && !p.Thought && !emit(p.Text) {
						return ending{}, ctx.Err()
					}
				}
			}
			switch cand.FinishReason {
			case genai.FinishReasonMaxTokens:
				end.truncated = true
			case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent:
				return ending{}, fmt.Errorf("reply blocked: %s", cand.FinishReason)
			}
		}
		return end, nil
	}), nil
}

func geminiCall(fc *genai.FunctionCall) ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	return ToolCall{ID: fc.ID, Name: fc.Name, Arguments: string(args)}
}
