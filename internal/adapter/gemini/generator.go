package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Generator wraps the Gemini generative API behind the answerer's
// Complete(prompt) contract.
type Generator struct {
	client *genai.Client
	model  string
}

func NewGenerator(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Generator, error) {
	opts = append(opts, option.WithAPIKey(apiKey))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Generator{client: client, model: model}, nil
}

func (g *Generator) Close() error {
	return g.client.Close()
}

func (g *Generator) Complete(ctx context.Context, prompt string) (string, error) {
	slog.DebugContext(ctx, "generating completion", "model", g.model, "prompt_len", len(prompt))

	model := g.client.GenerativeModel(g.model)
	res, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return "", fmt.Errorf("no candidates returned")
	}

	var out string
	for _, part := range res.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			out += string(t)
		}
	}
	if out == "" {
		return "", fmt.Errorf("candidate contained no text parts")
	}
	return out, nil
}
