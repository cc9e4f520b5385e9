package answer

import (
	"context"
	"fmt"
	"strings"

	"corpusd/internal/retrieval"
)

// contextBudget caps the total characters of retrieved text placed in the
// prompt, keeping generation requests within model limits.
const contextBudget = 4000

type Generator interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.Result, error)
}

// Answer is a generated response with the retrieval results it was grounded
// on.
type Answer struct {
	Text    string             `json:"text"`
	Sources []retrieval.Result `json:"sources"`
}

type Service struct {
	retriever Retriever
	generator Generator
}

func NewService(r Retriever, g Generator) *Service {
	return &Service{retriever: r, generator: g}
}

// Answer retrieves context for the query and asks the generator for a
// grounded response. With no retrieval results it answers without generating,
// saying so explicitly rather than inviting a hallucination.
func (s *Service) Answer(ctx context.Context, query string, opts retrieval.Options) (*Answer, error) {
	results, err := s.retriever.Retrieve(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}
	if len(results) == 0 {
		return &Answer{
			Text:    "No relevant content has been ingested for this question.",
			Sources: []retrieval.Result{},
		}, nil
	}

	prompt, used := BuildPrompt(query, results)

	text, err := s.generator.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	return &Answer{Text: text, Sources: used}, nil
}

// BuildPrompt assembles the generation prompt from ranked results, stopping
// when the context budget is spent. It returns the prompt and the results
// that actually made it in.
func BuildPrompt(query string, results []retrieval.Result) (string, []retrieval.Result) {
	var b strings.Builder
	b.WriteString("Answer the question using only the context below. ")
	b.WriteString("If the context does not contain the answer, say so.\n\n")

	used := make([]retrieval.Result, 0, len(results))
	budget := contextBudget
	for i, r := range results {
		text := r.Text
		if len(text) > budget {
			if budget < 200 {
				break
			}
			text = truncateRunes(text, budget)
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, r.Title, r.SourceURL, text)
		budget -= len(text)
		used = append(used, r)
		if budget <= 0 {
			break
		}
	}

	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String(), used
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
