// ABOUTME: Intent classification routing queries to concept, derivation, or code handling
// ABOUTME: Parses the model's one-word reply and falls back to concept on any failure

package llm

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/2389/deepstudy/internal/store"
)

// Router classifies queries by intent. Classification is advisory: any
// failure falls back to the concept intent so a flaky classifier can never
// reject a question.
type Router struct {
	gen     Generator
	prompts *Catalog
	logger  *slog.Logger
}

// NewRouter creates a Router on top of any Generator.
func NewRouter(gen Generator, prompts *Catalog) *Router {
	return &Router{
		gen:     gen,
		prompts: prompts,
		logger:  slog.Default().With("component", "intent"),
	}
}

// ClassifyIntent returns the intent for a query, one of store.IntentConcept,
// store.IntentDerivation, or store.IntentCode.
func (r *Router) ClassifyIntent(ctx context.Context, query string) string {
	prompt, err := r.prompts.ClassifyPrompt(query)
	if err != nil {
		r.logger.Warn("intent prompt failed, defaulting to concept", "error", err)
		return store.IntentConcept
	}

	reply, err := r.gen.Generate(ctx, Request{
		Turns:       []Turn{{Role: RoleUser, Text: prompt}},
		Temperature: genai.Ptr(float32(0)),
		MaxTokens:   16,
	})
	if err != nil {
		r.logger.Warn("intent classification failed, defaulting to concept", "error", err)
		return store.IntentConcept
	}

	return parseIntent(reply)
}

// parseIntent folds a free-form reply into one of the three intents.
func parseIntent(reply string) string {
	r := strings.ToLower(reply)
	switch {
	case strings.Contains(r, "code"):
		return store.IntentCode
	case strings.Contains(r, "derivation"):
		return store.IntentDerivation
	default:
		return store.IntentConcept
	}
}
