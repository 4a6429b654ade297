// ABOUTME: Gemini-backed Generator implementation over the google.golang.org/genai SDK
// ABOUTME: Handles content conversion, config defaults, and the streaming loop

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// GeminiConfig holds provider construction settings. Model serves concept
// and derivation intents; CoderModel, when set, is picked by the caller for
// code intents.
type GeminiConfig struct {
	APIKey          string
	Model           string
	CoderModel      string
	Temperature     float32
	MaxOutputTokens int32
}

// Gemini implements Generator against the Gemini API.
type Gemini struct {
	api    GenAI
	cfg    GeminiConfig
	logger *slog.Logger
}

// NewGemini creates a Gemini provider. The API key is required; everything
// else has workable defaults.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: missing api key")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}

	return &Gemini{
		api:    client.Models,
		cfg:    cfg,
		logger: slog.Default().With("component", "llm"),
	}, nil
}

func (g *Gemini) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return g.cfg.Model
}

// Generate runs a blocking generation and returns the full answer text.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := g.api.GenerateContent(ctx, g.model(req), buildContents(req.Turns), g.buildConfig(req))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	text, err := responseText(resp)
	if err != nil {
		return "", err
	}
	return text, nil
}

// Stream runs a streaming generation. Chunks arrive in order; a chunk with
// Err set ends the stream early.
func (g *Gemini) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	contents := buildContents(req.Turns)
	config := g.buildConfig(req)
	model := g.model(req)

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		delivered := false
		for result, err := range g.api.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				g.logger.Warn("generation stream failed", "model", model, "error", err)
				// A failure before any text means the service never
				// answered at all.
				if !delivered {
					err = fmt.Errorf("%w: %w", ErrUnavailable, err)
				} else {
					err = fmt.Errorf("streaming generation: %w", err)
				}
				g.send(ctx, ch, Chunk{Err: err})
				return
			}
			for _, candidate := range result.Candidates {
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part.Text == "" {
						continue
					}
					if !g.send(ctx, ch, Chunk{Text: part.Text}) {
						return
					}
					delivered = true
				}
			}
		}
	}()
	return ch, nil
}

// send delivers a chunk unless the context is gone. Returns false once the
// consumer has cancelled.
func (g *Gemini) send(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (g *Gemini) buildConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(*req.Temperature)
	} else {
		cfg.Temperature = genai.Ptr(g.cfg.Temperature)
	}

	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	} else if g.cfg.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = g.cfg.MaxOutputTokens
	}

	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: req.System},
			},
		}
	}

	return cfg
}

// buildContents converts conversation turns into SDK content entries.
func buildContents(turns []Turn) []*genai.Content {
	var contents []*genai.Content
	for _, turn := range turns {
		role := genai.RoleUser
		if turn.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role: role,
			Parts: []*genai.Part{
				{Text: turn.Text},
			},
		})
	}
	return contents
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", ErrNoContent
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", ErrNoContent
	}
	return sb.String(), nil
}

var _ Generator = (*Gemini)(nil)
