// ABOUTME: Knowledge triple extraction via structured JSON generation
// ABOUTME: Requests a fixed response schema and filters degenerate triples

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/2389/deepstudy/internal/store"
)

// maxTriplesPerNode caps how many extracted triples one exchange may add.
const maxTriplesPerNode = 8

// Extractor pulls knowledge triples out of a finalized exchange. It talks
// to the API directly rather than through Generator because it needs a
// response schema.
type Extractor struct {
	api     GenAI
	model   string
	prompts *Catalog
	logger  *slog.Logger
}

// NewExtractor creates an Extractor sharing the provider's API handle.
func NewExtractor(g *Gemini, prompts *Catalog) *Extractor {
	return &Extractor{
		api:     g.api,
		model:   g.cfg.Model,
		prompts: prompts,
		logger:  slog.Default().With("component", "extractor"),
	}
}

var triplesSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"triples": {
			Type:        genai.TypeArray,
			Description: "Knowledge triples found in the exchange",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"subject":   {Type: genai.TypeString},
					"predicate": {Type: genai.TypeString},
					"object":    {Type: genai.TypeString},
				},
				Required: []string{"subject", "predicate", "object"},
			},
		},
	},
	Required: []string{"triples"},
}

// ExtractTriples asks the model for the knowledge triples of one finalized
// question and answer. Triples with any blank field are dropped; at most
// maxTriplesPerNode survive.
func (e *Extractor) ExtractTriples(ctx context.Context, query, answer string) ([]store.Triple, error) {
	prompt, err := e.prompts.TriplesPrompt(query, answer)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0)),
		ResponseMIMEType: "application/json",
		ResponseSchema:   triplesSchema,
	}
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	resp, err := e.api.GenerateContent(ctx, e.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("extracting triples: %w", err)
	}
	rawJSON, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Triples []struct {
			Subject   string `json:"subject"`
			Predicate string `json:"predicate"`
			Object    string `json:"object"`
		} `json:"triples"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &parsed); err != nil {
		return nil, fmt.Errorf("unmarshaling triples JSON: %w", err)
	}

	triples := make([]store.Triple, 0, len(parsed.Triples))
	for _, t := range parsed.Triples {
		subject := strings.TrimSpace(t.Subject)
		predicate := strings.TrimSpace(t.Predicate)
		object := strings.TrimSpace(t.Object)
		if subject == "" || predicate == "" || object == "" {
			continue
		}
		triples = append(triples, store.Triple{Subject: subject, Predicate: predicate, Object: object})
		if len(triples) == maxTriplesPerNode {
			break
		}
	}

	e.logger.Debug("extracted triples", "count", len(triples))
	return triples, nil
}
