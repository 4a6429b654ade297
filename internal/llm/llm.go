// ABOUTME: Core types for model-backed answer generation
// ABOUTME: Defines the Generator interface plus the request and chunk shapes it trades in

package llm

import (
	"context"
	"errors"
	"iter"

	"google.golang.org/genai"
)

// Turn roles for conversation context.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

var (
	// ErrNoContent is returned when the model replies with an empty or
	// malformed candidate set.
	ErrNoContent = errors.New("model returned no content")
	// ErrUnavailable marks failures where the model service never delivered
	// anything: unreachable, rejected credentials, or an open that failed
	// before the first increment.
	ErrUnavailable = errors.New("model unavailable")
)

// Turn is one prior exchange entry included as generation context.
type Turn struct {
	Role string
	Text string
}

// Request describes a single generation. Turns carry the conversation path,
// oldest first, ending with the current query. Model, Temperature, and
// MaxTokens override the provider defaults when set.
type Request struct {
	Model       string
	System      string
	Turns       []Turn
	Temperature *float32
	MaxTokens   int32
}

// Chunk is one streamed increment. A chunk with Err set terminates the
// stream; the channel is closed afterwards.
type Chunk struct {
	Text string
	Err  error
}

// Generator produces answers, either whole or as a stream of chunks.
type Generator interface {
	// Generate returns the complete answer text.
	Generate(ctx context.Context, req Request) (string, error)
	// Stream returns a channel of answer chunks. Concatenating the Text of
	// every chunk yields exactly the answer. The channel is closed when the
	// generation finishes or fails.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// GenAI is the narrow view of the Gemini SDK this package depends on.
// *genai.Models satisfies it directly; tests substitute fakes.
type GenAI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}
