// ABOUTME: Offline Generator used when no API key is configured
// ABOUTME: Produces a deterministic canned answer so the engine runs end to end without a model

package llm

import (
	"context"
	"time"
)

const staticAnswer = "I am running without a language model, so this is a canned reply.\n\n" +
	"```text\nstatic mode\n```\n\n" +
	"Formulas like $x^2$ and fenced blocks still flow through the fragment indexer. " +
	"Configure model.api_key to enable real answers."

// Static is a Generator that returns a fixed answer. It keeps local
// development and the bootstrap walkthrough working without credentials.
type Static struct {
	// Answer overrides the built-in canned text when set.
	Answer string
	// ChunkSize is the number of runes per streamed chunk; zero means 24.
	ChunkSize int
	// Delay is an optional pause between chunks to simulate model pacing.
	Delay time.Duration
}

func (s *Static) answer() string {
	if s.Answer != "" {
		return s.Answer
	}
	return staticAnswer
}

// Generate returns the canned answer.
func (s *Static) Generate(_ context.Context, _ Request) (string, error) {
	return s.answer(), nil
}

// Stream emits the canned answer in fixed-size rune chunks. Concatenating
// the chunks reproduces the answer exactly.
func (s *Static) Stream(ctx context.Context, _ Request) (<-chan Chunk, error) {
	answer := s.answer()
	size := s.ChunkSize
	if size <= 0 {
		size = 24
	}

	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		runes := []rune(answer)
		for start := 0; start < len(runes); start += size {
			end := start + size
			if end > len(runes) {
				end = len(runes)
			}
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- Chunk{Text: string(runes[start:end])}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

var _ Generator = (*Static)(nil)
