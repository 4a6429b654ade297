// ABOUTME: Fragment indexing and selection resolution for finalized answers
// ABOUTME: Assigns deterministic span ids and resolves user selections back to fragments

package fragment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/deepstudy/internal/store"
)

// ErrInvalidReference is returned when a selection or an explicit fragment id
// does not resolve against a node's registered fragments.
var ErrInvalidReference = errors.New("fragment reference does not resolve")

// Span is a candidate addressable region found inside an answer.
type Span struct {
	Type    string // store.FragmentCode, store.FragmentFormula, store.FragmentText
	Content string
}

// Finder produces candidate spans from a finalized answer. The default
// implementation is MarkdownFinder; tests substitute fixed span lists.
type Finder interface {
	Find(answer string) []Span
}

// Indexer turns candidate spans into registered fragments with stable ids.
type Indexer struct {
	finder Finder
	logger *slog.Logger
}

// NewIndexer creates an Indexer backed by the given span finder.
func NewIndexer(finder Finder) *Indexer {
	return &Indexer{
		finder: finder,
		logger: slog.Default().With("component", "fragment"),
	}
}

// Index finds the spans of a finalized answer and assigns each a
// deterministic id: a hash of the exact content combined with the span's
// ordinal among same-type spans of the node. Two identical code blocks in
// one answer therefore still get distinct ids. Position records overall
// registration order for resolution tie-breaking.
func (ix *Indexer) Index(nodeID, answer string) []*store.Fragment {
	spans := ix.finder.Find(answer)

	ordinals := make(map[string]int)
	fragments := make([]*store.Fragment, 0, len(spans))
	for pos, span := range spans {
		ordinal := ordinals[span.Type]
		ordinals[span.Type]++

		fragments = append(fragments, &store.Fragment{
			ID:       spanID(span.Type, ordinal, span.Content),
			NodeID:   nodeID,
			Type:     span.Type,
			Content:  span.Content,
			Position: pos,
		})
	}

	ix.logger.Debug("indexed fragments", "node_id", nodeID, "count", len(fragments))
	return fragments
}

// spanID derives the deterministic fragment id.
func spanID(typ string, ordinal int, content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s-%d-%s", typ, ordinal, hex.EncodeToString(sum[:])[:12])
}

// Resolve maps a user text selection to a registered fragment. Precedence,
// first match wins: exact content equality, then selection contained in a
// fragment, then fragment contained in the selection. Fragments arrive in
// registration order, so ties fall to the earliest-indexed candidate.
func Resolve(fragments []*store.Fragment, selection string) (*store.Fragment, error) {
	if selection == "" {
		return nil, fmt.Errorf("empty selection: %w", ErrInvalidReference)
	}

	for _, f := range fragments {
		if f.Content == selection {
			return f, nil
		}
	}
	for _, f := range fragments {
		if strings.Contains(f.Content, selection) {
			return f, nil
		}
	}
	for _, f := range fragments {
		if strings.Contains(selection, f.Content) {
			return f, nil
		}
	}

	return nil, fmt.Errorf("selection %q: %w", truncate(selection, 40), ErrInvalidReference)
}

// FindByID looks up an explicitly supplied fragment id. A follow-up that
// names a reference fragment which does not resolve is rejected rather than
// silently proceeding without its anchor.
func FindByID(fragments []*store.Fragment, id string) (*store.Fragment, error) {
	for _, f := range fragments {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, fmt.Errorf("fragment id %q: %w", id, ErrInvalidReference)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
