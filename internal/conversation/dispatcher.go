// ABOUTME: Per-request stream orchestration - one meta event, ordered deltas, one terminal event
// ABOUTME: A disconnect cancels generation and finalizes the partial answer as failed

package conversation

import (
	"context"
	"fmt"

	"github.com/2389/deepstudy/internal/llm"
	"github.com/2389/deepstudy/internal/store"
)

// dispatcher drives one streaming generation for one node. Every delta is
// persisted before it is emitted, so what a client has seen is always a
// prefix of the stored answer.
type dispatcher struct {
	svc  *Service
	node *store.Node
	out  chan Event
}

func (d *dispatcher) run(ctx context.Context, genReq llm.Request) {
	defer close(d.out)
	s := d.svc

	genCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	d.emit(ctx, Event{Kind: EventMeta, NodeID: d.node.ID, ParentID: d.node.ParentID})

	if genErr := d.stream(genCtx, genReq); genErr != nil {
		s.fail(d.node, genErr)
		d.emit(ctx, Event{Kind: EventError, NodeID: d.node.ID, Error: genErr.Error()})
		return
	}

	final, err := s.finalizeComplete(d.node, nil)
	if err != nil {
		d.emit(ctx, Event{Kind: EventError, NodeID: d.node.ID, Error: "failed to finalize answer"})
		return
	}

	// Fragments are indexed before the terminal event so follow-ups can
	// reference them the moment the stream closes. Knowledge extraction is
	// slower and runs detached; the mind map catches up shortly after.
	s.indexFragments(final)
	go s.extractAndSaveTriples(final)

	d.emit(ctx, Event{Kind: EventFull, NodeID: final.ID, ParentID: final.ParentID, Text: final.Answer})
}

// stream consumes generator chunks, persisting and emitting each delta in
// order. Returns nil only if the generator finished cleanly.
func (d *dispatcher) stream(ctx context.Context, genReq llm.Request) error {
	ch, err := d.svc.generator.Stream(ctx, genReq)
	if err != nil {
		return err
	}

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			if chunk.Err != nil {
				return chunk.Err
			}
			if err := d.svc.store.AppendDelta(ctx, d.node.ID, chunk.Text); err != nil {
				return fmt.Errorf("recording delta: %w", err)
			}
			if !d.emit(ctx, Event{Kind: EventDelta, NodeID: d.node.ID, Text: chunk.Text}) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// emit delivers an event unless the client is gone.
func (d *dispatcher) emit(ctx context.Context, ev Event) bool {
	select {
	case d.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
