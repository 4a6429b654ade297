// Package conversation implements the recursive dialogue engine.
//
// # Overview
//
// Every question is a node in a per-user conversation tree. A root question
// starts a tree; a follow-up anchors to a finalized ancestor and may narrow
// its focus to one fragment of that ancestor's answer. The ancestor path
// (root to parent) becomes the generation context, so a deep branch carries
// its whole lineage into the model call.
//
// # Service
//
// The Service validates anchoring rules before any model work:
//
//   - the parent must exist, belong to the caller, and be complete
//   - a referenced fragment must resolve against the parent's answer
//
// Two entry points share that pipeline:
//
//   - Ask(ctx, req): blocking; returns the finalized node with its
//     fragments and knowledge triples
//   - AskStream(ctx, req): returns an ordered event stream (meta, deltas,
//     terminal full or error)
//
// # Lifecycle
//
// Nodes are created in streaming state before generation starts and
// finalized exactly once: complete on success, failed on error, timeout, or
// client disconnect. A failed node keeps its partial answer for inspection
// but can never anchor follow-ups.
//
// # Session Feed
//
// The Broadcaster fans node lifecycle events (node_created, node_completed,
// node_failed) out to subscribers of a session key, letting a second client
// follow a session live without polling.
package conversation
