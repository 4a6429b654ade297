// Package store persists the dialogue tree in SQLite.
//
// # Architecture
//
// The Store interface owns all node mutation. Nodes form a tree through
// parent_id lookup keys (never object pointers); the parent->children
// direction is a derived index, so the tree is acyclic by construction:
// a parent must exist before a child references it, and nodes are never
// deleted.
//
// # Data Models
//
//   - Node: One query/answer pair with lifecycle status
//     (streaming -> complete | failed). The answer accumulates through
//     AppendDelta while streaming and is immutable after Finalize.
//   - Fragment: Addressable span of a finalized answer (code, formula,
//     text) with a deterministic per-node id.
//   - Triple: A (subject, predicate, object) fact attributed to a node,
//     deduplicated case-insensitively per node.
//   - User: Registered account owning nodes.
//
// # Lifecycle Guarantees
//
// AppendDelta succeeds only while a node is streaming. Finalize is
// idempotent: finalizing an already finalized node returns the stored
// state without modifying it, so network retries cannot corrupt history.
// A failed node keeps whatever partial answer it accumulated.
//
// # SQLite Configuration
//
// The database opens in WAL mode so readers never block the single
// writer, and foreign keys are enforced:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339Nano strings; creation time totally
// orders siblings, with rowid as tiebreak.
//
// # Error Handling
//
// Sentinel errors cover the expected failure modes:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrInvalidState: Operation conflicts with the node's lifecycle state
//   - ErrDuplicateUser: Username already registered
//
// Every method takes a context.Context and honors cancellation.
//
// # Testing
//
// NewMockStore gives unit tests an in-memory implementation with the same
// semantics. Integration tests open a real SQLiteStore against a
// t.TempDir() path.
package store
