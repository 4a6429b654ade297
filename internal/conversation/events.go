// ABOUTME: Event types for answer streams and the session activity feed
// ABOUTME: Stream events follow the meta, delta, full/error protocol in order

package conversation

import "time"

// EventKind indicates the type of stream event.
type EventKind int

const (
	// EventMeta is always first and carries the new node's identifiers.
	EventMeta EventKind = iota
	// EventDelta carries one answer increment. Concatenating every delta
	// of a stream yields exactly the finalized answer.
	EventDelta
	// EventFull terminates a successful stream with the complete answer.
	EventFull
	// EventError terminates a failed stream.
	EventError
)

// Event is one item of a node's answer stream.
type Event struct {
	Kind     EventKind
	NodeID   string
	ParentID string
	Text     string
	Error    string
}

// Session feed event kinds.
const (
	SessionNodeCreated   = "node_created"
	SessionNodeCompleted = "node_completed"
	SessionNodeFailed    = "node_failed"
)

// SessionEvent is published to the session activity feed whenever a node
// changes state, letting other clients of the same session follow along
// without polling.
type SessionEvent struct {
	Kind      string    `json:"type"`
	SessionID string    `json:"session_id"`
	NodeID    string    `json:"conversation_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Query     string    `json:"query,omitempty"`
	Timestamp time.Time `json:"created_at"`
}
