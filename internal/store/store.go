// ABOUTME: Store interface and data types for deepstudy persistence
// ABOUTME: Defines Node, Fragment, Triple, User structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidState is returned when an operation conflicts with a node's
// lifecycle state, e.g. appending to a finalized node or branching off a
// parent that is still streaming.
var ErrInvalidState = errors.New("invalid node state")

// ErrDuplicateUser is returned when trying to register a username that already exists
var ErrDuplicateUser = errors.New("username already taken")

// Node status values. A node is created streaming, accumulates answer text
// through AppendDelta, and is finalized exactly once to complete or failed.
const (
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
)

// Intent classification values assigned by the intent router.
const (
	IntentDerivation = "derivation"
	IntentCode       = "code"
	IntentConcept    = "concept"
)

// Node is one query/answer pair in the dialogue tree. ParentID is a lookup
// key, never an object pointer; the empty string marks a root. Answer is
// mutable until the node is finalized and immutable after.
type Node struct {
	ID            string
	UserID        string
	ParentID      string // empty for roots
	SessionID     string
	Query         string
	Answer        string
	Status        string // streaming, complete, failed
	Intent        string // derivation, code, concept (may be empty)
	RefFragmentID string // parent fragment this follow-up was anchored to
	CreatedAt     time.Time
	FinalizedAt   *time.Time
}

// Finalized reports whether the node has reached a terminal status.
func (n *Node) Finalized() bool {
	return n.Status == StatusComplete || n.Status == StatusFailed
}

// Fragment type values.
const (
	FragmentCode    = "code"
	FragmentFormula = "formula"
	FragmentText    = "text"
)

// Fragment is an addressable span within a finalized answer. ID is
// deterministic given the content and the span's ordinal among same-type
// spans of the node; Position records registration order for tie-breaking
// during selection resolution. IDs are unique within a node only.
type Fragment struct {
	ID       string `json:"id"`
	NodeID   string `json:"node_id"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Position int    `json:"-"`
}

// Triple is one (subject, predicate, object) fact attributed to a node.
// Triples are deduplicated case-insensitively per node on insert.
type Triple struct {
	Subject      string `json:"subject"`
	Predicate    string `json:"predicate"`
	Object       string `json:"object"`
	SourceNodeID string `json:"source_node_id,omitempty"`
}

// TreeNode is a node with its children resolved recursively, ordered by
// creation time. Children of children continue until the depth limit.
type TreeNode struct {
	Node     *Node
	Children []*TreeNode
}

// User is a registered account. Nodes are scoped to their owning user.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Store defines the interface for dialogue tree, fragment, triple and user
// persistence. All node mutation goes through this interface; writes to a
// single node are atomic from a reader's perspective.
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	AppendDelta(ctx context.Context, nodeID, text string) error
	Finalize(ctx context.Context, nodeID string, finalText *string, succeeded bool) (*Node, error)
	GetPath(ctx context.Context, nodeID string) ([]*Node, error)
	GetTree(ctx context.Context, rootID string, maxDepth int) (*TreeNode, error)
	ListChildren(ctx context.Context, parentID string) ([]*Node, error)

	// Fragments (written once per node, after finalize)
	SaveFragments(ctx context.Context, nodeID string, fragments []*Fragment) error
	GetFragments(ctx context.Context, nodeID string) ([]*Fragment, error)

	// Knowledge triples
	SaveTriples(ctx context.Context, nodeID string, triples []Triple) error
	GetTriples(ctx context.Context, nodeID string) ([]Triple, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Close releases any resources held by the store
	Close() error
}
