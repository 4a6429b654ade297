// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	nodes      map[string]*Node       // keyed by node ID
	children   map[string][]string    // keyed by parent ID -> ordered child IDs
	fragments  map[string][]*Fragment // keyed by node ID
	triples    map[string][]Triple    // keyed by node ID
	users      map[string]*User       // keyed by user ID
	userByName map[string]string      // keyed by username -> user ID
	seq        map[string]int         // keyed by node ID -> insertion order
	nextSeq    int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		nodes:      make(map[string]*Node),
		children:   make(map[string][]string),
		fragments:  make(map[string][]*Fragment),
		triples:    make(map[string][]Triple),
		users:      make(map[string]*User),
		userByName: make(map[string]string),
		seq:        make(map[string]int),
	}
}

// CreateNode stores a new node, validating parent existence.
func (m *MockStore) CreateNode(ctx context.Context, node *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if node.ParentID != "" {
		if _, ok := m.nodes[node.ParentID]; !ok {
			return fmt.Errorf("parent %s: %w", node.ParentID, ErrNotFound)
		}
	}

	// Make a copy to avoid external modification
	n := *node
	m.nodes[n.ID] = &n
	m.seq[n.ID] = m.nextSeq
	m.nextSeq++
	if n.ParentID != "" {
		m.children[n.ParentID] = append(m.children[n.ParentID], n.ID)
	}

	return nil
}

// GetNode retrieves a node by ID.
func (m *MockStore) GetNode(ctx context.Context, id string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getNodeLocked(id)
}

func (m *MockStore) getNodeLocked(id string) (*Node, error) {
	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *n
	return &result, nil
}

// AppendDelta appends text to a streaming node's answer.
func (m *MockStore) AppendDelta(ctx context.Context, nodeID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	if n.Status != StatusStreaming {
		return fmt.Errorf("node %s is %s: %w", nodeID, n.Status, ErrInvalidState)
	}

	n.Answer += text
	return nil
}

// Finalize transitions a node to a terminal status. Idempotent: already
// finalized nodes are returned unchanged.
func (m *MockStore) Finalize(ctx context.Context, nodeID string, finalText *string, succeeded bool) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}

	if n.Status == StatusStreaming {
		if finalText != nil {
			n.Answer = *finalText
		}
		if succeeded {
			n.Status = StatusComplete
		} else {
			n.Status = StatusFailed
		}
		now := time.Now().UTC()
		n.FinalizedAt = &now
	}

	result := *n
	return &result, nil
}

// GetPath returns the root-to-node ancestor chain.
func (m *MockStore) GetPath(ctx context.Context, nodeID string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}

	var path []*Node
	for n != nil {
		c := *n
		path = append([]*Node{&c}, path...)
		if n.ParentID == "" {
			break
		}
		n = m.nodes[n.ParentID]
	}
	return path, nil
}

// ListChildren returns the direct children of a node ordered by creation
// time, insertion order breaking ties.
func (m *MockStore) ListChildren(ctx context.Context, parentID string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listChildrenLocked(parentID), nil
}

func (m *MockStore) listChildrenLocked(parentID string) []*Node {
	ids := m.children[parentID]
	children := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := m.nodes[id]; ok {
			c := *n
			children = append(children, &c)
		}
	}
	sort.SliceStable(children, func(i, j int) bool {
		if children[i].CreatedAt.Equal(children[j].CreatedAt) {
			return m.seq[children[i].ID] < m.seq[children[j].ID]
		}
		return children[i].CreatedAt.Before(children[j].CreatedAt)
	})
	return children
}

// GetTree returns the node with children resolved recursively.
func (m *MockStore) GetTree(ctx context.Context, rootID string, maxDepth int) (*TreeNode, error) {
	if maxDepth <= 0 {
		maxDepth = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	root, err := m.getNodeLocked(rootID)
	if err != nil {
		return nil, err
	}

	tree := &TreeNode{Node: root}
	m.fillChildrenLocked(tree, 0, maxDepth)
	return tree, nil
}

func (m *MockStore) fillChildrenLocked(parent *TreeNode, depth, maxDepth int) {
	if depth >= maxDepth {
		return
	}
	for _, child := range m.listChildrenLocked(parent.Node.ID) {
		tn := &TreeNode{Node: child}
		m.fillChildrenLocked(tn, depth+1, maxDepth)
		parent.Children = append(parent.Children, tn)
	}
}

// SaveFragments replaces the fragment set of a node.
func (m *MockStore) SaveFragments(ctx context.Context, nodeID string, fragments []*Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copies := make([]*Fragment, 0, len(fragments))
	for _, f := range fragments {
		c := *f
		copies = append(copies, &c)
	}
	m.fragments[nodeID] = copies
	return nil
}

// GetFragments returns a node's fragments in registration order.
func (m *MockStore) GetFragments(ctx context.Context, nodeID string) ([]*Fragment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.fragments[nodeID]
	result := make([]*Fragment, 0, len(stored))
	for _, f := range stored {
		c := *f
		result = append(result, &c)
	}
	return result, nil
}

// SaveTriples merges triples into a node's set with case-insensitive dedup.
func (m *MockStore) SaveTriples(ctx context.Context, nodeID string, triples []Triple) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range triples {
		if m.hasTripleLocked(nodeID, t) {
			continue
		}
		m.triples[nodeID] = append(m.triples[nodeID], t)
	}
	return nil
}

func (m *MockStore) hasTripleLocked(nodeID string, t Triple) bool {
	for _, existing := range m.triples[nodeID] {
		if strings.EqualFold(existing.Subject, t.Subject) &&
			strings.EqualFold(existing.Predicate, t.Predicate) &&
			strings.EqualFold(existing.Object, t.Object) {
			return true
		}
	}
	return false
}

// GetTriples returns a node's stored triples in insertion order.
func (m *MockStore) GetTriples(ctx context.Context, nodeID string) ([]Triple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.triples[nodeID]
	result := make([]Triple, len(stored))
	copy(result, stored)
	for i := range result {
		result[i].SourceNodeID = nodeID
	}
	return result, nil
}

// CreateUser stores a new user account.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.userByName[user.Username]; ok {
		return ErrDuplicateUser
	}

	u := *user
	m.users[u.ID] = &u
	m.userByName[u.Username] = u.ID
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByUsername retrieves a user by username.
func (m *MockStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.userByName[username]
	if !ok {
		return nil, ErrNotFound
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
