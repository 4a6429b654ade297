// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers node lifecycle, path/tree reads, fragments, triples, and users

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore returns a SQLiteStore backed by a throwaway file.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newNode builds a streaming node with sensible defaults for tests.
func newNode(query, parentID string) *Node {
	return &Node{
		ID:        uuid.New().String(),
		UserID:    "user-1",
		ParentID:  parentID,
		SessionID: "session-1",
		Query:     query,
		Status:    StatusStreaming,
		CreatedAt: time.Now().UTC(),
	}
}

func TestStore_CreateAndGetNode(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node := newNode("What is recursion?", "")
	node.Intent = IntentConcept
	require.NoError(t, store.CreateNode(ctx, node))

	got, err := store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, node.ID, got.ID)
	assert.Equal(t, "What is recursion?", got.Query)
	assert.Equal(t, "", got.ParentID)
	assert.Equal(t, StatusStreaming, got.Status)
	assert.Equal(t, IntentConcept, got.Intent)
	assert.Equal(t, "", got.Answer)
	assert.Nil(t, got.FinalizedAt)
	assert.WithinDuration(t, node.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestStore_GetNode_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetNode(context.Background(), "no-such-node")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateNode_UnknownParent(t *testing.T) {
	store := openTestStore(t)

	node := newNode("follow-up", "missing-parent")
	err := store.CreateNode(context.Background(), node)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AppendDelta(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node := newNode("q", "")
	require.NoError(t, store.CreateNode(ctx, node))

	require.NoError(t, store.AppendDelta(ctx, node.ID, "Recursion "))
	require.NoError(t, store.AppendDelta(ctx, node.ID, "is "))
	require.NoError(t, store.AppendDelta(ctx, node.ID, "self-reference."))

	got, err := store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, "Recursion is self-reference.", got.Answer)
}

func TestStore_AppendDelta_Errors(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.AppendDelta(ctx, "no-such-node", "text")
	assert.ErrorIs(t, err, ErrNotFound)

	node := newNode("q", "")
	require.NoError(t, store.CreateNode(ctx, node))
	_, err = store.Finalize(ctx, node.ID, nil, true)
	require.NoError(t, err)

	err = store.AppendDelta(ctx, node.ID, "late delta")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStore_Finalize_KeepsAccumulatedText(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node := newNode("q", "")
	require.NoError(t, store.CreateNode(ctx, node))
	require.NoError(t, store.AppendDelta(ctx, node.ID, "partial answer"))

	got, err := store.Finalize(ctx, node.ID, nil, true)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Equal(t, "partial answer", got.Answer)
	require.NotNil(t, got.FinalizedAt)
}

func TestStore_Finalize_ReplacesWithFinalText(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node := newNode("q", "")
	require.NoError(t, store.CreateNode(ctx, node))
	require.NoError(t, store.AppendDelta(ctx, node.ID, "accumulated"))

	final := "the whole answer"
	got, err := store.Finalize(ctx, node.ID, &final, true)
	require.NoError(t, err)
	assert.Equal(t, "the whole answer", got.Answer)
}

func TestStore_Finalize_FailedKeepsPartial(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node := newNode("q", "")
	require.NoError(t, store.CreateNode(ctx, node))
	require.NoError(t, store.AppendDelta(ctx, node.ID, "got this far"))

	got, err := store.Finalize(ctx, node.ID, nil, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "got this far", got.Answer)
}

func TestStore_Finalize_Idempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node := newNode("q", "")
	require.NoError(t, store.CreateNode(ctx, node))
	require.NoError(t, store.AppendDelta(ctx, node.ID, "answer"))

	first, err := store.Finalize(ctx, node.ID, nil, true)
	require.NoError(t, err)

	// A retry with different arguments must not change anything.
	replacement := "something else"
	second, err := store.Finalize(ctx, node.ID, &replacement, false)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, "answer", second.Answer)
	require.NotNil(t, second.FinalizedAt)
	assert.Equal(t, first.FinalizedAt.UnixNano(), second.FinalizedAt.UnixNano())
}

func TestStore_GetPath(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	root := newNode("root", "")
	require.NoError(t, store.CreateNode(ctx, root))
	_, err := store.Finalize(ctx, root.ID, nil, true)
	require.NoError(t, err)

	child := newNode("child", root.ID)
	require.NoError(t, store.CreateNode(ctx, child))
	_, err = store.Finalize(ctx, child.ID, nil, true)
	require.NoError(t, err)

	grandchild := newNode("grandchild", child.ID)
	require.NoError(t, store.CreateNode(ctx, grandchild))

	path, err := store.GetPath(ctx, grandchild.ID)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, root.ID, path[0].ID)
	assert.Equal(t, child.ID, path[1].ID)
	assert.Equal(t, grandchild.ID, path[2].ID)

	// A path is finite and ends at the requested node: every element's
	// parent is the element before it.
	for i := 1; i < len(path); i++ {
		assert.Equal(t, path[i-1].ID, path[i].ParentID)
	}
}

func TestStore_GetPath_RootOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	root := newNode("root", "")
	require.NoError(t, store.CreateNode(ctx, root))

	path, err := store.GetPath(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, root.ID, path[0].ID)
}

func TestStore_GetPath_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetPath(context.Background(), "no-such-node")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListChildren_OrderedByCreation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	root := newNode("root", "")
	require.NoError(t, store.CreateNode(ctx, root))
	_, err := store.Finalize(ctx, root.ID, nil, true)
	require.NoError(t, err)

	base := time.Now().UTC()
	var ids []string
	for i := 0; i < 5; i++ {
		child := newNode(fmt.Sprintf("child %d", i), root.ID)
		child.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		require.NoError(t, store.CreateNode(ctx, child))
		ids = append(ids, child.ID)
	}

	children, err := store.ListChildren(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 5)
	for i, child := range children {
		assert.Equal(t, ids[i], child.ID)
	}
}

func TestStore_GetTree(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	root := newNode("root", "")
	require.NoError(t, store.CreateNode(ctx, root))
	_, err := store.Finalize(ctx, root.ID, nil, true)
	require.NoError(t, err)

	childA := newNode("child a", root.ID)
	childA.CreatedAt = time.Now().UTC()
	require.NoError(t, store.CreateNode(ctx, childA))
	_, err = store.Finalize(ctx, childA.ID, nil, true)
	require.NoError(t, err)

	childB := newNode("child b", root.ID)
	childB.CreatedAt = childA.CreatedAt.Add(time.Millisecond)
	require.NoError(t, store.CreateNode(ctx, childB))

	grandchild := newNode("grandchild", childA.ID)
	require.NoError(t, store.CreateNode(ctx, grandchild))

	tree, err := store.GetTree(ctx, root.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, root.ID, tree.Node.ID)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, childA.ID, tree.Children[0].Node.ID)
	assert.Equal(t, childB.ID, tree.Children[1].Node.ID)
	require.Len(t, tree.Children[0].Children, 1)
	assert.Equal(t, grandchild.ID, tree.Children[0].Children[0].Node.ID)
}

func TestStore_GetTree_DepthLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Build a chain deeper than the limit.
	parentID := ""
	var rootID string
	for i := 0; i < 4; i++ {
		node := newNode(fmt.Sprintf("level %d", i), parentID)
		require.NoError(t, store.CreateNode(ctx, node))
		_, err := store.Finalize(ctx, node.ID, nil, true)
		require.NoError(t, err)
		if i == 0 {
			rootID = node.ID
		}
		parentID = node.ID
	}

	tree, err := store.GetTree(ctx, rootID, 2)
	require.NoError(t, err)

	depth := 0
	for tn := tree; len(tn.Children) > 0; tn = tn.Children[0] {
		depth++
	}
	assert.Equal(t, 2, depth)
}

func TestStore_GetTree_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetTree(context.Background(), "no-such-node", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Fragments(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node := newNode("q", "")
	require.NoError(t, store.CreateNode(ctx, node))

	fragments := []*Fragment{
		{ID: "code-0-abc", NodeID: node.ID, Type: FragmentCode, Content: "return n * fact(n-1)", Position: 0},
		{ID: "text-0-def", NodeID: node.ID, Type: FragmentText, Content: "Recursion is self-reference.", Position: 1},
	}
	require.NoError(t, store.SaveFragments(ctx, node.ID, fragments))

	got, err := store.GetFragments(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "code-0-abc", got[0].ID)
	assert.Equal(t, FragmentCode, got[0].Type)
	assert.Equal(t, "text-0-def", got[1].ID)

	// Re-saving replaces rather than appends.
	require.NoError(t, store.SaveFragments(ctx, node.ID, fragments[:1]))
	got, err = store.GetFragments(ctx, node.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_Triples_DedupCaseInsensitive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node := newNode("q", "")
	require.NoError(t, store.CreateNode(ctx, node))

	triples := []Triple{
		{Subject: "Recursion", Predicate: "requires", Object: "base case"},
		{Subject: "recursion", Predicate: "REQUIRES", Object: "Base Case"},
		{Subject: "Recursion", Predicate: "related to", Object: "induction"},
	}
	require.NoError(t, store.SaveTriples(ctx, node.ID, triples))

	got, err := store.GetTriples(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Recursion", got[0].Subject)
	assert.Equal(t, node.ID, got[0].SourceNodeID)

	// Recording the same fact again stays deduplicated.
	require.NoError(t, store.SaveTriples(ctx, node.ID, triples[:1]))
	got, err = store.GetTriples(ctx, node.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStore_Users(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	user := &User{
		ID:           uuid.New().String(),
		Username:     "ada",
		PasswordHash: "$2a$10$fakehash",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.CreateUser(ctx, user))

	got, err := store.GetUserByUsername(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, user.PasswordHash, got.PasswordHash)

	byID, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada", byID.Username)

	dup := &User{ID: uuid.New().String(), Username: "ada", PasswordHash: "x", CreatedAt: time.Now().UTC()}
	err = store.CreateUser(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateUser)

	_, err = store.GetUserByUsername(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
