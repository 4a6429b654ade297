// ABOUTME: Contract tests pinning the JSON and SSE wire shapes of the HTTP API
// ABOUTME: Clients parse these by field name, so renames here are breaking changes

package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deepstudy/internal/conversation"
	"github.com/2389/deepstudy/internal/store"
)

// TestWireContract_AskRequest verifies the chat request body parses by the
// documented field names.
func TestWireContract_AskRequest(t *testing.T) {
	raw := `{
		"query": "What is recursion?",
		"session_id": "sess-1",
		"parent_id": "node-1",
		"ref_fragment_id": "code-1-abcdefabcdef"
	}`

	var req AskAPIRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	assert.Equal(t, "What is recursion?", req.Query)
	assert.Equal(t, "sess-1", req.SessionID)
	assert.Equal(t, "node-1", req.ParentID)
	assert.Equal(t, "code-1-abcdefabcdef", req.RefFragmentID)
}

// TestWireContract_AskResponse pins the key set of the blocking chat response.
func TestWireContract_AskResponse(t *testing.T) {
	resp := AskResponse{
		ConversationID: "node-1",
		SessionID:      "sess-1",
		ParentID:       "node-0",
		Query:          "why?",
		Answer:         "because",
		Status:         store.StatusComplete,
		Intent:         store.IntentConcept,
		CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339Nano),
		Fragments: []FragmentView{
			{ID: "code-1-abcdefabcdef", Type: store.FragmentCode, Content: "x = 1"},
		},
		KnowledgeTriples: []store.Triple{
			{Subject: "a", Predicate: "implies", Object: "b"},
		},
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	for _, key := range []string{
		"conversation_id", "session_id", "parent_id", "query", "answer",
		"status", "intent", "created_at", "fragments", "knowledge_triples",
	} {
		assert.Contains(t, decoded, key)
	}

	fragments, ok := decoded["fragments"].([]any)
	require.True(t, ok)
	require.Len(t, fragments, 1)
	frag := fragments[0].(map[string]any)
	assert.Equal(t, "code-1-abcdefabcdef", frag["id"])
	assert.Equal(t, store.FragmentCode, frag["type"])
	assert.Equal(t, "x = 1", frag["content"])

	triples, ok := decoded["knowledge_triples"].([]any)
	require.True(t, ok)
	require.Len(t, triples, 1)
	triple := triples[0].(map[string]any)
	assert.Equal(t, "a", triple["subject"])
	assert.Equal(t, "implies", triple["predicate"])
	assert.Equal(t, "b", triple["object"])
}

// TestWireContract_TreeNode verifies optional tree fields are omitted when
// empty and children nest recursively.
func TestWireContract_TreeNode(t *testing.T) {
	root := TreeNodeResponse{
		ID:        "node-1",
		SessionID: "sess-1",
		Query:     "root",
		Answer:    "answer",
		Status:    store.StatusComplete,
		CreatedAt: "2025-06-01T12:00:00Z",
		Children: []*TreeNodeResponse{
			{
				ID:            "node-2",
				ParentID:      "node-1",
				SessionID:     "sess-1",
				Query:         "child",
				Answer:        "more",
				Status:        store.StatusComplete,
				Intent:        store.IntentDerivation,
				RefFragmentID: "formula-1-abcdefabcdef",
				CreatedAt:     "2025-06-01T12:01:00Z",
				Children:      []*TreeNodeResponse{},
			},
		},
	}

	data, err := json.Marshal(root)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	// A root has no parent, no anchor, and here no intent: those keys must
	// not appear at all.
	assert.NotContains(t, decoded, "parent_id")
	assert.NotContains(t, decoded, "ref_fragment_id")
	assert.NotContains(t, decoded, "intent")

	children, ok := decoded["children"].([]any)
	require.True(t, ok)
	require.Len(t, children, 1)

	child := children[0].(map[string]any)
	assert.Equal(t, "node-1", child["parent_id"])
	assert.Equal(t, store.IntentDerivation, child["intent"])
	assert.Equal(t, "formula-1-abcdefabcdef", child["ref_fragment_id"])

	// Leaves serialize an empty array, never null.
	leafChildren, ok := child["children"].([]any)
	require.True(t, ok)
	assert.Empty(t, leafChildren)
}

// TestWireContract_Credentials pins the auth response keys.
func TestWireContract_Credentials(t *testing.T) {
	resp := CredentialsResponse{
		Token:     "token",
		UserID:    "user-1",
		Username:  "ada",
		ExpiresAt: "2025-06-02T12:00:00Z",
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, map[string]string{
		"token":      "token",
		"user_id":    "user-1",
		"username":   "ada",
		"expires_at": "2025-06-02T12:00:00Z",
	}, decoded)
}

// TestWireContract_SSEFrame pins the exact byte layout of one SSE frame.
func TestWireContract_SSEFrame(t *testing.T) {
	assert.Equal(t,
		"event: delta\ndata: {\"text\":\"hi\"}\n\n",
		formatSSEEvent("delta", `{"text":"hi"}`))

	gw := newTestGateway(t)
	rec := httptest.NewRecorder()
	gw.writeSSEEvent(rec, "meta", map[string]string{"conversation_id": "node-1"})

	assert.Equal(t, "event: meta\ndata: {\"conversation_id\":\"node-1\"}\n\n", rec.Body.String())
}

// TestWireContract_StreamEvents pins the event names and data keys of the
// answer stream protocol.
func TestWireContract_StreamEvents(t *testing.T) {
	tests := []struct {
		name     string
		in       conversation.Event
		event    string
		wantData map[string]string
	}{
		{
			name:     "meta without parent",
			in:       conversation.Event{Kind: conversation.EventMeta, NodeID: "n1"},
			event:    "meta",
			wantData: map[string]string{"conversation_id": "n1"},
		},
		{
			name:     "meta with parent",
			in:       conversation.Event{Kind: conversation.EventMeta, NodeID: "n2", ParentID: "n1"},
			event:    "meta",
			wantData: map[string]string{"conversation_id": "n2", "parent_id": "n1"},
		},
		{
			name:     "delta",
			in:       conversation.Event{Kind: conversation.EventDelta, Text: "chunk"},
			event:    "delta",
			wantData: map[string]string{"text": "chunk"},
		},
		{
			name:     "full",
			in:       conversation.Event{Kind: conversation.EventFull, NodeID: "n1", Text: "answer"},
			event:    "full",
			wantData: map[string]string{"conversation_id": "n1", "answer": "answer"},
		},
		{
			name:     "full with parent",
			in:       conversation.Event{Kind: conversation.EventFull, NodeID: "n2", ParentID: "n1", Text: "answer"},
			event:    "full",
			wantData: map[string]string{"conversation_id": "n2", "parent_id": "n1", "answer": "answer"},
		},
		{
			name:     "error",
			in:       conversation.Event{Kind: conversation.EventError, NodeID: "n1", Error: "boom"},
			event:    "error",
			wantData: map[string]string{"conversation_id": "n1", "error": "boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sse := streamEventToSSE(tt.in)
			assert.Equal(t, tt.event, sse.Event)

			data, ok := sse.Data.(map[string]string)
			require.True(t, ok)
			assert.Equal(t, tt.wantData, data)
		})
	}
}

// TestWireContract_SessionEvent pins the session feed payload keys.
func TestWireContract_SessionEvent(t *testing.T) {
	ev := conversation.SessionEvent{
		Kind:      conversation.SessionNodeCompleted,
		SessionID: "sess-1",
		NodeID:    "node-1",
		ParentID:  "node-0",
		Query:     "why?",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "node_completed", decoded["type"])
	assert.Equal(t, "sess-1", decoded["session_id"])
	assert.Equal(t, "node-1", decoded["conversation_id"])
	assert.Equal(t, "node-0", decoded["parent_id"])
	assert.Equal(t, "why?", decoded["query"])
	assert.Contains(t, decoded, "created_at")

	// Roots omit parent_id and some feeds omit query.
	bare, err := json.Marshal(conversation.SessionEvent{
		Kind:      conversation.SessionNodeCreated,
		SessionID: "sess-1",
		NodeID:    "node-1",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	var bareDecoded map[string]any
	require.NoError(t, json.Unmarshal(bare, &bareDecoded))
	assert.NotContains(t, bareDecoded, "parent_id")
	assert.NotContains(t, bareDecoded, "query")
}

// TestWireContract_ErrorBody pins the error envelope every endpoint uses.
func TestWireContract_ErrorBody(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.sendJSONError(rec, 404, "conversation not found")

	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"error": "conversation not found"}, body)
}
