// ABOUTME: HTTP API handlers for asking questions and exploring the dialogue tree.
// ABOUTME: Provides blocking and SSE streaming chat plus fragment, tree, and mind map reads.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/deepstudy/internal/auth"
	"github.com/2389/deepstudy/internal/conversation"
	"github.com/2389/deepstudy/internal/dedupe"
	"github.com/2389/deepstudy/internal/fragment"
	"github.com/2389/deepstudy/internal/llm"
	"github.com/2389/deepstudy/internal/store"
)

// AskAPIRequest is the JSON request body for POST /api/chat and /api/chat/stream.
type AskAPIRequest struct {
	Query         string `json:"query"`
	SessionID     string `json:"session_id,omitempty"`
	ParentID      string `json:"parent_id,omitempty"`
	RefFragmentID string `json:"ref_fragment_id,omitempty"`
}

// FragmentView is the JSON shape of one addressable answer fragment.
type FragmentView struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// AskResponse is the JSON response for POST /api/chat.
type AskResponse struct {
	ConversationID   string         `json:"conversation_id"`
	SessionID        string         `json:"session_id"`
	ParentID         string         `json:"parent_id,omitempty"`
	Query            string         `json:"query"`
	Answer           string         `json:"answer"`
	Status           string         `json:"status"`
	Intent           string         `json:"intent"`
	CreatedAt        string         `json:"created_at"`
	Fragments        []FragmentView `json:"fragments"`
	KnowledgeTriples []store.Triple `json:"knowledge_triples"`
}

// ResolveFragmentRequest is the JSON request body for POST /api/fragments/resolve.
type ResolveFragmentRequest struct {
	ConversationID string `json:"conversation_id"`
	Selection      string `json:"selection"`
}

// ResolveFragmentResponse is the JSON response for POST /api/fragments/resolve.
type ResolveFragmentResponse struct {
	FragmentID string `json:"fragment_id"`
	Type       string `json:"type"`
	Content    string `json:"content"`
}

// TreeNodeResponse is one node of the conversation tree returned by
// GET /api/conversation/{id}. Children are ordered by creation time.
type TreeNodeResponse struct {
	ID            string              `json:"id"`
	ParentID      string              `json:"parent_id,omitempty"`
	SessionID     string              `json:"session_id"`
	Query         string              `json:"query"`
	Answer        string              `json:"answer"`
	Status        string              `json:"status"`
	Intent        string              `json:"intent,omitempty"`
	RefFragmentID string              `json:"ref_fragment_id,omitempty"`
	CreatedAt     string              `json:"created_at"`
	Children      []*TreeNodeResponse `json:"children"`
}

// MeResponse is the JSON response for GET /api/me.
type MeResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// CredentialsRequest is the JSON request body for register and login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialsResponse is the JSON response for register and login.
type CredentialsResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	ExpiresAt string `json:"expires_at"`
}

// handleAsk handles POST /api/chat requests. It answers the question in one
// blocking call and returns the finalized node with its fragments and
// extracted knowledge.
func (g *Gateway) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	identity := auth.MustFromContext(r.Context())
	req, err := parseAskRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := dedupe.SubmissionKey(identity.UserID, req.SessionID, req.ParentID, req.Query)
	if g.dedupe.Duplicate(key) {
		g.sendJSONError(w, http.StatusConflict, "duplicate submission")
		return
	}

	result, err := g.conversation.Ask(r.Context(), conversation.AskRequest{
		UserID:        identity.UserID,
		SessionID:     req.SessionID,
		Query:         req.Query,
		ParentID:      req.ParentID,
		RefFragmentID: req.RefFragmentID,
	})
	if err != nil {
		g.serviceError(w, err)
		return
	}

	// Remembered only after the ask is accepted so a failed submission can
	// be retried immediately.
	g.dedupe.Remember(key)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(askResponse(result))
}

// handleAskStream handles POST /api/chat/stream requests. The answer is
// delivered as SSE: one meta event with the node identifiers, then delta
// events as text arrives, then a terminal full or error event.
func (g *Gateway) handleAskStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	identity := auth.MustFromContext(r.Context())
	req, err := parseAskRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before doing any work (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	key := dedupe.SubmissionKey(identity.UserID, req.SessionID, req.ParentID, req.Query)
	if g.dedupe.Duplicate(key) {
		g.sendJSONError(w, http.StatusConflict, "duplicate submission")
		return
	}

	// Anchoring violations surface here, before any SSE bytes are written,
	// so they can still map to proper HTTP status codes.
	events, err := g.conversation.AskStream(r.Context(), conversation.AskRequest{
		UserID:        identity.UserID,
		SessionID:     req.SessionID,
		Query:         req.Query,
		ParentID:      req.ParentID,
		RefFragmentID: req.RefFragmentID,
	})
	if err != nil {
		g.serviceError(w, err)
		return
	}

	g.dedupe.Remember(key)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.streamAnswer(r.Context(), w, flusher, events)
}

// streamAnswer reads stream events and writes them as SSE until the stream
// closes or the client disconnects.
func (g *Gateway) streamAnswer(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan conversation.Event) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			sse := streamEventToSSE(ev)
			g.writeSSEEvent(w, sse.Event, sse.Data)
			flusher.Flush()
		}
	}
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// streamEventToSSE converts a conversation stream event to an SSE event.
func streamEventToSSE(ev conversation.Event) SSEEvent {
	switch ev.Kind {
	case conversation.EventMeta:
		data := map[string]string{"conversation_id": ev.NodeID}
		if ev.ParentID != "" {
			data["parent_id"] = ev.ParentID
		}
		return SSEEvent{Event: "meta", Data: data}
	case conversation.EventDelta:
		return SSEEvent{Event: "delta", Data: map[string]string{"text": ev.Text}}
	case conversation.EventFull:
		data := map[string]string{"conversation_id": ev.NodeID, "answer": ev.Text}
		if ev.ParentID != "" {
			data["parent_id"] = ev.ParentID
		}
		return SSEEvent{Event: "full", Data: data}
	case conversation.EventError:
		return SSEEvent{Event: "error", Data: map[string]string{"conversation_id": ev.NodeID, "error": ev.Error}}
	default:
		return SSEEvent{Event: "error", Data: map[string]string{"error": "unknown event"}}
	}
}

// handleEvents handles GET /api/events?session=S requests. It subscribes the
// caller to the session activity feed and relays node lifecycle events as SSE
// until the client disconnects.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session query param is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := g.broadcaster.Subscribe(r.Context(), sessionID)
	defer g.broadcaster.Unsubscribe(sessionID, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Confirm the subscription so clients know the feed is live.
	g.writeSSEEvent(w, "subscribed", map[string]string{"session_id": sessionID})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, ev.Kind, ev)
			flusher.Flush()
		}
	}
}

// handleResolveFragment handles POST /api/fragments/resolve requests. It maps
// a text selection from a node's rendered answer to the registered fragment
// it refers to.
func (g *Gateway) handleResolveFragment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	identity := auth.MustFromContext(r.Context())

	var req ResolveFragmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	frag, err := g.conversation.ResolveSelection(r.Context(), identity.UserID, req.ConversationID, req.Selection)
	if err != nil {
		g.serviceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ResolveFragmentResponse{
		FragmentID: frag.ID,
		Type:       frag.Type,
		Content:    frag.Content,
	})
}

// handleConversation handles GET /api/conversation/{id} requests. Returns the
// conversation tree rooted at the given node.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	nodeID, ok := pathID(r.URL.Path, "/api/conversation/")
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	identity := auth.MustFromContext(r.Context())
	tree, err := g.conversation.GetConversation(r.Context(), identity.UserID, nodeID)
	if err != nil {
		g.serviceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(treeResponse(tree))
}

// handleMindmap handles GET /api/mindmap/{id} requests. Returns the knowledge
// graph accumulated along the path from the root to the given node.
func (g *Gateway) handleMindmap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	nodeID, ok := pathID(r.URL.Path, "/api/mindmap/")
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "node id is required")
		return
	}

	identity := auth.MustFromContext(r.Context())
	if err := g.checkNodeOwner(r.Context(), identity.UserID, nodeID); err != nil {
		g.serviceError(w, err)
		return
	}

	graph, err := g.mindmap.GraphFor(r.Context(), nodeID)
	if err != nil {
		g.serviceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(graph)
}

// handleMe handles GET /api/me requests.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	identity := auth.MustFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MeResponse{UserID: identity.UserID, Username: identity.Username})
}

// handleRegister handles POST /api/auth/register requests.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	creds, err := g.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		g.accountError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(credentialsResponse(creds))
}

// handleLogin handles POST /api/auth/login requests.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	creds, err := g.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		g.accountError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(credentialsResponse(creds))
}

// serviceError maps conversation service errors to HTTP status codes.
func (g *Gateway) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrEmptyQuery):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrInvalidState):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, llm.ErrUnavailable):
		g.logger.Error("model unavailable", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "model unavailable")
	case errors.Is(err, fragment.ErrInvalidReference):
		g.sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, conversation.ErrGenerationFailed):
		g.logger.Error("generation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "generation failed")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// accountError maps account service errors to HTTP status codes.
func (g *Gateway) accountError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrWeakPassword):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrDuplicateUser):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		g.sendJSONError(w, http.StatusUnauthorized, err.Error())
	default:
		g.logger.Error("account request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// checkNodeOwner verifies the node exists and belongs to the user. Nodes of
// other users are indistinguishable from missing ones.
func (g *Gateway) checkNodeOwner(ctx context.Context, userID, nodeID string) error {
	node, err := g.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.UserID != userID {
		return fmt.Errorf("node %s: %w", nodeID, store.ErrNotFound)
	}
	return nil
}

// pathID extracts the trailing identifier from paths like /api/conversation/{id}.
func pathID(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseAskRequest parses and validates an AskAPIRequest from the given reader.
// Returns an error if the JSON is invalid or the query is missing.
func parseAskRequest(r io.Reader) (*AskAPIRequest, error) {
	var req AskAPIRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("query is required")
	}

	return &req, nil
}

// askResponse builds the blocking-chat response from a service result.
func askResponse(result *conversation.Result) AskResponse {
	node := result.Node
	resp := AskResponse{
		ConversationID:   node.ID,
		SessionID:        node.SessionID,
		ParentID:         node.ParentID,
		Query:            node.Query,
		Answer:           node.Answer,
		Status:           node.Status,
		Intent:           node.Intent,
		CreatedAt:        node.CreatedAt.UTC().Format(time.RFC3339Nano),
		Fragments:        make([]FragmentView, 0, len(result.Fragments)),
		KnowledgeTriples: result.Triples,
	}
	for _, f := range result.Fragments {
		resp.Fragments = append(resp.Fragments, FragmentView{ID: f.ID, Type: f.Type, Content: f.Content})
	}
	if resp.KnowledgeTriples == nil {
		resp.KnowledgeTriples = []store.Triple{}
	}
	return resp
}

// credentialsResponse builds the auth response from issued credentials.
func credentialsResponse(creds *auth.Credentials) CredentialsResponse {
	return CredentialsResponse{
		Token:     creds.Token,
		UserID:    creds.UserID,
		Username:  creds.Username,
		ExpiresAt: creds.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// treeResponse converts a store tree into its JSON shape.
func treeResponse(t *store.TreeNode) *TreeNodeResponse {
	if t == nil {
		return nil
	}
	resp := &TreeNodeResponse{
		ID:            t.Node.ID,
		ParentID:      t.Node.ParentID,
		SessionID:     t.Node.SessionID,
		Query:         t.Node.Query,
		Answer:        t.Node.Answer,
		Status:        t.Node.Status,
		Intent:        t.Node.Intent,
		RefFragmentID: t.Node.RefFragmentID,
		CreatedAt:     t.Node.CreatedAt.UTC().Format(time.RFC3339Nano),
		Children:      make([]*TreeNodeResponse, 0, len(t.Children)),
	}
	for _, child := range t.Children {
		resp.Children = append(resp.Children, treeResponse(child))
	}
	return resp
}
