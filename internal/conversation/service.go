// ABOUTME: Recursive dialogue service - every question becomes a node in a conversation tree
// ABOUTME: Follow-ups anchor to an ancestor, optionally narrowed to one fragment of its answer

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/deepstudy/internal/fragment"
	"github.com/2389/deepstudy/internal/llm"
	"github.com/2389/deepstudy/internal/store"
)

var (
	// ErrEmptyQuery rejects requests whose query is blank.
	ErrEmptyQuery = errors.New("query is required")
	// ErrGenerationFailed wraps model failures so handlers can map them
	// without inspecting provider error strings.
	ErrGenerationFailed = errors.New("generation failed")
)

// IntentClassifier decides how a query should be answered.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, query string) string
}

// TripleExtractor pulls knowledge triples out of a finalized exchange.
type TripleExtractor interface {
	ExtractTriples(ctx context.Context, query, answer string) ([]store.Triple, error)
}

// Indexer registers the addressable fragments of a finalized answer.
type Indexer interface {
	Index(nodeID, answer string) []*store.Fragment
}

// Options tunes service behavior. Zero values get workable defaults.
type Options struct {
	// CoderModel, when set, handles queries classified as code intent.
	CoderModel string
	// MaxContextNodes caps how many ancestors feed the generation context.
	MaxContextNodes int
	// MaxTreeDepth bounds conversation tree rendering.
	MaxTreeDepth int
	// RequestTimeout bounds one generation, streaming included.
	RequestTimeout time.Duration
	// FinalizeTimeout bounds detached persistence writes.
	FinalizeTimeout time.Duration
	// ExtractTimeout bounds knowledge extraction.
	ExtractTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxContextNodes <= 0 {
		o.MaxContextNodes = 10
	}
	if o.MaxTreeDepth <= 0 {
		o.MaxTreeDepth = 10
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 2 * time.Minute
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 10 * time.Second
	}
	if o.ExtractTimeout <= 0 {
		o.ExtractTimeout = 30 * time.Second
	}
}

// Deps carries the service's collaborators. Store, Generator, and Prompts
// are required; Router, Extractor, Indexer, and Events degrade gracefully
// when nil.
type Deps struct {
	Store     store.Store
	Generator llm.Generator
	Router    IntentClassifier
	Extractor TripleExtractor
	Indexer   Indexer
	Events    *Broadcaster
	Prompts   *llm.Catalog
	Options   Options
	Logger    *slog.Logger
}

// Service coordinates the recursive dialogue: it validates anchoring rules,
// builds generation context from the ancestor path, drives the model, and
// persists every state transition. Answers are recorded before anything is
// derived from them.
type Service struct {
	store     store.Store
	generator llm.Generator
	router    IntentClassifier
	extractor TripleExtractor
	indexer   Indexer
	events    *Broadcaster
	prompts   *llm.Catalog
	opts      Options
	logger    *slog.Logger
}

// New creates a conversation service.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Options.applyDefaults()
	return &Service{
		store:     deps.Store,
		generator: deps.Generator,
		router:    deps.Router,
		extractor: deps.Extractor,
		indexer:   deps.Indexer,
		events:    deps.Events,
		prompts:   deps.Prompts,
		opts:      deps.Options,
		logger:    logger.With("component", "conversation"),
	}
}

// AskRequest describes one question. ParentID empty starts a new tree;
// RefFragmentID additionally anchors the follow-up to one fragment of the
// parent's answer.
type AskRequest struct {
	UserID        string
	SessionID     string
	Query         string
	ParentID      string
	RefFragmentID string
}

// Result is the outcome of a non-streaming Ask.
type Result struct {
	Node      *store.Node
	Fragments []*store.Fragment
	Triples   []store.Triple
}

// Ask answers a question in one blocking call: the node is created, the
// whole answer generated, fragments indexed, and knowledge extracted before
// returning.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*Result, error) {
	node, genReq, err := s.prepare(ctx, &req)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	answer, genErr := s.generator.Generate(genCtx, genReq)
	if genErr != nil {
		s.fail(node, genErr)
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, genErr)
	}

	final, err := s.finalizeComplete(node, &answer)
	if err != nil {
		return nil, err
	}

	return &Result{
		Node:      final,
		Fragments: s.indexFragments(final),
		Triples:   s.extractAndSaveTriples(final),
	}, nil
}

// AskStream answers a question as an ordered event stream: one meta event,
// then deltas, then a terminal full or error event. Anchoring violations
// surface as an error return before any event is emitted. Cancelling ctx
// mid-stream stops generation and finalizes the partial answer as failed.
func (s *Service) AskStream(ctx context.Context, req AskRequest) (<-chan Event, error) {
	node, genReq, err := s.prepare(ctx, &req)
	if err != nil {
		return nil, err
	}

	d := &dispatcher{svc: s, node: node, out: make(chan Event, 16)}
	go d.run(ctx, genReq)
	return d.out, nil
}

// GetConversation returns the conversation tree rooted at nodeID, scoped to
// its owner.
func (s *Service) GetConversation(ctx context.Context, userID, nodeID string) (*store.TreeNode, error) {
	if _, err := s.ownedNode(ctx, userID, nodeID); err != nil {
		return nil, err
	}
	return s.store.GetTree(ctx, nodeID, s.opts.MaxTreeDepth)
}

// ResolveSelection maps a user text selection against a node's registered
// fragments.
func (s *Service) ResolveSelection(ctx context.Context, userID, nodeID, selection string) (*store.Fragment, error) {
	if _, err := s.ownedNode(ctx, userID, nodeID); err != nil {
		return nil, err
	}
	fragments, err := s.store.GetFragments(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("loading fragments: %w", err)
	}
	return fragment.Resolve(fragments, selection)
}

// prepare validates anchoring, builds the generation request, and records
// the new node in streaming state. The node is persisted before any model
// work starts so a crash mid-generation leaves an inspectable record.
func (s *Service) prepare(ctx context.Context, req *AskRequest) (*store.Node, llm.Request, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, llm.Request{}, ErrEmptyQuery
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	var turns []llm.Turn
	var refContent string
	if req.ParentID != "" {
		parent, err := s.ownedNode(ctx, req.UserID, req.ParentID)
		if err != nil {
			return nil, llm.Request{}, err
		}
		switch parent.Status {
		case store.StatusStreaming:
			return nil, llm.Request{}, fmt.Errorf("parent %s is still streaming: %w", req.ParentID, store.ErrInvalidState)
		case store.StatusFailed:
			return nil, llm.Request{}, fmt.Errorf("parent %s failed and cannot anchor follow-ups: %w", req.ParentID, store.ErrInvalidState)
		}

		if req.RefFragmentID != "" {
			fragments, err := s.store.GetFragments(ctx, req.ParentID)
			if err != nil {
				return nil, llm.Request{}, fmt.Errorf("loading parent fragments: %w", err)
			}
			ref, err := fragment.FindByID(fragments, req.RefFragmentID)
			if err != nil {
				return nil, llm.Request{}, err
			}
			refContent = ref.Content
		}

		turns, err = s.contextTurns(ctx, req.ParentID)
		if err != nil {
			return nil, llm.Request{}, err
		}
	} else if req.RefFragmentID != "" {
		return nil, llm.Request{}, fmt.Errorf("ref_fragment_id given without parent_id: %w", fragment.ErrInvalidReference)
	}

	intent := store.IntentConcept
	if s.router != nil {
		intent = s.router.ClassifyIntent(ctx, query)
	}

	userText := query
	if refContent != "" {
		note, err := s.prompts.FragmentContext(refContent)
		if err != nil {
			return nil, llm.Request{}, err
		}
		userText = note + "\n\n" + query
	}
	turns = append(turns, llm.Turn{Role: llm.RoleUser, Text: userText})

	node := &store.Node{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		ParentID:      req.ParentID,
		SessionID:     req.SessionID,
		Query:         query,
		Status:        store.StatusStreaming,
		Intent:        intent,
		RefFragmentID: req.RefFragmentID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateNode(ctx, node); err != nil {
		return nil, llm.Request{}, fmt.Errorf("recording node: %w", err)
	}

	s.publish(SessionNodeCreated, node)
	s.logger.Info("node created",
		"node_id", node.ID,
		"parent_id", node.ParentID,
		"session_id", node.SessionID,
		"intent", intent)

	genReq := llm.Request{
		Model:  s.modelFor(intent),
		System: s.prompts.SystemFor(intent),
		Turns:  turns,
	}
	return node, genReq, nil
}

// ownedNode fetches a node and hides other users' nodes behind not-found.
func (s *Service) ownedNode(ctx context.Context, userID, nodeID string) (*store.Node, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.UserID != userID {
		return nil, fmt.Errorf("node %s: %w", nodeID, store.ErrNotFound)
	}
	return node, nil
}

// contextTurns converts the ancestor path into generation context, keeping
// the most recent MaxContextNodes exchanges.
func (s *Service) contextTurns(ctx context.Context, parentID string) ([]llm.Turn, error) {
	path, err := s.store.GetPath(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation path: %w", err)
	}
	if len(path) > s.opts.MaxContextNodes {
		path = path[len(path)-s.opts.MaxContextNodes:]
	}

	turns := make([]llm.Turn, 0, len(path)*2)
	for _, n := range path {
		turns = append(turns, llm.Turn{Role: llm.RoleUser, Text: n.Query})
		if n.Answer != "" {
			turns = append(turns, llm.Turn{Role: llm.RoleModel, Text: n.Answer})
		}
	}
	return turns, nil
}

func (s *Service) modelFor(intent string) string {
	if intent == store.IntentCode && s.opts.CoderModel != "" {
		return s.opts.CoderModel
	}
	return ""
}

// finalizeComplete marks the node complete on a detached context so a
// dropped client cannot abort persistence.
func (s *Service) finalizeComplete(node *store.Node, finalText *string) (*store.Node, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FinalizeTimeout)
	defer cancel()

	final, err := s.store.Finalize(ctx, node.ID, finalText, true)
	if err != nil {
		return nil, fmt.Errorf("finalizing node %s: %w", node.ID, err)
	}

	s.publish(SessionNodeCompleted, final)
	s.logger.Info("node completed", "node_id", final.ID, "answer_len", len(final.Answer))
	return final, nil
}

// fail marks the node failed, keeping whatever partial answer accumulated.
func (s *Service) fail(node *store.Node, cause error) *store.Node {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FinalizeTimeout)
	defer cancel()

	final, err := s.store.Finalize(ctx, node.ID, nil, false)
	if err != nil {
		s.logger.Error("failed to mark node failed", "node_id", node.ID, "error", err)
		final = node
	}

	s.publish(SessionNodeFailed, final)
	s.logger.Warn("node failed", "node_id", node.ID, "error", cause)
	return final
}

// indexFragments registers the finalized answer's fragments. Indexing never
// fails the request; a persistence error just leaves the node without
// addressable fragments.
func (s *Service) indexFragments(node *store.Node) []*store.Fragment {
	if s.indexer == nil || node.Answer == "" {
		return nil
	}
	fragments := s.indexer.Index(node.ID, node.Answer)
	if len(fragments) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FinalizeTimeout)
	defer cancel()
	if err := s.store.SaveFragments(ctx, node.ID, fragments); err != nil {
		s.logger.Error("failed to save fragments", "node_id", node.ID, "error", err)
		return nil
	}
	return fragments
}

// extractAndSaveTriples runs knowledge extraction for a completed node.
// Extraction is best effort: failures are logged and the answer stands.
func (s *Service) extractAndSaveTriples(node *store.Node) []store.Triple {
	if s.extractor == nil || node.Answer == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ExtractTimeout)
	defer cancel()

	triples, err := s.extractor.ExtractTriples(ctx, node.Query, node.Answer)
	if err != nil {
		s.logger.Warn("knowledge extraction failed", "node_id", node.ID, "error", err)
		return nil
	}
	if len(triples) == 0 {
		return nil
	}
	if err := s.store.SaveTriples(ctx, node.ID, triples); err != nil {
		s.logger.Error("failed to save triples", "node_id", node.ID, "error", err)
		return nil
	}

	s.logger.Debug("triples saved", "node_id", node.ID, "count", len(triples))
	return triples
}

func (s *Service) publish(kind string, node *store.Node) {
	if s.events == nil {
		return
	}
	s.events.Publish(&SessionEvent{
		Kind:      kind,
		SessionID: node.SessionID,
		NodeID:    node.ID,
		ParentID:  node.ParentID,
		Query:     node.Query,
		Timestamp: time.Now().UTC(),
	})
}
