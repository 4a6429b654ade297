// ABOUTME: Mind map derivation from the knowledge triples along a conversation path
// ABOUTME: Normalizes entities into deduplicated nodes and typed edges

package mindmap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/deepstudy/internal/store"
)

// Node kinds. A topic is an entity that drives at least one relation; a
// concept only ever appears on the receiving end.
const (
	KindTopic   = "topic"
	KindConcept = "concept"
)

// Edge relations. Extracted predicates are folded into this closed set.
const (
	RelationPartOf    = "PART_OF"
	RelationRequires  = "REQUIRES"
	RelationRelatedTo = "RELATED_TO"
)

// Node is a deduplicated entity in the mind map.
type Node struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// Edge is a directed, typed relation between two nodes.
type Edge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// Graph is the mind map for one conversation path.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Builder derives mind maps from stored knowledge triples.
type Builder struct {
	store  store.Store
	logger *slog.Logger
}

// NewBuilder creates a Builder reading from the given store.
func NewBuilder(st store.Store) *Builder {
	return &Builder{
		store:  st,
		logger: slog.Default().With("component", "mindmap"),
	}
}

// GraphFor builds the mind map for the conversation path ending at nodeID.
// Triples from every node on the root-to-node path are merged: entities
// sharing a normalized label collapse into one graph node keeping the
// casing of their first appearance, and repeated relations collapse into
// one edge. A path without any extracted triples yields an empty graph,
// not an error.
func (b *Builder) GraphFor(ctx context.Context, nodeID string) (*Graph, error) {
	path, err := b.store.GetPath(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation path: %w", err)
	}

	var triples []store.Triple
	for _, node := range path {
		nt, err := b.store.GetTriples(ctx, node.ID)
		if err != nil {
			return nil, fmt.Errorf("loading triples for node %s: %w", node.ID, err)
		}
		triples = append(triples, nt...)
	}

	graph := buildGraph(triples)
	b.logger.Debug("built mind map",
		"node_id", nodeID,
		"path_len", len(path),
		"nodes", len(graph.Nodes),
		"edges", len(graph.Edges))
	return graph, nil
}

// buildGraph folds triples into deduplicated nodes and edges, preserving
// first-seen order so the same triples always produce the same graph.
func buildGraph(triples []store.Triple) *Graph {
	graph := &Graph{Nodes: []Node{}, Edges: []Edge{}}

	subjects := make(map[string]bool)
	for _, t := range triples {
		subjects[normalizeLabel(t.Subject)] = true
	}

	nodeIndex := make(map[string]int)
	addNode := func(label string) string {
		id := normalizeLabel(label)
		if id == "" {
			return ""
		}
		if _, ok := nodeIndex[id]; !ok {
			kind := KindConcept
			if subjects[id] {
				kind = KindTopic
			}
			nodeIndex[id] = len(graph.Nodes)
			graph.Nodes = append(graph.Nodes, Node{ID: id, Label: collapseSpace(label), Kind: kind})
		}
		return id
	}

	seenEdges := make(map[Edge]bool)
	for _, t := range triples {
		source := addNode(t.Subject)
		target := addNode(t.Object)
		if source == "" || target == "" {
			continue
		}
		edge := Edge{Source: source, Target: target, Relation: mapRelation(t.Predicate)}
		if seenEdges[edge] {
			continue
		}
		seenEdges[edge] = true
		graph.Edges = append(graph.Edges, edge)
	}

	return graph
}

// normalizeLabel is the identity used for deduplication: lowercase with
// runs of whitespace collapsed to single spaces.
func normalizeLabel(label string) string {
	return strings.ToLower(collapseSpace(label))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// mapRelation folds a free-form predicate into the closed relation set.
func mapRelation(predicate string) string {
	p := strings.ToLower(predicate)
	switch {
	case strings.Contains(p, "part of"):
		return RelationPartOf
	case strings.Contains(p, "requires"), strings.Contains(p, "needs"), strings.Contains(p, "depends on"):
		return RelationRequires
	default:
		return RelationRelatedTo
	}
}
