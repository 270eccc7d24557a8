// Package storage provides the persistence layer for graphbuilder.
//
// Two contracts live here:
//   - Engine: a labeled property graph store that receives the result graph
//     of every run, so repeated queries build up one shared knowledge graph.
//   - KV: the key/value store behind the equivalence cache. Keys are
//     "synonymize(<curie>)" and values are serialized equivalence sets.
//
// Both are implemented by MemoryEngine (tests, one-shot runs) and
// BadgerEngine (persistent, on disk). A single BadgerEngine serves both
// contracts from one database using key prefixes.
//
// Example Usage:
//
//	engine, err := storage.NewBadgerEngine("./data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	// Result graph
//	engine.UpsertNode(&storage.Node{
//		ID:     "HGNC:11998",
//		Labels: []string{"gene"},
//		Properties: map[string]any{"name": "TP53"},
//	})
//
//	// Equivalence cache entries
//	engine.Set("synonymize(HGNC:11998)", data)
package storage

import (
	"errors"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed = errors.New("storage closed")
)

// NodeID is a strongly-typed node identifier. For knowledge-graph nodes it is
// the canonical curie.
type NodeID string

// EdgeID is a strongly-typed edge identifier.
type EdgeID string

// Node is a stored graph node.
//
// Labels hold the node type (e.g. "gene"); Properties hold the name and the
// synonym identifiers.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Edge is a stored directed relationship. Type holds the predicate curie;
// Properties hold the provenance.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// Engine defines the graph storage operations used by graphbuilder.
//
// All Engine implementations MUST be thread-safe. Nodes are only ever
// written through UpsertNode, which merges into a stored node. CreateEdge
// fails with ErrAlreadyExists on duplicate ids.
type Engine interface {
	// Node operations
	GetNode(id NodeID) (*Node, error)
	UpsertNode(node *Node) error

	// Edge operations
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)

	// Query operations
	GetNodesByLabel(label string) ([]*Node, error)
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)
	AllNodes() ([]*Node, error)
	AllEdges() ([]*Edge, error)

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	// Lifecycle
	Close() error
}

// KV is the persistent cache contract.
//
// Get returns ErrNotFound for absent keys. SetMany writes all entries or
// none; the equivalence cache relies on that to rewrite every member of a
// merged set at once.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	SetMany(entries map[string][]byte) error
	Close() error
}

// mergeProperties copies src into dst, returning dst (allocated if nil).
func mergeProperties(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// mergeLabels appends labels from src not already in dst.
func mergeLabels(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, l := range dst {
		seen[normalizeLabel(l)] = struct{}{}
	}
	for _, l := range src {
		if _, ok := seen[normalizeLabel(l)]; !ok {
			dst = append(dst, l)
			seen[normalizeLabel(l)] = struct{}{}
		}
	}
	return dst
}

func copyNode(n *Node) *Node {
	c := &Node{ID: n.ID, Labels: append([]string(nil), n.Labels...)}
	c.Properties = mergeProperties(nil, n.Properties)
	return c
}

func copyEdge(e *Edge) *Edge {
	c := *e
	c.Properties = mergeProperties(nil, e.Properties)
	return &c
}
