package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/orneryd/graphbuilder/pkg/kg"
)

// edgeNamespace seeds deterministic edge ids so that saving the same edge twice
// is a no-op.
var edgeNamespace = uuid.MustParse("6f1c5e0a-3d2b-4c8e-9a71-0b5d2e4f8c13")

// EdgeIDFor returns the storage id of a knowledge edge.
func EdgeIDFor(e *kg.KEdge) EdgeID {
	return EdgeID(uuid.NewSHA1(edgeNamespace, []byte(e.Key())).String())
}

// SaveStats reports what SaveGraph wrote.
type SaveStats struct {
	Nodes        int
	Edges        int
	SkippedEdges int
}

// SaveGraph writes a run's result graph into engine.
//
// Nodes are upserted under their canonical identifier with the node type as
// label. Edges get deterministic ids, so edges already present are skipped.
func SaveGraph(engine Engine, g *kg.Graph) (SaveStats, error) {
	var stats SaveStats

	for _, n := range g.Nodes() {
		if err := engine.UpsertNode(nodeFromKNode(n)); err != nil {
			return stats, fmt.Errorf("saving node %s: %w", n.Identifier, err)
		}
		stats.Nodes++
	}

	for _, e := range g.Edges() {
		err := engine.CreateEdge(edgeFromKEdge(e))
		switch {
		case errors.Is(err, ErrAlreadyExists):
			stats.SkippedEdges++
		case err != nil:
			return stats, fmt.Errorf("saving edge %s: %w", e.Key(), err)
		default:
			stats.Edges++
		}
	}
	return stats, nil
}

func nodeFromKNode(n *kg.KNode) *Node {
	props := map[string]any{}
	if n.Name != "" {
		props["name"] = n.Name
	}
	if n.Synonyms != nil {
		ids := n.Synonyms.Identifiers()
		syn := make([]any, len(ids))
		for i, id := range ids {
			syn[i] = id
		}
		props["synonyms"] = syn
		props["equivalence_version"] = n.Synonyms.Version
	}
	return &Node{
		ID:         NodeID(n.Identifier),
		Labels:     []string{string(n.Type)},
		Properties: props,
	}
}

func edgeFromKEdge(e *kg.KEdge) *Edge {
	p := e.Provenance
	props := map[string]any{
		"service":          p.Service,
		"input_identifier": p.InputIdentifier,
		"predicate_label":  p.Predicate.Label,
	}
	if p.URL != "" {
		props["url"] = p.URL
	}
	return &Edge{
		ID:         EdgeIDFor(e),
		StartNode:  NodeID(e.Source),
		EndNode:    NodeID(e.Target),
		Type:       p.Predicate.Identifier,
		Properties: props,
	}
}

// GraphExport is the combined JSON export format:
//
//	{
//	  "nodes": [{"id": ..., "labels": [...], "properties": {...}}],
//	  "relationships": [{"id": ..., "type": ..., "startNode": ..., "endNode": ..., "properties": {...}}]
//	}
type GraphExport struct {
	Nodes         []*Node `json:"nodes"`
	Relationships []*Edge `json:"relationships"`
}

// Export reads every node and edge of engine in a stable order.
func Export(engine Engine) (*GraphExport, error) {
	nodes, err := engine.AllNodes()
	if err != nil {
		return nil, fmt.Errorf("reading nodes: %w", err)
	}
	edges, err := engine.AllEdges()
	if err != nil {
		return nil, fmt.Errorf("reading edges: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	if nodes == nil {
		nodes = []*Node{}
	}
	if edges == nil {
		edges = []*Edge{}
	}
	return &GraphExport{Nodes: nodes, Relationships: edges}, nil
}

// SaveExport writes the engine contents to path as pretty-printed JSON.
func SaveExport(engine Engine, path string) error {
	export, err := Export(engine)
	if err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(export); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}
