package kg

import (
	"encoding/json"
	"sync"
)

// Graph accumulates the nodes and edges produced by a run.
//
// Nodes are keyed by canonical identifier: adding a node that is already
// present, under its identifier or any of its synonyms, merges it into the
// stored node instead of inserting a duplicate. When a later node shows that
// two stored nodes are the same entity, they are folded into one and their
// edges are rebound. Edges are deduplicated by Key. Graph is safe for
// concurrent use.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[string]*KNode
	order   []string
	edges   []*KEdge
	edgeSet map[string]struct{}

	// index maps every identifier seen so far, canonical or synonym, to the
	// key of the node that owns it. Entries of folded nodes point at the
	// node they were folded into.
	index map[string]string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[string]*KNode),
		edgeSet: make(map[string]struct{}),
		index:   make(map[string]string),
	}
}

// resolveLocked follows the index to the key of a stored node.
func (g *Graph) resolveLocked(identifier string) (string, bool) {
	for n, i := len(g.index)+1, 0; i < n; i++ {
		key, ok := g.index[identifier]
		if !ok {
			return "", false
		}
		if _, stored := g.nodes[key]; stored {
			return key, true
		}
		if key == identifier {
			return "", false
		}
		identifier = key
	}
	return "", false
}

// Resolve returns the identifier of the stored node that identifier now
// belongs to. Unknown identifiers are returned unchanged.
func (g *Graph) Resolve(identifier string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if key, ok := g.resolveLocked(identifier); ok {
		return key
	}
	return identifier
}

func newerSet(a, b *EquivalenceSet) bool {
	if a == nil {
		return false
	}
	if b == nil || a.Version != b.Version {
		return b == nil || a.Version > b.Version
	}
	return a.Len() > b.Len()
}

// AddNode stores n, or merges it into the stored node or nodes it shares an
// identifier with. It returns the stored node and whether n was new.
func (g *Graph) AddNode(n *KNode) (*KNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var related []string
	seen := map[string]bool{}
	collect := func(id string) {
		if key, ok := g.resolveLocked(id); ok && !seen[key] {
			seen[key] = true
			related = append(related, key)
		}
	}
	collect(n.Identifier)
	for _, id := range n.Synonyms.Identifiers() {
		collect(id)
	}

	if len(related) == 0 {
		g.nodes[n.Identifier] = n
		g.order = append(g.order, n.Identifier)
		g.indexLocked(n, n.Identifier)
		return n, true
	}

	// The newest synonym set decides the canonical identifier.
	key, set := n.Identifier, n.Synonyms
	for _, k := range related {
		if s := g.nodes[k].Synonyms; newerSet(s, set) {
			key, set = k, s
		}
	}

	target := g.nodes[related[0]]
	folded := map[string]string{}
	for _, k := range related {
		if k != key {
			folded[k] = key
		}
	}
	for _, k := range related[1:] {
		other := g.nodes[k]
		if target.Name == "" {
			target.Name = other.Name
		}
		delete(g.nodes, k)
		g.removeOrderLocked(k)
	}
	if old := target.Identifier; old != key {
		delete(g.nodes, old)
		g.replaceOrderLocked(old, key)
	}
	target.Identifier = key
	if set != nil {
		target.Synonyms = set
	}
	if target.Name == "" {
		target.Name = n.Name
	}
	g.nodes[key] = target
	g.indexLocked(n, key)
	g.indexLocked(target, key)
	for old := range folded {
		g.index[old] = key
	}
	if len(folded) > 0 {
		g.rebindLocked(folded)
	}
	return target, false
}

func (g *Graph) indexLocked(n *KNode, key string) {
	g.index[n.Identifier] = key
	for _, id := range n.Synonyms.Identifiers() {
		g.index[id] = key
	}
}

func (g *Graph) removeOrderLocked(key string) {
	for i, k := range g.order {
		if k == key {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}

func (g *Graph) replaceOrderLocked(old, key string) {
	for i, k := range g.order {
		if k == old {
			g.order[i] = key
			return
		}
	}
}

// rebindLocked moves edge endpoints from folded identifiers to their new
// owner and drops edges that became duplicates.
func (g *Graph) rebindLocked(folded map[string]string) {
	edges := g.edges[:0]
	g.edgeSet = make(map[string]struct{}, len(g.edges))
	for _, e := range g.edges {
		src, tgt := e.Source, e.Target
		if k, ok := folded[src]; ok {
			src = k
		}
		if k, ok := folded[tgt]; ok {
			tgt = k
		}
		if src != e.Source || tgt != e.Target {
			e = e.Rebind(src, tgt)
		}
		if _, dup := g.edgeSet[e.Key()]; dup {
			continue
		}
		g.edgeSet[e.Key()] = struct{}{}
		edges = append(edges, e)
	}
	g.edges = edges
}

// AddEdge stores e unless an identical edge exists. Endpoints that were
// folded into another node are rebound to it; unknown endpoints are kept
// as given.
func (g *Graph) AddEdge(e *KEdge) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, tgt := e.Source, e.Target
	if k, ok := g.resolveLocked(src); ok {
		src = k
	}
	if k, ok := g.resolveLocked(tgt); ok {
		tgt = k
	}
	if src != e.Source || tgt != e.Target {
		e = e.Rebind(src, tgt)
	}

	key := e.Key()
	if _, ok := g.edgeSet[key]; ok {
		return false
	}
	g.edgeSet[key] = struct{}{}
	g.edges = append(g.edges, e)
	return true
}

// Node looks up a node by its identifier or any synonym it was stored with.
func (g *Graph) Node(identifier string) (*KNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	key, ok := g.resolveLocked(identifier)
	if !ok {
		return nil, false
	}
	return g.nodes[key], true
}

// Nodes returns nodes in insertion order.
func (g *Graph) Nodes() []*KNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*KNode, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}
	return out
}

// Edges returns edges in insertion order.
func (g *Graph) Edges() []*KEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*KEdge(nil), g.edges...)
}

// NodeCount returns the number of distinct nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// EdgeCount returns the number of distinct edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Merge folds other into g.
func (g *Graph) Merge(other *Graph) {
	for _, n := range other.Nodes() {
		g.AddNode(n)
	}
	for _, e := range other.Edges() {
		g.AddEdge(e)
	}
}

type graphNodeJSON struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Name     string          `json:"name,omitempty"`
	Synonyms *EquivalenceSet `json:"synonyms,omitempty"`
}

// MarshalJSON writes {"nodes": [...], "edges": [...]}.
func (g *Graph) MarshalJSON() ([]byte, error) {
	nodes := g.Nodes()
	out := struct {
		Nodes []graphNodeJSON `json:"nodes"`
		Edges []*KEdge        `json:"edges"`
	}{
		Nodes: make([]graphNodeJSON, len(nodes)),
		Edges: g.Edges(),
	}
	for i, n := range nodes {
		out.Nodes[i] = graphNodeJSON{ID: n.Identifier, Type: string(n.Type), Name: n.Name, Synonyms: n.Synonyms}
	}
	return json.Marshal(out)
}
