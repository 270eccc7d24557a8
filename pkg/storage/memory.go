package storage

import (
	"strings"
	"sync"
)

// MemoryEngine is an in-memory implementation of both Engine and KV.
//
// It is the default for one-shot CLI runs and for tests: nothing survives a
// restart, but every operation has the same semantics as BadgerEngine.
//
// Indexes:
//   - nodesByLabel: label (lowercase) -> node ids
//   - outgoingEdges: node id -> edge ids starting there
//   - incomingEdges: node id -> edge ids ending there
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.UpsertNode(&storage.Node{ID: "MONDO:0005148", Labels: []string{"disease"}})
//	engine.Set("synonymize(MONDO:0005148)", data)
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Reads take a shared lock; writes
//	take an exclusive lock. Returned nodes and edges are copies.
type MemoryEngine struct {
	mu sync.RWMutex

	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	nodesByLabel  map[string]map[NodeID]struct{}
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}

	kv map[string][]byte

	closed bool
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		nodesByLabel:  make(map[string]map[NodeID]struct{}),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
		kv:            make(map[string][]byte),
	}
}

// normalizeLabel lowercases a label for case-insensitive label lookups.
func normalizeLabel(label string) string {
	return strings.ToLower(label)
}

// GetNode retrieves a node by id.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// UpsertNode creates the node or merges it into the stored one. Labels are
// unioned and incoming properties overwrite stored ones.
func (m *MemoryEngine) UpsertNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	merged := copyNode(node)
	if existing, exists := m.nodes[node.ID]; exists {
		m.unindexLabelsLocked(existing)
		merged = copyNode(existing)
		merged.Labels = mergeLabels(merged.Labels, node.Labels)
		merged.Properties = mergeProperties(merged.Properties, node.Properties)
	}
	m.putNodeLocked(merged)
	return nil
}

func (m *MemoryEngine) putNodeLocked(n *Node) {
	m.nodes[n.ID] = n
	for _, label := range n.Labels {
		normal := normalizeLabel(label)
		if m.nodesByLabel[normal] == nil {
			m.nodesByLabel[normal] = make(map[NodeID]struct{})
		}
		m.nodesByLabel[normal][n.ID] = struct{}{}
	}
}

func (m *MemoryEngine) unindexLabelsLocked(n *Node) {
	for _, label := range n.Labels {
		if ids := m.nodesByLabel[normalizeLabel(label)]; ids != nil {
			delete(ids, n.ID)
		}
	}
}

// CreateEdge stores a new edge. Both endpoints must exist.
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	if _, exists := m.nodes[edge.StartNode]; !exists {
		return ErrInvalidEdge
	}
	if _, exists := m.nodes[edge.EndNode]; !exists {
		return ErrInvalidEdge
	}

	m.edges[edge.ID] = copyEdge(edge)

	if m.outgoingEdges[edge.StartNode] == nil {
		m.outgoingEdges[edge.StartNode] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[edge.StartNode][edge.ID] = struct{}{}

	if m.incomingEdges[edge.EndNode] == nil {
		m.incomingEdges[edge.EndNode] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[edge.EndNode][edge.ID] = struct{}{}

	return nil
}

// GetEdge retrieves an edge by id.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// GetNodesByLabel returns every node carrying label (case-insensitive).
func (m *MemoryEngine) GetNodesByLabel(label string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := m.nodesByLabel[normalizeLabel(label)]
	nodes := make([]*Node, 0, len(ids))
	for id := range ids {
		if n := m.nodes[id]; n != nil {
			nodes = append(nodes, copyNode(n))
		}
	}
	return nodes, nil
}

// GetOutgoingEdges returns edges whose start node is nodeID.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.edgesFromIndex(nodeID, m.outgoingEdges)
}

// GetIncomingEdges returns edges whose end node is nodeID.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.edgesFromIndex(nodeID, m.incomingEdges)
}

func (m *MemoryEngine) edgesFromIndex(nodeID NodeID, index map[NodeID]map[EdgeID]struct{}) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := index[nodeID]
	edges := make([]*Edge, 0, len(ids))
	for id := range ids {
		if e := m.edges[id]; e != nil {
			edges = append(edges, copyEdge(e))
		}
	}
	return edges, nil
}

// AllNodes returns every stored node.
func (m *MemoryEngine) AllNodes() ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, copyNode(n))
	}
	return nodes, nil
}

// AllEdges returns every stored edge.
func (m *MemoryEngine) AllEdges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	edges := make([]*Edge, 0, len(m.edges))
	for _, e := range m.edges {
		edges = append(edges, copyEdge(e))
	}
	return edges, nil
}

// NodeCount returns the number of stored nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of stored edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// Get returns a copy of the value stored under key.
func (m *MemoryEngine) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	v, ok := m.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores value under key.
func (m *MemoryEngine) Set(key string, value []byte) error {
	return m.SetMany(map[string][]byte{key: value})
}

// SetMany stores every entry under one lock, so readers observe either none
// or all of them.
func (m *MemoryEngine) SetMany(entries map[string][]byte) error {
	for k := range entries {
		if k == "" {
			return ErrInvalidID
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	for k, v := range entries {
		m.kv[k] = append([]byte(nil), v...)
	}
	return nil
}

// Close marks the engine closed. Subsequent calls fail with ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var (
	_ Engine = (*MemoryEngine)(nil)
	_ KV     = (*MemoryEngine)(nil)
)
