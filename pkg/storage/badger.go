package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key prefixes for BadgerDB storage organization.
// Graph data and cache entries share one database.
const (
	prefixNode          = byte(0x01) // nodes:nodeID -> Node
	prefixEdge          = byte(0x02) // edges:edgeID -> Edge
	prefixLabelIndex    = byte(0x03) // label:labelName:nodeID -> []byte{}
	prefixOutgoingIndex = byte(0x04) // outgoing:nodeID:edgeID -> []byte{}
	prefixIncomingIndex = byte(0x05) // incoming:nodeID:edgeID -> []byte{}
	prefixKV            = byte(0x10) // kv:key -> value
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// It implements Engine for the accumulated knowledge graph and KV for the
// equivalence cache.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Label Index: 0x03 + label + 0x00 + nodeID -> empty
//   - Outgoing Index: 0x04 + nodeID + 0x00 + edgeID -> empty
//   - Incoming Index: 0x05 + nodeID + 0x00 + edgeID -> empty
//   - Cache entries: 0x10 + key -> value
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/graphbuilder")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	cache := equiv.New(engine, equiv.Options{})
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex // guards closed
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil silences it.
	Logger *zap.Logger

	// LowMemory shrinks memtables and caches.
	LowMemory bool
}

// NewBadgerEngine opens (or creates) a persistent engine in dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions opens an engine with custom settings.
//
// Example:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		DataDir:    cfg.Storage.DataDir,
//		SyncWrites: cfg.Storage.SyncWrites,
//		Logger:     logger,
//	})
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("badger: data dir is required")
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(&badgerLogger{s: opts.Logger.Named("badger").Sugar()})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).     // 16MB instead of 64MB
			WithValueLogFileSize(64 << 20). // 64MB instead of 1GB
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4).
			WithBlockCacheSize(32 << 20).
			WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerEngine{db: db}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(strings.TrimSpace(f), v...) }
func (l *badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(strings.TrimSpace(f), v...) }
func (l *badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(strings.TrimSpace(f), v...) }
func (l *badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(strings.TrimSpace(f), v...) }

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

func kvKey(key string) []byte {
	return append([]byte{prefixKV}, []byte(key)...)
}

// labelIndexKey: prefix + label (lowercase) + 0x00 + nodeID
func labelIndexKey(label string, nodeID NodeID) []byte {
	return append(labelIndexPrefix(label), []byte(nodeID)...)
}

func labelIndexPrefix(label string) []byte {
	normal := normalizeLabel(label)
	key := make([]byte, 0, 2+len(normal))
	key = append(key, prefixLabelIndex)
	key = append(key, []byte(normal)...)
	return append(key, 0x00)
}

// edgeIndexKey: prefix + nodeID + 0x00 + edgeID
func edgeIndexKey(prefix byte, nodeID NodeID, edgeID EdgeID) []byte {
	return append(edgeIndexPrefix(prefix, nodeID), []byte(edgeID)...)
}

func edgeIndexPrefix(prefix byte, nodeID NodeID) []byte {
	key := make([]byte, 0, 2+len(nodeID))
	key = append(key, prefix)
	key = append(key, []byte(nodeID)...)
	return append(key, 0x00)
}

// ============================================================================
// Transaction helpers
// ============================================================================

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ============================================================================
// Node Operations
// ============================================================================

func putNode(txn *badger.Txn, node *Node) error {
	if err := setJSON(txn, nodeKey(node.ID), node); err != nil {
		return err
	}
	for _, label := range node.Labels {
		if err := txn.Set(labelIndexKey(label, node.ID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func unindexLabels(txn *badger.Txn, node *Node) error {
	for _, label := range node.Labels {
		if err := txn.Delete(labelIndexKey(label, node.ID)); err != nil {
			return err
		}
	}
	return nil
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var node Node
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, nodeKey(id), &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// UpsertNode creates the node or merges labels and properties into the
// stored one, in a single transaction.
func (b *BadgerEngine) UpsertNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		var existing Node
		err := getJSON(txn, nodeKey(node.ID), &existing)
		switch {
		case errors.Is(err, ErrNotFound):
			return putNode(txn, node)
		case err != nil:
			return err
		}
		if err := unindexLabels(txn, &existing); err != nil {
			return err
		}
		merged := copyNode(&existing)
		merged.Labels = mergeLabels(merged.Labels, node.Labels)
		merged.Properties = mergeProperties(merged.Properties, node.Properties)
		return putNode(txn, merged)
	})
}

// ============================================================================
// Edge Operations
// ============================================================================

// CreateEdge creates a new edge between two existing nodes.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, edgeKey(edge.ID))
		if err != nil {
			return err
		}
		if found {
			return ErrAlreadyExists
		}

		for _, end := range []NodeID{edge.StartNode, edge.EndNode} {
			ok, err := exists(txn, nodeKey(end))
			if err != nil {
				return err
			}
			if !ok {
				return ErrInvalidEdge
			}
		}

		if err := setJSON(txn, edgeKey(edge.ID), edge); err != nil {
			return err
		}
		if err := txn.Set(edgeIndexKey(prefixOutgoingIndex, edge.StartNode, edge.ID), []byte{}); err != nil {
			return err
		}
		return txn.Set(edgeIndexKey(prefixIncomingIndex, edge.EndNode, edge.ID), []byte{})
	})
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edge Edge
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, edgeKey(id), &edge)
	})
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

// ============================================================================
// Query Operations
// ============================================================================

// GetNodesByLabel returns all nodes with the specified label.
func (b *BadgerEngine) GetNodesByLabel(label string) ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := labelIndexPrefix(label)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := NodeID(it.Item().Key()[len(prefix):])
			var node Node
			if err := getJSON(txn, nodeKey(id), &node); err != nil {
				continue // index entry without a node
			}
			nodes = append(nodes, &node)
		}
		return nil
	})
	return nodes, err
}

// GetOutgoingEdges returns all edges where the given node is the source.
func (b *BadgerEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.edgesFromIndex(prefixOutgoingIndex, nodeID)
}

// GetIncomingEdges returns all edges where the given node is the target.
func (b *BadgerEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.edgesFromIndex(prefixIncomingIndex, nodeID)
}

func (b *BadgerEngine) edgesFromIndex(indexPrefix byte, nodeID NodeID) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	edges := []*Edge{}
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := edgeIndexPrefix(indexPrefix, nodeID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := EdgeID(it.Item().Key()[len(prefix):])
			var edge Edge
			if err := getJSON(txn, edgeKey(id), &edge); err != nil {
				continue
			}
			edges = append(edges, &edge)
		}
		return nil
	})
	return edges, err
}

// AllNodes returns all nodes.
func (b *BadgerEngine) AllNodes() ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.scan(prefixNode, func(val []byte) error {
		var node Node
		if err := json.Unmarshal(val, &node); err != nil {
			return nil
		}
		nodes = append(nodes, &node)
		return nil
	})
	return nodes, err
}

// AllEdges returns all edges.
func (b *BadgerEngine) AllEdges() ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.scan(prefixEdge, func(val []byte) error {
		var edge Edge
		if err := json.Unmarshal(val, &edge); err != nil {
			return nil
		}
		edges = append(edges, &edge)
		return nil
	})
	return edges, err
}

func (b *BadgerEngine) scan(prefix byte, fn func(val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		p := []byte{prefix}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// Stats
// ============================================================================

// NodeCount returns the total number of nodes.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.count(prefixNode)
}

// EdgeCount returns the total number of edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.count(prefixEdge)
}

func (b *BadgerEngine) count(prefix byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		p := []byte{prefix}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ============================================================================
// KV
// ============================================================================

// Get returns the value stored under key, or ErrNotFound.
func (b *BadgerEngine) Get(key string) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Set stores value under key.
func (b *BadgerEngine) Set(key string, value []byte) error {
	return b.SetMany(map[string][]byte{key: value})
}

// SetMany writes every entry in one transaction.
func (b *BadgerEngine) SetMany(entries map[string][]byte) error {
	for k := range entries {
		if k == "" {
			return ErrInvalidID
		}
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for k, v := range entries {
			if err := txn.Set(kvKey(k), v); err != nil {
				return fmt.Errorf("set %q: %w", k, err)
			}
		}
		return nil
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

// RunGC runs garbage collection on the BadgerDB value log. Long-running
// servers call it periodically. badger.ErrNoRewrite means nothing was
// reclaimed and is not reported.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close closes the BadgerDB database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

var (
	_ Engine = (*BadgerEngine)(nil)
	_ KV     = (*BadgerEngine)(nil)
)
