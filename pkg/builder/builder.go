// Package builder wires the graphbuilder components into one process context.
//
// A Builder owns the storage engine, the equivalence cache, the synonymizer,
// the operation registry, the compiler and the executor. Nothing is global:
// every caller holds the Builder it opened and passes it along.
//
// Example Usage:
//
//	cfg, _ := config.LoadFile("graphbuilder.yaml")
//	b, err := builder.Open(cfg, builder.Options{Logger: logger})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
//	q, _ := question.FromPathway("DG", []string{"MONDO:0005148"}, "type 2 diabetes", nil)
//	report, err := b.Run(ctx, q)
//
// Data Flow:
//  1. The question is compiled against the registry into programs
//  2. The executor runs every program, synonymizing each discovered node
//  3. The merged result graph is saved into the storage engine
package builder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/graphbuilder/pkg/cache"
	"github.com/orneryd/graphbuilder/pkg/compiler"
	"github.com/orneryd/graphbuilder/pkg/config"
	"github.com/orneryd/graphbuilder/pkg/equiv"
	"github.com/orneryd/graphbuilder/pkg/eutils"
	"github.com/orneryd/graphbuilder/pkg/executor"
	"github.com/orneryd/graphbuilder/pkg/fetch"
	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/logging"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/question"
	"github.com/orneryd/graphbuilder/pkg/registry"
	"github.com/orneryd/graphbuilder/pkg/remote"
	"github.com/orneryd/graphbuilder/pkg/seed"
	"github.com/orneryd/graphbuilder/pkg/sources"
	"github.com/orneryd/graphbuilder/pkg/storage"
	"github.com/orneryd/graphbuilder/pkg/synonym"
)

// Errors returned by Builder operations.
var (
	ErrClosed       = errors.New("builder is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is what a Builder needs from its storage engine.
type Store interface {
	storage.Engine
	storage.KV
}

// Options carries what cannot come from the config file.
type Options struct {
	Logger *zap.Logger
	// Capabilities registers in-process service operations before the
	// configured operations are built. Configured sources are registered
	// first, so a capability registered here replaces one with the same name.
	Capabilities func(caps *registry.Capabilities)
	// Resolvers replaces configured resolvers for the given types.
	Resolvers synonym.Table
}

// Builder is the process context. It is safe for concurrent use; Run may be
// called from several jobs at once.
type Builder struct {
	config *config.Config
	logger *zap.Logger

	store    Store
	cache    *equiv.Cache
	syn      *synonym.Synonymizer
	registry *registry.Registry
	compiler *compiler.Compiler
	executor *executor.Executor

	mu     sync.RWMutex
	closed bool
	stopGC chan struct{}
	bgWg   sync.WaitGroup
}

// Open validates cfg and builds every component. A nil cfg uses
// config.Default() with in-memory storage.
func Open(cfg *config.Config, opts Options) (*Builder, error) {
	if cfg == nil {
		cfg = config.Default()
		cfg.Storage.InMemory = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrNop(opts.Logger)

	priority, err := cfg.PriorityTable()
	if err != nil {
		return nil, err
	}

	b := &Builder{config: cfg, logger: logger.Named("builder"), stopGC: make(chan struct{})}

	if cfg.Storage.InMemory {
		b.store = storage.NewMemoryEngine()
		b.logger.Warn("using in-memory storage, nothing survives a restart")
	} else {
		engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    cfg.Storage.DataDir,
			SyncWrites: cfg.Storage.SyncWrites,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent storage: %w", err)
		}
		b.store = engine
		b.logger.Info("using persistent storage", zap.String("dir", cfg.Storage.DataDir))
		if cfg.Storage.GCInterval > 0 {
			b.bgWg.Add(1)
			go b.gcLoop(engine, cfg.Storage.GCInterval)
		}
	}

	b.cache = equiv.New(b.store, equiv.Options{
		Priority:        priority,
		StrictCanonical: cfg.Cache.StrictCanonical,
		HotSize:         cfg.Cache.HotSize,
		HotTTL:          cfg.Cache.HotTTL,
		Logger:          logger,
	})

	table, err := resolverTable(cfg.Resolvers, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	for t, r := range opts.Resolvers {
		table[t] = r
	}
	b.syn = synonym.New(b.cache, table, logger)

	caps := registry.NewCapabilities(priority)
	for _, spec := range cfg.Sources {
		sources.New(spec, nil, logger).Register(caps)
	}
	if opts.Capabilities != nil {
		opts.Capabilities(caps)
	}
	b.registry, err = registry.Build(cfg.Operations, caps)
	if err != nil {
		b.Close()
		return nil, err
	}

	b.compiler = compiler.New(b.registry, compiler.Options{
		MaxPrograms: cfg.Compiler.MaxPrograms,
		Logger:      logger,
	})
	b.executor = executor.New(b.syn, executor.Options{
		PoolSize:    cfg.Executor.PoolSize,
		MaxFrontier: cfg.Executor.MaxFrontier,
		CallTimeout: cfg.Executor.ServiceTimeout,
		Logger:      logger,
	})

	b.logger.Info("builder ready",
		zap.Int("operations", b.registry.Len()),
		zap.Int("sources", len(cfg.Sources)),
		zap.Int("resolvers", len(table)))
	return b, nil
}

// resolverTable turns the configured cascades into a synonym table.
func resolverTable(resolvers []config.ResolverConfig, logger *zap.Logger) (synonym.Table, error) {
	table := synonym.Table{}
	for _, rc := range resolvers {
		t, err := nodetypes.Parse(rc.Type)
		if err != nil {
			return nil, err
		}
		var cascade synonym.Cascade
		for _, tc := range rc.Tiers {
			var r synonym.Resolver
			switch tc.Kind {
			case "xref":
				r = &synonym.XRef{
					Client: remote.New(remote.Options{
						Timeout: tc.Timeout,
						Breaker: remote.DefaultBreakerConfig(tc.Name),
						Logger:  logger,
					}),
					BaseURL:  tc.BaseURL,
					Prefixes: tc.Prefixes,
				}
			case "static":
				static := synonym.NewStatic(t)
				for _, group := range tc.Groups {
					ids := make([]kg.LabeledID, len(group))
					for i, id := range group {
						ids[i] = kg.LabeledID{Identifier: id}
					}
					static.Add(ids...)
				}
				r = static
			default:
				return nil, fmt.Errorf("resolver %s: unknown tier kind %q", rc.Type, tc.Kind)
			}
			cascade = append(cascade, synonym.Tier{Name: tc.Name, Resolver: r, Timeout: tc.Timeout})
		}
		table[t] = cascade
	}
	return table, nil
}

func (b *Builder) gcLoop(engine *storage.BadgerEngine, every time.Duration) {
	defer b.bgWg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			if err := engine.RunGC(); err != nil {
				b.logger.Warn("value log GC failed", zap.Error(err))
			}
		}
	}
}

// Config returns the configuration the builder was opened with.
func (b *Builder) Config() *config.Config { return b.config }

// Registry returns the operation registry.
func (b *Builder) Registry() *registry.Registry { return b.registry }

// Cache returns the equivalence cache.
func (b *Builder) Cache() *equiv.Cache { return b.cache }

// Store returns the storage engine.
func (b *Builder) Store() Store { return b.store }

// RunSummary describes one executed program.
type RunSummary struct {
	Program string `json:"program"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// Report is the outcome of Run.
type Report struct {
	Programs   int               `json:"programs"`
	Candidates uint64            `json:"candidates"`
	Truncated  bool              `json:"truncated"`
	Runs       []RunSummary      `json:"runs"`
	Nodes      int               `json:"nodes"`
	Edges      int               `json:"edges"`
	Saved      storage.SaveStats `json:"saved"`
	Graph      *kg.Graph         `json:"-"`
}

// Run compiles q, executes every program and saves the merged graph.
//
// Programs that fail on their own are reported in Report.Runs. Compilation
// errors, cache corruption and cancellation fail the whole run; the graph
// built so far is not saved in that case.
func (b *Builder) Run(ctx context.Context, q *question.MachineQuestion) (*Report, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()

	compiled, err := b.compiler.Compile(q)
	if err != nil {
		return nil, err
	}

	g, runs, err := b.executor.ExecuteAll(ctx, compiled.Programs)
	report := &Report{
		Programs:   len(compiled.Programs),
		Candidates: compiled.Candidates,
		Truncated:  compiled.Truncated,
		Runs:       make([]RunSummary, len(runs)),
		Nodes:      g.NodeCount(),
		Edges:      g.EdgeCount(),
		Graph:      g,
	}
	for i, r := range runs {
		report.Runs[i] = RunSummary{Program: r.Program.String(), State: string(r.State)}
		if r.Err != nil {
			report.Runs[i].Error = r.Err.Error()
		}
	}
	if err != nil {
		return report, err
	}

	report.Saved, err = storage.SaveGraph(b.store, g)
	if err != nil {
		return report, fmt.Errorf("saving result graph: %w", err)
	}
	b.logger.Info("run finished",
		zap.String("pathway", q.Pathway()),
		zap.Int("programs", report.Programs),
		zap.Int("nodes", report.Nodes),
		zap.Int("edges", report.Edges))
	return report, nil
}

// Handle runs a submitted *question.Payload. It is the job handler used by
// the HTTP API.
func (b *Builder) Handle(ctx context.Context, payload any) (any, error) {
	p, ok := payload.(*question.Payload)
	if !ok || p == nil || p.MachineQuestion == nil {
		return nil, fmt.Errorf("%w: expected a question payload, got %T", ErrInvalidInput, payload)
	}
	return b.Run(ctx, p.MachineQuestion)
}

// Synonymize resolves one identifier of type t through the cache and the
// configured resolvers.
func (b *Builder) Synonymize(ctx context.Context, identifier string, t nodetypes.Type) (*kg.KNode, error) {
	if !kg.ValidCurie(identifier) {
		return nil, fmt.Errorf("%w: %q is not a curie", ErrInvalidInput, identifier)
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()

	node := kg.NewKNode(identifier, t, "")
	if err := b.syn.Synonymize(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// Neighborhood is a stored node with the edges that touch it.
type Neighborhood struct {
	Node     *storage.Node   `json:"node"`
	Outgoing []*storage.Edge `json:"outgoing"`
	Incoming []*storage.Edge `json:"incoming"`
}

// Neighborhood reads identifier's node and edges from the stored graph.
// Nodes are stored under canonical identifiers, so a synonym is resolved
// through the equivalence cache when it is not stored itself.
func (b *Builder) Neighborhood(ctx context.Context, identifier string) (*Neighborhood, error) {
	if !kg.ValidCurie(identifier) {
		return nil, fmt.Errorf("%w: %q is not a curie", ErrInvalidInput, identifier)
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()

	node, err := b.store.GetNode(storage.NodeID(identifier))
	if errors.Is(err, storage.ErrNotFound) {
		set, ok, lerr := b.cache.Lookup(ctx, identifier)
		if lerr != nil {
			return nil, lerr
		}
		if ok && set.Canonical != "" && set.Canonical != identifier {
			node, err = b.store.GetNode(storage.NodeID(set.Canonical))
		}
	}
	if err != nil {
		return nil, err
	}

	out, err := b.store.GetOutgoingEdges(node.ID)
	if err != nil {
		return nil, err
	}
	in, err := b.store.GetIncomingEdges(node.ID)
	if err != nil {
		return nil, err
	}
	sortEdges(out)
	sortEdges(in)
	return &Neighborhood{Node: node, Outgoing: out, Incoming: in}, nil
}

func sortEdges(edges []*storage.Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
}

// NodesByType lists stored nodes of type t, ordered by identifier.
func (b *Builder) NodesByType(t nodetypes.Type) ([]*storage.Node, error) {
	if !t.Known() {
		return nil, fmt.Errorf("%w: unknown node type %q", ErrInvalidInput, t)
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()

	nodes, err := b.store.GetNodesByLabel(string(t))
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// Edge returns a stored edge by id.
func (b *Builder) Edge(id string) (*storage.Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()
	return b.store.GetEdge(storage.EdgeID(id))
}

// Seeder returns a seeder writing into the builder's cache. Raw files come
// from the mirror directory when one is configured, otherwise from the
// network.
func (b *Builder) Seeder() *seed.Seeder {
	cfg := b.config.Seed

	var fetcher fetch.Fetcher
	if cfg.MirrorDir != "" {
		fetcher = &fetch.DirFetcher{Root: cfg.MirrorDir}
	} else {
		fetcher = &fetch.HTTPFetcher{
			Client: remote.New(remote.Options{
				Timeout: 10 * time.Minute,
				Breaker: remote.DefaultBreakerConfig("fetch"),
				Logger:  b.logger,
			}),
			Logger: b.logger,
		}
	}

	eu := eutils.New(eutils.Options{
		BaseURL: cfg.EutilsURL,
		APIKey:  cfg.APIKey,
		RPS:     cfg.RPS,
		Logger:  b.logger,
	})

	return seed.New(b.cache, fetcher, eu, seed.Options{
		IncludeEnsembl:     cfg.IncludeEnsembl,
		RankOrder:          b.config.RankOrder(),
		BatchSize:          cfg.BatchSize,
		AmbiguityThreshold: cfg.AmbiguityThreshold,
		ResolveCAS:         cfg.ResolveCAS,
		DumpDir:            cfg.DumpDir,
		Logger:             b.logger,
	})
}

// Export writes the accumulated knowledge graph to path as JSON.
func (b *Builder) Export(path string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	defer b.mu.RUnlock()
	return storage.SaveExport(b.store, path)
}

// Stats summarizes the builder's state.
type Stats struct {
	Nodes      int64       `json:"nodes"`
	Edges      int64       `json:"edges"`
	Operations int         `json:"operations"`
	HotCache   cache.Stats `json:"hot_cache"`
}

// Stats returns current counts.
func (b *Builder) Stats() (Stats, error) {
	if err := b.checkOpen(); err != nil {
		return Stats{}, err
	}
	defer b.mu.RUnlock()

	nodes, err := b.store.NodeCount()
	if err != nil {
		return Stats{}, err
	}
	edges, err := b.store.EdgeCount()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Nodes:      nodes,
		Edges:      edges,
		Operations: b.registry.Len(),
		HotCache:   b.cache.HotStats(),
	}, nil
}

// checkOpen takes the read lock and returns nil, or returns ErrClosed with
// no lock held.
func (b *Builder) checkOpen() error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

// Close stops background work and closes the storage engine. Runs in
// progress finish first.
func (b *Builder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	close(b.stopGC)
	b.bgWg.Wait()

	if b.store != nil {
		if err := b.store.Close(); err != nil {
			return fmt.Errorf("closing storage: %w", err)
		}
	}
	return nil
}
