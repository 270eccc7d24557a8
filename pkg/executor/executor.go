// Package executor runs compiled programs against the knowledge sources and
// accumulates what they discover into a result graph.
//
// Steps run strictly in order. Within a step every frontier node is handed to
// the step's operation on a bounded worker pool; each returned node is
// synonymized before it is admitted, so the graph only ever holds canonical
// identifiers and the next frontier is the set of admitted nodes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/graphbuilder/pkg/compiler"
	"github.com/orneryd/graphbuilder/pkg/equiv"
	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/logging"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/synonym"
)

// Defaults applied by New to zero-valued Options.
const (
	DefaultPoolSize    = 8
	DefaultMaxFrontier = 10000
	DefaultCallTimeout = 30 * time.Second
)

var tracer = otel.Tracer("graphbuilder.executor")

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphbuilder_executor_calls_total",
		Help: "Operation calls by outcome",
	}, []string{"operation", "outcome"})
	admittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphbuilder_executor_admitted_nodes_total",
		Help: "Result nodes admitted into result graphs",
	})
	programsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphbuilder_executor_programs_total",
		Help: "Executed programs by final state",
	}, []string{"state"})
	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graphbuilder_executor_step_duration_seconds",
		Help:    "Wall time of one program step",
		Buckets: prometheus.DefBuckets,
	})
)

// State is the lifecycle state of a program run.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// ErrNoPath is returned when a step leaves the frontier empty.
var ErrNoPath = errors.New("executor: frontier is empty, no path to the end of the program")

// ResourceLimitExceeded reports a frontier larger than the configured limit.
// After is set when the frontier was produced by Step rather than fed to it.
type ResourceLimitExceeded struct {
	Step  int
	Size  int
	Limit int
	After bool
}

func (e *ResourceLimitExceeded) Error() string {
	where := "before"
	if e.After {
		where = "after"
	}
	return fmt.Sprintf("executor: frontier of %d nodes %s step %d exceeds limit %d", e.Size, where, e.Step, e.Limit)
}

// Options configures an Executor.
type Options struct {
	PoolSize    int
	MaxFrontier int
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// Executor runs programs. It holds no per-run state and is safe for
// concurrent use.
type Executor struct {
	syn    *synonym.Synonymizer
	opts   Options
	logger *zap.Logger
}

// New creates an executor that canonicalizes nodes through syn.
func New(syn *synonym.Synonymizer, opts Options) *Executor {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.MaxFrontier <= 0 {
		opts.MaxFrontier = DefaultMaxFrontier
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Executor{
		syn:    syn,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("executor"),
	}
}

// StepStats summarizes one executed step.
type StepStats struct {
	Operation string
	Frontier  int
	Calls     int
	Failures  int
	Admitted  int
	Duration  time.Duration
}

// Run is the outcome of one program.
type Run struct {
	Program *compiler.Program
	State   State
	Err     error
	Steps   []StepStats
}

// Fatal reports whether the run's error must stop the whole job: cache
// corruption and cancellation.
func (r *Run) Fatal() bool {
	if r.Err == nil {
		return false
	}
	var corrupt *equiv.CacheCorruptionError
	return errors.As(r.Err, &corrupt) ||
		errors.Is(r.Err, context.Canceled) ||
		errors.Is(r.Err, context.DeadlineExceeded)
}

// ExecuteAll runs programs in order into one graph. Programs that fail on
// their own (empty frontier, frontier limit) are logged and skipped; a fatal
// failure stops the loop and is returned. The graph is returned in every case.
func (e *Executor) ExecuteAll(ctx context.Context, programs []*compiler.Program) (*kg.Graph, []*Run, error) {
	g := kg.NewGraph()
	runs := make([]*Run, 0, len(programs))
	for _, p := range programs {
		run := e.Execute(ctx, p, g)
		runs = append(runs, run)
		if run.Fatal() {
			return g, runs, run.Err
		}
	}
	return g, runs, nil
}

// Execute runs one program, adding its discoveries to g.
func (e *Executor) Execute(ctx context.Context, p *compiler.Program, g *kg.Graph) *Run {
	run := &Run{Program: p, State: StatePending}

	ctx, span := tracer.Start(ctx, "executor.Program", trace.WithAttributes(
		attribute.Int("program.id", p.ID),
		attribute.Int("program.steps", len(p.Steps)),
	))
	defer span.End()

	run.State = StateRunning
	err := e.execute(ctx, p, g, run)
	if err != nil {
		run.State = StateFailed
		run.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("program failed", zap.Int("program", p.ID), zap.Error(err))
	} else {
		run.State = StateCompleted
		e.logger.Debug("program completed", zap.Int("program", p.ID),
			zap.Int("nodes", g.NodeCount()), zap.Int("edges", g.EdgeCount()))
	}
	programsTotal.WithLabelValues(string(run.State)).Inc()
	return run
}

func (e *Executor) execute(ctx context.Context, p *compiler.Program, g *kg.Graph, run *Run) error {
	frontier, err := e.startFrontier(ctx, p, g)
	if err != nil {
		return err
	}
	if len(frontier) > e.opts.MaxFrontier {
		return &ResourceLimitExceeded{Step: 0, Size: len(frontier), Limit: e.opts.MaxFrontier}
	}

	for i, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("before step %d: %w", i, err)
		}

		var end []string
		if i == len(p.Steps)-1 && p.End != nil {
			end = p.End.Identifiers
		}

		stats, next, err := e.runStep(ctx, i, step, frontier, end, g)
		run.Steps = append(run.Steps, stats)
		if err != nil {
			return err
		}
		if len(next) == 0 {
			return fmt.Errorf("%w (step %d, %s)", ErrNoPath, i, step.Operation.Name)
		}
		if len(next) > e.opts.MaxFrontier {
			return &ResourceLimitExceeded{Step: i, Size: len(next), Limit: e.opts.MaxFrontier, After: true}
		}
		frontier = next
	}
	return nil
}

// startFrontier synonymizes the program's start identifiers and admits them.
func (e *Executor) startFrontier(ctx context.Context, p *compiler.Program, g *kg.Graph) ([]*kg.KNode, error) {
	next := &collector{seen: make(map[string]struct{})}
	for _, id := range p.Start.Identifiers {
		n := kg.NewKNode(id, p.Start.Type, p.Start.Name)
		if err := e.syn.Synonymize(ctx, n); err != nil {
			return nil, fmt.Errorf("synonymizing start %s: %w", id, err)
		}
		stored, _ := g.AddNode(n)
		next.add(stored.Clone())
	}
	return next.settle(g), nil
}

type collector struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	nodes []*kg.KNode
}

func (c *collector) add(n *kg.KNode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[n.Identifier]; ok {
		return false
	}
	c.seen[n.Identifier] = struct{}{}
	c.nodes = append(c.nodes, n)
	return true
}

// settle maps every collected node to the graph node that now owns it.
// Nodes folded together while the step ran collapse into one entry.
func (c *collector) settle(g *kg.Graph) []*kg.KNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*kg.KNode, 0, len(c.nodes))
	seen := make(map[string]struct{}, len(c.nodes))
	for _, n := range c.nodes {
		key := g.Resolve(n.Identifier)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if key != n.Identifier {
			if stored, ok := g.Node(key); ok {
				n = stored.Clone()
			}
		}
		out = append(out, n)
	}
	return out
}

// runStep calls step's operation for every frontier node. A non-nil end
// restricts admission to nodes matching one of those identifiers.
func (e *Executor) runStep(ctx context.Context, index int, step compiler.Step, frontier []*kg.KNode, end []string, g *kg.Graph) (StepStats, []*kg.KNode, error) {
	op := step.Operation
	stats := StepStats{Operation: op.Name, Frontier: len(frontier)}
	started := time.Now()

	ctx, span := tracer.Start(ctx, "executor.Step", trace.WithAttributes(
		attribute.Int("step.index", index),
		attribute.String("step.operation", op.Name),
		attribute.Int("step.frontier", len(frontier)),
	))
	defer span.End()

	next := &collector{seen: make(map[string]struct{})}
	var (
		mu              sync.Mutex
		calls, failures int
	)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.opts.PoolSize)
	for _, input := range frontier {
		input := input
		group.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, e.opts.CallTimeout)
			results, err := op.Call(callCtx, input)
			cancel()

			mu.Lock()
			calls++
			if err != nil {
				failures++
			}
			mu.Unlock()

			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				callsTotal.WithLabelValues(op.Name, "error").Inc()
				e.logger.Warn("operation call failed",
					zap.String("operation", op.Name),
					zap.String("input", input.Identifier),
					zap.Error(err),
				)
				return nil
			}
			callsTotal.WithLabelValues(op.Name, "ok").Inc()

			for _, r := range results {
				if r.Node == nil || r.Edge == nil {
					continue
				}
				node := r.Node
				if node.Type == nodetypes.Any {
					node.Cast(step.OutputType)
				}
				if err := e.syn.Synonymize(gctx, node); err != nil {
					return fmt.Errorf("synonymizing %s from %s: %w", node.Identifier, op.Name, err)
				}
				if end != nil && !node.HasAny(end) {
					continue
				}

				// The graph may merge into node from other workers once it is
				// stored, so the frontier keeps its own copy.
				admit := node.Clone()
				g.AddNode(node)
				g.AddEdge(r.Edge.Rebind(input.Identifier, admit.Identifier))
				next.add(admit)
			}
			return nil
		})
	}
	err := group.Wait()

	var admitted int
	var nodes []*kg.KNode
	if err == nil {
		nodes = next.settle(g)
		admitted = len(nodes)
		admittedTotal.Add(float64(admitted))
	}
	stats.Calls, stats.Failures, stats.Admitted = calls, failures, admitted
	stats.Duration = time.Since(started)
	stepDuration.Observe(stats.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("step.calls", calls),
		attribute.Int("step.failures", failures),
		attribute.Int("step.admitted", admitted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stats, nil, err
	}

	e.logger.Debug("step done",
		zap.Int("step", index),
		zap.String("operation", op.Name),
		zap.Int("frontier", len(frontier)),
		zap.Int("admitted", admitted),
		zap.Int("failures", failures),
	)
	return stats, nodes, nil
}
