// Package compiler turns a machine question into executable programs.
//
// For every question edge the compiler searches the registry for chains of
// one-hop operations whose types compose end to end and whose length lies in
// the edge's hop range. The chains of consecutive edges are then combined by
// cartesian expansion into Programs, in registry order.
package compiler

import (
	"fmt"
	"math"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/orneryd/graphbuilder/pkg/logging"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/question"
	"github.com/orneryd/graphbuilder/pkg/registry"
)

// DefaultMaxPrograms caps cartesian expansion when no limit is configured.
const DefaultMaxPrograms = 100

var (
	programsCompiled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphbuilder_compiler_programs_total",
		Help: "Programs produced by the compiler",
	})
	truncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphbuilder_compiler_truncations_total",
		Help: "Compilations whose program count exceeded the configured maximum",
	})
)

// CompilationError reports a question edge no operation chain can traverse.
type CompilationError struct {
	EdgeIndex int
	Edge      question.Edge
	From, To  nodetypes.Type
	Reason    string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compiler: edge %d (%s -> %s, %d-%d hops): %s",
		e.EdgeIndex, e.From, e.To, e.Edge.MinHops, e.Edge.MaxHops, e.Reason)
}

// Step is one service call in a program.
type Step struct {
	Operation  *registry.Operation
	InputType  nodetypes.Type
	OutputType nodetypes.Type
	// EdgeIndex is the question edge this step belongs to; Hop counts from 1
	// within that edge and HopCount is the chain length chosen for it.
	EdgeIndex int
	Hop       int
	HopCount  int
}

func (s Step) String() string {
	return fmt.Sprintf("%s[%d/%d]", s.Operation.Name, s.Hop, s.HopCount)
}

// Program is one executable traversal, ordered from start to end.
type Program struct {
	ID    int
	Start question.Node
	// End is set when the question's last node is pinned.
	End   *question.Node
	Steps []Step
}

func (p *Program) String() string {
	parts := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		parts[i] = s.String()
	}
	return fmt.Sprintf("program %d: %s", p.ID, strings.Join(parts, " -> "))
}

// Result is the outcome of a compilation. When Truncated is set, Programs
// holds the first MaxPrograms of Candidates valid programs.
type Result struct {
	Programs   []*Program
	Truncated  bool
	Candidates uint64
}

// Options configures a Compiler.
type Options struct {
	MaxPrograms int
	Logger      *zap.Logger
}

// Compiler plans over a fixed registry.
type Compiler struct {
	reg         *registry.Registry
	maxPrograms int
	logger      *zap.Logger
}

// New creates a compiler.
func New(reg *registry.Registry, opts Options) *Compiler {
	if opts.MaxPrograms <= 0 {
		opts.MaxPrograms = DefaultMaxPrograms
	}
	return &Compiler{
		reg:         reg,
		maxPrograms: opts.MaxPrograms,
		logger:      logging.OrNop(opts.Logger).Named("compiler"),
	}
}

type chain []*registry.Operation

func (c chain) first() *registry.Operation { return c[0] }
func (c chain) last() *registry.Operation  { return c[len(c)-1] }

// Compile produces the programs answering q.
func (c *Compiler) Compile(q *question.MachineQuestion) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	chains := make([][]chain, len(q.Edges))
	for i, e := range q.Edges {
		from, to := q.Nodes[e.SourceID].Type, q.Nodes[e.TargetID].Type
		chains[i] = c.edgeChains(from, to, e)
		if len(chains[i]) == 0 {
			return nil, &CompilationError{EdgeIndex: i, Edge: e, From: from, To: to,
				Reason: "no chain of registered operations connects these types"}
		}
	}

	// completions[i][k] counts the programs that continue from chain k of
	// edge i through the last edge.
	completions := make([][]uint64, len(chains))
	last := len(chains) - 1
	completions[last] = make([]uint64, len(chains[last]))
	for k := range completions[last] {
		completions[last][k] = 1
	}
	for i := last - 1; i >= 0; i-- {
		completions[i] = make([]uint64, len(chains[i]))
		reachable := false
		for k, ch := range chains[i] {
			for n, next := range chains[i+1] {
				if composes(ch, next) {
					completions[i][k] = addSat(completions[i][k], completions[i+1][n])
				}
			}
			reachable = reachable || completions[i][k] > 0
		}
		if !reachable {
			e := q.Edges[i+1]
			return nil, &CompilationError{EdgeIndex: i + 1, Edge: e,
				From: q.Nodes[e.SourceID].Type, To: q.Nodes[e.TargetID].Type,
				Reason: "no chain composes with the chains of the previous edge"}
		}
	}

	var candidates uint64
	for _, n := range completions[0] {
		candidates = addSat(candidates, n)
	}

	res := &Result{Candidates: candidates}
	var end *question.Node
	if q.End().Pinned() {
		n := q.End()
		end = &n
	}

	var expand func(i int, prefix []chain)
	expand = func(i int, prefix []chain) {
		if len(res.Programs) >= c.maxPrograms {
			return
		}
		if i == len(chains) {
			res.Programs = append(res.Programs, buildProgram(len(res.Programs), q.Start(), end, prefix))
			return
		}
		for k, ch := range chains[i] {
			if completions[i][k] == 0 {
				continue
			}
			if i > 0 && !composes(prefix[i-1], ch) {
				continue
			}
			expand(i+1, append(prefix, ch))
			if len(res.Programs) >= c.maxPrograms {
				return
			}
		}
	}
	expand(0, make([]chain, 0, len(chains)))

	if candidates > uint64(len(res.Programs)) {
		res.Truncated = true
		truncations.Inc()
		c.logger.Warn("program expansion truncated",
			zap.String("pathway", q.Pathway()),
			zap.Uint64("candidates", candidates),
			zap.Int("kept", len(res.Programs)),
		)
	}
	programsCompiled.Add(float64(len(res.Programs)))
	c.logger.Debug("compiled question",
		zap.String("pathway", q.Pathway()),
		zap.Int("programs", len(res.Programs)),
	)
	return res, nil
}

// edgeChains lists operation chains from one question node type to the next,
// of every length in the edge's hop range, in registry order.
func (c *Compiler) edgeChains(from, to nodetypes.Type, e question.Edge) []chain {
	lo, hi := e.Hops()
	var out []chain

	var walk func(cur nodetypes.Type, path chain)
	walk = func(cur nodetypes.Type, path chain) {
		depth := len(path)
		if depth >= lo && to.Matches(path.last().OutputType) {
			out = append(out, append(chain(nil), path...))
		}
		if depth == hi {
			return
		}
		for _, op := range c.reg.Outgoing(cur) {
			walk(op.OutputType, append(path, op))
		}
	}

	for _, op := range c.reg.Outgoing(from) {
		walk(op.OutputType, chain{op})
	}
	return out
}

// composes reports whether b can follow a across a shared question node.
func composes(a, b chain) bool {
	return a.last().OutputType == b.first().InputType
}

func buildProgram(id int, start question.Node, end *question.Node, chains []chain) *Program {
	p := &Program{ID: id, Start: start, End: end}
	for i, ch := range chains {
		for h, op := range ch {
			p.Steps = append(p.Steps, Step{
				Operation:  op,
				InputType:  op.InputType,
				OutputType: op.OutputType,
				EdgeIndex:  i,
				Hop:        h + 1,
				HopCount:   len(ch),
			})
		}
	}
	return p
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
