// Package registry holds the knowledge-source operations the compiler plans
// over.
//
// An Operation turns one input node into zero or more (edge, node) results
// and is indexed by its (input type, output type) pair. Operations are built
// from capability expressions such as
//
//	output_filter(biolink~disease_get_gene,gene,is_gene)
//
// parsed once at configuration time into an expression tree (see Parse).
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
)

// Result is one discovery made by an operation.
type Result struct {
	Edge *kg.KEdge
	Node *kg.KNode
}

// Func is the callable form of an operation or capability.
type Func func(ctx context.Context, node *kg.KNode) ([]Result, error)

// Operation is a registered one-hop transition.
type Operation struct {
	Name       string
	InputType  nodetypes.Type
	OutputType nodetypes.Type
	Expr       Expr
	Call       Func
}

func (o *Operation) String() string {
	return fmt.Sprintf("%s: %s -> %s", o.Name, o.InputType, o.OutputType)
}

type pair struct {
	in, out nodetypes.Type
}

// Registry indexes operations by type pair. Lookups return operations in
// registration order, which the compiler relies on for stable truncation.
// A Registry is safe for concurrent reads once built.
type Registry struct {
	mu     sync.RWMutex
	ops    []*Operation
	byPair map[pair][]*Operation
	names  map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byPair: make(map[pair][]*Operation),
		names:  make(map[string]struct{}),
	}
}

// Register adds op. Names must be unique per type pair.
func (r *Registry) Register(op *Operation) error {
	if op == nil || op.Call == nil {
		return fmt.Errorf("registry: operation %v has no implementation", op)
	}
	if !op.InputType.Known() || !op.OutputType.Known() {
		return fmt.Errorf("registry: operation %s has unknown types %s -> %s", op.Name, op.InputType, op.OutputType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(op.InputType) + "|" + string(op.OutputType) + "|" + op.Name
	if _, dup := r.names[key]; dup {
		return fmt.Errorf("registry: duplicate operation %s", op)
	}
	r.names[key] = struct{}{}
	r.ops = append(r.ops, op)
	p := pair{op.InputType, op.OutputType}
	r.byPair[p] = append(r.byPair[p], op)
	return nil
}

// Lookup returns operations from in to out. Any on either side matches every
// type.
func (r *Registry) Lookup(in, out nodetypes.Type) []*Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if in != nodetypes.Any && out != nodetypes.Any {
		return append([]*Operation(nil), r.byPair[pair{in, out}]...)
	}
	var res []*Operation
	for _, op := range r.ops {
		if in.Matches(op.InputType) && out.Matches(op.OutputType) {
			res = append(res, op)
		}
	}
	return res
}

// Outgoing returns every operation accepting in.
func (r *Registry) Outgoing(in nodetypes.Type) []*Operation {
	return r.Lookup(in, nodetypes.Any)
}

// Operations returns all operations in registration order.
func (r *Registry) Operations() []*Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Operation(nil), r.ops...)
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

// Pairs lists the distinct type pairs, sorted, for diagnostics.
func (r *Registry) Pairs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byPair))
	for p := range r.byPair {
		out = append(out, fmt.Sprintf("%s->%s", p.in, p.out))
	}
	sort.Strings(out)
	return out
}

// OperationSpec is the configuration form of an operation.
type OperationSpec struct {
	Input  string `yaml:"input" json:"input" validate:"required"`
	Output string `yaml:"output" json:"output" validate:"required"`
	Expr   string `yaml:"expr" json:"expr" validate:"required"`
	// Name defaults to Expr.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Build parses every spec against caps and returns the populated registry.
func Build(specs []OperationSpec, caps *Capabilities) (*Registry, error) {
	r := New()
	for i, spec := range specs {
		in, err := nodetypes.Parse(spec.Input)
		if err != nil {
			return nil, fmt.Errorf("registry: operation %d: %w", i, err)
		}
		out, err := nodetypes.Parse(spec.Output)
		if err != nil {
			return nil, fmt.Errorf("registry: operation %d: %w", i, err)
		}
		expr, err := Parse(spec.Expr)
		if err != nil {
			return nil, fmt.Errorf("registry: operation %d: %w", i, err)
		}
		call, err := expr.Compile(caps)
		if err != nil {
			return nil, fmt.Errorf("registry: operation %d (%s): %w", i, spec.Expr, err)
		}
		name := spec.Name
		if name == "" {
			name = expr.String()
		}
		if err := r.Register(&Operation{Name: name, InputType: in, OutputType: out, Expr: expr, Call: call}); err != nil {
			return nil, err
		}
	}
	return r, nil
}
