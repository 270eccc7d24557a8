package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
)

// Expr is a node of the capability expression tree. The concrete types are
// Upcast, OutputFilter, InputFilter and CapabilityLeaf.
type Expr interface {
	// Compile resolves capability and check names against caps.
	Compile(caps *Capabilities) (Func, error)
	String() string
}

// CapabilityLeaf names one operation of one service, written service~operation.
type CapabilityLeaf struct {
	Service   string
	Operation string
}

func (l CapabilityLeaf) String() string { return l.Service + "~" + l.Operation }

// Compile looks the capability up.
func (l CapabilityLeaf) Compile(caps *Capabilities) (Func, error) {
	f, ok := caps.capability(l.Service, l.Operation)
	if !ok {
		return nil, fmt.Errorf("unknown capability %s", l)
	}
	return f, nil
}

// Upcast retypes every result of Inner to Type.
type Upcast struct {
	Inner Expr
	Type  nodetypes.Type
}

func (u Upcast) String() string { return fmt.Sprintf("upcast(%s,%s)", u.Inner, u.Type) }

// Compile implements Expr.
func (u Upcast) Compile(caps *Capabilities) (Func, error) {
	inner, err := u.Inner.Compile(caps)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, node *kg.KNode) ([]Result, error) {
		results, err := inner(ctx, node)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			r.Node.Cast(u.Type)
		}
		return results, nil
	}, nil
}

// OutputFilter drops results of Inner whose node fails Check and retypes the
// rest to Type.
type OutputFilter struct {
	Inner Expr
	Type  nodetypes.Type
	Check string
}

func (o OutputFilter) String() string {
	return fmt.Sprintf("output_filter(%s,%s,%s)", o.Inner, o.Type, o.Check)
}

// Compile implements Expr.
func (o OutputFilter) Compile(caps *Capabilities) (Func, error) {
	inner, err := o.Inner.Compile(caps)
	if err != nil {
		return nil, err
	}
	check, err := caps.check(o.Check)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, node *kg.KNode) ([]Result, error) {
		results, err := inner(ctx, node)
		if err != nil {
			return nil, err
		}
		kept := results[:0]
		for _, r := range results {
			if check(r.Node) {
				r.Node.Cast(o.Type)
				kept = append(kept, r)
			}
		}
		return kept, nil
	}, nil
}

// InputFilter calls Inner only for inputs passing Check. Without a check
// every input passes.
type InputFilter struct {
	Inner Expr
	Type  nodetypes.Type
	Check string
}

func (i InputFilter) String() string {
	if i.Check == "" {
		return fmt.Sprintf("input_filter(%s,%s)", i.Inner, i.Type)
	}
	return fmt.Sprintf("input_filter(%s,%s,%s)", i.Inner, i.Type, i.Check)
}

// Compile implements Expr.
func (i InputFilter) Compile(caps *Capabilities) (Func, error) {
	inner, err := i.Inner.Compile(caps)
	if err != nil {
		return nil, err
	}
	if i.Check == "" {
		return inner, nil
	}
	check, err := caps.check(i.Check)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, node *kg.KNode) ([]Result, error) {
		if !check(node) {
			return nil, nil
		}
		return inner(ctx, node)
	}, nil
}

// Check is a node predicate used by filters.
type Check func(node *kg.KNode) bool

// Capabilities is the explicit table of service operations and checks that
// expressions may name.
//
// Checks named is_<type> are built in: a node passes when its type is <type>
// or its identifier's namespace is one of <type>'s priority namespaces.
type Capabilities struct {
	mu       sync.RWMutex
	services map[string]map[string]Func
	checks   map[string]Check
	priority nodetypes.Priority
}

// NewCapabilities creates an empty table. A nil priority uses the default.
func NewCapabilities(priority nodetypes.Priority) *Capabilities {
	if priority == nil {
		priority = nodetypes.DefaultPriority()
	}
	return &Capabilities{
		services: make(map[string]map[string]Func),
		checks:   make(map[string]Check),
		priority: priority,
	}
}

// Register adds service~operation.
func (c *Capabilities) Register(service, operation string, f Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.services[service] == nil {
		c.services[service] = make(map[string]Func)
	}
	c.services[service][operation] = f
}

// RegisterCheck adds a named check.
func (c *Capabilities) RegisterCheck(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Services lists the registered services.
func (c *Capabilities) Services() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.services))
	for s := range c.services {
		out = append(out, s)
	}
	return out
}

func (c *Capabilities) capability(service, operation string) (Func, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.services[service][operation]
	return f, ok
}

func (c *Capabilities) check(name string) (Check, error) {
	// A service qualifier (typecheck~is_gene) is accepted and ignored.
	if i := strings.LastIndex(name, "~"); i >= 0 {
		name = name[i+1:]
	}

	c.mu.RLock()
	check, ok := c.checks[name]
	c.mu.RUnlock()
	if ok {
		return check, nil
	}

	if typeName, found := strings.CutPrefix(name, "is_"); found {
		t, err := nodetypes.Parse(typeName)
		if err == nil && t.Known() {
			return c.typeCheck(t), nil
		}
	}
	return nil, fmt.Errorf("unknown check %q", name)
}

func (c *Capabilities) typeCheck(t nodetypes.Type) Check {
	namespaces := c.priority[t]
	return func(node *kg.KNode) bool {
		if node.Type == t {
			return true
		}
		prefix := nodetypes.Prefix(node.Identifier)
		for _, ns := range namespaces {
			if strings.EqualFold(ns, prefix) {
				return true
			}
		}
		return false
	}
}
