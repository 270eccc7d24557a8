package synonym

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/remote"
)

// Resolver discovers identifiers equivalent to a node's identifier.
type Resolver interface {
	Resolve(ctx context.Context, node *kg.KNode) (*kg.EquivalenceSet, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, node *kg.KNode) (*kg.EquivalenceSet, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, node *kg.KNode) (*kg.EquivalenceSet, error) {
	return f(ctx, node)
}

// ErrNoSynonyms is returned by resolvers that know nothing about an
// identifier. Cascades treat it like any other failure and move on.
var ErrNoSynonyms = errors.New("synonym: no synonyms found")

// ResolverError reports a failed resolution. The synonymizer absorbs it and
// continues with a singleton set.
type ResolverError struct {
	Identifier string
	Type       nodetypes.Type
	Err        error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("synonym: resolving %s (%s): %v", e.Identifier, e.Type, e.Err)
}

func (e *ResolverError) Unwrap() error { return e.Err }

// Tier is one stage of a Cascade.
type Tier struct {
	Name     string
	Resolver Resolver
	// Timeout bounds this tier. Zero means the caller's deadline only.
	Timeout time.Duration
}

// Cascade tries tiers in order. The first tier that returns a non-empty set
// wins; an error, a timeout or an empty result moves on to the next tier.
type Cascade []Tier

// Resolve implements Resolver.
func (c Cascade) Resolve(ctx context.Context, node *kg.KNode) (*kg.EquivalenceSet, error) {
	var errs []error
	for _, tier := range c {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		set, err := resolveTier(ctx, tier, node)
		if err == nil && set.Len() > 0 {
			return set, nil
		}
		if err == nil {
			err = ErrNoSynonyms
		}
		errs = append(errs, fmt.Errorf("%s: %w", tier.Name, err))
	}
	if len(errs) == 0 {
		return nil, ErrNoSynonyms
	}
	return nil, errors.Join(errs...)
}

func resolveTier(ctx context.Context, tier Tier, node *kg.KNode) (*kg.EquivalenceSet, error) {
	if tier.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tier.Timeout)
		defer cancel()
	}
	return tier.Resolver.Resolve(ctx, node)
}

// Static answers from an in-memory table of equivalence groups, typically
// loaded from pre-seed dumps.
type Static struct {
	mu     sync.RWMutex
	t      nodetypes.Type
	groups map[string]*kg.EquivalenceSet
}

// NewStatic creates an empty static resolver for type t.
func NewStatic(t nodetypes.Type) *Static {
	return &Static{t: t, groups: make(map[string]*kg.EquivalenceSet)}
}

// Add records that ids are equivalent. Groups sharing an identifier are
// joined.
func (s *Static) Add(ids ...kg.LabeledID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := kg.NewEquivalenceSet(s.t, ids...)
	for _, id := range group.Identifiers() {
		if existing, ok := s.groups[id]; ok {
			group.Union(existing)
		}
	}
	for _, id := range group.Identifiers() {
		s.groups[id] = group
	}
}

// Len returns the number of identifiers known.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups)
}

// Resolve implements Resolver.
func (s *Static) Resolve(_ context.Context, node *kg.KNode) (*kg.EquivalenceSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[node.Identifier]
	if !ok {
		return nil, ErrNoSynonyms
	}
	return group.Clone(), nil
}

// XRef resolves through an HTTP cross-reference service:
//
//	GET {BaseURL}/{curie}  ->  [{"identifier": "...", "label": "..."}, ...]
//
// Prefixes limits the namespaces kept from the response; empty keeps all.
type XRef struct {
	Client   *remote.Client
	BaseURL  string
	Prefixes []string
}

// Resolve implements Resolver.
func (x *XRef) Resolve(ctx context.Context, node *kg.KNode) (*kg.EquivalenceSet, error) {
	u := strings.TrimRight(x.BaseURL, "/") + "/" + url.PathEscape(node.Identifier)
	var ids []kg.LabeledID
	if err := x.Client.GetJSON(ctx, u, &ids); err != nil {
		return nil, err
	}

	set := kg.NewEquivalenceSet(node.Type)
	for _, id := range ids {
		if !kg.ValidCurie(id.Identifier) || !x.keep(id.Identifier) {
			continue
		}
		set.Add(id)
	}
	if set.Len() == 0 {
		return nil, ErrNoSynonyms
	}
	return set, nil
}

func (x *XRef) keep(identifier string) bool {
	if len(x.Prefixes) == 0 {
		return true
	}
	prefix := nodetypes.Prefix(identifier)
	for _, p := range x.Prefixes {
		if strings.EqualFold(p, prefix) {
			return true
		}
	}
	return false
}
