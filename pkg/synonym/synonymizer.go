// Package synonym canonicalizes knowledge-graph nodes.
//
// Synonymize looks the node's identifier up in the equivalence cache first.
// On a miss it dispatches on the node type to a Resolver, merges the result
// into the cache and rewrites the node to the set's canonical identifier.
// Concurrent misses for one identifier share a single resolution.
package synonym

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/orneryd/graphbuilder/pkg/equiv"
	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/logging"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graphbuilder_synonym_resolutions_total",
	Help: "Resolver calls by node type and outcome",
}, []string{"type", "outcome"})

// Table maps node types to their resolver. Types without an entry resolve to
// singleton sets.
type Table map[nodetypes.Type]Resolver

// Synonymizer is safe for concurrent use.
type Synonymizer struct {
	cache  *equiv.Cache
	table  Table
	group  singleflight.Group
	logger *zap.Logger
}

// New creates a synonymizer over cache.
func New(cache *equiv.Cache, table Table, logger *zap.Logger) *Synonymizer {
	if table == nil {
		table = Table{}
	}
	return &Synonymizer{
		cache:  cache,
		table:  table,
		logger: logging.OrNop(logger).Named("synonym"),
	}
}

// Synonymize replaces node's synonyms with its equivalence set and moves its
// identifier to the canonical member.
//
// Resolver failures are logged and absorbed: the node keeps a singleton set.
// Cache errors, including *equiv.CacheCorruptionError, are returned.
func (s *Synonymizer) Synonymize(ctx context.Context, node *kg.KNode) error {
	set, ok, err := s.cache.Lookup(ctx, node.Identifier)
	if err != nil {
		return err
	}
	if !ok {
		v, err, _ := s.group.Do(string(node.Type)+"|"+node.Identifier, func() (interface{}, error) {
			return s.resolve(ctx, node)
		})
		if err != nil {
			return err
		}
		set = v.(*kg.EquivalenceSet).Clone()
	}

	if set.Type != node.Type {
		// The identifier was first seen under another type; a cast node keeps
		// its own type but shares the members.
		set.Type = node.Type
	}
	node.ApplySynonyms(set)
	return nil
}

// SynonymizeAll synonymizes nodes in order and stops at the first error.
func (s *Synonymizer) SynonymizeAll(ctx context.Context, nodes []*kg.KNode) error {
	for _, n := range nodes {
		if err := s.Synonymize(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synonymizer) resolve(ctx context.Context, node *kg.KNode) (*kg.EquivalenceSet, error) {
	set := s.callResolver(ctx, node)
	set.Type = node.Type
	set.Add(kg.LabeledID{Identifier: node.Identifier, Label: node.Name})
	return s.cache.Merge(ctx, set)
}

func (s *Synonymizer) callResolver(ctx context.Context, node *kg.KNode) *kg.EquivalenceSet {
	resolver, ok := s.table[node.Type]
	if !ok {
		resolutionsTotal.WithLabelValues(string(node.Type), "no_resolver").Inc()
		return kg.Singleton(node.Type, node.Identifier, node.Name)
	}

	set, err := resolver.Resolve(ctx, node)
	switch {
	case err != nil:
		rerr := &ResolverError{Identifier: node.Identifier, Type: node.Type, Err: err}
		outcome := "error"
		if errors.Is(err, ErrNoSynonyms) {
			outcome = "empty"
			s.logger.Debug("no synonyms", zap.String("identifier", node.Identifier))
		} else {
			s.logger.Warn("resolver failed, using singleton", zap.Error(rerr))
		}
		resolutionsTotal.WithLabelValues(string(node.Type), outcome).Inc()
		return kg.Singleton(node.Type, node.Identifier, node.Name)
	case set.Len() == 0:
		resolutionsTotal.WithLabelValues(string(node.Type), "empty").Inc()
		return kg.Singleton(node.Type, node.Identifier, node.Name)
	default:
		resolutionsTotal.WithLabelValues(string(node.Type), "ok").Inc()
		return set.Clone()
	}
}
