// Package equiv implements the equivalence cache: a persistent
// disjoint-set-with-cache over identifiers.
//
// Every member of an equivalence set is stored under its own key
// "synonymize(<curie>)" and each key holds the whole set, so a lookup for any
// member is one read. Merge unions sets that share a member, closes the union
// over everything already cached, and rewrites every member key in one
// storage transaction while holding a process-wide merge lock.
//
// Records carry a blake2b digest of the encoded set. A record whose digest
// does not match, or that does not contain the identifier it is stored under,
// is reported as a *CacheCorruptionError.
package equiv

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/graphbuilder/pkg/cache"
	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/logging"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/storage"
)

var tracer = otel.Tracer("graphbuilder.equiv")

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphbuilder_equiv_lookups_total",
		Help: "Equivalence cache lookups by outcome (hot, hit, miss)",
	}, []string{"outcome"})

	mergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphbuilder_equiv_merges_total",
		Help: "Equivalence set merges written to the store",
	})

	corruptionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphbuilder_equiv_corruption_total",
		Help: "Cache corruption errors detected",
	})

	mergedSetSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graphbuilder_equiv_merged_set_size",
		Help:    "Member count of sets written by merge",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})
)

// ErrEmptyMerge is returned when Merge is called without any members.
var ErrEmptyMerge = errors.New("equiv: nothing to merge")

// CacheCorruptionError reports a cache state that violates the equivalence
// invariants. It is fatal to the run that observes it.
type CacheCorruptionError struct {
	Identifier string
	Reason     string
	Sets       []string
}

func (e *CacheCorruptionError) Error() string {
	if len(e.Sets) == 0 {
		return fmt.Sprintf("equiv: cache corruption at %s: %s", e.Identifier, e.Reason)
	}
	return fmt.Sprintf("equiv: cache corruption at %s: %s (sets %v)", e.Identifier, e.Reason, e.Sets)
}

// Key returns the storage key for identifier.
func Key(identifier string) string {
	return "synonymize(" + identifier + ")"
}

// Options configures a Cache.
type Options struct {
	// Priority chooses canonical identifiers. Defaults to
	// nodetypes.DefaultPriority().
	Priority nodetypes.Priority

	// StrictCanonical rejects merges that would join two sets whose
	// canonical identifiers both sit in the type's top-priority namespace.
	StrictCanonical bool

	// HotSize and HotTTL size the in-process LRU tier. HotSize < 0 disables it.
	HotSize int
	HotTTL  time.Duration

	Logger *zap.Logger
}

// Cache is the equivalence cache. It is safe for concurrent use.
type Cache struct {
	kv       storage.KV
	hot      *cache.LRU[*kg.EquivalenceSet]
	priority nodetypes.Priority
	strict   bool
	logger   *zap.Logger

	// mergeMu serializes merges so the read-union-write cycle sees a stable
	// store.
	mergeMu sync.Mutex
}

// New creates a cache over kv.
func New(kv storage.KV, opts Options) *Cache {
	if opts.Priority == nil {
		opts.Priority = nodetypes.DefaultPriority()
	}
	hot := cache.NewLRU[*kg.EquivalenceSet](opts.HotSize, opts.HotTTL)
	if opts.HotSize < 0 {
		hot.SetEnabled(false)
	}
	return &Cache{
		kv:       kv,
		hot:      hot,
		priority: opts.Priority,
		strict:   opts.StrictCanonical,
		logger:   logging.OrNop(opts.Logger).Named("equiv"),
	}
}

// Priority returns the namespace priority used for canonical selection.
func (c *Cache) Priority() nodetypes.Priority { return c.priority }

// HotStats reports hot-tier statistics.
func (c *Cache) HotStats() cache.Stats { return c.hot.Stats() }

type record struct {
	Set    json.RawMessage `json:"set"`
	Digest string          `json:"digest"`
}

func digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encode(set *kg.EquivalenceSet) ([]byte, error) {
	raw, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encoding equivalence set: %w", err)
	}
	return json.Marshal(record{Set: raw, Digest: digest(raw)})
}

func decode(identifier string, data []byte) (*kg.EquivalenceSet, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &CacheCorruptionError{Identifier: identifier, Reason: "undecodable record: " + err.Error()}
	}
	if rec.Digest != digest(rec.Set) {
		return nil, &CacheCorruptionError{Identifier: identifier, Reason: "digest mismatch"}
	}
	var set kg.EquivalenceSet
	if err := json.Unmarshal(rec.Set, &set); err != nil {
		return nil, &CacheCorruptionError{Identifier: identifier, Reason: "undecodable set: " + err.Error()}
	}
	if !set.Contains(identifier) {
		return nil, &CacheCorruptionError{
			Identifier: identifier,
			Reason:     "record does not contain its own key",
			Sets:       []string{set.String()},
		}
	}
	return &set, nil
}

// Lookup returns the cached set for identifier. The second result is false on
// a miss. The returned set is a copy the caller may modify.
func (c *Cache) Lookup(ctx context.Context, identifier string) (*kg.EquivalenceSet, bool, error) {
	_, span := tracer.Start(ctx, "equiv.Lookup")
	span.SetAttributes(attribute.String("identifier", identifier))
	defer span.End()

	key := Key(identifier)
	if set, ok := c.hot.Get(key); ok {
		lookupsTotal.WithLabelValues("hot").Inc()
		return set.Clone(), true, nil
	}

	set, err := c.load(identifier)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if set == nil {
		lookupsTotal.WithLabelValues("miss").Inc()
		return nil, false, nil
	}

	lookupsTotal.WithLabelValues("hit").Inc()
	c.hot.Put(key, set)
	return set.Clone(), true, nil
}

// load reads identifier's set from the store, bypassing the hot tier.
// A miss returns (nil, nil).
func (c *Cache) load(identifier string) (*kg.EquivalenceSet, error) {
	data, err := c.kv.Get(Key(identifier))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("equiv: reading %s: %w", identifier, err)
	}
	set, err := decode(identifier, data)
	if err != nil {
		corruptionTotal.Inc()
		c.logger.Error("corrupt cache record", zap.String("identifier", identifier), zap.Error(err))
		return nil, err
	}
	return set, nil
}

// Merge unions sets with each other and with every cached set that shares a
// member, to a fixed point, then writes the result under every member key.
//
// The merged set gets a canonical identifier chosen by namespace priority and
// a version one higher than any set it absorbed. Sets of a type and its
// subtypes merge under the broader type; unrelated types are reported as
// corruption.
func (c *Cache) Merge(ctx context.Context, sets ...*kg.EquivalenceSet) (*kg.EquivalenceSet, error) {
	ctx, span := tracer.Start(ctx, "equiv.Merge")
	defer span.End()

	merged, err := c.merge(ctx, sets)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var cce *CacheCorruptionError
		if errors.As(err, &cce) {
			corruptionTotal.Inc()
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.String("canonical", merged.Canonical),
		attribute.Int("members", merged.Len()),
	)
	return merged.Clone(), nil
}

func (c *Cache) merge(ctx context.Context, sets []*kg.EquivalenceSet) (*kg.EquivalenceSet, error) {
	var t nodetypes.Type
	for _, s := range sets {
		if s.Len() == 0 {
			continue
		}
		broader, ok := nodetypes.Broader(t, s.Type)
		if !ok {
			return nil, &CacheCorruptionError{
				Identifier: s.Identifiers()[0],
				Reason:     fmt.Sprintf("merge joins types %s and %s", t, s.Type),
			}
		}
		t = broader
	}
	if t == "" {
		return nil, ErrEmptyMerge
	}

	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	union := kg.NewEquivalenceSet(t)
	canonicals := map[string]string{} // top-namespace canonical -> set it came from
	var maxVersion uint64

	absorb := func(s *kg.EquivalenceSet) error {
		union.Union(s)
		if s.Version > maxVersion {
			maxVersion = s.Version
		}
		if c.strict && s.Canonical != "" && c.priority.Top(t, s.Canonical) {
			canonicals[s.Canonical] = s.String()
			if len(canonicals) > 1 {
				described := make([]string, 0, len(canonicals))
				for _, d := range canonicals {
					described = append(described, d)
				}
				return &CacheCorruptionError{
					Identifier: s.Canonical,
					Reason:     "merge joins distinct top-priority canonical identifiers",
					Sets:       described,
				}
			}
		}
		return nil
	}

	for _, s := range sets {
		if s.Len() == 0 {
			continue
		}
		if err := absorb(s); err != nil {
			return nil, err
		}
	}

	// Close over the store until no member brings in anything new.
	visited := map[string]struct{}{}
	queue := union.Identifiers()
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[0]
		queue = queue[1:]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}

		existing, err := c.load(id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			continue
		}
		broader, ok := nodetypes.Broader(t, existing.Type)
		if !ok {
			return nil, &CacheCorruptionError{
				Identifier: id,
				Reason:     fmt.Sprintf("cached set has type %s, merge has %s", existing.Type, t),
				Sets:       []string{existing.String()},
			}
		}
		t = broader
		for _, member := range existing.Identifiers() {
			if !union.Contains(member) {
				queue = append(queue, member)
			}
		}
		if err := absorb(existing); err != nil {
			return nil, err
		}
	}

	union.Type = t
	union.Canonicalize(c.priority)
	union.Version = maxVersion + 1

	data, err := encode(union)
	if err != nil {
		return nil, err
	}
	ids := union.Identifiers()
	entries := make(map[string][]byte, len(ids))
	hot := make(map[string]*kg.EquivalenceSet, len(ids))
	for _, id := range ids {
		entries[Key(id)] = data
		hot[Key(id)] = union
	}
	if err := c.kv.SetMany(entries); err != nil {
		return nil, fmt.Errorf("equiv: writing %d members of %s: %w", len(ids), union.Canonical, err)
	}
	c.hot.PutMany(hot)

	mergesTotal.Inc()
	mergedSetSize.Observe(float64(len(ids)))
	c.logger.Debug("merged equivalence set",
		zap.String("canonical", union.Canonical),
		zap.Int("members", len(ids)),
		zap.Uint64("version", union.Version),
	)
	return union, nil
}

// Seed merges every set in order. It stops at the first error or when ctx is
// cancelled and reports how many sets were written.
func (c *Cache) Seed(ctx context.Context, sets []*kg.EquivalenceSet) (int, error) {
	for i, s := range sets {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := c.Merge(ctx, s); err != nil {
			return i, err
		}
	}
	return len(sets), nil
}
