// Package seed bulk-loads the equivalence cache from registry dumps, so live
// synonymization of genes and chemicals mostly hits the cache.
//
// The gene cascade joins HGNC records with the UniProt id mapping. The
// chemical cascade classifies MeSH chemical terms by registry number and
// escalates the rest to an online PubChem lookup.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/orneryd/graphbuilder/pkg/equiv"
	"github.com/orneryd/graphbuilder/pkg/eutils"
	"github.com/orneryd/graphbuilder/pkg/fetch"
	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/logging"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
)

// Cascade defaults.
const (
	DefaultBatchSize          = 200
	DefaultAmbiguityThreshold = 5
)

// Chemical tier names, used as metric labels.
const (
	TierCAS       = "cas"
	TierUNII      = "unii"
	TierEC        = "ec"
	TierEscalated = "escalated"
	TierAmbiguous = "ambiguous"
	TierNoLink    = "no_link"
)

var tierTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graphbuilder_seed_tier_total",
	Help: "Identifiers filed by each tier of the seed cascades",
}, []string{"cascade", "tier"})

// Default download locations.
var (
	DefaultHGNCSource    = fetch.Source{Site: "ftp.ebi.ac.uk", Dir: "/pub/databases/genenames/new/json", File: "hgnc_complete_set.json"}
	DefaultUniProtSource = fetch.Source{Site: "ftp.ebi.ac.uk", Dir: "/pub/databases/uniprot/current_release/knowledgebase/idmapping/by_organism", File: "HUMAN_9606_idmapping.dat.gz"}
	DefaultMeshSource    = fetch.Source{Site: "ftp.nlm.nih.gov", Dir: "/online/mesh/rdf", File: "mesh.nt.gz"}
)

// Options configures a Seeder.
type Options struct {
	HGNC    fetch.Source
	UniProt fetch.Source
	Mesh    fetch.Source

	IncludeEnsembl bool

	RankOrder          []RegistryKind
	BatchSize          int
	AmbiguityThreshold int
	// ResolveCAS looks CAS numbers up in PubChem as well.
	ResolveCAS bool
	// DumpDir receives the chemical dumps. Empty skips them.
	DumpDir string

	Logger *zap.Logger
}

// Seeder runs the cascades into an equivalence cache.
type Seeder struct {
	cache   *equiv.Cache
	fetcher fetch.Fetcher
	eutils  *eutils.Client
	opts    Options
	logger  *zap.Logger
}

// New creates a seeder. eu may be nil when only the gene cascade is used.
func New(cache *equiv.Cache, fetcher fetch.Fetcher, eu *eutils.Client, opts Options) *Seeder {
	if opts.HGNC.File == "" {
		opts.HGNC = DefaultHGNCSource
	}
	if opts.UniProt.File == "" {
		opts.UniProt = DefaultUniProtSource
	}
	if opts.Mesh.File == "" {
		opts.Mesh = DefaultMeshSource
	}
	if len(opts.RankOrder) == 0 {
		opts.RankOrder = DefaultRankOrder
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.AmbiguityThreshold <= 0 {
		opts.AmbiguityThreshold = DefaultAmbiguityThreshold
	}
	return &Seeder{
		cache:   cache,
		fetcher: fetcher,
		eutils:  eu,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).Named("seed"),
	}
}

// Genes downloads HGNC and the UniProt mapping, runs the gene cascade and
// merges every group into the cache.
func (s *Seeder) Genes(ctx context.Context) (GeneStats, error) {
	raw, err := s.fetcher.Fetch(ctx, s.opts.HGNC)
	if err != nil {
		return GeneStats{}, err
	}
	genes, err := ParseHGNC(raw)
	if err != nil {
		return GeneStats{}, err
	}
	s.logger.Info("loaded HGNC", zap.Int("genes", len(genes)))

	raw, err = s.fetcher.Fetch(ctx, s.opts.UniProt)
	if err != nil {
		return GeneStats{}, err
	}
	uniprot, err := ParseUniProtMapping(bytes.NewReader(raw))
	if err != nil {
		return GeneStats{}, err
	}

	sets, stats := BuildGeneSets(genes, uniprot, GeneOptions{IncludeEnsembl: s.opts.IncludeEnsembl})
	s.logger.Info("gene cascade",
		zap.Int("premapped", stats.Premapped),
		zap.Int("isoforms", stats.Isoforms),
		zap.Int("unpremapped", stats.Unpremapped),
		zap.Int("hgnc_mapped", stats.HGNCMapped),
		zap.Int("entrez_mapped", stats.EntrezMapped),
		zap.Int("singletons", stats.Unmapped),
		zap.Int("conflicts", stats.Conflicts),
	)

	n, err := s.cache.Seed(ctx, sets)
	if err != nil {
		return stats, fmt.Errorf("seed: genes after %d sets: %w", n, err)
	}
	return stats, nil
}

// ChemicalStats counts the outcome of the chemical cascade.
type ChemicalStats struct {
	Chemicals int
	CAS       int
	UNII      int
	EC        int
	Escalated int
	Linked    int
	Ambiguous int
	NoLink    int
	Seeded    int
}

// ChemicalResult carries the mappings the cascade accepted.
type ChemicalResult struct {
	Mapping *ChemicalMapping
	// PubChem maps terms to accepted PubChem compound ids, from CAS lookups
	// and the escalation.
	PubChem map[string][]string
	Stats   ChemicalStats
}

// Chemicals downloads MeSH, runs the chemical cascade, writes the dumps and
// merges the accepted mappings into the cache.
func (s *Seeder) Chemicals(ctx context.Context) (*ChemicalResult, error) {
	raw, err := s.fetcher.Fetch(ctx, s.opts.Mesh)
	if err != nil {
		return nil, err
	}
	return s.ChemicalsFrom(ctx, bytes.NewReader(raw))
}

// ChemicalsFrom runs the chemical cascade over an already decompressed
// N-Triples stream.
func (s *Seeder) ChemicalsFrom(ctx context.Context, r io.Reader) (*ChemicalResult, error) {
	ix, err := ParseMesh(r)
	if err != nil {
		return nil, err
	}
	mapping := ix.Classify(s.opts.RankOrder)
	res := &ChemicalResult{Mapping: mapping, PubChem: make(map[string][]string)}
	st := &res.Stats
	st.Chemicals = len(ix.Chemicals)
	st.CAS = len(mapping.ByKind[KindCAS])
	st.UNII = len(mapping.ByKind[KindUNII])
	st.EC = len(mapping.ByKind[KindEC])
	st.Escalated = len(mapping.Unmapped)
	tierTotal.WithLabelValues("chemical", TierCAS).Add(float64(st.CAS))
	tierTotal.WithLabelValues("chemical", TierUNII).Add(float64(st.UNII))
	tierTotal.WithLabelValues("chemical", TierEC).Add(float64(st.EC))
	tierTotal.WithLabelValues("chemical", TierEscalated).Add(float64(st.Escalated))

	if s.opts.ResolveCAS && s.eutils != nil {
		for term, cas := range mapping.ByKind[KindCAS] {
			cids, err := s.eutils.CASToPubChem(ctx, cas)
			if err != nil {
				return res, fmt.Errorf("seed: CAS %s: %w", cas, err)
			}
			if len(cids) > 0 {
				res.PubChem[term] = cids
			}
		}
	}

	if len(mapping.Unmapped) > 0 && s.eutils != nil {
		links, err := s.eutils.MeshToPubChem(ctx, mapping.Unmapped, s.opts.BatchSize)
		if err != nil {
			return res, fmt.Errorf("seed: escalation: %w", err)
		}
		for _, term := range mapping.Unmapped {
			cids, ok := links[term]
			switch {
			case !ok || len(cids) == 0:
				st.NoLink++
				tierTotal.WithLabelValues("chemical", TierNoLink).Inc()
			case len(cids) >= s.opts.AmbiguityThreshold:
				// Many compounds usually means a class of chemicals, not one.
				st.Ambiguous++
				tierTotal.WithLabelValues("chemical", TierAmbiguous).Inc()
			default:
				st.Linked++
				res.PubChem[term] = cids
			}
		}
	}

	s.logger.Info("chemical cascade",
		zap.Int("chemicals", st.Chemicals),
		zap.Int("cas", st.CAS),
		zap.Int("unii", st.UNII),
		zap.Int("ec", st.EC),
		zap.Int("escalated", st.Escalated),
		zap.Int("linked", st.Linked),
		zap.Int("ambiguous", st.Ambiguous),
	)

	if s.opts.DumpDir != "" {
		if err := s.writeChemicalDumps(res); err != nil {
			return res, err
		}
	}

	sets := chemicalSets(res)
	n, err := s.cache.Seed(ctx, sets)
	st.Seeded = n
	if err != nil {
		return res, fmt.Errorf("seed: chemicals after %d sets: %w", n, err)
	}
	return res, nil
}

func (s *Seeder) writeChemicalDumps(res *ChemicalResult) error {
	dumps := map[string]map[string][]string{
		DumpMeshToUNII:    singleValued(res.Mapping.ByKind[KindUNII]),
		DumpMeshToEC:      singleValued(res.Mapping.ByKind[KindEC]),
		DumpMeshToPubChem: res.PubChem,
	}
	for name, entries := range dumps {
		path := filepath.Join(s.opts.DumpDir, name)
		if err := WriteDumpFile(path, entries); err != nil {
			return err
		}
		s.logger.Info("wrote dump", zap.String("path", path), zap.Int("entries", len(entries)))
	}
	return nil
}

// chemicalSets builds one set per mapped term. EC numbers identify enzymes and
// are only dumped.
func chemicalSets(res *ChemicalResult) []*kg.EquivalenceSet {
	byTerm := make(map[string]*kg.EquivalenceSet)
	var order []string
	add := func(term, id string) {
		set, ok := byTerm[term]
		if !ok {
			set = kg.NewEquivalenceSet(nodetypes.Chemical, kg.LabeledID{Identifier: "MESH:" + term})
			byTerm[term] = set
			order = append(order, term)
		}
		set.Add(kg.LabeledID{Identifier: id})
	}
	for _, term := range sortedKeys(res.Mapping.ByKind[KindCAS]) {
		add(term, "CAS:"+res.Mapping.ByKind[KindCAS][term])
	}
	for _, term := range sortedKeys(res.Mapping.ByKind[KindUNII]) {
		add(term, "UNII:"+res.Mapping.ByKind[KindUNII][term])
	}
	for _, term := range sortedKeys(res.PubChem) {
		for _, cid := range res.PubChem[term] {
			add(term, "PUBCHEM:"+cid)
		}
	}

	sets := make([]*kg.EquivalenceSet, len(order))
	for i, term := range order {
		sets[i] = byTerm[term]
	}
	return sets
}

// LoadDump merges a dump file into the cache: each key becomes
// keyPrefix:key and each value valuePrefix:value, all of type t.
func (s *Seeder) LoadDump(ctx context.Context, r io.Reader, t nodetypes.Type, keyPrefix, valuePrefix string) (int, error) {
	entries, err := ReadDump(r)
	if err != nil {
		return 0, err
	}
	sets := make([]*kg.EquivalenceSet, 0, len(entries))
	for _, key := range sortedKeys(entries) {
		set := kg.NewEquivalenceSet(t, kg.LabeledID{Identifier: keyPrefix + ":" + key})
		for _, v := range entries[key] {
			set.Add(kg.LabeledID{Identifier: valuePrefix + ":" + v})
		}
		sets = append(sets, set)
	}
	n, err := s.cache.Seed(ctx, sets)
	if err != nil {
		return n, fmt.Errorf("seed: loading dump after %d sets: %w", n, err)
	}
	s.logger.Info("loaded dump", zap.Int("sets", n), zap.String("type", string(t)))
	return n, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
