package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphbuilder/pkg/compiler"
	"github.com/orneryd/graphbuilder/pkg/equiv"
	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/question"
	"github.com/orneryd/graphbuilder/pkg/registry"
	"github.com/orneryd/graphbuilder/pkg/storage"
	"github.com/orneryd/graphbuilder/pkg/synonym"
)

var contributesTo = kg.LabeledID{Identifier: "RO:0002607", Label: "contributes_to"}

type fixture struct {
	kv    *storage.MemoryEngine
	cache *equiv.Cache
	exec  *Executor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	kv := storage.NewMemoryEngine()
	t.Cleanup(func() { kv.Close() })
	cache := equiv.New(kv, equiv.Options{HotSize: -1})
	syn := synonym.New(cache, nil, nil)
	return &fixture{kv: kv, cache: cache, exec: New(syn, opts)}
}

func (f *fixture) seedGene(t *testing.T, ids ...kg.LabeledID) {
	t.Helper()
	_, err := f.cache.Seed(context.Background(), []*kg.EquivalenceSet{kg.NewEquivalenceSet(nodetypes.Gene, ids...)})
	require.NoError(t, err)
}

// geneOp returns, for every input, one edge to each of genes.
func geneOp(name string, genes map[string][]string, calls *atomic.Int32) *registry.Operation {
	return &registry.Operation{
		Name:       name,
		InputType:  nodetypes.Disease,
		OutputType: nodetypes.Gene,
		Call: func(_ context.Context, in *kg.KNode) ([]registry.Result, error) {
			if calls != nil {
				calls.Add(1)
			}
			ids, ok := genes[in.Identifier]
			if !ok {
				return nil, errors.New("service unavailable")
			}
			var out []registry.Result
			for _, id := range ids {
				n := kg.NewKNode(id, nodetypes.Gene, "")
				out = append(out, registry.Result{
					Edge: kg.NewKEdge(in, n, "test."+name, in.Identifier, contributesTo, ""),
					Node: n,
				})
			}
			return out, nil
		},
	}
}

func program(op *registry.Operation, start ...string) *compiler.Program {
	return &compiler.Program{
		Start: question.Node{ID: 0, Type: op.InputType, Identifiers: start},
		Steps: []compiler.Step{{
			Operation: op, InputType: op.InputType, OutputType: op.OutputType, Hop: 1, HopCount: 1,
		}},
	}
}

func TestEndToEndDiseaseToGene(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedGene(t, kg.LabeledID{Identifier: "HGNC:5", Label: "A1BG"}, kg.LabeledID{Identifier: "NCBIGene:100"})

	reg := registry.New()
	require.NoError(t, reg.Register(geneOp("disease_get_gene", map[string][]string{"DOID:1234": {"NCBIGene:100"}}, nil)))

	q, err := question.FromPathway("DG", []string{"DOID:1234"}, "", nil)
	require.NoError(t, err)
	res, err := compiler.New(reg, compiler.Options{}).Compile(q)
	require.NoError(t, err)
	require.Len(t, res.Programs, 1)
	require.Len(t, res.Programs[0].Steps, 1)

	g, runs, err := f.exec.ExecuteAll(context.Background(), res.Programs)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StateCompleted, runs[0].State)

	assert.Equal(t, 2, g.NodeCount())
	require.Equal(t, 1, g.EdgeCount())

	gene, ok := g.Node("HGNC:5")
	require.True(t, ok, "gene should be stored under its canonical identifier")
	assert.Equal(t, "A1BG", gene.Name)
	assert.True(t, gene.Synonyms.Contains("NCBIGene:100"))

	_, ok = g.Node("NCBIGene:100")
	assert.False(t, ok)

	edge := g.Edges()[0]
	assert.Equal(t, "DOID:1234", edge.Source)
	assert.Equal(t, "HGNC:5", edge.Target)
	assert.Equal(t, "DOID:1234", edge.Provenance.InputIdentifier)

	assert.Equal(t, StepStats{Operation: "disease_get_gene", Frontier: 1, Calls: 1, Admitted: 1, Duration: runs[0].Steps[0].Duration}, runs[0].Steps[0])
}

func TestCallFailureIsDropped(t *testing.T) {
	f := newFixture(t, Options{PoolSize: 2})
	op := geneOp("dg", map[string][]string{"DOID:1": {"HGNC:1"}}, nil)

	g := kg.NewGraph()
	run := f.exec.Execute(context.Background(), program(op, "DOID:1", "DOID:2"), g)
	require.NoError(t, run.Err)
	assert.Equal(t, StateCompleted, run.State)
	assert.Equal(t, 1, run.Steps[0].Failures)
	assert.Equal(t, 2, run.Steps[0].Calls)
	assert.Equal(t, 3, g.NodeCount())
}

func TestEmptyFrontierFails(t *testing.T) {
	f := newFixture(t, Options{})
	op := geneOp("dg", map[string][]string{}, nil)

	g := kg.NewGraph()
	run := f.exec.Execute(context.Background(), program(op, "DOID:1"), g)
	assert.Equal(t, StateFailed, run.State)
	assert.ErrorIs(t, run.Err, ErrNoPath)
	assert.False(t, run.Fatal())
	// The start node is still part of the result.
	assert.Equal(t, 1, g.NodeCount())
}

func TestFrontierLimit(t *testing.T) {
	f := newFixture(t, Options{MaxFrontier: 2})
	var calls atomic.Int32
	op := geneOp("dg", map[string][]string{}, &calls)

	run := f.exec.Execute(context.Background(), program(op, "DOID:1", "DOID:2", "DOID:3"), kg.NewGraph())
	assert.Equal(t, StateFailed, run.State)

	var limit *ResourceLimitExceeded
	require.True(t, errors.As(run.Err, &limit))
	assert.Equal(t, ResourceLimitExceeded{Step: 0, Size: 3, Limit: 2}, *limit)
	assert.Zero(t, calls.Load())
}

func TestPinnedEndFiltersLastStep(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedGene(t, kg.LabeledID{Identifier: "HGNC:5"}, kg.LabeledID{Identifier: "NCBIGene:100"})
	op := geneOp("dg", map[string][]string{"DOID:1": {"NCBIGene:100", "HGNC:7"}}, nil)

	p := program(op, "DOID:1")
	p.End = &question.Node{ID: 1, Type: nodetypes.Gene, Identifiers: []string{"NCBIGene:100"}}

	g := kg.NewGraph()
	run := f.exec.Execute(context.Background(), p, g)
	require.NoError(t, run.Err)
	assert.Equal(t, 2, g.NodeCount())
	_, ok := g.Node("HGNC:7")
	assert.False(t, ok)
	_, ok = g.Node("HGNC:5")
	assert.True(t, ok)
}

func TestUntypedResultsAreCast(t *testing.T) {
	f := newFixture(t, Options{})
	op := &registry.Operation{
		Name: "dg", InputType: nodetypes.Disease, OutputType: nodetypes.Gene,
		Call: func(_ context.Context, in *kg.KNode) ([]registry.Result, error) {
			n := kg.NewKNode("HGNC:9", nodetypes.Any, "")
			return []registry.Result{{Edge: kg.NewKEdge(in, n, "test.dg", in.Identifier, contributesTo, ""), Node: n}}, nil
		},
	}

	g := kg.NewGraph()
	run := f.exec.Execute(context.Background(), program(op, "DOID:1"), g)
	require.NoError(t, run.Err)
	n, ok := g.Node("HGNC:9")
	require.True(t, ok)
	assert.Equal(t, nodetypes.Gene, n.Type)
}

func TestMultiStepMergesSharedNodes(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedGene(t, kg.LabeledID{Identifier: "HGNC:5"}, kg.LabeledID{Identifier: "NCBIGene:100"})

	dg := geneOp("dg", map[string][]string{"DOID:1": {"NCBIGene:100", "HGNC:5"}}, nil)
	gd := &registry.Operation{
		Name: "gd", InputType: nodetypes.Gene, OutputType: nodetypes.Disease,
		Call: func(_ context.Context, in *kg.KNode) ([]registry.Result, error) {
			n := kg.NewKNode("DOID:1", nodetypes.Disease, "")
			return []registry.Result{{Edge: kg.NewKEdge(in, n, "test.gd", in.Identifier, contributesTo, ""), Node: n}}, nil
		},
	}
	p := program(dg, "DOID:1")
	p.Steps = append(p.Steps, compiler.Step{Operation: gd, InputType: nodetypes.Gene, OutputType: nodetypes.Disease, EdgeIndex: 1, Hop: 1, HopCount: 1})

	g := kg.NewGraph()
	run := f.exec.Execute(context.Background(), p, g)
	require.NoError(t, run.Err)

	// Both gene results collapse into one canonical node and one frontier entry.
	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 1, run.Steps[0].Admitted)
	assert.Equal(t, 1, run.Steps[1].Frontier)
	assert.Equal(t, 2, g.EdgeCount())
}

func TestLateEquivalenceFoldsAdmittedNode(t *testing.T) {
	kv := storage.NewMemoryEngine()
	t.Cleanup(func() { kv.Close() })
	cache := equiv.New(kv, equiv.Options{HotSize: -1})
	resolver := synonym.ResolverFunc(func(_ context.Context, n *kg.KNode) (*kg.EquivalenceSet, error) {
		if n.Identifier != "HGNC:5" {
			return nil, synonym.ErrNoSynonyms
		}
		return kg.NewEquivalenceSet(nodetypes.Gene,
			kg.LabeledID{Identifier: "HGNC:5"}, kg.LabeledID{Identifier: "NCBIGene:100"}), nil
	})
	exec := New(synonym.New(cache, synonym.Table{nodetypes.Gene: resolver}, nil), Options{PoolSize: 1})

	// NCBIGene:100 is admitted as its own canonical before HGNC:5 reveals
	// that both name one gene.
	dg := geneOp("dg", map[string][]string{"DOID:1": {"NCBIGene:100", "HGNC:5"}}, nil)
	var gdInputs []string
	gd := &registry.Operation{
		Name: "gd", InputType: nodetypes.Gene, OutputType: nodetypes.Disease,
		Call: func(_ context.Context, in *kg.KNode) ([]registry.Result, error) {
			gdInputs = append(gdInputs, in.Identifier)
			n := kg.NewKNode("DOID:2", nodetypes.Disease, "")
			return []registry.Result{{Edge: kg.NewKEdge(in, n, "test.gd", in.Identifier, contributesTo, ""), Node: n}}, nil
		},
	}
	p := program(dg, "DOID:1")
	p.Steps = append(p.Steps, compiler.Step{Operation: gd, InputType: nodetypes.Gene, OutputType: nodetypes.Disease, EdgeIndex: 1, Hop: 1, HopCount: 1})

	g := kg.NewGraph()
	run := exec.Execute(context.Background(), p, g)
	require.NoError(t, run.Err)

	ids := make([]string, 0, g.NodeCount())
	for _, n := range g.Nodes() {
		ids = append(ids, n.Identifier)
	}
	assert.Equal(t, []string{"DOID:1", "HGNC:5", "DOID:2"}, ids)
	gene, ok := g.Node("NCBIGene:100")
	require.True(t, ok)
	assert.Equal(t, "HGNC:5", gene.Identifier)
	assert.Equal(t, []string{"HGNC:5", "NCBIGene:100"}, gene.Synonyms.Identifiers())

	assert.Equal(t, 1, run.Steps[0].Admitted)
	assert.Equal(t, 1, run.Steps[1].Frontier)
	assert.Equal(t, []string{"HGNC:5"}, gdInputs)
	for _, e := range g.Edges() {
		assert.NotEqual(t, "NCBIGene:100", e.Source)
		assert.NotEqual(t, "NCBIGene:100", e.Target)
	}
	assert.Equal(t, 2, g.EdgeCount())
}

func TestFrontierLimitAfterLastStep(t *testing.T) {
	f := newFixture(t, Options{MaxFrontier: 2})
	op := geneOp("dg", map[string][]string{"DOID:1": {"HGNC:1", "HGNC:2", "HGNC:3"}}, nil)

	run := f.exec.Execute(context.Background(), program(op, "DOID:1"), kg.NewGraph())
	assert.Equal(t, StateFailed, run.State)

	var limit *ResourceLimitExceeded
	require.True(t, errors.As(run.Err, &limit))
	assert.Equal(t, ResourceLimitExceeded{Step: 0, Size: 3, Limit: 2, After: true}, *limit)
	assert.Contains(t, limit.Error(), "after step 0")
}

func TestCacheCorruptionIsFatal(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.kv.Set(equiv.Key("HGNC:1"), []byte("not a record")))
	op := geneOp("dg", map[string][]string{"DOID:1": {"HGNC:1"}}, nil)

	_, runs, err := f.exec.ExecuteAll(context.Background(), []*compiler.Program{program(op, "DOID:1"), program(op, "DOID:1")})
	require.Error(t, err)

	var corrupt *equiv.CacheCorruptionError
	assert.True(t, errors.As(err, &corrupt))
	require.Len(t, runs, 1, "a fatal failure stops the remaining programs")
	assert.True(t, runs[0].Fatal())
	assert.Equal(t, StateFailed, runs[0].State)
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t, Options{})
	var calls atomic.Int32
	op := geneOp("dg", map[string][]string{"DOID:1": {"HGNC:1"}}, &calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := f.exec.ExecuteAll(ctx, []*compiler.Program{program(op, "DOID:1")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
}
