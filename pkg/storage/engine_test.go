package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
)

type engineUnderTest interface {
	Engine
	KV
}

func engines(t *testing.T) map[string]func() engineUnderTest {
	return map[string]func() engineUnderTest{
		"memory": func() engineUnderTest { return NewMemoryEngine() },
		"badger": func() engineUnderTest {
			e, err := NewBadgerEngineInMemory()
			require.NoError(t, err)
			return e
		},
	}
}

func TestEngineNodes(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			e := open()
			defer e.Close()

			require.NoError(t, e.UpsertNode(&Node{ID: "HGNC:1", Labels: []string{"gene"}, Properties: map[string]any{"name": "A1BG"}}))
			assert.ErrorIs(t, e.UpsertNode(&Node{}), ErrInvalidID)
			assert.ErrorIs(t, e.UpsertNode(nil), ErrInvalidData)

			n, err := e.GetNode("HGNC:1")
			require.NoError(t, err)
			assert.Equal(t, "A1BG", n.Properties["name"])

			_, err = e.GetNode("HGNC:2")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = e.GetNode("")
			assert.ErrorIs(t, err, ErrInvalidID)

			byLabel, err := e.GetNodesByLabel("GENE")
			require.NoError(t, err)
			assert.Len(t, byLabel, 1)
			none, err := e.GetNodesByLabel("disease")
			require.NoError(t, err)
			assert.Empty(t, none)

			count, err := e.NodeCount()
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
		})
	}
}

func TestEngineUpsertMerges(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			e := open()
			defer e.Close()

			require.NoError(t, e.UpsertNode(&Node{ID: "MONDO:1", Labels: []string{"disease"}, Properties: map[string]any{"name": "x"}}))
			require.NoError(t, e.UpsertNode(&Node{ID: "MONDO:1", Labels: []string{"Disease", "genetic_condition"}, Properties: map[string]any{"version": "2"}}))

			n, err := e.GetNode("MONDO:1")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"disease", "genetic_condition"}, n.Labels)
			assert.Equal(t, "x", n.Properties["name"])
			assert.Equal(t, "2", n.Properties["version"])

			gc, err := e.GetNodesByLabel("genetic_condition")
			require.NoError(t, err)
			assert.Len(t, gc, 1)
		})
	}
}

func TestEngineEdges(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			e := open()
			defer e.Close()

			require.NoError(t, e.UpsertNode(&Node{ID: "a"}))
			require.NoError(t, e.UpsertNode(&Node{ID: "b"}))

			edge := &Edge{ID: "e1", StartNode: "a", EndNode: "b", Type: "RO:0002410"}
			require.NoError(t, e.CreateEdge(edge))
			assert.ErrorIs(t, e.CreateEdge(edge), ErrAlreadyExists)
			assert.ErrorIs(t, e.CreateEdge(&Edge{ID: "e2", StartNode: "a", EndNode: "zzz"}), ErrInvalidEdge)

			got, err := e.GetEdge("e1")
			require.NoError(t, err)
			assert.Equal(t, "RO:0002410", got.Type)

			out, err := e.GetOutgoingEdges("a")
			require.NoError(t, err)
			assert.Len(t, out, 1)
			in, err := e.GetIncomingEdges("b")
			require.NoError(t, err)
			assert.Len(t, in, 1)
			none, err := e.GetOutgoingEdges("b")
			require.NoError(t, err)
			assert.Empty(t, none)

			count, err := e.EdgeCount()
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
		})
	}
}

func TestKV(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			e := open()
			defer e.Close()

			_, err := e.Get("synonymize(HGNC:1)")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, e.Set("synonymize(HGNC:1)", []byte("one")))
			v, err := e.Get("synonymize(HGNC:1)")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), v)

			require.NoError(t, e.SetMany(map[string][]byte{
				"synonymize(HGNC:1)":     []byte("set"),
				"synonymize(NCBIGENE:1)": []byte("set"),
			}))
			for _, k := range []string{"synonymize(HGNC:1)", "synonymize(NCBIGENE:1)"} {
				v, err := e.Get(k)
				require.NoError(t, err)
				assert.Equal(t, []byte("set"), v)
			}

			assert.ErrorIs(t, e.SetMany(map[string][]byte{"": nil}), ErrInvalidID)

			// KV entries do not show up as graph nodes.
			count, err := e.NodeCount()
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestEngineClosed(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			e := open()
			require.NoError(t, e.Close())

			_, err := e.Get("k")
			assert.ErrorIs(t, err, ErrStorageClosed)
			assert.ErrorIs(t, e.UpsertNode(&Node{ID: "x"}), ErrStorageClosed)
			_, err = e.NodeCount()
			assert.ErrorIs(t, err, ErrStorageClosed)
		})
	}
}

func TestMemoryEngineConcurrentKV(t *testing.T) {
	e := NewMemoryEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.SetMany(map[string][]byte{"a": []byte("1"), "b": []byte("1")})
			_, _ = e.Get("a")
		}()
	}
	wg.Wait()
	v, err := e.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	e, err := NewBadgerEngine(dir)
	require.NoError(t, err)
	require.NoError(t, e.Set("synonymize(CHEBI:15365)", []byte("aspirin")))
	require.NoError(t, e.UpsertNode(&Node{ID: "CHEBI:15365", Labels: []string{"chemical_substance"}}))
	require.NoError(t, e.Close())

	e, err = NewBadgerEngine(dir)
	require.NoError(t, err)
	defer e.Close()

	v, err := e.Get("synonymize(CHEBI:15365)")
	require.NoError(t, err)
	assert.Equal(t, []byte("aspirin"), v)
	_, err = e.GetNode("CHEBI:15365")
	assert.NoError(t, err)
}

func TestSaveGraph(t *testing.T) {
	g := kg.NewGraph()
	d := kg.NewKNode("MONDO:0005148", nodetypes.Disease, "type 2 diabetes")
	gene := kg.NewKNode("HGNC:6081", nodetypes.Gene, "INS")
	g.AddNode(d)
	g.AddNode(gene)
	g.AddEdge(kg.NewKEdge(d, gene, "biolink.disease_get_gene", "MONDO:0005148",
		kg.LabeledID{Identifier: "RO:0002607", Label: "contributes_to"}, ""))

	engine := NewMemoryEngine()
	stats, err := SaveGraph(engine, g)
	require.NoError(t, err)
	assert.Equal(t, SaveStats{Nodes: 2, Edges: 1}, stats)

	// Saving again adds nothing.
	stats, err = SaveGraph(engine, g)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SkippedEdges)
	assert.Zero(t, stats.Edges)

	n, err := engine.GetNode("HGNC:6081")
	require.NoError(t, err)
	assert.Equal(t, "INS", n.Properties["name"])
	assert.Equal(t, []string{"gene"}, n.Labels)

	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, SaveExport(engine, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var export GraphExport
	require.NoError(t, json.Unmarshal(data, &export))
	require.Len(t, export.Nodes, 2)
	require.Len(t, export.Relationships, 1)
	assert.Equal(t, "RO:0002607", export.Relationships[0].Type)
	assert.Equal(t, NodeID("HGNC:6081"), export.Nodes[0].ID)
}
