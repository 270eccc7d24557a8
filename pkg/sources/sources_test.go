package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/registry"
)

func server(t *testing.T, wantPath string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, wantPath, r.URL.Path)
		w.Write([]byte(`{"results": [
			{"node": {"id": "HGNC:6081", "type": "gene", "name": "INS"},
			 "predicate": {"identifier": "RO:0002607", "label": "contributes_to"}},
			{"node": {"id": "NCBIGENE:3630"}, "predicate": {"identifier": "RO:0002607"}},
			{"node": {"id": "nonsense", "type": "gene"}},
			{"node": {"id": "X:1", "type": "unicorn"}}
		]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOperation(t *testing.T) {
	srv := server(t, "/disease_get_gene/MONDO:0005148")
	src := New(Spec{Name: "biolink", BaseURL: srv.URL, Operations: []string{"disease_get_gene"}}, nil, nil)

	caps := registry.NewCapabilities(nil)
	src.Register(caps)
	f, err := registry.CapabilityLeaf{Service: "biolink", Operation: "disease_get_gene"}.Compile(caps)
	require.NoError(t, err)

	input := kg.NewKNode("MONDO:0005148", nodetypes.Disease, "type 2 diabetes")
	res, err := f(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, res, 2)

	assert.Equal(t, "HGNC:6081", res[0].Node.Identifier)
	assert.Equal(t, nodetypes.Gene, res[0].Node.Type)
	assert.Equal(t, "INS", res[0].Node.Name)
	assert.Equal(t, nodetypes.Any, res[1].Node.Type)

	e := res[0].Edge
	assert.Equal(t, "MONDO:0005148", e.Source)
	assert.Equal(t, "HGNC:6081", e.Target)
	assert.Equal(t, "biolink.disease_get_gene", e.Provenance.Service)
	assert.Equal(t, "MONDO:0005148", e.Provenance.InputIdentifier)
	assert.Equal(t, "contributes_to", e.Provenance.Predicate.Label)
	assert.Contains(t, e.Provenance.URL, "/disease_get_gene/MONDO:0005148")
}

func TestPrefixSelection(t *testing.T) {
	srv := server(t, "/disease_get_gene/1234")
	src := New(Spec{
		Name:       "pharos",
		BaseURL:    srv.URL,
		Operations: []string{"disease_get_gene"},
		Prefixes:   []string{"DOID"},
		LocalIDs:   true,
	}, nil, nil)

	input := kg.NewKNode("MONDO:1", nodetypes.Disease, "")
	input.Synonyms.Add(kg.LabeledID{Identifier: "DOID:1234"})

	res, err := src.Operation("disease_get_gene")(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "DOID:1234", res[0].Edge.Provenance.InputIdentifier)

	// No DOID synonym: the source is not asked.
	res, err = src.Operation("disease_get_gene")(context.Background(), kg.NewKNode("MONDO:2", nodetypes.Disease, ""))
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := New(Spec{Name: "down", BaseURL: srv.URL, Operations: []string{"op"}}, nil, nil)
	_, err := src.Operation("op")(context.Background(), kg.NewKNode("HGNC:1", nodetypes.Gene, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down.op")
}
