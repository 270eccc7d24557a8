package question

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/pathway"
)

func TestFromPathway(t *testing.T) {
	q, err := FromPathway("DGX", []string{"DOID:1234"}, "my disease", nil)
	require.NoError(t, err)

	require.Len(t, q.Nodes, 3)
	require.Len(t, q.Edges, 2)
	assert.Equal(t, Node{ID: 0, Type: nodetypes.Disease, Identifiers: []string{"DOID:1234"}, Name: "my disease"}, q.Nodes[0])
	assert.False(t, q.End().Pinned())
	assert.Equal(t, Edge{SourceID: 1, TargetID: 2, MinHops: 1, MaxHops: 1}, q.Edges[1])
	assert.Equal(t, "DGX", q.Pathway())
}

func TestFromPathwayWithRangeAndEnd(t *testing.T) {
	q, err := FromPathway("S(1-3)D", []string{"CHEBI:15365"}, "aspirin",
		&Endpoint{Identifiers: []string{"MONDO:0005148"}, Name: "type 2 diabetes"})
	require.NoError(t, err)

	require.Len(t, q.Edges, 1)
	lo, hi := q.Edges[0].Hops()
	assert.Equal(t, 1, lo)
	assert.Equal(t, 3, hi)
	assert.True(t, q.End().Pinned())
	assert.Equal(t, nodetypes.Disease, q.End().Type)
	assert.Equal(t, "S(1-3)D", q.Pathway())
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(Endpoint{Type: nodetypes.Disease}, []pathway.Token{{Type: nodetypes.Gene, MinHops: 1, MaxHops: 1}}, nil)
	assert.ErrorIs(t, err, ErrNoStart)

	_, err = Build(Endpoint{Type: nodetypes.Disease, Identifiers: []string{"DOID:1"}}, nil, nil)
	assert.Error(t, err)

	_, err = Build(Endpoint{Type: nodetypes.Disease, Identifiers: []string{"DOID:1"}},
		[]pathway.Token{{Type: nodetypes.Gene, MinHops: 1, MaxHops: 1}},
		&Endpoint{Type: nodetypes.Chemical, Identifiers: []string{"CHEBI:1"}})
	assert.Error(t, err, "end type mismatch")

	_, err = Build(Endpoint{Type: nodetypes.Disease, Identifiers: []string{"not-a-curie"}},
		[]pathway.Token{{Type: nodetypes.Gene, MinHops: 1, MaxHops: 1}}, nil)
	assert.Error(t, err)

	_, err = FromPathway("D", []string{"DOID:1"}, "", nil)
	assert.Error(t, err)

	_, err = FromPathway("DQ", []string{"DOID:1"}, "", nil)
	var ute *pathway.UnknownTypeError
	assert.True(t, errors.As(err, &ute))
}

func TestValidate(t *testing.T) {
	q := &MachineQuestion{
		Nodes: []Node{{ID: 0, Type: nodetypes.Disease, Identifiers: []string{"DOID:1"}}, {ID: 2, Type: nodetypes.Gene}},
		Edges: []Edge{{SourceID: 0, TargetID: 1}},
	}
	assert.Error(t, q.Validate(), "non-positional id")

	q.Nodes[1].ID = 1
	require.NoError(t, q.Validate())

	q.Edges[0] = Edge{SourceID: 1, TargetID: 0}
	assert.Error(t, q.Validate(), "edge out of order")

	q.Edges[0] = Edge{SourceID: 0, TargetID: 1, MinHops: 3, MaxHops: 2}
	assert.Error(t, q.Validate(), "inverted hop range")
}

func TestPayload(t *testing.T) {
	q, err := FromPathway("DGX", []string{"DOID:1234"}, "asthma", nil)
	require.NoError(t, err)
	p := NewPayload(q)
	assert.Equal(t, "asthma -> gene -> genetic_condition", p.Name)
	assert.Equal(t, "DGX(asthma)", p.NaturalQuestion)

	q, err = FromPathway("SGD", []string{"CHEBI:15365"}, "aspirin", &Endpoint{Identifiers: []string{"MONDO:1"}, Name: "diabetes"})
	require.NoError(t, err)
	p = NewPayload(q)
	assert.Equal(t, "aspirin -> gene -> diabetes", p.Name)
	assert.Equal(t, "SGD(aspirin, diabetes)", p.NaturalQuestion)
}

func TestDecodeOriginalShape(t *testing.T) {
	data := []byte(`{
		"name": "x",
		"natural_question": "DG(x)",
		"notes": "",
		"machine_question": {
			"nodes": [
				{"id": 0, "type": "disease", "curie": "DOID:1234", "name": "x"},
				{"id": 1, "type": "gene"}
			],
			"edges": [{"source_id": 0, "target_id": 1}]
		}
	}`)
	p, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"DOID:1234"}, p.MachineQuestion.Start().Identifiers)

	// Round trip through our own encoding keeps the list form.
	out, err := json.Marshal(p)
	require.NoError(t, err)
	back, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, p.MachineQuestion, back.MachineQuestion)

	_, err = Decode([]byte(`{"name": "x"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"machine_question": {"nodes": [{"id": 0, "type": "disease"}], "edges": []}}`))
	assert.Error(t, err)
}
