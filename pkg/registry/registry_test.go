package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
)

func returning(ids ...string) Func {
	return func(_ context.Context, in *kg.KNode) ([]Result, error) {
		var out []Result
		for _, id := range ids {
			n := kg.NewKNode(id, nodetypes.Disease, "")
			out = append(out, Result{
				Node: n,
				Edge: kg.NewKEdge(in, n, "stub.op", in.Identifier, kg.LabeledID{Identifier: "RO:0002200"}, ""),
			})
		}
		return out, nil
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Expr
	}{
		{"biolink~gene_get_disease", CapabilityLeaf{Service: "biolink", Operation: "gene_get_disease"}},
		{
			"upcast(biolink~gene_get_disease, genetic_condition)",
			Upcast{Inner: CapabilityLeaf{"biolink", "gene_get_disease"}, Type: nodetypes.GeneticCondition},
		},
		{
			"output_filter(pharos~disease_get_gene,gene,typecheck~is_gene)",
			OutputFilter{Inner: CapabilityLeaf{"pharos", "disease_get_gene"}, Type: nodetypes.Gene, Check: "typecheck~is_gene"},
		},
		{
			"input_filter(upcast(a~b,X),disease)",
			InputFilter{
				Inner: Upcast{Inner: CapabilityLeaf{"a", "b"}, Type: nodetypes.GeneticCondition},
				Type:  nodetypes.Disease,
			},
		},
		{
			"input_filter(a~b,disease,is_disease)",
			InputFilter{Inner: CapabilityLeaf{"a", "b"}, Type: nodetypes.Disease, Check: "is_disease"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"nosuchthing",
		"upcast(a~b)",
		"upcast(a~b,unicorn)",
		"upcast(a~b,gene",
		"frobnicate(a~b,gene)",
		"output_filter(a~b,gene)",
		"a~b extra",
		"~op",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			var ee *ExprError
			assert.True(t, errors.As(err, &ee), "got %v", err)
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, in := range []string{
		"output_filter(pharos~disease_get_gene,gene,is_gene)",
		"input_filter(upcast(a~b,genetic_condition),disease,is_disease)",
		"input_filter(a~b,disease)",
	} {
		e, err := Parse(in)
		require.NoError(t, err)
		assert.Equal(t, in, e.String())
	}
}

func TestCompiledSemantics(t *testing.T) {
	ctx := context.Background()
	caps := NewCapabilities(nil)
	caps.Register("src", "mixed", func(_ context.Context, in *kg.KNode) ([]Result, error) {
		gene := kg.NewKNode("HGNC:1", nodetypes.Gene, "")
		other := kg.NewKNode("CHEBI:1", nodetypes.Chemical, "")
		return []Result{{Node: gene, Edge: kg.NewKEdge(in, gene, "src.mixed", in.Identifier, kg.LabeledID{}, "")},
			{Node: other, Edge: kg.NewKEdge(in, other, "src.mixed", in.Identifier, kg.LabeledID{}, "")}}, nil
	})
	caps.Register("src", "diseases", returning("MONDO:1", "MONDO:2"))

	input := kg.NewKNode("DOID:1", nodetypes.Disease, "")

	t.Run("upcast retypes", func(t *testing.T) {
		f, err := Upcast{Inner: CapabilityLeaf{"src", "diseases"}, Type: nodetypes.GeneticCondition}.Compile(caps)
		require.NoError(t, err)
		res, err := f(ctx, input)
		require.NoError(t, err)
		require.Len(t, res, 2)
		for _, r := range res {
			assert.Equal(t, nodetypes.GeneticCondition, r.Node.Type)
		}
	})

	t.Run("output filter drops failing nodes", func(t *testing.T) {
		f, err := OutputFilter{Inner: CapabilityLeaf{"src", "mixed"}, Type: nodetypes.Gene, Check: "is_gene"}.Compile(caps)
		require.NoError(t, err)
		res, err := f(ctx, input)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "HGNC:1", res[0].Node.Identifier)
	})

	t.Run("input filter skips failing inputs", func(t *testing.T) {
		f, err := InputFilter{Inner: CapabilityLeaf{"src", "diseases"}, Type: nodetypes.Gene, Check: "is_gene"}.Compile(caps)
		require.NoError(t, err)
		res, err := f(ctx, input)
		require.NoError(t, err)
		assert.Empty(t, res)
	})

	t.Run("input filter without check passes everything", func(t *testing.T) {
		f, err := InputFilter{Inner: CapabilityLeaf{"src", "diseases"}, Type: nodetypes.Gene}.Compile(caps)
		require.NoError(t, err)
		res, err := f(ctx, input)
		require.NoError(t, err)
		assert.Len(t, res, 2)
	})

	t.Run("custom check", func(t *testing.T) {
		caps.RegisterCheck("is_mondo", func(n *kg.KNode) bool { return nodetypes.Prefix(n.Identifier) == "MONDO" })
		f, err := OutputFilter{Inner: CapabilityLeaf{"src", "diseases"}, Type: nodetypes.Disease, Check: "typecheck~is_mondo"}.Compile(caps)
		require.NoError(t, err)
		res, err := f(ctx, input)
		require.NoError(t, err)
		assert.Len(t, res, 2)
	})

	t.Run("unknown names fail at compile time", func(t *testing.T) {
		_, err := CapabilityLeaf{"src", "nope"}.Compile(caps)
		assert.Error(t, err)
		_, err = OutputFilter{Inner: CapabilityLeaf{"src", "diseases"}, Type: nodetypes.Gene, Check: "is_unicorn"}.Compile(caps)
		assert.Error(t, err)
	})
}

func TestRegistry(t *testing.T) {
	caps := NewCapabilities(nil)
	caps.Register("a", "d2g", returning())
	caps.Register("b", "d2g", returning())
	caps.Register("a", "g2x", returning())

	r, err := Build([]OperationSpec{
		{Input: "disease", Output: "gene", Expr: "a~d2g"},
		{Input: "D", Output: "G", Expr: "b~d2g"},
		{Input: "gene", Output: "genetic_condition", Expr: "upcast(a~g2x,genetic_condition)"},
	}, caps)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())

	ops := r.Lookup(nodetypes.Disease, nodetypes.Gene)
	require.Len(t, ops, 2)
	assert.Equal(t, "a~d2g", ops[0].Name)
	assert.Equal(t, "b~d2g", ops[1].Name)

	assert.Len(t, r.Outgoing(nodetypes.Gene), 1)
	assert.Len(t, r.Lookup(nodetypes.Any, nodetypes.GeneticCondition), 1)
	assert.Empty(t, r.Lookup(nodetypes.Chemical, nodetypes.Gene))
	assert.Equal(t, []string{"disease->gene", "gene->genetic_condition"}, r.Pairs())

	err = r.Register(ops[0])
	assert.Error(t, err, "duplicate registration")

	_, err = Build([]OperationSpec{{Input: "unicorn", Output: "gene", Expr: "a~d2g"}}, caps)
	assert.Error(t, err)
	_, err = Build([]OperationSpec{{Input: "?", Output: "gene", Expr: "a~d2g"}}, caps)
	assert.Error(t, err)
}
