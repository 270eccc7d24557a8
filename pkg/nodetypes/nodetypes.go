// Package nodetypes defines the biomedical entity types known to graphbuilder,
// the single-letter codes used by pathway specs, and the namespace priority
// used to pick a canonical identifier out of an equivalence set.
//
// Example:
//
//	t, ok := nodetypes.FromLetter('G')
//	// t == nodetypes.Gene, ok == true
//
//	canonical := nodetypes.DefaultPriority().Canonical(nodetypes.Gene,
//		[]string{"NCBIGENE:7157", "HGNC:11998"})
//	// canonical == "HGNC:11998"
package nodetypes

import (
	"fmt"
	"sort"
	"strings"
)

// Type names an entity type. Values match the original knowledge-graph vocabulary
// so machine questions written for it decode unchanged.
type Type string

const (
	Anatomy          Type = "anatomical_entity"
	Process          Type = "biological_process_or_activity"
	Cell             Type = "cell"
	Chemical         Type = "chemical_substance"
	Disease          Type = "disease"
	Gene             Type = "gene"
	Phenotype        Type = "phenotypic_feature"
	GeneticCondition Type = "genetic_condition"

	// Any matches every type. It is only valid on question nodes, never on a
	// node produced by a knowledge source.
	Any Type = "named_thing"
)

// All lists the concrete types in a fixed order.
var All = []Type{Anatomy, Process, Cell, Chemical, Disease, Gene, Phenotype, GeneticCondition}

var letters = map[rune]Type{
	'A': Anatomy,
	'P': Process,
	'C': Cell,
	'S': Chemical,
	'D': Disease,
	'G': Gene,
	'T': Phenotype,
	'X': GeneticCondition,
	'?': Any,
}

// FromLetter maps a pathway letter to its type.
func FromLetter(r rune) (Type, bool) {
	t, ok := letters[r]
	return t, ok
}

// Letter returns the pathway letter for t, or 0 if t has none.
func (t Type) Letter() rune {
	for r, v := range letters {
		if v == t {
			return r
		}
	}
	return 0
}

// Parse accepts either a full type name or a single pathway letter.
func Parse(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if len(s) == 1 {
		if t, ok := FromLetter(rune(s[0])); ok {
			return t, nil
		}
	}
	t := Type(strings.ToLower(s))
	if t == Any || t.Known() {
		return t, nil
	}
	return "", fmt.Errorf("unknown node type %q", s)
}

// Known reports whether t is one of the concrete types.
func (t Type) Known() bool {
	for _, k := range All {
		if k == t {
			return true
		}
	}
	return false
}

// Matches reports whether a node of type other satisfies a question slot of type t.
func (t Type) Matches(other Type) bool {
	return t == Any || other == Any || t == other
}

func (t Type) String() string { return string(t) }

// parents records the subtype relation between concrete types. An upcast
// between a type and one of its ancestors does not change what an
// identifier denotes.
var parents = map[Type]Type{
	GeneticCondition: Disease,
}

// IsA reports whether t is other or one of its subtypes.
func (t Type) IsA(other Type) bool {
	for cur := t; cur != ""; cur = parents[cur] {
		if cur == other {
			return true
		}
	}
	return false
}

// Broader returns the more general of a and b. It fails for types where
// neither is an ancestor of the other. Any defers to the concrete type.
func Broader(a, b Type) (Type, bool) {
	switch {
	case a == Any || a == "":
		return b, true
	case b == Any || b == "":
		return a, true
	case a.IsA(b):
		return b, true
	case b.IsA(a):
		return a, true
	}
	return "", false
}

// Priority orders namespaces per type; earlier prefixes win when choosing the
// canonical identifier of an equivalence set.
type Priority map[Type][]string

// DefaultPriority returns the namespace order used when none is configured.
func DefaultPriority() Priority {
	return Priority{
		Gene:             {"HGNC", "NCBIGENE", "ENSEMBL", "UNIPROTKB"},
		Chemical:         {"CHEBI", "CHEMBL", "DRUGBANK", "PUBCHEM", "MESH", "UNII", "CAS", "EC"},
		Disease:          {"MONDO", "DOID", "OMIM", "ORPHANET", "MESH", "UMLS"},
		GeneticCondition: {"MONDO", "DOID", "OMIM", "ORPHANET", "MESH", "UMLS"},
		Phenotype:        {"HP", "MEDDRA", "MESH", "UMLS"},
		Anatomy:          {"UBERON", "FMA", "MESH", "UMLS"},
		Cell:             {"CL", "UMLS"},
		Process:          {"GO", "REACT", "KEGG", "UMLS"},
	}
}

// Rank returns the position of the identifier's namespace in t's priority
// list. Unlisted namespaces rank after every listed one.
func (p Priority) Rank(t Type, identifier string) int {
	prefix := strings.ToUpper(Prefix(identifier))
	order := p[t]
	for i, ns := range order {
		if ns == prefix {
			return i
		}
	}
	return len(order)
}

// Top reports whether identifier is in the highest-priority namespace for t.
func (p Priority) Top(t Type, identifier string) bool {
	order := p[t]
	return len(order) > 0 && strings.EqualFold(Prefix(identifier), order[0])
}

// Canonical picks the representative identifier: lowest rank first, then
// lexical order so the choice is stable across runs.
func (p Priority) Canonical(t Type, identifiers []string) string {
	if len(identifiers) == 0 {
		return ""
	}
	ids := append([]string(nil), identifiers...)
	sort.SliceStable(ids, func(i, j int) bool {
		ri, rj := p.Rank(t, ids[i]), p.Rank(t, ids[j])
		if ri != rj {
			return ri < rj
		}
		return ids[i] < ids[j]
	})
	return ids[0]
}

// Prefix returns the namespace part of a curie ("HGNC" for "HGNC:5").
func Prefix(curie string) string {
	if i := strings.Index(curie, ":"); i >= 0 {
		return curie[:i]
	}
	return ""
}

// Local returns the value part of a curie ("5" for "HGNC:5").
func Local(curie string) string {
	if i := strings.Index(curie, ":"); i >= 0 {
		return curie[i+1:]
	}
	return curie
}
