package seed

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// RegistryKind classifies a MeSH registry number.
type RegistryKind string

const (
	KindCAS  RegistryKind = "CAS"
	KindUNII RegistryKind = "UNII"
	KindEC   RegistryKind = "EC"
)

// DefaultRankOrder prefers the most specific registry number.
var DefaultRankOrder = []RegistryKind{KindCAS, KindUNII, KindEC}

const (
	meshVocab        = "http://id.nlm.nih.gov/mesh/vocab#"
	predTreeNumber   = "<" + meshVocab + "treeNumber>"
	predPreferred    = "<" + meshVocab + "preferredConcept>"
	predRegistry     = "<" + meshVocab + "registryNumber>"
	classSCRChemical = "<" + meshVocab + "SCR_Chemical>"
)

// ClassifyRegistryNumber sorts a registry number into CAS (contains a dash),
// EC (EC prefix) or UNII (anything else). The sentinel "0" and empty values
// are not classifiable.
func ClassifyRegistryNumber(v string) (RegistryKind, bool) {
	switch {
	case v == "" || v == "0":
		return "", false
	case strings.Contains(v, "-"):
		return KindCAS, true
	case strings.HasPrefix(v, "EC"):
		return KindEC, true
	default:
		return KindUNII, true
	}
}

// MeshIndex is what the chemical cascade needs from the MeSH N-Triples dump.
type MeshIndex struct {
	// Chemicals are terms in the D tree or marked SCR_Chemical.
	Chemicals map[string]struct{}
	// Concepts maps a term to its preferred concept IRI.
	Concepts map[string]string
	// Registry maps a concept IRI to its first registry number of each kind.
	Registry map[string]map[RegistryKind]string
}

// ParseMesh scans MeSH N-Triples. Lines that are not triples are skipped.
func ParseMesh(r io.Reader) (*MeshIndex, error) {
	ix := &MeshIndex{
		Chemicals: make(map[string]struct{}),
		Concepts:  make(map[string]string),
		Registry:  make(map[string]map[RegistryKind]string),
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		s, p, o, ok := splitTriple(sc.Text())
		if !ok {
			continue
		}
		switch {
		case p == predTreeNumber:
			if strings.HasPrefix(lastSegment(o), "D") {
				ix.Chemicals[lastSegment(s)] = struct{}{}
			}
		case o == classSCRChemical:
			ix.Chemicals[lastSegment(s)] = struct{}{}
		case p == predPreferred:
			ix.Concepts[lastSegment(s)] = o
		case p == predRegistry:
			kind, ok := ClassifyRegistryNumber(literal(o))
			if !ok {
				continue
			}
			kinds := ix.Registry[s]
			if kinds == nil {
				kinds = make(map[RegistryKind]string)
				ix.Registry[s] = kinds
			}
			if _, seen := kinds[kind]; !seen {
				kinds[kind] = literal(o)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("seed: reading MeSH: %w", err)
	}
	return ix, nil
}

// splitTriple splits "<s> <p> object ." into its three parts. Objects may be
// literals containing spaces.
func splitTriple(line string) (s, p, o string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", "", false
	}
	line = strings.TrimSpace(strings.TrimSuffix(line, "."))
	s, rest, ok := cutSpace(line)
	if !ok {
		return "", "", "", false
	}
	p, o, ok = cutSpace(rest)
	if !ok || o == "" {
		return "", "", "", false
	}
	return s, p, o, true
}

func cutSpace(s string) (string, string, bool) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return "", "", false
	}
	return s[:i], strings.TrimSpace(s[i+1:]), true
}

// lastSegment returns the final path element of an IRI, without brackets.
func lastSegment(iri string) string {
	iri = strings.TrimSuffix(strings.TrimPrefix(iri, "<"), ">")
	if i := strings.LastIndex(iri, "/"); i >= 0 {
		return iri[i+1:]
	}
	return iri
}

// literal strips quotes and any datatype or language tag from a literal.
func literal(o string) string {
	if !strings.HasPrefix(o, `"`) {
		return o
	}
	if end := strings.LastIndex(o, `"`); end > 0 {
		return o[1:end]
	}
	return strings.Trim(o, `"`)
}

// ChemicalMapping is the result of classifying every chemical term.
type ChemicalMapping struct {
	// ByKind maps term -> registry number for the winning kind.
	ByKind map[RegistryKind]map[string]string
	// Unmapped terms need the online escalation. Sorted.
	Unmapped []string
}

// Classify assigns each chemical term the registry number of the first kind
// in order that its preferred concept carries. Terms with none go to
// Unmapped.
func (ix *MeshIndex) Classify(order []RegistryKind) *ChemicalMapping {
	if len(order) == 0 {
		order = DefaultRankOrder
	}
	m := &ChemicalMapping{ByKind: make(map[RegistryKind]map[string]string, len(order))}
	for _, k := range order {
		m.ByKind[k] = make(map[string]string)
	}

	for term := range ix.Chemicals {
		kinds := ix.Registry[ix.Concepts[term]]
		mapped := false
		for _, k := range order {
			if v, ok := kinds[k]; ok {
				m.ByKind[k][term] = v
				mapped = true
				break
			}
		}
		if !mapped {
			m.Unmapped = append(m.Unmapped, term)
		}
	}
	sort.Strings(m.Unmapped)
	return m
}
