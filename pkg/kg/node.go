package kg

import (
	"fmt"
	"strings"

	"github.com/orneryd/graphbuilder/pkg/nodetypes"
)

// KNode is an entity discovered by a knowledge source or named by a query.
//
// Identifier holds the canonical curie once the node has been through the
// synonymizer; before that it holds whatever the source returned. Only
// ApplySynonyms changes it.
type KNode struct {
	Identifier string
	Type       nodetypes.Type
	Name       string
	Synonyms   *EquivalenceSet
}

// NewKNode creates a node whose synonym set contains only its own identifier.
func NewKNode(identifier string, t nodetypes.Type, name string) *KNode {
	return &KNode{
		Identifier: identifier,
		Type:       t,
		Name:       name,
		Synonyms:   Singleton(t, identifier, name),
	}
}

// Cast changes the node type. The identifier is left alone; a cast node is
// re-synonymized under its new type on admission.
func (n *KNode) Cast(t nodetypes.Type) {
	n.Type = t
	if n.Synonyms != nil {
		n.Synonyms.Type = t
	}
}

// ApplySynonyms replaces the synonym set and moves the identifier to the
// set's canonical member. The name falls back to the canonical label.
func (n *KNode) ApplySynonyms(set *EquivalenceSet) {
	n.Synonyms = set
	if set.Canonical != "" {
		n.Identifier = set.Canonical
	}
	if n.Name == "" {
		n.Name = set.Label(set.Canonical)
	}
}

// SynonymsByPrefix returns the identifiers of synonyms in namespace prefix.
func (n *KNode) SynonymsByPrefix(prefix string) []string {
	if n.Synonyms == nil {
		if strings.EqualFold(nodetypes.Prefix(n.Identifier), prefix) {
			return []string{n.Identifier}
		}
		return nil
	}
	var out []string
	for _, m := range n.Synonyms.ByPrefix(prefix) {
		out = append(out, m.Identifier)
	}
	return out
}

// HasAny reports whether the node or one of its synonyms is in ids.
func (n *KNode) HasAny(ids []string) bool {
	for _, id := range ids {
		if id == n.Identifier || n.Synonyms.Contains(id) {
			return true
		}
	}
	return false
}

// Clone copies the node and its synonym set.
func (n *KNode) Clone() *KNode {
	c := *n
	if n.Synonyms != nil {
		c.Synonyms = n.Synonyms.Clone()
	}
	return &c
}

func (n *KNode) String() string {
	return fmt.Sprintf("KNode(%s %s %q)", n.Type, n.Identifier, n.Name)
}

// Provenance records where an edge came from.
type Provenance struct {
	Service         string    `json:"service"`
	InputIdentifier string    `json:"input_identifier"`
	Predicate       LabeledID `json:"predicate"`
	URL             string    `json:"url,omitempty"`
}

// KEdge is a directed, immutable relation between two nodes.
type KEdge struct {
	Source     string     `json:"source"`
	Target     string     `json:"target"`
	Provenance Provenance `json:"provenance"`
}

// NewKEdge builds an edge between two nodes.
func NewKEdge(source, target *KNode, service, input string, predicate LabeledID, url string) *KEdge {
	return &KEdge{
		Source: source.Identifier,
		Target: target.Identifier,
		Provenance: Provenance{
			Service:         service,
			InputIdentifier: input,
			Predicate:       predicate,
			URL:             url,
		},
	}
}

// Rebind returns a copy of e with new endpoints. The executor uses it after
// synonymization moved a node to its canonical identifier.
func (e *KEdge) Rebind(source, target string) *KEdge {
	c := *e
	c.Source = source
	c.Target = target
	return &c
}

// Key identifies an edge for deduplication.
func (e *KEdge) Key() string {
	return e.Source + "|" + e.Provenance.Predicate.Identifier + "|" + e.Target + "|" + e.Provenance.Service
}
