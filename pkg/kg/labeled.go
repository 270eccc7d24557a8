// Package kg holds the knowledge-graph value types shared by the compiler,
// the executor and the synonymizer: curies, labeled identifiers, equivalence
// sets, nodes, edges and the result graph accumulated during a run.
package kg

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/graphbuilder/pkg/nodetypes"
)

// LabeledID is a curie with an optional human-readable label.
// Two LabeledIDs are equal when their identifiers are equal; the label is
// informational only.
type LabeledID struct {
	Identifier string `json:"identifier"`
	Label      string `json:"label,omitempty"`
}

// Prefix returns the namespace of the identifier.
func (l LabeledID) Prefix() string { return nodetypes.Prefix(l.Identifier) }

func (l LabeledID) String() string {
	if l.Label == "" {
		return l.Identifier
	}
	return fmt.Sprintf("%s(%s)", l.Identifier, l.Label)
}

// ValidCurie reports whether s has the NAMESPACE:VALUE form with both parts
// non-empty.
func ValidCurie(s string) bool {
	i := strings.Index(s, ":")
	return i > 0 && i < len(s)-1
}

// EquivalenceSet is the set of identifiers believed to denote one entity.
//
// Members are keyed by identifier. Canonical is the representative chosen by
// namespace priority; Version increases every time the equivalence cache
// rewrites the set. The zero value is not usable, use NewEquivalenceSet.
//
// EquivalenceSet is not safe for concurrent mutation. Sets handed out by the
// equivalence cache are treated as read-only; callers Clone before changing.
type EquivalenceSet struct {
	Type      nodetypes.Type
	Canonical string
	Version   uint64

	members map[string]string
}

// NewEquivalenceSet creates a set of type t holding ids.
func NewEquivalenceSet(t nodetypes.Type, ids ...LabeledID) *EquivalenceSet {
	s := &EquivalenceSet{Type: t, members: make(map[string]string, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Singleton creates a one-member set.
func Singleton(t nodetypes.Type, identifier, label string) *EquivalenceSet {
	return NewEquivalenceSet(t, LabeledID{Identifier: identifier, Label: label})
}

// Add inserts id. An existing member keeps its label unless it had none.
func (s *EquivalenceSet) Add(id LabeledID) {
	if id.Identifier == "" {
		return
	}
	if s.members == nil {
		s.members = make(map[string]string)
	}
	if label, ok := s.members[id.Identifier]; ok && label != "" {
		return
	}
	s.members[id.Identifier] = id.Label
}

// Contains reports membership by identifier.
func (s *EquivalenceSet) Contains(identifier string) bool {
	if s == nil {
		return false
	}
	_, ok := s.members[identifier]
	return ok
}

// Len returns the member count.
func (s *EquivalenceSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.members)
}

// Label returns the label recorded for identifier, if any.
func (s *EquivalenceSet) Label(identifier string) string {
	return s.members[identifier]
}

// Identifiers returns member identifiers sorted lexically.
func (s *EquivalenceSet) Identifiers() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Members returns the members sorted by identifier.
func (s *EquivalenceSet) Members() []LabeledID {
	ids := s.Identifiers()
	out := make([]LabeledID, len(ids))
	for i, id := range ids {
		out[i] = LabeledID{Identifier: id, Label: s.members[id]}
	}
	return out
}

// ByPrefix returns members whose namespace equals prefix, case-insensitively.
func (s *EquivalenceSet) ByPrefix(prefix string) []LabeledID {
	var out []LabeledID
	for _, m := range s.Members() {
		if strings.EqualFold(m.Prefix(), prefix) {
			out = append(out, m)
		}
	}
	return out
}

// Intersects reports whether s and other share a member.
func (s *EquivalenceSet) Intersects(other *EquivalenceSet) bool {
	if s == nil || other == nil {
		return false
	}
	small, large := s, other
	if small.Len() > large.Len() {
		small, large = large, small
	}
	for id := range small.members {
		if large.Contains(id) {
			return true
		}
	}
	return false
}

// Union adds every member of other to s.
func (s *EquivalenceSet) Union(other *EquivalenceSet) {
	if other == nil {
		return
	}
	for id, label := range other.members {
		s.Add(LabeledID{Identifier: id, Label: label})
	}
}

// SameMembers reports whether both sets hold exactly the same identifiers.
func (s *EquivalenceSet) SameMembers(other *EquivalenceSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for id := range s.members {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Canonicalize sets Canonical from the members using p.
func (s *EquivalenceSet) Canonicalize(p nodetypes.Priority) {
	s.Canonical = p.Canonical(s.Type, s.Identifiers())
}

// Clone returns a deep copy.
func (s *EquivalenceSet) Clone() *EquivalenceSet {
	c := &EquivalenceSet{
		Type:      s.Type,
		Canonical: s.Canonical,
		Version:   s.Version,
		members:   make(map[string]string, len(s.members)),
	}
	for id, label := range s.members {
		c.members[id] = label
	}
	return c
}

func (s *EquivalenceSet) String() string {
	return fmt.Sprintf("%s%v", s.Canonical, s.Identifiers())
}

type equivalenceSetJSON struct {
	Type      nodetypes.Type `json:"type"`
	Canonical string         `json:"canonical"`
	Version   uint64         `json:"version"`
	Members   []LabeledID    `json:"members"`
}

// MarshalJSON encodes members in identifier order so equal sets encode to
// equal bytes.
func (s *EquivalenceSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(equivalenceSetJSON{
		Type:      s.Type,
		Canonical: s.Canonical,
		Version:   s.Version,
		Members:   s.Members(),
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (s *EquivalenceSet) UnmarshalJSON(data []byte) error {
	var raw equivalenceSetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = *NewEquivalenceSet(raw.Type, raw.Members...)
	s.Canonical = raw.Canonical
	s.Version = raw.Version
	return nil
}
