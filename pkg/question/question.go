// Package question builds machine questions: the positional node/edge form a
// pathway takes before compilation.
package question

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/pathway"
)

// ErrNoStart is returned when the start endpoint has no identifiers.
var ErrNoStart = errors.New("question: start node needs at least one identifier")

// Endpoint pins a question node to concrete identifiers.
type Endpoint struct {
	Type        nodetypes.Type
	Identifiers []string
	Name        string
}

// Node is one position in the question.
type Node struct {
	ID          int            `json:"id"`
	Type        nodetypes.Type `json:"type"`
	Identifiers []string       `json:"curie,omitempty"`
	Name        string         `json:"name,omitempty"`
}

// UnmarshalJSON accepts "curie" as a single string or a list.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    int             `json:"id"`
		Type  nodetypes.Type  `json:"type"`
		Curie json.RawMessage `json:"curie"`
		Name  string          `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = Node{ID: raw.ID, Type: raw.Type, Name: raw.Name}
	if len(raw.Curie) == 0 || string(raw.Curie) == "null" {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw.Curie, &one); err == nil {
		if one != "" {
			n.Identifiers = []string{one}
		}
		return nil
	}
	return json.Unmarshal(raw.Curie, &n.Identifiers)
}

// Pinned reports whether the node carries identifiers.
func (n Node) Pinned() bool { return len(n.Identifiers) > 0 }

// Edge joins consecutive nodes. MinHops and MaxHops bound the number of
// one-hop operations used to traverse it.
type Edge struct {
	SourceID int `json:"source_id"`
	TargetID int `json:"target_id"`
	MinHops  int `json:"min_length,omitempty"`
	MaxHops  int `json:"max_length,omitempty"`
}

// Hops returns the edge's hop range, defaulting to (1,1).
func (e Edge) Hops() (int, int) {
	lo, hi := e.MinHops, e.MaxHops
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// MachineQuestion is the compiled-to form of a pathway. It is immutable once
// built.
type MachineQuestion struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Start returns the first node.
func (q *MachineQuestion) Start() Node { return q.Nodes[0] }

// End returns the last node.
func (q *MachineQuestion) End() Node { return q.Nodes[len(q.Nodes)-1] }

// Build creates a question from a start endpoint, the transitions and an
// optional pinned end. When end is non-nil it must match the last
// transition's type.
func Build(start Endpoint, transitions []pathway.Token, end *Endpoint) (*MachineQuestion, error) {
	if len(start.Identifiers) == 0 {
		return nil, ErrNoStart
	}
	if len(transitions) == 0 {
		return nil, errors.New("question: pathway needs at least one transition")
	}

	q := &MachineQuestion{}
	q.Nodes = append(q.Nodes, Node{ID: 0, Type: start.Type, Identifiers: start.Identifiers, Name: start.Name})
	for i, tr := range transitions {
		id := i + 1
		n := Node{ID: id, Type: tr.Type}
		if id == len(transitions) && end != nil {
			if !tr.Type.Matches(end.Type) {
				return nil, fmt.Errorf("question: end type %s does not match last transition %s", end.Type, tr.Type)
			}
			n.Identifiers = end.Identifiers
			n.Name = end.Name
			if tr.Type == nodetypes.Any {
				n.Type = end.Type
			}
		}
		q.Nodes = append(q.Nodes, n)
		q.Edges = append(q.Edges, Edge{SourceID: id - 1, TargetID: id, MinHops: tr.MinHops, MaxHops: tr.MaxHops})
	}
	return q, q.Validate()
}

// FromPathway parses text and builds the question. The start endpoint's type
// comes from the pathway; so does the end's, when end is given.
func FromPathway(text string, startIDs []string, startName string, end *Endpoint) (*MachineQuestion, error) {
	tokens, err := pathway.Parse(text)
	if err != nil {
		return nil, err
	}
	if len(tokens) < 2 {
		return nil, fmt.Errorf("question: pathway %q needs at least two node types", text)
	}
	start := Endpoint{Type: tokens.Start().Type, Identifiers: startIDs, Name: startName}
	if end != nil && end.Type == "" {
		pinned := *end
		pinned.Type = tokens[len(tokens)-1].Type
		end = &pinned
	}
	return Build(start, tokens.Transitions(), end)
}

// Validate checks that node ids are positional and edges form a linear chain.
func (q *MachineQuestion) Validate() error {
	if len(q.Nodes) < 2 {
		return errors.New("question: needs at least two nodes")
	}
	if len(q.Edges) != len(q.Nodes)-1 {
		return fmt.Errorf("question: %d nodes need %d edges, got %d", len(q.Nodes), len(q.Nodes)-1, len(q.Edges))
	}
	for i, n := range q.Nodes {
		if n.ID != i {
			return fmt.Errorf("question: node %d has id %d", i, n.ID)
		}
		if n.Type != nodetypes.Any && !n.Type.Known() {
			return fmt.Errorf("question: node %d has unknown type %q", i, n.Type)
		}
		for _, id := range n.Identifiers {
			if !kg.ValidCurie(id) {
				return fmt.Errorf("question: node %d identifier %q is not a curie", i, id)
			}
		}
	}
	if !q.Nodes[0].Pinned() {
		return ErrNoStart
	}
	if q.Nodes[0].Type == nodetypes.Any {
		return errors.New("question: start node needs a concrete type")
	}
	for i, e := range q.Edges {
		if e.SourceID != i || e.TargetID != i+1 {
			return fmt.Errorf("question: edge %d joins %d->%d, want %d->%d", i, e.SourceID, e.TargetID, i, i+1)
		}
		if e.MinHops < 0 || (e.MaxHops != 0 && e.MaxHops < e.MinHops) {
			return fmt.Errorf("question: edge %d has hop range %d-%d", i, e.MinHops, e.MaxHops)
		}
	}
	return nil
}

// Pathway renders the question back into pathway notation.
func (q *MachineQuestion) Pathway() string {
	tokens := make(pathway.Tokens, len(q.Nodes))
	tokens[0] = pathway.Token{Type: q.Nodes[0].Type, MinHops: 1, MaxHops: 1}
	for i, e := range q.Edges {
		lo, hi := e.Hops()
		tokens[i+1] = pathway.Token{Type: q.Nodes[i+1].Type, MinHops: lo, MaxHops: hi}
	}
	return tokens.String()
}

// Payload is the job-submission form of a question.
type Payload struct {
	Name            string           `json:"name"`
	NaturalQuestion string           `json:"natural_question"`
	Notes           string           `json:"notes"`
	MachineQuestion *MachineQuestion `json:"machine_question" validate:"required"`
}

// NewPayload wraps q with a generated name and natural-language form, e.g.
// "type 2 diabetes -> gene" and "DG(type 2 diabetes)".
func NewPayload(q *MachineQuestion) *Payload {
	start, end := q.Start(), q.End()
	startName := start.Name
	if startName == "" {
		startName = strings.Join(start.Identifiers, ",")
	}

	var middle []string
	last := len(q.Nodes)
	if end.Pinned() {
		last--
	}
	for _, n := range q.Nodes[1:last] {
		middle = append(middle, string(n.Type))
	}

	var name, natural string
	if end.Pinned() {
		endName := end.Name
		if endName == "" {
			endName = strings.Join(end.Identifiers, ",")
		}
		parts := append([]string{startName}, middle...)
		name = strings.Join(append(parts, endName), " -> ")
		natural = fmt.Sprintf("%s(%s, %s)", q.Pathway(), startName, endName)
	} else {
		name = strings.Join(append([]string{startName}, middle...), " -> ")
		natural = fmt.Sprintf("%s(%s)", q.Pathway(), startName)
	}
	return &Payload{Name: name, NaturalQuestion: natural, MachineQuestion: q}
}

// Decode reads a payload and validates its question.
func Decode(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("question: decoding payload: %w", err)
	}
	if p.MachineQuestion == nil {
		return nil, errors.New("question: payload has no machine_question")
	}
	if err := p.MachineQuestion.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
