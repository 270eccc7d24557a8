// Package pathway parses the compact pathway notation used to describe a
// query as a sequence of entity-type transitions.
//
// Each character names a node type (see nodetypes.FromLetter). A letter may be
// followed by a parenthesised hop range that applies to the transition into
// the next letter:
//
//	DGX        disease -> gene -> genetic condition, all direct
//	D(1-2)X    disease -> genetic condition, directly or through one
//	           intermediate node of any type
//	SG(2-5)D   chemical -> gene, then 2 to 5 hops to a disease
//
// Parse returns one Token per letter. The first token is the start type; the
// remaining tokens are the transitions and carry their hop range.
package pathway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/orneryd/graphbuilder/pkg/nodetypes"
)

// ErrEmptySpec is returned for an empty or all-blank pathway.
var ErrEmptySpec = errors.New("pathway: empty spec")

// ParseError reports a malformed hop range.
type ParseError struct {
	Input  string
	Pos    int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("pathway: parse error at %d in %q: %s", e.Pos, e.Input, e.Reason)
}

// UnknownTypeError reports a letter that names no node type.
type UnknownTypeError struct {
	Input  string
	Pos    int
	Letter rune
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("pathway: unknown node type %q at %d in %q", e.Letter, e.Pos, e.Input)
}

// Token is one node in the pathway. MinHops and MaxHops bound the number of
// one-hop edges used to reach this node from the previous one.
type Token struct {
	Type    nodetypes.Type
	MinHops int
	MaxHops int
}

func (t Token) String() string {
	letter := string(t.Type.Letter())
	if t.MinHops == 1 && t.MaxHops == 1 {
		return letter
	}
	return fmt.Sprintf("(%d-%d)%s", t.MinHops, t.MaxHops, letter)
}

// Tokens is a parsed pathway.
type Tokens []Token

// Start returns the first token.
func (ts Tokens) Start() Token { return ts[0] }

// Transitions returns every token after the start.
func (ts Tokens) Transitions() Tokens {
	if len(ts) < 2 {
		return nil
	}
	return ts[1:]
}

// String renders the pathway back into its compact form.
func (ts Tokens) String() string {
	var b strings.Builder
	for _, t := range ts {
		b.WriteString(t.String())
	}
	return b.String()
}

// Shortcuts are the predefined questions accepted by the CLI.
var Shortcuts = map[int]string{
	1: "DGX",
	2: "SGPCATD",
	3: "SGPCAT",
}

// Parse parses a pathway spec.
func Parse(spec string) (Tokens, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, ErrEmptySpec
	}

	runes := []rune(spec)
	var (
		tokens  Tokens
		pending *Token // hop range waiting for its target letter
	)

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '(' {
			if len(tokens) == 0 {
				return nil, &ParseError{Input: spec, Pos: i, Reason: "range before first node type"}
			}
			if pending != nil {
				return nil, &ParseError{Input: spec, Pos: i, Reason: "two ranges in a row"}
			}
			end := i + 1
			for end < len(runes) && runes[end] != ')' {
				end++
			}
			if end == len(runes) {
				return nil, &ParseError{Input: spec, Pos: i, Reason: "unterminated range"}
			}
			lo, hi, err := parseRange(string(runes[i+1 : end]))
			if err != nil {
				return nil, &ParseError{Input: spec, Pos: i, Reason: err.Error()}
			}
			pending = &Token{MinHops: lo, MaxHops: hi}
			i = end
			continue
		}

		t, ok := nodetypes.FromLetter(r)
		if !ok {
			return nil, &UnknownTypeError{Input: spec, Pos: i, Letter: r}
		}
		tok := Token{Type: t, MinHops: 1, MaxHops: 1}
		if pending != nil {
			tok.MinHops, tok.MaxHops = pending.MinHops, pending.MaxHops
			pending = nil
		}
		tokens = append(tokens, tok)
	}

	if pending != nil {
		return nil, &ParseError{Input: spec, Pos: len(runes), Reason: "range without a following node type"}
	}
	return tokens, nil
}

func parseRange(body string) (int, int, error) {
	parts := strings.Split(body, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("range %q is not min-max", body)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("range %q: bad minimum", body)
	}
	hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("range %q: bad maximum", body)
	}
	if lo < 1 {
		return 0, 0, fmt.Errorf("range %q: minimum must be at least 1", body)
	}
	if hi < lo {
		return 0, 0, fmt.Errorf("range %q: maximum below minimum", body)
	}
	return lo, hi, nil
}
