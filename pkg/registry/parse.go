package registry

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/orneryd/graphbuilder/pkg/nodetypes"
)

// ExprError reports a malformed capability expression.
type ExprError struct {
	Input  string
	Pos    int
	Reason string
}

func (e *ExprError) Error() string {
	return fmt.Sprintf("registry: bad expression at %d in %q: %s", e.Pos, e.Input, e.Reason)
}

// Parse parses a capability expression:
//
//	expr  := leaf | upcast | ofilt | ifilt
//	leaf  := service "~" operation
//	upcast := "upcast(" expr "," type ")"
//	ofilt := "output_filter(" expr "," type "," check ")"
//	ifilt := "input_filter(" expr "," type [ "," check ] ")"
func Parse(text string) (Expr, error) {
	p := &parser{input: text}
	expr, err := p.expr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, p.errorf("unexpected %q after expression", p.input[p.pos:])
	}
	return expr, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) errorf(format string, args ...any) error {
	return &ExprError{Input: p.input, Pos: p.pos, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '~' || b == '.' || b == ':' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func (p *parser) ident() (string, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && isIdentByte(p.input[p.pos]) {
		p.pos++
	}
	if start == p.pos {
		if p.pos == len(p.input) {
			return "", p.errorf("unexpected end of expression")
		}
		return "", p.errorf("expected a name, found %q", p.input[p.pos])
	}
	return p.input[start:p.pos], nil
}

func (p *parser) accept(b byte) bool {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == b {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(b byte) error {
	if !p.accept(b) {
		if p.pos == len(p.input) {
			return p.errorf("expected %q, found end of expression", b)
		}
		return p.errorf("expected %q, found %q", b, p.input[p.pos])
	}
	return nil
}

func (p *parser) typeArg() (nodetypes.Type, error) {
	pos := p.pos
	name, err := p.ident()
	if err != nil {
		return "", err
	}
	t, err := nodetypes.Parse(name)
	if err != nil || !t.Known() {
		p.pos = pos
		return "", p.errorf("unknown node type %q", name)
	}
	return t, nil
}

func (p *parser) expr() (Expr, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if !p.accept('(') {
		service, operation, ok := strings.Cut(name, "~")
		if !ok || service == "" || operation == "" {
			return nil, p.errorf("capability %q is not service~operation", name)
		}
		return CapabilityLeaf{Service: service, Operation: operation}, nil
	}

	inner, err := p.expr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	t, err := p.typeArg()
	if err != nil {
		return nil, err
	}

	var out Expr
	switch name {
	case "upcast":
		out = Upcast{Inner: inner, Type: t}
	case "output_filter":
		if err := p.expect(','); err != nil {
			return nil, err
		}
		check, err := p.ident()
		if err != nil {
			return nil, err
		}
		out = OutputFilter{Inner: inner, Type: t, Check: check}
	case "input_filter":
		f := InputFilter{Inner: inner, Type: t}
		if p.accept(',') {
			if f.Check, err = p.ident(); err != nil {
				return nil, err
			}
		}
		out = f
	default:
		return nil, p.errorf("unknown function %q", name)
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return out, nil
}
