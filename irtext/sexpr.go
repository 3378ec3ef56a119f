package irtext

import (
	"errors"

	"j5.nz/nkb/atom"
)

// === S-expression AST ===
//
// The .nkst format is s-expressions over the same token set: `(`/`)` for
// nodes headed by an id atom, `[`/`]` for list nodes, and bare tokens for
// leaves.

// Node is one AST node: a head atom and zero or more children. Leaf nodes
// keep their token for literal payloads.
type Node struct {
	ID       atom.Atom
	Children []Node
	Tok      Token
}

// ListID heads list nodes built from bracketed groups.
var ListID = atom.FromString("list")

// ParseAST parses an .nkst file into its top-level nodes.
func ParseAST(src []byte, file string) ([]Node, error) {
	toks, err := Lex(string(src), file)
	if err != nil {
		return nil, err
	}
	p := &astParser{toks: toks, file: file}
	var nodes []Node
	for {
		p.skipNewlines()
		if p.peek().Kind == TEOF {
			break
		}
		n, ok := p.parseNode()
		if !ok {
			break
		}
		nodes = append(nodes, n)
	}
	return nodes, errors.Join(p.errs...)
}

type astParser struct {
	toks []Token
	pos  int
	file string
	errs []error
}

func (p *astParser) peek() Token { return p.toks[p.pos] }

func (p *astParser) advance() {
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
}

func (p *astParser) skipNewlines() {
	for p.peek().Kind == TNewline {
		p.advance()
	}
}

func (p *astParser) errorf(t Token, format string, args ...any) {
	p.errs = append(p.errs, errAt(p.file, t.Line, t.Col, t.Len, format, args...))
}

func (p *astParser) parseNode() (Node, bool) {
	p.skipNewlines()
	t := p.peek()
	switch t.Kind {
	case TLParen:
		p.advance()
		p.skipNewlines()
		head := p.peek()
		if head.Kind != TID {
			p.errorf(head, "expected node id")
			return Node{}, false
		}
		p.advance()
		n := Node{ID: atom.FromString(head.Text), Tok: head}
		for {
			p.skipNewlines()
			if p.peek().Kind == TRParen {
				p.advance()
				return n, true
			}
			if p.peek().Kind == TEOF {
				p.errorf(t, "unterminated node")
				return Node{}, false
			}
			child, ok := p.parseNode()
			if !ok {
				return Node{}, false
			}
			n.Children = append(n.Children, child)
		}

	case TLBracket:
		p.advance()
		n := Node{ID: ListID, Tok: t}
		for {
			p.skipNewlines()
			if p.peek().Kind == TRBracket {
				p.advance()
				return n, true
			}
			if p.peek().Kind == TEOF {
				p.errorf(t, "unterminated list")
				return Node{}, false
			}
			child, ok := p.parseNode()
			if !ok {
				return Node{}, false
			}
			n.Children = append(n.Children, child)
		}

	case TID, TInt, TFloat, TString, TLocal, TGlobal, TLabel:
		p.advance()
		return Node{ID: atom.FromString(t.Text), Tok: t}, true
	}
	p.errorf(t, "unexpected token in AST")
	p.advance()
	return Node{}, false
}
