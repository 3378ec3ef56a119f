package irtext

import (
	"errors"
	"math"

	"j5.nz/nkb/atom"
	"j5.nz/nkb/ir"
	"j5.nz/nkb/types"
)

// === Textual IR parser ===
//
// Top-level declarations:
//
//	pub proc <name>(:<type> %<param>, …) :<type> { … }
//	extern "<lib>" proc <name>(:<type>, …, ...) :<type>
//	extern "<lib>" data <name> :<type>
//	const $<name> :<type> = <value>
//	data  $<name> :<type> [ = <value> ]
//
// Inside a procedure body, newline terminates an instruction and labels are
// written `name:`; jump operands reference them as `@name`.

const maxParseErrors = 8

type parser struct {
	toks []Token
	pos  int
	file string
	mod  *ir.Module
	ts   *types.Store
	errs []error

	strCount int
}

// ParseIR parses src into mod. All reported errors carry source locations;
// parsing continues to EOF or bails after a handful of errors.
func ParseIR(src []byte, file string, mod *ir.Module, ts *types.Store) error {
	toks, err := Lex(string(src), file)
	if err != nil {
		return err
	}
	p := &parser{toks: toks, file: file, mod: mod, ts: ts}
	p.parseTop()
	p.patchForwardRefs()
	return errors.Join(p.errs...)
}

// patchForwardRefs types global refs that named symbols defined later in
// the file.
func (p *parser) patchForwardRefs() {
	syms := p.mod.Symbols()
	for i := range syms {
		if syms[i].Kind != ir.SymbolProc {
			continue
		}
		instrs := syms[i].Proc.Instrs
		for j := range instrs {
			for k := range instrs[j].Arg {
				a := &instrs[j].Arg[k]
				switch a.Kind {
				case ir.ArgRef:
					p.patchRef(&a.Ref)
				case ir.ArgRefArray:
					for ri := range a.Refs {
						p.patchRef(&a.Refs[ri])
					}
				}
			}
		}
	}
}

func (p *parser) patchRef(r *ir.Ref) {
	if r.Kind != ir.RefGlobal || r.Type != nil {
		return
	}
	s := p.mod.FindSymbol(r.Sym)
	if s == nil {
		p.errs = append(p.errs, errAt(p.file, 0, 0, 0, "ref to undefined symbol $%s", r.Sym))
		return
	}
	switch s.Kind {
	case ir.SymbolProc:
		r.Type = s.Proc.Type(p.ts)
	case ir.SymbolData:
		r.Type = s.Data.Type
	case ir.SymbolExtern:
		r.Type = s.Extern.Type
	}
}

func (p *parser) peek() Token { return p.toks[p.pos] }

func (p *parser) next() Token {
	t := p.toks[p.pos]
	p.advance()
	return t
}

func (p *parser) advance() {
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
}

func (p *parser) peekAt(n int) Token {
	if p.pos+n >= len(p.toks) {
		return Token{Kind: TEOF}
	}
	return p.toks[p.pos+n]
}

func (p *parser) atEOF() bool { return p.peek().Kind == TEOF }

func (p *parser) errorf(t Token, format string, args ...any) {
	p.errs = append(p.errs, errAt(p.file, t.Line, t.Col, t.Len, format, args...))
}

func (p *parser) expect(kind TokenKind, what string) (Token, bool) {
	t := p.peek()
	if t.Kind != kind {
		p.errorf(t, "expected %s", what)
		return t, false
	}
	p.advance()
	return t, true
}

func (p *parser) skipNewlines() {
	for p.peek().Kind == TNewline {
		p.advance()
	}
}

// skipLine recovers from an error by dropping tokens to the next newline.
func (p *parser) skipLine() {
	for p.peek().Kind != TNewline && p.peek().Kind != TEOF {
		p.advance()
	}
}

func (p *parser) parseTop() {
	for {
		p.skipNewlines()
		if p.atEOF() || len(p.errs) >= maxParseErrors {
			return
		}
		t := p.peek()
		switch {
		case t.Kind == TID && t.Text == "pub":
			p.advance()
			if kw := p.peek(); kw.Kind == TID && kw.Text == "proc" {
				p.advance()
				p.parseProc(ir.VisDefault)
			} else {
				p.errorf(kw, "expected proc after pub")
				p.skipLine()
			}
		case t.Kind == TID && t.Text == "proc":
			p.advance()
			p.parseProc(ir.VisLocal)
		case t.Kind == TID && t.Text == "extern":
			p.advance()
			p.parseExtern()
		case t.Kind == TID && (t.Text == "const" || t.Text == "data"):
			p.advance()
			p.parseData(t.Text == "const")
		default:
			p.errorf(t, "expected top-level declaration")
			p.skipLine()
		}
	}
}

// parseType parses a type annotation body (after the colon).
func (p *parser) parseType() (*types.Type, bool) {
	t := p.peek()
	switch t.Kind {
	case TID:
		p.advance()
		switch t.Text {
		case "i8":
			return p.ts.GetNumeric(types.Int8), true
		case "u8":
			return p.ts.GetNumeric(types.Uint8), true
		case "i16":
			return p.ts.GetNumeric(types.Int16), true
		case "u16":
			return p.ts.GetNumeric(types.Uint16), true
		case "i32":
			return p.ts.GetNumeric(types.Int32), true
		case "u32":
			return p.ts.GetNumeric(types.Uint32), true
		case "i64":
			return p.ts.GetNumeric(types.Int64), true
		case "u64":
			return p.ts.GetNumeric(types.Uint64), true
		case "f32":
			return p.ts.GetNumeric(types.Float32), true
		case "f64":
			return p.ts.GetNumeric(types.Float64), true
		case "void":
			return p.ts.GetVoid(), true
		}
		p.errorf(t, "unknown type %q", t.Text)
		return nil, false
	case TStar:
		p.advance()
		target, ok := p.parseType()
		if !ok {
			return nil, false
		}
		return p.ts.GetPointer(target), true
	case TLBrace:
		p.advance()
		var elems []types.AggregateElem
		for p.peek().Kind != TRBrace {
			count := uint32(1)
			if p.peek().Kind == TLBracket {
				p.advance()
				n, ok := p.expect(TInt, "array count")
				if !ok {
					return nil, false
				}
				count = uint32(n.Int)
				if _, ok := p.expect(TRBracket, "]"); !ok {
					return nil, false
				}
			}
			et, ok := p.parseType()
			if !ok {
				return nil, false
			}
			elems = append(elems, types.AggregateElem{Type: et, Count: count})
			if p.peek().Kind == TComma {
				p.advance()
			}
		}
		p.advance()
		return p.ts.GetAggregate(elems), true
	}
	p.errorf(t, "expected type")
	return nil, false
}

func (p *parser) parseTypeAnnot() (*types.Type, bool) {
	if _, ok := p.expect(TColon, "type annotation"); !ok {
		return nil, false
	}
	return p.parseType()
}

// === Extern / data declarations ===

func (p *parser) parseExtern() {
	lib, ok := p.expect(TString, "library string")
	if !ok {
		p.skipLine()
		return
	}
	kw := p.peek()
	if kw.Kind != TID || (kw.Text != "proc" && kw.Text != "data") {
		p.errorf(kw, "expected proc or data")
		p.skipLine()
		return
	}
	p.advance()
	name, ok := p.expect(TID, "symbol name")
	if !ok {
		p.skipLine()
		return
	}

	sym := ir.Symbol{
		Name: atom.FromString(name.Text),
		Vis:  ir.VisDefault,
		Kind: ir.SymbolExtern,
	}
	sym.Extern.Lib = atom.FromString(lib.Text)

	if kw.Text == "data" {
		dt, ok := p.parseTypeAnnot()
		if !ok {
			p.skipLine()
			return
		}
		sym.Extern.Kind = ir.ExternData
		sym.Extern.Type = dt
	} else {
		if _, ok := p.expect(TLParen, "("); !ok {
			p.skipLine()
			return
		}
		var params []*types.Type
		flags := types.ProcFlags(0)
		for p.peek().Kind != TRParen {
			if p.peek().Kind == TEllipsis {
				p.advance()
				flags |= types.ProcVariadic
			} else {
				pt, ok := p.parseTypeAnnot()
				if !ok {
					p.skipLine()
					return
				}
				params = append(params, pt)
			}
			if p.peek().Kind == TComma {
				p.advance()
			}
		}
		p.advance()
		ret := p.ts.GetVoid()
		if p.peek().Kind == TColon {
			r, ok := p.parseTypeAnnot()
			if !ok {
				p.skipLine()
				return
			}
			ret = r
		}
		sym.Extern.Kind = ir.ExternProc
		sym.Extern.Type = p.ts.GetProcedure(params, ret, types.CallCdecl, flags)
	}
	if err := p.mod.DefineSymbol(sym); err != nil {
		p.errorf(name, "%v", err)
	}
}

func (p *parser) parseData(readOnly bool) {
	name, ok := p.expect(TGlobal, "$name")
	if !ok {
		p.skipLine()
		return
	}
	dt, ok := p.parseTypeAnnot()
	if !ok {
		p.skipLine()
		return
	}
	sym := ir.Symbol{
		Name: atom.FromString(name.Text),
		Vis:  ir.VisDefault,
		Kind: ir.SymbolData,
	}
	sym.Data.Type = dt
	if readOnly {
		sym.Data.Flags |= ir.DataReadOnly
	}
	if p.peek().Kind == TEq {
		p.advance()
		buf := p.mod.Arena().AllocAligned(int(dt.Size), int(dt.Align))
		var relocs []ir.Reloc
		if !p.parseValue(dt, buf, 0, &relocs) {
			p.skipLine()
			return
		}
		sym.Data.Addr = buf
		sym.Data.Relocs = relocs
	}
	if err := p.mod.DefineSymbol(sym); err != nil {
		p.errorf(name, "%v", err)
	}
}

// parseValue renders a literal into buf at offset per type t.
func (p *parser) parseValue(t *types.Type, buf []byte, offset uint64, relocs *[]ir.Reloc) bool {
	tok := p.peek()
	switch tok.Kind {
	case TInt:
		if t.Kind != types.KindNumeric {
			p.errorf(tok, "integer literal for %s", t)
			return false
		}
		p.advance()
		raw := uint64(tok.Int)
		if t.Num == types.Float32 {
			raw = uint64(math.Float32bits(float32(tok.Int)))
		} else if t.Num == types.Float64 {
			raw = math.Float64bits(float64(tok.Int))
		}
		putBytes(buf, offset, uint64(t.Size), raw)
		return true
	case TFloat:
		if t.Kind != types.KindNumeric || !t.Num.IsFloat() {
			p.errorf(tok, "float literal for %s", t)
			return false
		}
		p.advance()
		raw := math.Float64bits(tok.Float)
		if t.Num == types.Float32 {
			raw = uint64(math.Float32bits(float32(tok.Float)))
		}
		putBytes(buf, offset, uint64(t.Size), raw)
		return true
	case TString:
		p.advance()
		for i := 0; i < len(tok.Text) && offset+uint64(i) < uint64(len(buf)); i++ {
			buf[offset+uint64(i)] = tok.Text[i]
		}
		return true
	case TGlobal:
		p.advance()
		*relocs = append(*relocs, ir.Reloc{Sym: atom.FromString(tok.Text), Offset: offset})
		return true
	case TLBrace:
		if t.Kind != types.KindAggregate {
			p.errorf(tok, "aggregate literal for %s", t)
			return false
		}
		p.advance()
		for _, el := range t.Elems {
			off := offset + uint64(el.Offset)
			for c := uint32(0); c < el.Count; c++ {
				if p.peek().Kind == TRBrace {
					break
				}
				if !p.parseValue(el.Type, buf, off, relocs) {
					return false
				}
				off += el.Type.Size
				if p.peek().Kind == TComma {
					p.advance()
				}
			}
		}
		_, ok := p.expect(TRBrace, "}")
		return ok
	}
	p.errorf(tok, "expected value")
	return false
}

func putBytes(buf []byte, offset, size, raw uint64) {
	for i := uint64(0); i < size && offset+i < uint64(len(buf)); i++ {
		buf[offset+i] = byte(raw >> (8 * i))
	}
}
