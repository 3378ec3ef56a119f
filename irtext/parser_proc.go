package irtext

import (
	"fmt"

	"j5.nz/nkb/atom"
	"j5.nz/nkb/ir"
	"j5.nz/nkb/types"
)

// procParser holds the per-procedure name scopes while parsing a body.
type procParser struct {
	p *parser

	params []ir.Param
	locals []ir.Param
	byName map[string]ir.Ref // %name → param or local ref
	instrs []ir.Instr
	ret    *types.Type
}

func (p *parser) parseProc(vis ir.Visibility) {
	name, ok := p.expect(TID, "procedure name")
	if !ok {
		p.skipLine()
		return
	}
	pp := &procParser{p: p, byName: make(map[string]ir.Ref)}

	if _, ok := p.expect(TLParen, "("); !ok {
		p.skipLine()
		return
	}
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
			pname, ok := p.expect(TLocal, "%param")
			if !ok {
				p.skipLine()
				return
			}
			idx := uint32(len(pp.params))
			pp.params = append(pp.params, ir.Param{Name: atom.FromString(pname.Text), Type: pt})
			pp.byName[pname.Text] = ir.MakeRefParam(idx, pt).Named(atom.FromString(pname.Text))
		}
		if p.peek().Kind == TComma {
			p.advance()
		}
	}
	p.advance()

	pp.ret = p.ts.GetVoid()
	if p.peek().Kind == TColon {
		r, ok := p.parseTypeAnnot()
		if !ok {
			p.skipLine()
			return
		}
		pp.ret = r
	}

	p.skipNewlines()
	if _, ok := p.expect(TLBrace, "{"); !ok {
		p.skipLine()
		return
	}

	for {
		p.skipNewlines()
		if p.peek().Kind == TRBrace {
			p.advance()
			break
		}
		if p.atEOF() || len(p.errs) >= maxParseErrors {
			p.errorf(p.peek(), "unterminated procedure body")
			return
		}
		pp.parseBodyLine()
	}

	sym := ir.Symbol{
		Name: atom.FromString(name.Text),
		Vis:  vis,
		Kind: ir.SymbolProc,
		Proc: ir.Proc{
			Params:    pp.params,
			Ret:       ir.Param{Type: pp.ret},
			Locals:    pp.locals,
			Instrs:    pp.instrs,
			Flags:     flags,
			File:      atom.FromString(p.file),
			StartLine: int32(name.Line),
		},
	}
	if err := p.mod.DefineSymbol(sym); err != nil {
		p.errorf(name, "%v", err)
	}
}

func (pp *procParser) emit(in ir.Instr, line int) {
	in.Line = int32(line)
	pp.instrs = append(pp.instrs, in)
}

func (pp *procParser) parseBodyLine() {
	p := pp.p
	t := p.peek()

	// Label definitions: `name:` or `@name:`. `alloc :<type>` is an
	// instruction, not a label.
	if (t.Kind == TID || t.Kind == TLabel) && p.peekAt(1).Kind == TColon &&
		!(t.Kind == TID && t.Text == "alloc") {
		p.advance()
		p.advance()
		pp.emit(ir.MakeLabel(atom.FromString(t.Text)), t.Line)
		return
	}

	op, ok := p.expect(TID, "opcode")
	if !ok {
		p.skipLine()
		return
	}
	code, known := ir.OpcodeByName(op.Text)
	if !known {
		p.errorf(op, "unknown opcode %q", op.Text)
		p.skipLine()
		return
	}
	if !pp.parseInstr(op, code) {
		p.skipLine()
	}
	if p.peek().Kind == TNewline {
		p.advance()
	} else if p.peek().Kind != TRBrace && !p.atEOF() {
		p.errorf(p.peek(), "expected end of instruction")
		p.skipLine()
	}
}

func (pp *procParser) parseInstr(op Token, code ir.Opcode) bool {
	p := pp.p
	line := op.Line
	switch code {
	case ir.Nop:
		pp.emit(ir.MakeNop(), line)
		return true

	case ir.Ret:
		if p.peek().Kind == TNewline || p.peek().Kind == TRBrace {
			pp.emit(ir.MakeRet(ir.MakeRefNull()), line)
			return true
		}
		r, ok := pp.parseRef(pp.ret)
		if !ok {
			return false
		}
		pp.emit(ir.MakeRet(r), line)
		return true

	case ir.Jmp:
		l, ok := pp.parseLabelRef()
		if !ok {
			return false
		}
		pp.emit(ir.MakeJmp(l), line)
		return true

	case ir.Jmpz, ir.Jmpnz:
		cond, ok := pp.parseRef(nil)
		if !ok {
			return false
		}
		if _, ok := p.expect(TComma, ","); !ok {
			return false
		}
		l, ok := pp.parseLabelRef()
		if !ok {
			return false
		}
		if code == ir.Jmpz {
			pp.emit(ir.MakeJmpz(cond, l), line)
		} else {
			pp.emit(ir.MakeJmpnz(cond, l), line)
		}
		return true

	case ir.Call, ir.Syscall:
		target, ok := pp.parseRef(nil)
		if !ok {
			return false
		}
		if _, ok := p.expect(TComma, ","); !ok {
			return false
		}
		if _, ok := p.expect(TLParen, "argument list"); !ok {
			return false
		}
		var args []ir.Ref
		for p.peek().Kind != TRParen {
			if p.peek().Kind == TEllipsis {
				p.advance()
				args = append(args, ir.MakeVariadicMarker())
			} else {
				a, ok := pp.parseRef(nil)
				if !ok {
					return false
				}
				args = append(args, a)
			}
			if p.peek().Kind == TComma {
				p.advance()
			}
		}
		p.advance()
		dst, ok := pp.parseOptDst(pp.callRetType(target, code))
		if !ok {
			return false
		}
		if code == ir.Call {
			pp.emit(ir.MakeCall(dst, target, args), line)
		} else {
			pp.emit(ir.MakeSyscall(dst, target, args), line)
		}
		return true

	case ir.Alloc:
		t, ok := p.parseTypeAnnot()
		if !ok {
			return false
		}
		dst, ok := pp.parseDst(p.ts.GetPointer(t))
		if !ok {
			return false
		}
		pp.emit(ir.MakeAlloc(dst, t), line)
		return true

	case ir.Store:
		ptr, ok := pp.parseRef(nil)
		if !ok {
			return false
		}
		if _, ok := p.expect(TComma, ","); !ok {
			return false
		}
		src, ok := pp.parseRef(pointee(ptr.Type))
		if !ok {
			return false
		}
		pp.emit(ir.MakeStore(ptr, src), line)
		return true

	case ir.Load:
		ptr, ok := pp.parseRef(nil)
		if !ok {
			return false
		}
		dst, ok := pp.parseDst(pointee(ptr.Type))
		if !ok {
			return false
		}
		pp.emit(ir.MakeLoad(dst, ptr), line)
		return true

	case ir.Mov, ir.Lea, ir.Neg, ir.Ext, ir.Trunc, ir.Fp2I, ir.I2Fp:
		src, ok := pp.parseRef(nil)
		if !ok {
			return false
		}
		var hint *types.Type
		switch code {
		case ir.Mov, ir.Neg:
			hint = src.Type
		case ir.Lea:
			hint = p.ts.GetPointer(src.Type)
		}
		dst, ok := pp.parseDst(hint)
		if !ok {
			return false
		}
		switch code {
		case ir.Mov:
			pp.emit(ir.MakeMov(dst, src), line)
		case ir.Lea:
			pp.emit(ir.MakeLea(dst, src), line)
		case ir.Neg:
			pp.emit(ir.MakeNeg(dst, src), line)
		case ir.Ext:
			pp.emit(ir.MakeExt(dst, src), line)
		case ir.Trunc:
			pp.emit(ir.MakeTrunc(dst, src), line)
		case ir.Fp2I:
			pp.emit(ir.MakeFp2I(dst, src), line)
		case ir.I2Fp:
			pp.emit(ir.MakeI2Fp(dst, src), line)
		}
		return true

	case ir.CommentOp:
		s, ok := p.expect(TString, "comment string")
		if !ok {
			return false
		}
		pp.emit(ir.MakeComment(s.Text), line)
		return true
	}

	if code.IsBinary() {
		lhs, ok := pp.parseRef(nil)
		if !ok {
			return false
		}
		if _, ok := p.expect(TComma, ","); !ok {
			return false
		}
		rhs, ok := pp.parseRef(lhs.Type)
		if !ok {
			return false
		}
		hint := lhs.Type
		if code.IsComparison() {
			hint = p.ts.GetNumeric(types.Uint8)
		}
		dst, ok := pp.parseDst(hint)
		if !ok {
			return false
		}
		in := ir.Instr{Code: code}
		in.Arg[0] = refToArg(dst)
		in.Arg[1] = refToArg(lhs)
		in.Arg[2] = refToArg(rhs)
		pp.emit(in, line)
		return true
	}

	pp.p.errorf(op, "opcode %q is not valid here", op.Text)
	return false
}

func refToArg(r ir.Ref) ir.Arg {
	if r.Kind == ir.RefNull {
		return ir.Arg{}
	}
	return ir.Arg{Kind: ir.ArgRef, Ref: r}
}

func pointee(t *types.Type) *types.Type {
	if t != nil && t.Kind == types.KindPointer {
		return t.Target
	}
	return nil
}

func (pp *procParser) callRetType(target ir.Ref, code ir.Opcode) *types.Type {
	if code == ir.Syscall {
		return pp.p.ts.GetNumeric(types.Int64)
	}
	if target.Type != nil && target.Type.Kind == types.KindProcedure {
		return target.Type.Proc.Ret
	}
	return nil
}

// parseOptDst parses an optional `-> ref` clause.
func (pp *procParser) parseOptDst(hint *types.Type) (ir.Ref, bool) {
	if pp.p.peek().Kind != TArrow {
		return ir.MakeRefNull(), true
	}
	return pp.parseDst(hint)
}

func (pp *procParser) parseDst(hint *types.Type) (ir.Ref, bool) {
	if _, ok := pp.p.expect(TArrow, "->"); !ok {
		return ir.Ref{}, false
	}
	return pp.parseRef(hint)
}

func (pp *procParser) parseLabelRef() (ir.Label, bool) {
	t, ok := pp.p.expect(TLabel, "@label")
	if !ok {
		return ir.Label{}, false
	}
	if len(t.Text) > 0 && (t.Text[0] == '+' || t.Text[0] == '-' || isDigit(t.Text[0])) {
		return ir.MakeLabelRel(int32(t.Int)), true
	}
	return ir.MakeLabelAbs(atom.FromString(t.Text)), true
}

// parseRef parses one operand. hint supplies the type when the operand has
// no annotation and no recorded type.
func (pp *procParser) parseRef(hint *types.Type) (ir.Ref, bool) {
	p := pp.p
	t := p.peek()
	switch t.Kind {
	case TLBracket:
		p.advance()
		inner, ok := pp.parseRef(nil)
		if !ok {
			return ir.Ref{}, false
		}
		if _, ok := p.expect(TRBracket, "]"); !ok {
			return ir.Ref{}, false
		}
		vt := pointee(inner.Type)
		if p.peek().Kind == TColon {
			vt2, ok := p.parseTypeAnnot()
			if !ok {
				return ir.Ref{}, false
			}
			vt = vt2
		}
		if vt == nil {
			vt = hint
		}
		if vt == nil {
			p.errorf(t, "cannot infer type of indirect ref")
			return ir.Ref{}, false
		}
		return inner.Deref(vt), true

	case TLocal:
		p.advance()
		var annot *types.Type
		if p.peek().Kind == TColon {
			a, ok := p.parseTypeAnnot()
			if !ok {
				return ir.Ref{}, false
			}
			annot = a
		}
		if r, ok := pp.byName[t.Text]; ok {
			if annot != nil {
				r.Type = annot
			}
			return r, true
		}
		lt := annot
		if lt == nil {
			lt = hint
		}
		if lt == nil {
			p.errorf(t, "local %%%s needs a type annotation on first use", t.Text)
			return ir.Ref{}, false
		}
		idx := uint32(len(pp.locals))
		pp.locals = append(pp.locals, ir.Param{Name: atom.FromString(t.Text), Type: lt})
		r := ir.MakeRefLocal(idx, lt).Named(atom.FromString(t.Text))
		pp.byName[t.Text] = r
		return r, true

	case TGlobal:
		p.advance()
		name := atom.FromString(t.Text)
		var rt *types.Type
		if s := p.mod.FindSymbol(name); s != nil {
			switch s.Kind {
			case ir.SymbolProc:
				rt = s.Proc.Type(p.ts)
			case ir.SymbolData:
				rt = s.Data.Type
			case ir.SymbolExtern:
				rt = s.Extern.Type
			}
		}
		if p.peek().Kind == TColon {
			a, ok := p.parseTypeAnnot()
			if !ok {
				return ir.Ref{}, false
			}
			rt = a
		}
		// A forward reference stays untyped here and is patched once the
		// whole file is parsed.
		return ir.MakeRefGlobal(name, rt), true

	case TInt:
		p.advance()
		it := hint
		if p.peek().Kind == TColon {
			a, ok := p.parseTypeAnnot()
			if !ok {
				return ir.Ref{}, false
			}
			it = a
		}
		if it == nil || it.Kind != types.KindNumeric {
			it = p.ts.GetNumeric(types.Int64)
		}
		return makeNumImm(uint64(t.Int), float64(t.Int), it), true

	case TFloat:
		p.advance()
		ft := hint
		if p.peek().Kind == TColon {
			a, ok := p.parseTypeAnnot()
			if !ok {
				return ir.Ref{}, false
			}
			ft = a
		}
		if ft == nil || ft.Kind != types.KindNumeric || !ft.Num.IsFloat() {
			ft = p.ts.GetNumeric(types.Float64)
		}
		return makeNumImm(0, t.Float, ft), true

	case TString:
		p.advance()
		return pp.internString(t)
	}
	p.errorf(t, "expected operand")
	return ir.Ref{}, false
}

func makeNumImm(ival uint64, fval float64, t *types.Type) ir.Ref {
	if t.Num.IsFloat() {
		if fval == 0 {
			fval = float64(int64(ival))
		}
		if t.Num == types.Float32 {
			return ir.MakeRefImmFloat32(float32(fval), t)
		}
		return ir.MakeRefImmFloat64(fval, t)
	}
	return ir.MakeRefImm(ival, t)
}

// internString creates an anonymous read-only NUL-terminated byte datum for
// a string operand and yields a pointer to it, loaded through a fresh
// local.
func (pp *procParser) internString(t Token) (ir.Ref, bool) {
	p := pp.p
	name := fmt.Sprintf("_str%d", p.strCount)
	p.strCount++
	bytes := p.mod.Arena().Alloc(len(t.Text) + 1)
	copy(bytes, t.Text)
	dt := p.ts.GetArray(p.ts.GetNumeric(types.Uint8), uint32(len(bytes)))
	sym := ir.Symbol{
		Name: atom.FromString(name),
		Vis:  ir.VisLocal,
		Kind: ir.SymbolData,
	}
	sym.Data.Type = dt
	sym.Data.Addr = bytes
	sym.Data.Flags = ir.DataReadOnly
	if err := p.mod.DefineSymbol(sym); err != nil {
		p.errorf(t, "%v", err)
		return ir.Ref{}, false
	}

	pt := p.ts.GetPointer(p.ts.GetNumeric(types.Uint8))
	idx := uint32(len(pp.locals))
	lname := atom.Unique(name + "_p")
	pp.locals = append(pp.locals, ir.Param{Name: lname, Type: pt})
	tmp := ir.MakeRefLocal(idx, pt).Named(lname)
	pp.emit(ir.MakeLea(tmp, ir.MakeRefGlobal(atom.FromString(name), dt)), t.Line)
	return tmp, true
}
