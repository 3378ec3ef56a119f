package cgen

import (
	"fmt"
	"strings"

	"j5.nz/nkb/ir"
	"j5.nz/nkb/types"
)

// procEmitter renders one procedure body.
type procEmitter struct {
	e      *emitter
	sym    *ir.Symbol
	proc   *ir.Proc
	locals []ir.Param

	allocSlot map[int]int       // IR instr index → slot number
	relLabels map[int]string    // IR instr index → synthesized label
	labelSeen map[string]bool
}

func (e *emitter) emitProc(s *ir.Symbol) error {
	if e.procsDone[s.Name] {
		return nil
	}
	e.procsDone[s.Name] = true

	p := &s.Proc
	locals, err := ir.CollectLocals(p)
	if err != nil {
		return fmt.Errorf("emit %s: %w", s.Name, err)
	}
	pe := &procEmitter{
		e:         e,
		sym:       s,
		proc:      p,
		locals:    locals,
		allocSlot: make(map[int]int),
		relLabels: make(map[int]string),
		labelSeen: make(map[string]bool),
	}
	return pe.run()
}

func (pe *procEmitter) run() error {
	e := pe.e
	p := pe.proc

	paramTypes := make([]*types.Type, len(p.Params))
	for i, prm := range p.Params {
		paramTypes[i] = prm.Type
	}

	// Forward declaration.
	e.forwardBuf.WriteString(visibilityAttr(pe.sym.Vis))
	e.writeProcSignature(&e.forwardBuf, pe.sym.Name.String(), p.Ret.Type, paramTypes, nil,
		p.Flags&types.ProcVariadic != 0)
	e.forwardBuf.WriteString(";\n")

	src := &e.mainBuf
	src.WriteByte('\n')
	pe.lineDirective(src, p.File.String(), p.StartLine)
	e.writeProcSignature(src, pe.sym.Name.String(), p.Ret.Type, paramTypes, p.Params,
		p.Flags&types.ProcVariadic != 0)
	src.WriteString(" {\n")

	// All locals and alloc slots are declared up front.
	for i, l := range pe.locals {
		fmt.Fprintf(src, "%s %s={", e.writeType(l.Type, false), localName(pe.locals, i))
		if l.Type.Size > 0 {
			src.WriteString("0")
		}
		src.WriteString("};\n")
	}
	slot := 0
	for i, in := range p.Instrs {
		if in.Code == ir.Alloc {
			pe.allocSlot[i] = slot
			fmt.Fprintf(src, "%s _slot_%d={0};\n", e.writeType(in.Arg[1].Type, false), slot)
			slot++
		}
	}
	if !p.Ret.Type.IsVoid() {
		fmt.Fprintf(src, "%s _ret={0};\n", e.writeType(p.Ret.Type, false))
	}
	src.WriteByte('\n')

	// Relative jump targets need synthesized labels.
	for i, in := range p.Instrs {
		for _, a := range in.Arg {
			if a.Kind == ir.ArgLabel && a.Label.Kind == ir.LabelRel && in.Code != ir.LabelOp {
				t := i + int(a.Label.Offset)
				if t < 0 || t > len(p.Instrs) {
					return fmt.Errorf("emit %s: relative jump out of range", pe.sym.Name)
				}
				if _, ok := pe.relLabels[t]; !ok {
					pe.relLabels[t] = fmt.Sprintf("l__rel%d", t)
				}
			}
		}
	}

	lastLine := int32(0)
	for i, in := range p.Instrs {
		if name, ok := pe.relLabels[i]; ok {
			fmt.Fprintf(src, "%s:;\n", name)
		}
		if in.Line > 0 && in.Line != lastLine+1 {
			pe.lineDirective(src, "", in.Line)
		}
		if in.Line > 0 {
			lastLine = in.Line
		}
		if err := pe.emitInstr(src, i, in); err != nil {
			return fmt.Errorf("emit %s: instr %d (%s): %w", pe.sym.Name, i, in.Code, err)
		}
	}

	pe.lineDirective(src, "", p.EndLine)
	src.WriteString("}\n")
	return nil
}

func (pe *procEmitter) lineDirective(src *strings.Builder, file string, line int32) {
	if line <= 0 {
		return
	}
	if file != "" {
		fmt.Fprintf(src, "#line %d \"%s\"\n", line, file)
	} else {
		fmt.Fprintf(src, "#line %d\n", line)
	}
}

func (pe *procEmitter) cLabel(l ir.Label, at int) string {
	if l.Kind == ir.LabelAbs {
		return "l_" + l.Name.String()
	}
	return pe.relLabels[at+int(l.Offset)]
}

// writeRef renders the value of r as a C expression.
func (pe *procEmitter) writeRef(sb *strings.Builder, r ir.Ref) error {
	e := pe.e
	switch r.Kind {
	case ir.RefImm:
		if r.Indir != 0 {
			return fmt.Errorf("indirect immediate")
		}
		var raw [8]byte
		for i := 0; i < 8; i++ {
			raw[i] = byte(r.Imm >> (8 * i))
		}
		if r.Type != nil && r.Type.Kind == types.KindNumeric {
			fmt.Fprintf(sb, "(%s)%s", e.writeType(r.Type, false), formatScalar(raw[:], r.Type.Num))
		} else {
			fmt.Fprintf(sb, "(%s)%#x", e.writeType(r.Type, false), r.Imm)
		}
		return nil

	case ir.RefGlobal:
		return pe.writeGlobalRef(sb, r)

	case ir.RefLocal, ir.RefParam, ir.RefRet:
		var base string
		switch r.Kind {
		case ir.RefLocal:
			if int(r.Index) >= len(pe.locals) {
				return fmt.Errorf("local %d out of range", r.Index)
			}
			base = localName(pe.locals, int(r.Index))
		case ir.RefParam:
			if int(r.Index) >= len(pe.proc.Params) {
				return fmt.Errorf("parameter %d out of range", r.Index)
			}
			base = paramName(pe.proc.Params, int(r.Index))
		default:
			base = "_ret"
		}
		if r.Indir == 0 && r.Offset == 0 && r.PostOffset == 0 {
			sb.WriteString(base)
			return nil
		}
		expr := "(u8*)&" + base
		if r.Offset != 0 {
			expr = fmt.Sprintf("(%s+%d)", expr, r.Offset)
		}
		for i := uint8(0); i < r.Indir; i++ {
			expr = "*(u8**)(" + expr + ")"
		}
		if r.PostOffset != 0 {
			expr = fmt.Sprintf("((u8*)(%s)+%d)", expr, r.PostOffset)
		} else if r.Indir > 0 {
			expr = "(" + expr + ")"
		}
		fmt.Fprintf(sb, "*(%s*)(%s)", e.writeType(r.Type, false), expr)
		return nil
	}
	return fmt.Errorf("cannot render ref kind %d", r.Kind)
}

func (pe *procEmitter) writeGlobalRef(sb *strings.Builder, r ir.Ref) error {
	e := pe.e
	s := e.mod.FindSymbol(r.Sym)
	if s == nil {
		return fmt.Errorf("ref to unknown symbol %q", r.Sym)
	}
	switch s.Kind {
	case ir.SymbolProc:
		sb.WriteString(s.Name.String())
		if !e.procsDone[s.Name] {
			e.procQueue = append(e.procQueue, s.Name)
		}
		return nil
	case ir.SymbolExtern:
		e.declareExtern(s)
		sb.WriteString(s.Name.String())
		return nil
	case ir.SymbolData:
		var ident strings.Builder
		needsAddr := r.Indir > 0 || r.Offset != 0 || r.PostOffset != 0
		if err := e.writeData(&ident, s.Name, &s.Data, s.Vis, s.Flags, needsAddr); err != nil {
			return err
		}
		if r.Indir == 0 && r.Offset == 0 && r.PostOffset == 0 {
			sb.WriteString(ident.String())
			return nil
		}
		expr := "(u8*)&" + ident.String()
		if r.Offset != 0 {
			expr = fmt.Sprintf("(%s+%d)", expr, r.Offset)
		}
		for i := uint8(0); i < r.Indir; i++ {
			expr = "*(u8**)(" + expr + ")"
		}
		if r.PostOffset != 0 {
			expr = fmt.Sprintf("((u8*)(%s)+%d)", expr, r.PostOffset)
		} else if r.Indir > 0 {
			expr = "(" + expr + ")"
		}
		fmt.Fprintf(sb, "*(%s*)(%s)", e.writeType(r.Type, false), expr)
		return nil
	}
	return fmt.Errorf("ref to %q of unsupported kind", r.Sym)
}

// writeRefAddressable renders r so its address can be taken: data refs are
// always hoisted into named storage.
func (pe *procEmitter) writeRefAddressable(sb *strings.Builder, r ir.Ref) error {
	if r.Kind == ir.RefGlobal {
		if s := pe.e.mod.FindSymbol(r.Sym); s != nil && s.Kind == ir.SymbolData &&
			r.Indir == 0 && r.Offset == 0 && r.PostOffset == 0 {
			var ident strings.Builder
			if err := pe.e.writeData(&ident, s.Name, &s.Data, s.Vis, s.Flags, true); err != nil {
				return err
			}
			sb.WriteString(ident.String())
			return nil
		}
	}
	return pe.writeRef(sb, r)
}

// writeDst renders the destination assignment prefix "dst = (cast)".
func (pe *procEmitter) writeDst(sb *strings.Builder, in ir.Instr) (bool, error) {
	if in.Arg[0].Kind != ir.ArgRef || in.Arg[0].Ref.Kind == ir.RefNull {
		return false, nil
	}
	if err := pe.writeRef(sb, in.Arg[0].Ref); err != nil {
		return false, err
	}
	sb.WriteString(" = ")
	t := in.Arg[0].Ref.Type
	if t != nil && (t.Kind == types.KindNumeric || t.Kind == types.KindPointer) {
		fmt.Fprintf(sb, "(%s)", pe.e.writeType(t, false))
	}
	return true, nil
}

var binOps = map[ir.Opcode]string{
	ir.Add:   "+",
	ir.Sub:   "-",
	ir.Mul:   "*",
	ir.Div:   "/",
	ir.Mod:   "%",
	ir.And:   "&",
	ir.Or:    "|",
	ir.Xor:   "^",
	ir.Lsh:   "<<",
	ir.Rsh:   ">>",
	ir.CmpEq: "==",
	ir.CmpNe: "!=",
	ir.CmpLt: "<",
	ir.CmpLe: "<=",
	ir.CmpGt: ">",
	ir.CmpGe: ">=",
}

func (pe *procEmitter) emitInstr(src *strings.Builder, i int, in ir.Instr) error {
	e := pe.e
	switch in.Code {
	case ir.Nop, ir.CommentOp:
		return nil

	case ir.LabelOp:
		name := "l_" + in.Arg[1].Label.Name.String()
		if pe.labelSeen[name] {
			name = fmt.Sprintf("%s_%d", name, i)
		}
		pe.labelSeen[name] = true
		fmt.Fprintf(src, "%s:;\n", name)
		return nil

	case ir.Ret:
		src.WriteString("  ")
		if in.Arg[1].Kind == ir.ArgRef && !pe.proc.Ret.Type.IsVoid() {
			src.WriteString("_ret = ")
			if err := pe.writeRef(src, in.Arg[1].Ref); err != nil {
				return err
			}
			src.WriteString("; return _ret;\n")
			return nil
		}
		if pe.proc.Ret.Type.IsVoid() {
			src.WriteString("return;\n")
		} else {
			src.WriteString("return _ret;\n")
		}
		return nil

	case ir.Jmp:
		fmt.Fprintf(src, "  goto %s;\n", pe.cLabel(in.Arg[1].Label, i))
		return nil

	case ir.Jmpz, ir.Jmpnz:
		src.WriteString("  if (")
		if in.Code == ir.Jmpz {
			src.WriteString("0 == ")
		}
		if err := pe.writeRef(src, in.Arg[1].Ref); err != nil {
			return err
		}
		fmt.Fprintf(src, ") { goto %s; }\n", pe.cLabel(in.Arg[2].Label, i))
		return nil

	case ir.Call:
		src.WriteString("  ")
		if _, err := pe.writeDst(src, in); err != nil {
			return err
		}
		src.WriteString("(")
		if err := pe.writeRef(src, in.Arg[1].Ref); err != nil {
			return err
		}
		src.WriteString(")(")
		pt := in.Arg[1].Ref.Type
		argn := 0
		for _, r := range in.Arg[2].Refs {
			if r.Kind == ir.RefVariadicMarker {
				continue
			}
			if argn > 0 {
				src.WriteString(", ")
			}
			if pt != nil && pt.Kind == types.KindProcedure && argn < len(pt.Proc.Params) {
				at := pt.Proc.Params[argn]
				if at.Kind == types.KindNumeric || at.Kind == types.KindPointer {
					fmt.Fprintf(src, "(%s)", e.writeType(at, false))
				}
			}
			if err := pe.writeRef(src, r); err != nil {
				return err
			}
			argn++
		}
		src.WriteString(");\n")
		return nil

	case ir.Alloc:
		src.WriteString("  ")
		if _, err := pe.writeDst(src, in); err != nil {
			return err
		}
		fmt.Fprintf(src, "&_slot_%d;\n", pe.allocSlot[i])
		return nil

	case ir.Load:
		src.WriteString("  ")
		if _, err := pe.writeDst(src, in); err != nil {
			return err
		}
		if err := pe.writeRef(src, in.Arg[1].Ref.Deref(in.Arg[0].Ref.Type)); err != nil {
			return err
		}
		src.WriteString(";\n")
		return nil

	case ir.Store:
		src.WriteString("  ")
		if err := pe.writeRef(src, in.Arg[0].Ref.Deref(in.Arg[1].Ref.Type)); err != nil {
			return err
		}
		src.WriteString(" = ")
		if err := pe.writeRef(src, in.Arg[1].Ref); err != nil {
			return err
		}
		src.WriteString(";\n")
		return nil

	case ir.Mov, ir.Trunc, ir.Fp2I, ir.I2Fp:
		src.WriteString("  ")
		if _, err := pe.writeDst(src, in); err != nil {
			return err
		}
		if err := pe.writeRef(src, in.Arg[1].Ref); err != nil {
			return err
		}
		src.WriteString(";\n")
		return nil

	case ir.Lea:
		src.WriteString("  ")
		if _, err := pe.writeDst(src, in); err != nil {
			return err
		}
		src.WriteString("& ")
		if err := pe.writeRefAddressable(src, in.Arg[1].Ref); err != nil {
			return err
		}
		src.WriteString(";\n")
		return nil

	case ir.Ext:
		src.WriteString("  ")
		if _, err := pe.writeDst(src, in); err != nil {
			return err
		}
		// Reinterpret the source at its own width with the destination's
		// signedness, then widen.
		srcT := in.Arg[1].Ref.Type
		dstSigned := in.Arg[0].Ref.Type.Num.IsSigned()
		if srcT != nil && srcT.Kind == types.KindNumeric && srcT.Num.IsInt() {
			sign := "u"
			if dstSigned {
				sign = "i"
			}
			fmt.Fprintf(src, "(%s%d)", sign, srcT.Num.Size()*8)
		}
		if err := pe.writeRef(src, in.Arg[1].Ref); err != nil {
			return err
		}
		src.WriteString(";\n")
		return nil

	case ir.Neg:
		src.WriteString("  ")
		if _, err := pe.writeDst(src, in); err != nil {
			return err
		}
		src.WriteString("(-")
		if err := pe.writeRef(src, in.Arg[1].Ref); err != nil {
			return err
		}
		src.WriteString(");\n")
		return nil

	case ir.Syscall:
		if !e.syscallDecl {
			e.syscallDecl = true
			e.forwardBuf.WriteString("extern long syscall(long, ...);\n")
		}
		src.WriteString("  ")
		if _, err := pe.writeDst(src, in); err != nil {
			return err
		}
		src.WriteString("syscall(")
		if err := pe.writeRef(src, in.Arg[1].Ref); err != nil {
			return err
		}
		for _, r := range in.Arg[2].Refs {
			src.WriteString(", ")
			if err := pe.writeRef(src, r); err != nil {
				return err
			}
		}
		src.WriteString(");\n")
		return nil
	}

	if op, ok := binOps[in.Code]; ok {
		src.WriteString("  ")
		if _, err := pe.writeDst(src, in); err != nil {
			return err
		}
		src.WriteString("(")
		if err := pe.writeRef(src, in.Arg[1].Ref); err != nil {
			return err
		}
		fmt.Fprintf(src, " %s ", op)
		if err := pe.writeRef(src, in.Arg[2].Ref); err != nil {
			return err
		}
		src.WriteString(");\n")
		return nil
	}
	return fmt.Errorf("unsupported opcode")
}
