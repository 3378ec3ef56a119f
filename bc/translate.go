package bc

import (
	"fmt"
	"log/slog"
	"unsafe"

	"j5.nz/nkb/atom"
	"j5.nz/nkb/ir"
	"j5.nz/nkb/types"
)

// === Translator ===
//
// Lowering runs per procedure: compute the frame layout from locals and
// alloc slots, translate refs onto frame/arg/ret/pointer bases, select
// sized opcodes, and record label relocations patched once the whole body
// is emitted. Referenced procedures translate recursively; the procs table
// makes translation idempotent.

type labelReloc struct {
	instr  int
	argIdx int
	name   atom.Atom // named target
	isRel  bool
	rel    int // relative target (IR instruction index)
}

type procTranslator struct {
	ctx  *RunCtx
	name atom.Atom
	p    *ir.Proc
	out  *Proc

	locals    []ir.Param
	localOff  []uint32
	allocOff  map[int]uint32 // IR instr index → frame offset of its slot
	allocType map[int]*types.Type

	bcIdx  []int // IR instr index → bytecode index
	labels map[atom.Atom]int
	relocs []labelReloc
}

func (c *RunCtx) translateLocked(sym atom.Atom) (*Proc, error) {
	if p, ok := c.procs[sym]; ok {
		return p, nil
	}
	s := c.mod.FindSymbol(sym)
	if s == nil {
		return nil, fmt.Errorf("unknown symbol %q", sym)
	}
	if s.Kind != ir.SymbolProc {
		return nil, fmt.Errorf("symbol %q is not a procedure", sym)
	}
	slog.Debug("translating procedure", "proc", sym.String())

	p := &Proc{Name: sym, Type: s.Proc.Type(c.ts)}
	c.procs[sym] = p

	t := &procTranslator{
		ctx:       c,
		name:      sym,
		p:         &s.Proc,
		out:       p,
		allocOff:  make(map[int]uint32),
		allocType: make(map[int]*types.Type),
		labels:    make(map[atom.Atom]int),
	}
	if err := t.run(); err != nil {
		delete(c.procs, sym)
		return nil, err
	}
	return p, nil
}

func (t *procTranslator) run() error {
	if err := t.layoutFrame(); err != nil {
		return err
	}
	if err := t.emitBody(); err != nil {
		return err
	}
	return t.patchLabels()
}

// layoutFrame computes offsets for all locals and alloc slots with the
// aggregate-layout routine and records the frame size and alignment.
func (t *procTranslator) layoutFrame() error {
	locals, err := ir.CollectLocals(t.p)
	if err != nil {
		return fmt.Errorf("proc %s: %w", t.name, err)
	}
	t.locals = locals

	elems := make([]types.AggregateElem, 0, len(t.locals)+4)
	for _, l := range t.locals {
		elems = append(elems, types.AggregateElem{Type: l.Type, Count: 1})
	}
	allocInstrs := make([]int, 0, 4)
	for i, in := range t.p.Instrs {
		if in.Code == ir.Alloc {
			ty := in.Arg[1].Type
			if ty == nil {
				return fmt.Errorf("proc %s: instr %d: alloc without type", t.name, i)
			}
			t.allocType[i] = ty
			allocInstrs = append(allocInstrs, i)
			elems = append(elems, types.AggregateElem{Type: ty, Count: 1})
		}
	}

	lt := types.CalcAggregateLayout(elems)
	t.out.FrameSize = lt.Size
	t.out.FrameAlign = lt.Align
	t.localOff = lt.Offsets[:len(t.locals)]
	for j, i := range allocInstrs {
		t.allocOff[i] = lt.Offsets[len(t.locals)+j]
	}
	return nil
}

// translateRef maps an IR ref onto a bytecode base. User offsets on a
// direct ref fold into the base offset; an indirect ref keeps its offsets
// around the dereference chain.
func (t *procTranslator) translateRef(r ir.Ref) (Ref, error) {
	// Offsets of a non-indirect ref are interchangeable; canonicalize so
	// the pre-offset carries both.
	if r.Indir == 0 {
		r.Offset += r.PostOffset
		r.PostOffset = 0
	}
	switch r.Kind {
	case ir.RefNull:
		return Ref{}, nil

	case ir.RefLocal:
		if int(r.Index) >= len(t.localOff) {
			return Ref{}, fmt.Errorf("proc %s: local %d out of range", t.name, r.Index)
		}
		return Ref{
			Kind:  RFrame,
			Off:   uintptr(t.localOff[r.Index]) + uintptr(r.Offset),
			Post:  uintptr(r.PostOffset),
			Indir: r.Indir,
			Type:  r.Type,
		}, nil

	case ir.RefParam:
		if int(r.Index) >= len(t.p.Params) {
			return Ref{}, fmt.Errorf("proc %s: parameter %d out of range", t.name, r.Index)
		}
		if r.Indir > 0 && r.Offset != 0 {
			return Ref{}, fmt.Errorf("proc %s: offset indirect parameter ref is not supported", t.name)
		}
		return Ref{
			Kind:  RArg,
			Off:   uintptr(r.Index) * unsafe.Sizeof(uintptr(0)),
			Post:  uintptr(r.Offset) + uintptr(r.PostOffset),
			Indir: 1 + r.Indir,
			Type:  r.Type,
		}, nil

	case ir.RefRet:
		return Ref{
			Kind:  RRet,
			Off:   uintptr(r.Offset),
			Post:  uintptr(r.PostOffset),
			Indir: r.Indir,
			Type:  r.Type,
		}, nil

	case ir.RefGlobal:
		return t.translateGlobal(r)

	case ir.RefImm:
		// Immediates inline into the per-context rodata blob.
		buf := t.ctx.ar.AllocAligned(8, 8)
		*(*uint64)(unsafe.Pointer(unsafe.SliceData(buf))) = r.Imm
		return Ref{
			Kind: RPtr,
			Ptr:  unsafe.Pointer(unsafe.SliceData(buf)),
			Type: r.Type,
		}, nil

	case ir.RefVariadicMarker:
		return Ref{Kind: RVarMark}, nil
	}
	return Ref{}, fmt.Errorf("proc %s: bad ref kind %d", t.name, r.Kind)
}

func (t *procTranslator) translateGlobal(r ir.Ref) (Ref, error) {
	c := t.ctx
	s := c.mod.FindSymbol(r.Sym)
	if s == nil {
		return Ref{}, fmt.Errorf("proc %s: ref to unknown symbol %q", t.name, r.Sym)
	}
	switch s.Kind {
	case ir.SymbolProc:
		// A procedure used as a value materializes its native entry.
		addr, err := c.procAddressLocked(r.Sym)
		if err != nil {
			return Ref{}, err
		}
		return Ref{
			Kind: RPtr,
			Ptr:  c.newCell(addr),
			Type: c.procs[r.Sym].Type,
		}, nil

	case ir.SymbolData:
		base, err := c.linkDataLocked(r.Sym)
		if err != nil {
			return Ref{}, err
		}
		return Ref{
			Kind:  RPtr,
			Ptr:   base,
			Off:   uintptr(r.Offset),
			Post:  uintptr(r.PostOffset),
			Indir: r.Indir,
			Type:  r.Type,
		}, nil

	case ir.SymbolExtern:
		addr, err := c.resolveExternLocked(r.Sym)
		if err != nil {
			return Ref{}, err
		}
		cell := c.newCell(addr)
		if s.Extern.Kind == ir.ExternProc {
			return Ref{Kind: RPtr, Ptr: cell, Type: s.Extern.Type}, nil
		}
		if r.Indir > 0 && r.Offset != 0 {
			return Ref{}, fmt.Errorf("proc %s: offset indirect extern ref is not supported", t.name)
		}
		return Ref{
			Kind:  RPtr,
			Ptr:   cell,
			Post:  uintptr(r.Offset) + uintptr(r.PostOffset),
			Indir: 1 + r.Indir,
			Type:  r.Type,
		}, nil
	}
	return Ref{}, fmt.Errorf("proc %s: ref to %q of unsupported kind", t.name, r.Sym)
}

func (t *procTranslator) refArg(r ir.Ref) (Arg, error) {
	br, err := t.translateRef(r)
	if err != nil {
		return Arg{}, err
	}
	if br.Kind == RNone {
		return Arg{}, nil
	}
	return Arg{Kind: ARef, Ref: br}, nil
}

func (t *procTranslator) refsArg(refs []ir.Ref) (Arg, error) {
	out := make([]Ref, len(refs))
	for i, r := range refs {
		br, err := t.translateRef(r)
		if err != nil {
			return Arg{}, err
		}
		out[i] = br
	}
	return Arg{Kind: ARefArray, Refs: out}, nil
}

func (t *procTranslator) labelArg(instr, argIdx, irIdx int, l ir.Label) Arg {
	rl := labelReloc{instr: instr, argIdx: argIdx}
	if l.Kind == ir.LabelAbs {
		rl.name = l.Name
	} else {
		rl.isRel = true
		rl.rel = irIdx + int(l.Offset)
	}
	t.relocs = append(t.relocs, rl)
	return Arg{Kind: ARef, Ref: Ref{Kind: RInstr}}
}

func (t *procTranslator) emit(in Instr) int {
	t.out.Instrs = append(t.out.Instrs, in)
	return len(t.out.Instrs) - 1
}

func numericOf(r ir.Ref) (types.NumericValueType, error) {
	if r.Type == nil || r.Type.Kind != types.KindNumeric {
		return 0, fmt.Errorf("operand %s is not numeric", ir.FormatRef(r))
	}
	return r.Type.Num, nil
}

func (t *procTranslator) emitBody() error {
	t.bcIdx = make([]int, len(t.p.Instrs)+1)
	for i, in := range t.p.Instrs {
		t.bcIdx[i] = len(t.out.Instrs)
		if err := t.emitInstr(i, in); err != nil {
			return fmt.Errorf("proc %s: instr %d (%s): %w", t.name, i, in.Code, err)
		}
	}
	t.bcIdx[len(t.p.Instrs)] = len(t.out.Instrs)
	// A procedure falling off the end still returns.
	t.emit(Instr{Code: opRet})
	return nil
}

func (t *procTranslator) emitInstr(i int, in ir.Instr) error {
	switch in.Code {
	case ir.Nop, ir.LabelOp, ir.CommentOp:
		if in.Code == ir.LabelOp {
			t.labels[in.Arg[1].Label.Name] = len(t.out.Instrs)
		}
		return nil

	case ir.Ret:
		if in.Arg[1].Kind == ir.ArgRef {
			src, err := t.refArg(in.Arg[1].Ref)
			if err != nil {
				return err
			}
			retType := t.p.Ret.Type
			if retType == nil {
				retType = in.Arg[1].Ref.Type
			}
			dst := Arg{Kind: ARef, Ref: Ref{Kind: RRet, Type: retType}}
			t.emit(Instr{Code: sizedOp(opMov, retType.Size), Arg: [3]Arg{dst, src}})
		}
		t.emit(Instr{Code: opRet})
		return nil

	case ir.Jmp:
		idx := t.emit(Instr{Code: opJmp})
		t.out.Instrs[idx].Arg[1] = t.labelArg(idx, 1, i, in.Arg[1].Label)
		return nil

	case ir.Jmpz, ir.Jmpnz:
		cond, err := t.refArg(in.Arg[1].Ref)
		if err != nil {
			return err
		}
		base := opJmpz
		if in.Code == ir.Jmpnz {
			base = opJmpnz
		}
		code := sizedOp(base, in.Arg[1].Ref.Type.Size)
		idx := t.emit(Instr{Code: code, Arg: [3]Arg{{}, cond}})
		t.out.Instrs[idx].Arg[2] = t.labelArg(idx, 2, i, in.Arg[2].Label)
		return nil

	case ir.Call:
		return t.emitCall(in)

	case ir.Alloc:
		dst, err := t.refArg(in.Arg[0].Ref)
		if err != nil {
			return err
		}
		slot := Arg{Kind: ARef, Ref: Ref{
			Kind: RFrame,
			Off:  uintptr(t.allocOff[i]),
			Type: t.allocType[i],
		}}
		t.emit(Instr{Code: opAlloc, Arg: [3]Arg{dst, slot}})
		return nil

	case ir.Load:
		dst, err := t.refArg(in.Arg[0].Ref)
		if err != nil {
			return err
		}
		src, err := t.refArg(in.Arg[1].Ref)
		if err != nil {
			return err
		}
		src.Ref.Indir++
		src.Ref.Type = in.Arg[0].Ref.Type
		t.emit(Instr{Code: sizedOp(opMov, in.Arg[0].Ref.Type.Size), Arg: [3]Arg{dst, src}})
		return nil

	case ir.Store:
		ptr, err := t.refArg(in.Arg[0].Ref)
		if err != nil {
			return err
		}
		src, err := t.refArg(in.Arg[1].Ref)
		if err != nil {
			return err
		}
		ptr.Ref.Indir++
		ptr.Ref.Type = in.Arg[1].Ref.Type
		t.emit(Instr{Code: sizedOp(opMov, in.Arg[1].Ref.Type.Size), Arg: [3]Arg{ptr, src}})
		return nil

	case ir.Mov:
		dst, err := t.refArg(in.Arg[0].Ref)
		if err != nil {
			return err
		}
		src, err := t.refArg(in.Arg[1].Ref)
		if err != nil {
			return err
		}
		t.emit(Instr{Code: sizedOp(opMov, in.Arg[0].Ref.Type.Size), Arg: [3]Arg{dst, src}})
		return nil

	case ir.Lea:
		dst, err := t.refArg(in.Arg[0].Ref)
		if err != nil {
			return err
		}
		src, err := t.refArg(in.Arg[1].Ref)
		if err != nil {
			return err
		}
		t.emit(Instr{Code: opLea, Arg: [3]Arg{dst, src}})
		return nil

	case ir.Ext, ir.Trunc, ir.Fp2I, ir.I2Fp:
		dst, err := t.refArg(in.Arg[0].Ref)
		if err != nil {
			return err
		}
		src, err := t.refArg(in.Arg[1].Ref)
		if err != nil {
			return err
		}
		var code Op
		switch in.Code {
		case ir.Ext:
			code = opExt
		case ir.Trunc:
			code = opTrunc
		case ir.Fp2I:
			code = opFp2I
		default:
			code = opI2Fp
		}
		t.emit(Instr{Code: code, Arg: [3]Arg{dst, src}})
		return nil

	case ir.Neg:
		dst, err := t.refArg(in.Arg[0].Ref)
		if err != nil {
			return err
		}
		src, err := t.refArg(in.Arg[1].Ref)
		if err != nil {
			return err
		}
		vt, err := numericOf(in.Arg[1].Ref)
		if err != nil {
			return err
		}
		t.emit(Instr{Code: numOp(opNeg, vt), Arg: [3]Arg{dst, src}})
		return nil

	case ir.Syscall:
		dst, err := t.refArg(in.Arg[0].Ref)
		if err != nil {
			return err
		}
		num, err := t.refArg(in.Arg[1].Ref)
		if err != nil {
			return err
		}
		args, err := t.refsArg(in.Arg[2].Refs)
		if err != nil {
			return err
		}
		t.emit(Instr{Code: opSyscall, Arg: [3]Arg{dst, num, args}})
		return nil
	}

	if in.Code.IsBinary() {
		dst, err := t.refArg(in.Arg[0].Ref)
		if err != nil {
			return err
		}
		lhs, err := t.refArg(in.Arg[1].Ref)
		if err != nil {
			return err
		}
		rhs, err := t.refArg(in.Arg[2].Ref)
		if err != nil {
			return err
		}
		vt, err := numericOf(in.Arg[1].Ref)
		if err != nil {
			return err
		}
		if in.Code.IsIntOnly() && !vt.IsInt() {
			return fmt.Errorf("integer operation on %s", vt)
		}
		base := opAdd + numOpStride*Op(in.Code-ir.Add)
		t.emit(Instr{Code: numOp(base, vt), Arg: [3]Arg{dst, lhs, rhs}})
		return nil
	}

	return fmt.Errorf("unsupported opcode")
}

func (t *procTranslator) emitCall(in ir.Instr) error {
	dst, err := t.refArg(in.Arg[0].Ref)
	if err != nil {
		return err
	}
	args, err := t.refsArg(in.Arg[2].Refs)
	if err != nil {
		return err
	}

	target := in.Arg[1].Ref
	if target.Kind == ir.RefGlobal {
		if s := t.ctx.mod.FindSymbol(target.Sym); s != nil {
			switch s.Kind {
			case ir.SymbolProc:
				callee, err := t.ctx.translateLocked(target.Sym)
				if err != nil {
					return err
				}
				t.emit(Instr{Code: opCallJmp, Arg: [3]Arg{dst,
					{Kind: ARef, Ref: Ref{Kind: RProc, Proc: callee, Type: callee.Type}}, args}})
				return nil
			case ir.SymbolExtern:
				if s.Extern.Kind == ir.ExternProc {
					tref, err := t.translateRef(target)
					if err != nil {
						return err
					}
					t.emit(Instr{Code: opCallExt, Arg: [3]Arg{dst, {Kind: ARef, Ref: tref}, args}})
					return nil
				}
			}
		}
	}

	tref, err := t.translateRef(target)
	if err != nil {
		return err
	}
	t.emit(Instr{Code: opCall, Arg: [3]Arg{dst, {Kind: ARef, Ref: tref}, args}})
	return nil
}

func (t *procTranslator) patchLabels() error {
	for _, rl := range t.relocs {
		var target int
		if rl.isRel {
			if rl.rel < 0 || rl.rel >= len(t.bcIdx) {
				return fmt.Errorf("proc %s: relative jump out of range", t.name)
			}
			target = t.bcIdx[rl.rel]
		} else {
			idx, ok := t.labels[rl.name]
			if !ok {
				return fmt.Errorf("proc %s: jump to undefined label @%s", t.name, rl.name)
			}
			target = idx
		}
		t.out.Instrs[rl.instr].Arg[rl.argIdx].Ref.Instr = int32(target)
	}
	return nil
}
