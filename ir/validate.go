package ir

import (
	"fmt"

	"j5.nz/nkb/atom"
	"j5.nz/nkb/types"
)

// === Validation ===

// ValidateProc checks the structural invariants of a procedure: every named
// jump targets a label defined in the same procedure, relative jumps stay in
// range, call targets have procedure type, and destination operands are
// writable.
func ValidateProc(name atom.Atom, p *Proc) error {
	labels := make(map[atom.Atom]bool)
	for _, in := range p.Instrs {
		if in.Code == LabelOp {
			labels[in.Arg[1].Label.Name] = true
		}
	}
	for i, in := range p.Instrs {
		for ai := range in.Arg {
			a := &in.Arg[ai]
			if a.Kind != ArgLabel || in.Code == LabelOp {
				continue
			}
			switch a.Label.Kind {
			case LabelAbs:
				if !labels[a.Label.Name] {
					return fmt.Errorf("proc %s: instr %d: jump to undefined label @%s", name, i, a.Label.Name)
				}
			case LabelRel:
				t := i + int(a.Label.Offset)
				if t < 0 || t >= len(p.Instrs) {
					return fmt.Errorf("proc %s: instr %d: relative jump out of range", name, i)
				}
			}
		}
		if in.Arg[0].Kind == ArgRef {
			switch in.Arg[0].Ref.Kind {
			case RefImm, RefVariadicMarker:
				return fmt.Errorf("proc %s: instr %d: destination is not writable", name, i)
			}
		}
		if in.Code == Call {
			t := in.Arg[1].Ref.Type
			if t == nil || t.Kind != types.KindProcedure {
				return fmt.Errorf("proc %s: instr %d: call target is not a procedure", name, i)
			}
		}
	}
	for i, prm := range p.Params {
		if prm.Type == nil {
			return fmt.Errorf("proc %s: parameter %d has no type", name, i)
		}
	}
	return nil
}

// ValidateModule checks every procedure of m and the module-level
// invariants: unique names are enforced at definition time, so this checks
// that global refs resolve and that data relocs name existing symbols.
func ValidateModule(m *Module) error {
	for i := range m.Symbols() {
		sym := &m.Symbols()[i]
		switch sym.Kind {
		case SymbolProc:
			if err := ValidateProc(sym.Name, &sym.Proc); err != nil {
				return err
			}
			for _, in := range sym.Proc.Instrs {
				for ai := range in.Arg {
					if err := checkGlobalRefs(m, sym.Name, in.Arg[ai]); err != nil {
						return err
					}
				}
			}
		case SymbolData:
			for _, rl := range sym.Data.Relocs {
				if m.FindSymbol(rl.Sym) == nil {
					return fmt.Errorf("data %s: reloc names unknown symbol %q", sym.Name, rl.Sym)
				}
				if rl.Offset+8 > uint64(sym.Data.Type.Size) {
					return fmt.Errorf("data %s: reloc offset %d out of range", sym.Name, rl.Offset)
				}
			}
		}
	}
	return nil
}

func checkGlobalRefs(m *Module, proc atom.Atom, a Arg) error {
	check := func(r Ref) error {
		if r.Kind == RefGlobal && m.FindSymbol(r.Sym) == nil {
			return fmt.Errorf("proc %s: ref names unknown symbol %q", proc, r.Sym)
		}
		return nil
	}
	switch a.Kind {
	case ArgRef:
		return check(a.Ref)
	case ArgRefArray:
		for _, r := range a.Refs {
			if err := check(r); err != nil {
				return err
			}
		}
	}
	return nil
}
