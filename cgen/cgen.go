package cgen

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"j5.nz/nkb/atom"
	"j5.nz/nkb/ir"
	"j5.nz/nkb/types"
)

// === C emitter ===
//
// The emitter walks a module and writes three buffers concatenated in
// order: type declarations, forward declarations, and definitions. Control
// flow uses goto exclusively; the output is portable C11 (plus
// __attribute__((visibility)), which degrades gracefully).

type dataFp struct {
	name   atom.Atom
	bytes  string
	typeID uint32
}

type emitter struct {
	mod *ir.Module

	typesBuf   strings.Builder
	forwardBuf strings.Builder
	mainBuf    strings.Builder

	typeMap     map[uint32]string
	typedeclNum int
	dataMap     map[dataFp]string
	dataNum     int
	procsDone   map[atom.Atom]bool
	externsDone map[atom.Atom]bool
	dataDone    map[atom.Atom]bool
	procQueue   []atom.Atom
	syscallDecl bool
}

// EmitModule renders m as a single C translation unit.
func EmitModule(m *ir.Module) (string, error) {
	e := &emitter{
		mod:         m,
		typeMap:     make(map[uint32]string),
		dataMap:     make(map[dataFp]string),
		procsDone:   make(map[atom.Atom]bool),
		externsDone: make(map[atom.Atom]bool),
		dataDone:    make(map[atom.Atom]bool),
	}
	e.writePreamble()

	syms := m.Symbols()
	for i := range syms {
		s := &syms[i]
		if s.Kind == ir.SymbolProc && s.Vis != ir.VisLocal {
			if err := e.emitProc(s); err != nil {
				return "", err
			}
			for len(e.procQueue) > 0 {
				name := e.procQueue[len(e.procQueue)-1]
				e.procQueue = e.procQueue[:len(e.procQueue)-1]
				ps := m.FindSymbol(name)
				if ps == nil {
					return "", fmt.Errorf("emit: unknown procedure %q", name)
				}
				if err := e.emitProc(ps); err != nil {
					return "", err
				}
			}
		}
	}
	for i := range syms {
		s := &syms[i]
		if s.Kind == ir.SymbolData && s.Vis != ir.VisLocal && !e.dataDone[s.Name] {
			var dummy strings.Builder
			if err := e.writeData(&dummy, s.Name, &s.Data, s.Vis, s.Flags, true); err != nil {
				return "", err
			}
		}
	}

	var out strings.Builder
	out.WriteString(e.typesBuf.String())
	out.WriteByte('\n')
	out.WriteString(e.forwardBuf.String())
	out.WriteByte('\n')
	out.WriteString(e.mainBuf.String())
	return out.String(), nil
}

func (e *emitter) writePreamble() {
	e.typesBuf.WriteString(`typedef signed char i8;
typedef signed short i16;
typedef signed int i32;
typedef signed long long i64;
typedef unsigned char u8;
typedef unsigned short u16;
typedef unsigned int u32;
typedef unsigned long long u64;
typedef float f32;
typedef double f64;

`)
}

func visibilityAttr(vis ir.Visibility) string {
	switch vis {
	case ir.VisDefault:
		return "__attribute__((visibility(\"default\"))) "
	case ir.VisProtected:
		return "__attribute__((visibility(\"protected\"))) "
	case ir.VisInternal:
		return "__attribute__((visibility(\"internal\"))) "
	case ir.VisLocal:
		return "static "
	}
	return ""
}

// writeType returns the C spelling of t, emitting a typedef for aggregate
// and procedure types on first use.
func (e *emitter) writeType(t *types.Type, allowVoid bool) string {
	if t.IsVoid() && allowVoid {
		return "void"
	}
	if t == nil {
		return "void"
	}
	if s, ok := e.typeMap[t.ID]; ok {
		return s
	}
	var spelled, suffix string
	complexType := false
	switch t.Kind {
	case types.KindNumeric:
		spelled = t.Num.String()
	case types.KindPointer:
		spelled = e.writeType(t.Target, false) + "*"
	case types.KindAggregate:
		complexType = true
		var sb strings.Builder
		sb.WriteString("struct {\n")
		for i, el := range t.Elems {
			fmt.Fprintf(&sb, "  %s _%d", e.writeType(el.Type, false), i)
			if el.Count > 1 {
				fmt.Fprintf(&sb, "[%d]", el.Count)
			}
			sb.WriteString(";\n")
		}
		sb.WriteString("}")
		spelled = sb.String()
	case types.KindProcedure:
		complexType = true
		var suf strings.Builder
		spelled = e.writeType(t.Proc.Ret, true) + " (*"
		suf.WriteString(")(")
		for i, p := range t.Proc.Params {
			if i > 0 {
				suf.WriteString(", ")
			}
			suf.WriteString(e.writeType(p, false))
		}
		if t.Proc.Flags&types.ProcVariadic != 0 {
			suf.WriteString(", ...")
		}
		suf.WriteString(")")
		suffix = suf.String()
	}

	name := spelled
	if complexType {
		name = fmt.Sprintf("_type%d", e.typedeclNum)
		e.typedeclNum++
		fmt.Fprintf(&e.typesBuf, "typedef %s %s%s;\n", spelled, name, suffix)
	}
	e.typeMap[t.ID] = name
	return name
}

func formatFloat(v float64, bits int) string {
	s := strconv.FormatFloat(v, 'g', -1, bits)
	if !strings.ContainsAny(s, ".eEnN") {
		s += "."
	}
	if bits == 32 {
		s += "f"
	}
	return s
}

// formatScalar renders the numeric value stored in b.
func formatScalar(b []byte, vt types.NumericValueType) string {
	load := func(n int) uint64 {
		var v uint64
		for i := 0; i < n && i < len(b); i++ {
			v |= uint64(b[i]) << (8 * i)
		}
		return v
	}
	switch vt {
	case types.Float32:
		return formatFloat(float64(math.Float32frombits(uint32(load(4)))), 32)
	case types.Float64:
		return formatFloat(math.Float64frombits(load(8)), 64)
	}
	raw := load(vt.Size())
	suffix := ""
	if !vt.IsSigned() {
		suffix = "u"
	}
	if vt.Size() == 8 {
		suffix += "ll"
	}
	if vt.IsSigned() {
		switch vt.Size() {
		case 1:
			return strconv.FormatInt(int64(int8(raw)), 10) + suffix
		case 2:
			return strconv.FormatInt(int64(int16(raw)), 10) + suffix
		case 4:
			return strconv.FormatInt(int64(int32(raw)), 10) + suffix
		}
		return strconv.FormatInt(int64(raw), 10) + suffix
	}
	return strconv.FormatUint(raw, 10) + suffix
}

// writeValue renders an initializer for the bytes of d at offset per type
// t, consulting relocs for pointer elements.
func (e *emitter) writeValue(sb *strings.Builder, d *ir.Data, t *types.Type, offset uint64) error {
	switch t.Kind {
	case types.KindNumeric:
		end := offset + t.Size
		if end > uint64(len(d.Addr)) {
			sb.WriteString("0")
			return nil
		}
		sb.WriteString(formatScalar(d.Addr[offset:end], t.Num))
		return nil
	case types.KindPointer, types.KindProcedure:
		for _, rl := range d.Relocs {
			if rl.Offset == offset {
				fmt.Fprintf(sb, "(%s)&%s", e.writeType(t, false), rl.Sym)
				e.forwardRef(rl.Sym)
				return nil
			}
		}
		sb.WriteString("0")
		return nil
	case types.KindAggregate:
		sb.WriteString("{ ")
		for _, el := range t.Elems {
			if el.Count > 1 {
				sb.WriteString("{ ")
			}
			off := offset + uint64(el.Offset)
			for c := uint32(0); c < el.Count; c++ {
				if err := e.writeValue(sb, d, el.Type, off); err != nil {
					return err
				}
				sb.WriteString(", ")
				off += el.Type.Size
			}
			if el.Count > 1 {
				sb.WriteString("}, ")
			}
		}
		sb.WriteString("}")
		return nil
	}
	return fmt.Errorf("emit: cannot render %s initializer", t)
}

// writeData writes a reference to a datum into sb, hoisting a named global
// into the forward buffer on first use.
func (e *emitter) writeData(sb *strings.Builder, name atom.Atom, d *ir.Data, vis ir.Visibility, flags ir.SymbolFlags, force bool) error {
	fp := dataFp{name: name, bytes: string(d.Addr), typeID: d.Type.ID}
	if s, ok := e.dataMap[fp]; ok {
		sb.WriteString(s)
		return nil
	}

	// Only read-only scalars inline as literals; anything written, exported,
	// or aggregate needs real storage.
	complexData := force || d.Type.Kind == types.KindAggregate || vis != ir.VisLocal ||
		d.Flags&ir.DataReadOnly == 0

	if !complexData && d.Addr != nil {
		var lit strings.Builder
		if err := e.writeValue(&lit, d, d.Type, 0); err != nil {
			return err
		}
		e.dataMap[fp] = lit.String()
		sb.WriteString(lit.String())
		return nil
	}

	ident := name.String()
	if ident == "" {
		ident = fmt.Sprintf("_const_%d", e.dataNum)
	}
	e.dataNum++
	e.forwardBuf.WriteString(visibilityAttr(vis))
	if flags&ir.SymThreadLocal != 0 {
		e.forwardBuf.WriteString("_Thread_local ")
	}
	e.forwardBuf.WriteString(e.writeType(d.Type, false))
	if d.Flags&ir.DataReadOnly != 0 {
		e.forwardBuf.WriteString(" const")
	}
	fmt.Fprintf(&e.forwardBuf, " %s = ", ident)
	if d.Addr != nil {
		if err := e.writeValue(&e.forwardBuf, d, d.Type, 0); err != nil {
			return err
		}
	} else {
		e.forwardBuf.WriteString("{0}")
	}
	e.forwardBuf.WriteString(";\n")
	if name.Valid() {
		e.dataDone[name] = true
	}
	e.dataMap[fp] = ident
	sb.WriteString(ident)
	return nil
}

// forwardRef ensures a forward declaration exists for a symbol referenced
// from data initializers, and queues procedures for emission.
func (e *emitter) forwardRef(name atom.Atom) {
	s := e.mod.FindSymbol(name)
	if s == nil {
		return
	}
	switch s.Kind {
	case ir.SymbolProc:
		if !e.procsDone[name] {
			e.procQueue = append(e.procQueue, name)
		}
	case ir.SymbolExtern:
		e.declareExtern(s)
	}
}

func (e *emitter) declareExtern(s *ir.Symbol) {
	if e.externsDone[s.Name] {
		return
	}
	e.externsDone[s.Name] = true
	x := &s.Extern
	if x.Kind == ir.ExternProc {
		e.forwardBuf.WriteString("extern ")
		e.writeProcSignature(&e.forwardBuf, s.Name.String(), x.Type.Proc.Ret, x.Type.Proc.Params, nil,
			x.Type.Proc.Flags&types.ProcVariadic != 0)
		e.forwardBuf.WriteString(";\n")
	} else {
		fmt.Fprintf(&e.forwardBuf, "extern %s %s;\n", e.writeType(x.Type, false), s.Name)
	}
}

func (e *emitter) writeProcSignature(sb *strings.Builder, name string, ret *types.Type, params []*types.Type, paramNames []ir.Param, variadic bool) {
	fmt.Fprintf(sb, "%s %s(", e.writeType(ret, true), name)
	for i, p := range params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.writeType(p, false))
		if paramNames != nil {
			fmt.Fprintf(sb, " %s", paramName(paramNames, i))
		}
	}
	if variadic {
		sb.WriteString(", ...")
	}
	sb.WriteString(")")
}

func paramName(params []ir.Param, i int) string {
	if i < len(params) && params[i].Name.Valid() {
		return params[i].Name.String()
	}
	return fmt.Sprintf("_arg_%d", i)
}

func localName(locals []ir.Param, i int) string {
	if i < len(locals) && locals[i].Name.Valid() {
		return locals[i].Name.String()
	}
	return fmt.Sprintf("_var_%d", i)
}
