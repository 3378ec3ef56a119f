package ir

import (
	"fmt"
	"io"
	"math"
	"strings"

	"j5.nz/nkb/types"
)

// === Inspection ===

func quote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			sb.WriteString("\\\\")
		case '"':
			sb.WriteString("\\\"")
		case '\n':
			sb.WriteString("\\n")
		case '\t':
			sb.WriteString("\\t")
		case 0:
			sb.WriteString("\\0")
		default:
			if c < 0x20 || c > 0x7e {
				const hex = "0123456789abcdef"
				sb.WriteString("\\x")
				sb.WriteByte(hex[c>>4])
				sb.WriteByte(hex[c&0x0f])
			} else {
				sb.WriteByte(c)
			}
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

func formatImm(raw uint64, t *types.Type) string {
	if t == nil || t.Kind != types.KindNumeric {
		return fmt.Sprintf("%#x", raw)
	}
	switch t.Num {
	case types.Float32:
		return fmt.Sprintf("%v", math.Float32frombits(uint32(raw)))
	case types.Float64:
		return fmt.Sprintf("%v", math.Float64frombits(raw))
	default:
		if t.Num.IsSigned() {
			switch t.Num.Size() {
			case 1:
				return fmt.Sprintf("%d", int8(raw))
			case 2:
				return fmt.Sprintf("%d", int16(raw))
			case 4:
				return fmt.Sprintf("%d", int32(raw))
			}
			return fmt.Sprintf("%d", int64(raw))
		}
		return fmt.Sprintf("%d", raw)
	}
}

// FormatRef renders a ref the way the textual IR writes operands.
func FormatRef(r Ref) string {
	var sb strings.Builder
	for i := uint8(0); i < r.Indir; i++ {
		sb.WriteByte('[')
	}
	switch r.Kind {
	case RefNull:
		sb.WriteString("(null)")
	case RefLocal:
		if r.Sym.Valid() {
			fmt.Fprintf(&sb, "%%%s", r.Sym)
		} else {
			fmt.Fprintf(&sb, "%%loc%d", r.Index)
		}
	case RefParam:
		if r.Sym.Valid() {
			fmt.Fprintf(&sb, "%%%s", r.Sym)
		} else {
			fmt.Fprintf(&sb, "%%arg%d", r.Index)
		}
	case RefRet:
		sb.WriteString("%ret")
	case RefGlobal:
		fmt.Fprintf(&sb, "$%s", r.Sym)
	case RefImm:
		sb.WriteString(formatImm(r.Imm, r.Type))
	case RefVariadicMarker:
		sb.WriteString("...")
	}
	if r.Offset != 0 {
		fmt.Fprintf(&sb, "+%d", r.Offset)
	}
	for i := uint8(0); i < r.Indir; i++ {
		sb.WriteByte(']')
	}
	if r.PostOffset != 0 {
		fmt.Fprintf(&sb, "+%d", r.PostOffset)
	}
	if r.Type != nil && r.Kind != RefVariadicMarker {
		fmt.Fprintf(&sb, ":%s", r.Type)
	}
	return sb.String()
}

func formatLabel(l Label) string {
	if l.Kind == LabelAbs {
		return "@" + l.Name.String()
	}
	return fmt.Sprintf("@%+d", l.Offset)
}

func formatArg(a Arg) string {
	switch a.Kind {
	case ArgRef:
		return FormatRef(a.Ref)
	case ArgRefArray:
		parts := make([]string, len(a.Refs))
		for i, r := range a.Refs {
			parts[i] = FormatRef(r)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case ArgLabel:
		return formatLabel(a.Label)
	case ArgType:
		return ":" + a.Type.String()
	case ArgString:
		return quote(a.Str)
	}
	return ""
}

// InspectInstr writes a one-line rendering of in.
func InspectInstr(w io.Writer, in Instr) {
	switch in.Code {
	case LabelOp:
		fmt.Fprintf(w, "%s:", in.Arg[1].Label.Name)
		return
	case CommentOp:
		fmt.Fprintf(w, "// %s", in.Arg[1].Str)
		return
	}
	fmt.Fprintf(w, "%s", in.Code)
	first := true
	for i := 1; i < 3; i++ {
		if in.Arg[i].Kind == ArgNone {
			continue
		}
		if first {
			fmt.Fprint(w, " ")
			first = false
		} else {
			fmt.Fprint(w, ", ")
		}
		fmt.Fprint(w, formatArg(in.Arg[i]))
	}
	if in.Arg[0].Kind == ArgRef {
		fmt.Fprintf(w, " -> %s", formatArg(in.Arg[0]))
	}
}

// InspectSymbol writes a rendering of sym.
func InspectSymbol(w io.Writer, sym *Symbol) {
	switch sym.Kind {
	case SymbolProc:
		p := &sym.Proc
		vis := ""
		if sym.Vis == VisDefault {
			vis = "pub "
		}
		fmt.Fprintf(w, "%sproc %s(", vis, sym.Name)
		for i, prm := range p.Params {
			if i > 0 {
				fmt.Fprint(w, ", ")
			}
			fmt.Fprintf(w, ":%s %%%s", prm.Type, prm.Name)
		}
		fmt.Fprint(w, ")")
		if !p.Ret.Type.IsVoid() {
			fmt.Fprintf(w, " :%s", p.Ret.Type)
		}
		fmt.Fprint(w, " {\n")
		for _, in := range p.Instrs {
			if in.Code == LabelOp {
				fmt.Fprint(w, "  ")
			} else {
				fmt.Fprint(w, "    ")
			}
			InspectInstr(w, in)
			fmt.Fprint(w, "\n")
		}
		fmt.Fprint(w, "}\n")

	case SymbolData:
		d := &sym.Data
		kw := "data"
		if d.Flags&DataReadOnly != 0 {
			kw = "const"
		}
		fmt.Fprintf(w, "%s $%s :%s", kw, sym.Name, d.Type)
		if d.Addr != nil {
			fmt.Fprintf(w, " = <%d bytes>", len(d.Addr))
		}
		for _, rl := range d.Relocs {
			fmt.Fprintf(w, " reloc($%s@%d)", rl.Sym, rl.Offset)
		}
		fmt.Fprint(w, "\n")

	case SymbolExtern:
		e := &sym.Extern
		fmt.Fprintf(w, "extern %s proc %s :%s\n", quote(e.Lib.String()), sym.Name, e.Type)
	}
}

// InspectModule writes a rendering of every symbol in m.
func InspectModule(w io.Writer, m *Module) {
	for i := range m.Symbols() {
		if i > 0 {
			fmt.Fprint(w, "\n")
		}
		InspectSymbol(w, &m.Symbols()[i])
	}
}
