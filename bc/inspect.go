package bc

import (
	"fmt"
	"strings"
)

// Dump renders the translated instruction stream for debugging and for
// comparing translations. Pointer-valued bases are rendered by kind only,
// so two translations of the same IR compare equal up to relocated
// addresses.
func (p *Proc) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "proc %s frame=%d align=%d\n", p.Name, p.FrameSize, p.FrameAlign)
	for i := range p.Instrs {
		in := &p.Instrs[i]
		fmt.Fprintf(&sb, "%5d %-12s", i, in.Code)
		first := true
		for ai := 1; ai < 3; ai++ {
			if in.Arg[ai].Kind == ANone {
				continue
			}
			if first {
				sb.WriteByte(' ')
				first = false
			} else {
				sb.WriteString(", ")
			}
			dumpArg(&sb, &in.Arg[ai])
		}
		if in.Arg[0].Kind != ANone {
			sb.WriteString(" -> ")
			dumpArg(&sb, &in.Arg[0])
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func dumpArg(sb *strings.Builder, a *Arg) {
	switch a.Kind {
	case ARef:
		dumpRef(sb, &a.Ref)
	case ARefArray:
		sb.WriteByte('(')
		for i := range a.Refs {
			if i > 0 {
				sb.WriteString(", ")
			}
			dumpRef(sb, &a.Refs[i])
		}
		sb.WriteByte(')')
	}
}

func dumpRef(sb *strings.Builder, r *Ref) {
	for i := uint8(0); i < r.Indir; i++ {
		sb.WriteByte('[')
	}
	switch r.Kind {
	case RNone:
		sb.WriteString("(null)")
	case RFrame:
		fmt.Fprintf(sb, "frame+%#x", r.Off)
	case RArg:
		fmt.Fprintf(sb, "arg+%#x", r.Off)
	case RRet:
		sb.WriteString("ret")
	case RPtr:
		sb.WriteString("rodata")
	case RProc:
		fmt.Fprintf(sb, "proc:%s", r.Proc.Name)
	case RInstr:
		fmt.Fprintf(sb, "instr@%d", r.Instr)
	case RVarMark:
		sb.WriteString("...")
	}
	for i := uint8(0); i < r.Indir; i++ {
		sb.WriteByte(']')
	}
	if r.Post != 0 {
		fmt.Fprintf(sb, "+%#x", r.Post)
	}
	if r.Type != nil && r.Kind != RVarMark && r.Kind != RInstr {
		fmt.Fprintf(sb, ":%s", r.Type)
	}
}
