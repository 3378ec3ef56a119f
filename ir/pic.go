package ir

import "j5.nz/nkb/atom"

// ConvertToPIC rewrites named jump targets in instrs to instruction-relative
// ones, so the sequence stays self-contained when pasted into another
// instruction stream. Label marker instructions are kept; jumps to labels
// not defined in instrs are left untouched.
func ConvertToPIC(instrs []Instr) []Instr {
	labels := make(map[atom.Atom]int)
	for i, in := range instrs {
		if in.Code == LabelOp && in.Arg[1].Kind == ArgLabel {
			labels[in.Arg[1].Label.Name] = i
		}
	}
	out := make([]Instr, len(instrs))
	copy(out, instrs)
	for i := range out {
		for ai := range out[i].Arg {
			a := &out[i].Arg[ai]
			if a.Kind != ArgLabel || a.Label.Kind != LabelAbs {
				continue
			}
			if out[i].Code == LabelOp {
				continue
			}
			target, ok := labels[a.Label.Name]
			if !ok {
				continue
			}
			a.Label = MakeLabelRel(int32(target - i))
		}
	}
	return out
}
