package ir

import "fmt"

// CollectLocals returns the locals of p: the declared list, extended and
// typed from the refs in the instruction stream. A local's type comes from
// its declaration or from its first direct (non-indirect, offset-free)
// occurrence.
func CollectLocals(p *Proc) ([]Param, error) {
	locals := append([]Param(nil), p.Locals...)
	note := func(r Ref) {
		if r.Kind != RefLocal {
			return
		}
		for int(r.Index) >= len(locals) {
			locals = append(locals, Param{})
		}
		l := &locals[r.Index]
		if l.Type == nil && r.Indir == 0 && r.Offset == 0 && r.PostOffset == 0 {
			l.Type = r.Type
		}
		if !l.Name.Valid() {
			l.Name = r.Sym
		}
	}
	for _, in := range p.Instrs {
		for _, a := range in.Arg {
			switch a.Kind {
			case ArgRef:
				note(a.Ref)
			case ArgRefArray:
				for _, r := range a.Refs {
					note(r)
				}
			}
		}
	}
	for i, l := range locals {
		if l.Type == nil {
			return nil, fmt.Errorf("local %d has no type", i)
		}
	}
	return locals, nil
}
