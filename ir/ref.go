package ir

import (
	"math"

	"j5.nz/nkb/atom"
	"j5.nz/nkb/types"
)

// === Refs ===

// RefKind discriminates instruction operands.
type RefKind uint8

const (
	RefNull RefKind = iota
	RefLocal
	RefParam
	RefRet
	RefGlobal
	RefImm
	RefVariadicMarker
)

// Ref is a typed operand of an instruction. Refs may be indirect: the value
// is reached by adding Offset, dereferencing Indir times, then adding
// PostOffset.
type Ref struct {
	Kind RefKind

	Index uint32    // RefLocal, RefParam: local/parameter index
	Sym   atom.Atom // RefGlobal: symbol name; RefLocal/RefParam: optional name
	Imm   uint64    // RefImm: raw 64-bit value

	Type       *types.Type
	Indir      uint8
	Offset     uint32
	PostOffset uint32
}

// MakeRefNull returns an absent operand.
func MakeRefNull() Ref {
	return Ref{Kind: RefNull}
}

// MakeRefLocal refers to the nth local of the enclosing procedure.
func MakeRefLocal(n uint32, t *types.Type) Ref {
	return Ref{Kind: RefLocal, Index: n, Type: t}
}

// MakeRefParam refers to the nth parameter of the enclosing procedure.
func MakeRefParam(n uint32, t *types.Type) Ref {
	return Ref{Kind: RefParam, Index: n, Type: t}
}

// MakeRefRet refers to the return slot of the enclosing procedure.
func MakeRefRet(t *types.Type) Ref {
	return Ref{Kind: RefRet, Type: t}
}

// MakeRefGlobal refers to a module-level symbol by name.
func MakeRefGlobal(sym atom.Atom, t *types.Type) Ref {
	return Ref{Kind: RefGlobal, Sym: sym, Type: t}
}

// MakeRefImm is an inline 64-bit value typed by t.
func MakeRefImm(raw uint64, t *types.Type) Ref {
	return Ref{Kind: RefImm, Imm: raw, Type: t}
}

// MakeRefImmInt is an inline integer immediate.
func MakeRefImmInt(v int64, t *types.Type) Ref {
	return MakeRefImm(uint64(v), t)
}

// MakeRefImmFloat64 is an inline f64 immediate.
func MakeRefImmFloat64(v float64, t *types.Type) Ref {
	return MakeRefImm(math.Float64bits(v), t)
}

// MakeRefImmFloat32 is an inline f32 immediate.
func MakeRefImmFloat32(v float32, t *types.Type) Ref {
	return MakeRefImm(uint64(math.Float32bits(v)), t)
}

// MakeVariadicMarker is the sentinel separating fixed from variadic args in
// a call's argument list.
func MakeVariadicMarker() Ref {
	return Ref{Kind: RefVariadicMarker}
}

// Deref returns r with one more level of indirection, yielding a value of
// type t.
func (r Ref) Deref(t *types.Type) Ref {
	r.Indir++
	r.Type = t
	return r
}

// WithOffset returns r with the pre-dereference offset set.
func (r Ref) WithOffset(off uint32) Ref {
	r.Offset = off
	return r
}

// WithPostOffset returns r with the post-dereference offset set.
func (r Ref) WithPostOffset(off uint32) Ref {
	r.PostOffset = off
	return r
}

// Named returns r carrying a diagnostic name.
func (r Ref) Named(sym atom.Atom) Ref {
	r.Sym = sym
	return r
}

// === Labels ===

// LabelKind discriminates jump targets.
type LabelKind uint8

const (
	LabelAbs LabelKind = iota // named label
	LabelRel                  // offset relative to the current instruction
)

// Label is a jump target, either named or instruction-relative.
type Label struct {
	Kind   LabelKind
	Name   atom.Atom // LabelAbs
	Offset int32     // LabelRel
}

// MakeLabelAbs returns a named label target.
func MakeLabelAbs(name atom.Atom) Label {
	return Label{Kind: LabelAbs, Name: name}
}

// MakeLabelRel returns a label target offset instructions away from the
// jump itself.
func MakeLabelRel(offset int32) Label {
	return Label{Kind: LabelRel, Offset: offset}
}

// === Instruction arguments ===

// ArgKind discriminates instruction argument payloads.
type ArgKind uint8

const (
	ArgNone ArgKind = iota
	ArgRef
	ArgRefArray
	ArgLabel
	ArgType
	ArgString
)

// Arg is one of an instruction's three argument slots.
type Arg struct {
	Kind  ArgKind
	Ref   Ref
	Refs  []Ref
	Label Label
	Type  *types.Type
	Str   string
}

func argRef(r Ref) Arg {
	if r.Kind == RefNull {
		return Arg{}
	}
	return Arg{Kind: ArgRef, Ref: r}
}

func argRefs(refs []Ref) Arg {
	return Arg{Kind: ArgRefArray, Refs: refs}
}

func argLabel(l Label) Arg {
	return Arg{Kind: ArgLabel, Label: l}
}

func argType(t *types.Type) Arg {
	return Arg{Kind: ArgType, Type: t}
}

func argString(s string) Arg {
	return Arg{Kind: ArgString, Str: s}
}
