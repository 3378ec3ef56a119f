package ir

import (
	"fmt"

	"j5.nz/nkb/arena"
	"j5.nz/nkb/atom"
	"j5.nz/nkb/types"
)

// === Symbols ===

// SymbolKind discriminates module-level symbols.
type SymbolKind uint8

const (
	SymbolNone SymbolKind = iota
	SymbolProc
	SymbolData
	SymbolExtern
)

// Visibility is the linker-level scope of a symbol.
type Visibility uint8

const (
	VisUnknown Visibility = iota
	VisDefault
	VisHidden
	VisProtected
	VisInternal
	VisLocal
)

// SymbolFlags holds symbol attributes.
type SymbolFlags uint32

const (
	SymThreadLocal SymbolFlags = 1 << 0
)

// Param is a named, typed procedure parameter or return slot.
type Param struct {
	Name atom.Atom
	Type *types.Type
}

// Proc is a procedure definition. Blocks are implicit: label instructions
// delimit them and jumps target them by name.
type Proc struct {
	Params []Param
	Ret    Param
	Locals []Param
	Instrs []Instr
	Flags  types.ProcFlags

	File      atom.Atom
	StartLine int32
	EndLine   int32
}

// Type returns the procedure type of p built from store ts.
func (p *Proc) Type(ts *types.Store) *types.Type {
	params := make([]*types.Type, len(p.Params))
	for i, prm := range p.Params {
		params[i] = prm.Type
	}
	return ts.GetProcedure(params, p.Ret.Type, types.CallCdecl, p.Flags)
}

// Reloc records "store the address of Sym at Offset within this data".
type Reloc struct {
	Sym    atom.Atom
	Offset uint64
}

// DataFlags holds data attributes.
type DataFlags uint32

const (
	DataReadOnly DataFlags = 1 << 0
)

// Data is a module-level datum. Addr holds the initializer bytes and may be
// nil for zero initialization; Relocs are applied during linking or JIT.
type Data struct {
	Type   *types.Type
	Addr   []byte
	Relocs []Reloc
	Flags  DataFlags
}

// ExternKind discriminates external symbols.
type ExternKind uint8

const (
	ExternProc ExternKind = iota
	ExternData
)

// Extern names an external dependency resolved against a shared library or
// a host-provided symbol. For procedures Type is the procedure type; for
// data it is the value type.
type Extern struct {
	Lib  atom.Atom
	Kind ExternKind
	Type *types.Type
}

// Symbol is a named top-level declaration.
type Symbol struct {
	Name  atom.Atom
	Vis   Visibility
	Flags SymbolFlags
	Kind  SymbolKind

	Proc   Proc   // SymbolProc
	Data   Data   // SymbolData
	Extern Extern // SymbolExtern
}

// SymbolAddress pairs a symbol name with a host address.
type SymbolAddress struct {
	Sym  atom.Atom
	Addr uintptr
}

// SymbolResolver maps a symbol name to a host address, returning 0 when the
// symbol is unknown.
type SymbolResolver func(sym atom.Atom) uintptr

// === Module ===

// Module is an ordered collection of symbols that link and compile
// together. Symbol names are unique within a module.
type Module struct {
	arena    *arena.Arena
	syms     []Symbol
	index    map[atom.Atom]int
	resolver SymbolResolver
}

// NewModule creates an empty module owning ar.
func NewModule(ar *arena.Arena) *Module {
	return &Module{
		arena: ar,
		index: make(map[atom.Atom]int),
	}
}

// Arena returns the module's owning arena.
func (m *Module) Arena() *arena.Arena { return m.arena }

// DefineSymbol appends sym to the module. Redefining a name is an error.
func (m *Module) DefineSymbol(sym Symbol) error {
	if !sym.Name.Valid() {
		return fmt.Errorf("define: symbol has no name")
	}
	if _, ok := m.index[sym.Name]; ok {
		return fmt.Errorf("duplicate symbol %q", sym.Name)
	}
	m.index[sym.Name] = len(m.syms)
	m.syms = append(m.syms, sym)
	return nil
}

// Symbols returns the module's symbols in definition order.
func (m *Module) Symbols() []Symbol { return m.syms }

// FindSymbol returns the symbol named sym, or nil.
func (m *Module) FindSymbol(sym atom.Atom) *Symbol {
	i, ok := m.index[sym]
	if !ok {
		return nil
	}
	return &m.syms[i]
}

// SetResolver installs a callback used to resolve extern symbols during JIT.
func (m *Module) SetResolver(fn SymbolResolver) { m.resolver = fn }

// Resolver returns the installed symbol resolver, or nil.
func (m *Module) Resolver() SymbolResolver { return m.resolver }

// Link merges src's symbols into m. Name conflicts are reported and abort
// the link before any symbol is copied.
func (m *Module) Link(src *Module) error {
	for _, s := range src.syms {
		if _, ok := m.index[s.Name]; ok {
			return fmt.Errorf("link: duplicate symbol %q", s.Name)
		}
	}
	for _, s := range src.syms {
		m.index[s.Name] = len(m.syms)
		m.syms = append(m.syms, s)
	}
	return nil
}
