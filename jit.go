package nkb

import (
	"log/slog"
	"unsafe"

	"j5.nz/nkb/atom"
	"j5.nz/nkb/ffi"
	"j5.nz/nkb/ir"
)

// === JIT runtime ===

// DefineExternSymbols registers host addresses for extern symbols ahead of
// JIT compilation.
func DefineExternSymbols(m *Module, syms []ir.SymbolAddress) bool {
	run := m.runCtx()
	for _, sa := range syms {
		if sa.Addr == 0 {
			m.compiler.state.Errorf("extern symbol %q has null address", sa.Sym)
			return false
		}
		run.DefineExternSym(sa.Sym, sa.Addr)
	}
	return true
}

// resolveExterns resolves every extern not yet defined on the run context:
// the module's resolver callback is tried first, then the extern's library
// is loaded through the compiler's alias map. Failures are reported on the
// state's error chain.
func (m *Module) resolveExterns() bool {
	run := m.runCtx()
	ok := true
	for _, s := range m.ir.Symbols() {
		if s.Kind != ir.SymbolExtern {
			continue
		}
		if _, done := run.ExternAddr(s.Name); done {
			continue
		}
		if m.ir.Resolver() != nil {
			if addr := m.ir.Resolver()(s.Name); addr != 0 {
				run.DefineExternSym(s.Name, addr)
				continue
			}
		}
		libName := m.compiler.ResolveLib(s.Extern.Lib.String())
		lib, err := ffi.OpenLibrary(libName)
		if err != nil {
			m.compiler.state.Errorf("extern %q: %v", s.Name, err)
			ok = false
			continue
		}
		addr, err := ffi.ResolveSymbol(lib, s.Name.String())
		if err != nil {
			m.compiler.state.Errorf("extern %q: %v", s.Name, err)
			ok = false
			continue
		}
		slog.Debug("resolved extern", "sym", s.Name.String(), "lib", libName)
		run.DefineExternSym(s.Name, addr)
	}
	return ok
}

// GetSymbolAddress JIT-compiles the transitive closure of sym's
// dependencies and returns its native address. Calling it twice returns
// the same pointer; already-loaded symbols are not re-translated.
func GetSymbolAddress(m *Module, sym atom.Atom) uintptr {
	if !m.resolveExterns() {
		return 0
	}
	addr, err := m.runCtx().SymbolAddress(sym)
	if err != nil {
		m.compiler.state.Errorf("%v", err)
		return 0
	}
	return addr
}

// Invoke JIT-compiles sym if needed and calls it. args holds pointers to
// argument values; rets[0], if present, points at the return slot.
func Invoke(m *Module, sym atom.Atom, args []unsafe.Pointer, rets []unsafe.Pointer) bool {
	if !m.resolveExterns() {
		return false
	}
	if err := m.runCtx().Invoke(sym, args, rets); err != nil {
		m.compiler.state.Errorf("%v", err)
		return false
	}
	return true
}
