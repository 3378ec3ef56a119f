package nkb

import (
	"sync"

	"j5.nz/nkb/bc"
	"j5.nz/nkb/ir"
)

// === Module ===

// Module wraps the IR module with its compiler and lazy run context. Once
// JIT-loaded or exported, the symbol set is frozen.
type Module struct {
	compiler *Compiler
	ir       *ir.Module

	mu     sync.Mutex
	run    *bc.RunCtx
	frozen bool
}

// NewModule creates an empty module owned by c's state.
func NewModule(c *Compiler) *Module {
	return &Module{
		compiler: c,
		ir:       ir.NewModule(c.state.Arena),
	}
}

// IR returns the underlying IR module for the frontend builder API.
func (m *Module) IR() *ir.Module { return m.ir }

// Compiler returns the owning compiler.
func (m *Module) Compiler() *Compiler { return m.compiler }

// DefineSymbol appends a symbol, reporting duplicates on the error chain.
func (m *Module) DefineSymbol(sym ir.Symbol) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		m.compiler.state.Errorf("module is frozen: cannot define %q", sym.Name)
		return false
	}
	if err := m.ir.DefineSymbol(sym); err != nil {
		m.compiler.state.Errorf("%v", err)
		return false
	}
	return true
}

// LinkModule merges src into dst. Conflicts surface on the state's error
// chain.
func LinkModule(dst, src *Module) bool {
	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.frozen {
		dst.compiler.state.Errorf("link: module is frozen")
		return false
	}
	if err := dst.ir.Link(src.ir); err != nil {
		dst.compiler.state.Errorf("%v", err)
		return false
	}
	return true
}

// runCtx returns the module's run context, creating it on first use and
// freezing the symbol set.
func (m *Module) runCtx() *bc.RunCtx {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		m.run = bc.NewRunCtx(m.ir, m.compiler.state.Types, m.compiler.state.ffi)
		m.frozen = true
	}
	return m.run
}
