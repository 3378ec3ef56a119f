package nkb

import (
	"log/slog"

	"j5.nz/nkb/cgen"
	"j5.nz/nkb/ir"
)

// === Export ===

// OutputKind re-exports the backend's artifact kinds.
type OutputKind = cgen.OutputKind

const (
	OutputNone    = cgen.OutputNone
	OutputBinary  = cgen.OutputBinary
	OutputStatic  = cgen.OutputStatic
	OutputShared  = cgen.OutputShared
	OutputArchive = cgen.OutputArchive
	OutputObject  = cgen.OutputObject
)

// ExportModule runs the C emitter over m and drives the external C
// compiler (and linker, unless kind is Object) to produce outFile.
func ExportModule(m *Module, outFile string, kind OutputKind) bool {
	s := m.compiler.state
	if err := ir.ValidateModule(m.ir); err != nil {
		s.Errorf("%v", err)
		return false
	}
	src, err := cgen.EmitModule(m.ir)
	if err != nil {
		s.Errorf("%v", err)
		return false
	}
	slog.Debug("emitted C source", "bytes", len(src), "kind", kind.String())
	if kind != OutputNone {
		if err := cgen.CompileSource(cgen.FindCC(), src, outFile, kind); err != nil {
			s.Errorf("%v", err)
			return false
		}
	}
	m.mu.Lock()
	m.frozen = true
	m.mu.Unlock()
	return true
}

// EmitC renders m as C source without driving the toolchain.
func EmitC(m *Module) (string, bool) {
	src, err := cgen.EmitModule(m.ir)
	if err != nil {
		m.compiler.state.Errorf("%v", err)
		return "", false
	}
	return src, true
}
