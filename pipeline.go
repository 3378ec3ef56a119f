package nkb

import (
	"errors"
	"os"
	"path/filepath"

	"j5.nz/nkb/irtext"
)

// === Compile-file dispatch ===

// CompileFile ingests path into m, dispatching on the file extension:
// .nkir parses as textual IR, .nkst parses as an AST and compiles through a
// registered frontend, .nkl goes to the surface-language frontend.
func CompileFile(m *Module, path string) bool {
	s := m.compiler.state
	switch ext := filepath.Ext(path); ext {
	case ".nkir":
		src, err := os.ReadFile(path)
		if err != nil {
			s.Errorf("%v", err)
			return false
		}
		if err := irtext.ParseIR(src, path, m.ir, s.Types); err != nil {
			reportParseErrors(s, err)
			return false
		}
		return true

	case ".nkst":
		src, err := os.ReadFile(path)
		if err != nil {
			s.Errorf("%v", err)
			return false
		}
		if _, err := irtext.ParseAST(src, path); err != nil {
			reportParseErrors(s, err)
			return false
		}
		fe := s.frontend(ext)
		if fe == nil {
			s.Errorf("no frontend registered for %q files", ext)
			return false
		}
		if err := fe(m, path); err != nil {
			s.Errorf("%v", err)
			return false
		}
		return true

	case ".nkl":
		fe := s.frontend(ext)
		if fe == nil {
			s.Errorf("no frontend registered for %q files", ext)
			return false
		}
		if err := fe(m, path); err != nil {
			s.Errorf("%v", err)
			return false
		}
		return true
	}
	s.Errorf("unknown file extension: %s", path)
	return false
}

// reportParseErrors unpacks located parse errors onto the state chain.
func reportParseErrors(s *State, err error) {
	var join interface{ Unwrap() []error }
	if errors.As(err, &join) {
		for _, e := range join.Unwrap() {
			reportParseErrors(s, e)
		}
		return
	}
	var le *irtext.Error
	if errors.As(err, &le) {
		s.ErrorAt(SourceLoc{File: le.File, Line: le.Line, Col: le.Col, Len: le.Len}, "%s", le.Msg)
		return
	}
	s.Errorf("%v", err)
}
