package nkb

import (
	"fmt"
	"sync"

	"j5.nz/nkb/arena"
	"j5.nz/nkb/ffi"
	"j5.nz/nkb/types"
)

// === State ===

// Frontend compiles a parsed source file into a module. The language
// frontend is an external collaborator; the pipeline only dispatches to it.
type Frontend func(mod *Module, path string) error

// State is the process-wide root: arena, type store, error chain, and the
// JIT backend context. Modules and compilers belong to exactly one state.
type State struct {
	Arena *arena.Arena
	Types *types.Store

	mu        sync.Mutex
	errs      errorChain
	ffi       *ffi.Context
	frontends map[string]Frontend
	freed     bool
}

// NewState creates the global state with its arena and type store.
func NewState() *State {
	return &State{
		Arena:     arena.New(),
		Types:     types.NewStore(),
		ffi:       ffi.NewContext(),
		frontends: make(map[string]Frontend),
	}
}

// Free resets the state's arena and marks the state freed. FFI closures stay
// registered in the state's FFI context; Free does not release them. Using
// any module of the state afterwards is an error.
func (s *State) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freed = true
	s.Arena.Reset()
}

// RegisterFrontend installs a language frontend for a file extension
// (".nkst", ".nkl").
func (s *State) RegisterFrontend(ext string, fn Frontend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frontends[ext] = fn
}

func (s *State) frontend(ext string) Frontend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontends[ext]
}

// Errorf appends a plain error to the state's chain.
func (s *State) Errorf(format string, args ...any) {
	s.errorAt(SourceLoc{}, format, args...)
}

// ErrorAt appends an error with a source location.
func (s *State) ErrorAt(loc SourceLoc, format string, args ...any) {
	s.errorAt(loc, format, args...)
}

func (s *State) errorAt(loc SourceLoc, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs.append(&Error{Msg: fmt.Sprintf(format, args...), Loc: loc})
}

// Errors returns the accumulated error chain, oldest first. Errors are
// never printed by the core; callers walk this when ready.
func (s *State) Errors() []*Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs.all()
}
