package bc

import (
	"fmt"
	"sync"
	"unsafe"

	"j5.nz/nkb/arena"
	"j5.nz/nkb/atom"
	"j5.nz/nkb/ffi"
	"j5.nz/nkb/ir"
	"j5.nz/nkb/types"
)

// === Bytecode model ===

// RefKind discriminates bytecode operands. Translated refs resolve to a
// base pointer plus offsets; Instr refs are pre-resolved jump targets.
type RefKind uint8

const (
	RNone RefKind = iota
	RFrame
	RArg
	RRet
	RPtr
	RProc
	RInstr
	RVarMark
)

// Ref is a translated operand. The value lives at base(Kind)+Off, behind
// Indir dereferences, plus Post.
type Ref struct {
	Kind  RefKind
	Off   uintptr
	Post  uintptr
	Indir uint8
	Type  *types.Type
	Ptr   unsafe.Pointer // RPtr: rodata/data/extern cell base
	Proc  *Proc          // RProc: direct bytecode callee
	Instr int32          // RInstr: target instruction index
}

// ArgKind discriminates bytecode instruction arguments.
type ArgKind uint8

const (
	ANone ArgKind = iota
	ARef
	ARefArray
)

// Arg is one of a bytecode instruction's three argument slots.
type Arg struct {
	Kind ArgKind
	Ref  Ref
	Refs []Ref
}

// Instr is one bytecode instruction.
type Instr struct {
	Code Op
	Arg  [3]Arg
}

// Proc is a translated procedure: a flat instruction stream plus its frame
// layout.
type Proc struct {
	Name       atom.Atom
	Type       *types.Type
	FrameSize  uint64
	FrameAlign uint32
	Instrs     []Instr
}

// RuntimeError is an execution failure surfaced by the interpreter.
type RuntimeError struct {
	Proc atom.Atom
	PC   int
	Msg  string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error in %s at instr %d: %s", e.Proc, e.PC, e.Msg)
}

// === Run context ===

// RunCtx holds everything needed to execute a module's procedures: the
// translated-procs table, the extern symbol map, linked data blobs, and the
// FFI context. A procedure is translated at most once per context; the
// tables are guarded by a mutex.
type RunCtx struct {
	mod *ir.Module
	ts  *types.Store
	ffi *ffi.Context
	ar  *arena.Arena

	mu       sync.Mutex
	procs    map[atom.Atom]*Proc
	externs  map[atom.Atom]uintptr
	data     map[atom.Atom]unsafe.Pointer
	dataBufs map[atom.Atom][]byte
	procAddr map[atom.Atom]uintptr
	byAddr   map[uintptr]*Proc
	cells    []*uintptr
}

// NewRunCtx creates a run context for mod.
func NewRunCtx(mod *ir.Module, ts *types.Store, fctx *ffi.Context) *RunCtx {
	return &RunCtx{
		mod:      mod,
		ts:       ts,
		ffi:      fctx,
		ar:       arena.New(),
		procs:    make(map[atom.Atom]*Proc),
		externs:  make(map[atom.Atom]uintptr),
		data:     make(map[atom.Atom]unsafe.Pointer),
		dataBufs: make(map[atom.Atom][]byte),
		procAddr: make(map[atom.Atom]uintptr),
		byAddr:   make(map[uintptr]*Proc),
	}
}

// Module returns the IR module this context executes.
func (c *RunCtx) Module() *ir.Module { return c.mod }

// DefineExternSym records the host address of an extern symbol ahead of
// translation.
func (c *RunCtx) DefineExternSym(sym atom.Atom, addr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.externs[sym] = addr
}

// ExternAddr reports a previously defined extern address.
func (c *RunCtx) ExternAddr(sym atom.Atom) (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.externs[sym]
	return a, ok
}

// Translate lowers the named procedure (and, transitively, every procedure
// it references) to bytecode. Translation is idempotent: a procedure is
// translated at most once per context.
func (c *RunCtx) Translate(sym atom.Atom) (*Proc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.translateLocked(sym)
}

// ProcAddress returns a native entry for the named bytecode procedure,
// creating an FFI closure on first use. Repeated calls return the same
// pointer.
func (c *RunCtx) ProcAddress(sym atom.Atom) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.procAddressLocked(sym)
}

func (c *RunCtx) procAddressLocked(sym atom.Atom) (uintptr, error) {
	if addr, ok := c.procAddr[sym]; ok {
		return addr, nil
	}
	p, err := c.translateLocked(sym)
	if err != nil {
		return 0, err
	}
	d, err := c.ffi.GetHandle(p.Type)
	if err != nil {
		return 0, err
	}
	addr, err := c.ffi.NewClosure(d, func(argv []unsafe.Pointer, retv unsafe.Pointer) {
		// Closure entry reenters the interpreter on whatever thread the
		// native caller runs on.
		if err := invoke(c, p, argv, retv); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return 0, err
	}
	c.procAddr[sym] = addr
	c.byAddr[addr] = p
	return addr, nil
}

// DataAddress returns the address of the linked data blob for sym, linking
// it (copying the initializer and applying relocations) on first use.
func (c *RunCtx) DataAddress(sym atom.Atom) (unsafe.Pointer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linkDataLocked(sym)
}

// SymbolAddress resolves any symbol kind to a native address: procedures
// JIT to closure entries, data links to its blob, externs resolve through
// the extern map.
func (c *RunCtx) SymbolAddress(sym atom.Atom) (uintptr, error) {
	s := c.mod.FindSymbol(sym)
	if s == nil {
		return 0, fmt.Errorf("unknown symbol %q", sym)
	}
	switch s.Kind {
	case ir.SymbolProc:
		return c.ProcAddress(sym)
	case ir.SymbolData:
		p, err := c.DataAddress(sym)
		if err != nil {
			return 0, err
		}
		return uintptr(p), nil
	case ir.SymbolExtern:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.resolveExternLocked(sym)
	}
	return 0, fmt.Errorf("symbol %q has no address", sym)
}

func (c *RunCtx) resolveExternLocked(sym atom.Atom) (uintptr, error) {
	if addr, ok := c.externs[sym]; ok {
		return addr, nil
	}
	if r := c.mod.Resolver(); r != nil {
		if addr := r(sym); addr != 0 {
			c.externs[sym] = addr
			return addr, nil
		}
	}
	return 0, fmt.Errorf("unresolved extern %q", sym)
}

func (c *RunCtx) linkDataLocked(sym atom.Atom) (unsafe.Pointer, error) {
	if p, ok := c.data[sym]; ok {
		return p, nil
	}
	s := c.mod.FindSymbol(sym)
	if s == nil || s.Kind != ir.SymbolData {
		return nil, fmt.Errorf("unknown data symbol %q", sym)
	}
	d := &s.Data
	size := int(d.Type.Size)
	if size == 0 {
		size = 1
	}
	buf := c.ar.AllocAligned(size, int(d.Type.Align))
	copy(buf, d.Addr)
	base := unsafe.Pointer(unsafe.SliceData(buf))
	c.data[sym] = base
	c.dataBufs[sym] = buf
	for _, rl := range d.Relocs {
		addr, err := c.symbolAddressLocked(rl.Sym)
		if err != nil {
			return nil, fmt.Errorf("data %q: %w", sym, err)
		}
		*(*uintptr)(unsafe.Add(base, rl.Offset)) = addr
	}
	return base, nil
}

func (c *RunCtx) symbolAddressLocked(sym atom.Atom) (uintptr, error) {
	s := c.mod.FindSymbol(sym)
	if s == nil {
		return 0, fmt.Errorf("unknown symbol %q", sym)
	}
	switch s.Kind {
	case ir.SymbolProc:
		return c.procAddressLocked(sym)
	case ir.SymbolData:
		p, err := c.linkDataLocked(sym)
		if err != nil {
			return 0, err
		}
		return uintptr(p), nil
	case ir.SymbolExtern:
		return c.resolveExternLocked(sym)
	}
	return 0, fmt.Errorf("symbol %q has no address", sym)
}

// newCell allocates a pointer-sized cell holding v and returns its address.
// Cells back extern and procedure references in translated code.
func (c *RunCtx) newCell(v uintptr) unsafe.Pointer {
	cell := new(uintptr)
	*cell = v
	c.cells = append(c.cells, cell)
	return unsafe.Pointer(cell)
}
