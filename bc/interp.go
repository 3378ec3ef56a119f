package bc

import (
	"fmt"
	"sync"
	"unsafe"

	"j5.nz/nkb/arena"
	"j5.nz/nkb/atom"
	"j5.nz/nkb/types"
)

// === Interpreter ===
//
// Execution is single-threaded-cooperative per call chain. Each chain owns
// a control stack and a frame arena acquired from a pool on entry; nested
// reentry (native code calling back into bytecode) acquires its own
// context, so chains never share stacks.

type ctrlFrame struct {
	frame   unsafe.Pointer
	argBase unsafe.Pointer
	ret     unsafe.Pointer
	proc    *Proc
	pc      int
	af      arena.Frame
}

type interpState struct {
	stack *arena.Arena
	ctrl  []ctrlFrame
	cur   ctrlFrame
}

// maxCallDepth bounds the control stack so runaway recursion surfaces as a
// RuntimeError instead of exhausting the frame arena.
const maxCallDepth = 1 << 16

var statePool = sync.Pool{
	New: func() any {
		return &interpState{stack: arena.New()}
	},
}

// Invoke translates sym if needed and executes it. args holds pointers to
// the argument values; rets[0], if present, points at the return slot.
func (c *RunCtx) Invoke(sym atom.Atom, args []unsafe.Pointer, rets []unsafe.Pointer) error {
	p, err := c.Translate(sym)
	if err != nil {
		return err
	}
	var retv unsafe.Pointer
	if len(rets) > 0 {
		retv = rets[0]
	}
	return invoke(c, p, args, retv)
}

func invoke(c *RunCtx, p *Proc, argv []unsafe.Pointer, retv unsafe.Pointer) (err error) {
	st := statePool.Get().(*interpState)
	defer func() {
		st.ctrl = st.ctrl[:0]
		st.cur = ctrlFrame{}
		st.stack.Reset()
		statePool.Put(st)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeError{Proc: st.cur.procName(), PC: st.cur.pc - 1, Msg: fmt.Sprint(r)}
		}
	}()

	depth := len(st.ctrl)
	st.jumpCall(p, argv, retv)

	for len(st.ctrl) > depth {
		in := &st.cur.proc.Instrs[st.cur.pc]
		st.cur.pc++
		if err := c.step(st, in); err != nil {
			return &RuntimeError{Proc: st.cur.procName(), PC: st.cur.pc - 1, Msg: err.Error()}
		}
	}
	return nil
}

func (f *ctrlFrame) procName() atom.Atom {
	if f.proc == nil {
		return atom.Invalid
	}
	return f.proc.Name
}

// jumpCall pushes the current control frame, allocates and zeroes the
// callee frame, binds the arg and ret bases, and jumps to the callee's
// first instruction.
func (st *interpState) jumpCall(p *Proc, argv []unsafe.Pointer, retv unsafe.Pointer) {
	st.ctrl = append(st.ctrl, st.cur)

	af := st.stack.Grab()
	var argBase unsafe.Pointer
	if len(argv) > 0 {
		buf := st.stack.AllocAligned(len(argv)*int(unsafe.Sizeof(uintptr(0))), 8)
		argBase = unsafe.Pointer(unsafe.SliceData(buf))
		for i, a := range argv {
			*(*unsafe.Pointer)(unsafe.Add(argBase, i*int(unsafe.Sizeof(uintptr(0))))) = a
		}
	}
	var frame unsafe.Pointer
	if p.FrameSize > 0 {
		buf := st.stack.AllocAligned(int(p.FrameSize), int(p.FrameAlign))
		frame = unsafe.Pointer(unsafe.SliceData(buf))
	}
	if retv == nil && p.Type != nil {
		if rt := p.Type.Proc.Ret; rt != nil && rt.Size > 0 {
			// Caller discards the result; give the callee a scratch slot.
			buf := st.stack.AllocAligned(int(rt.Size), int(rt.Align))
			retv = unsafe.Pointer(unsafe.SliceData(buf))
		}
	}

	st.cur = ctrlFrame{
		frame:   frame,
		argBase: argBase,
		ret:     retv,
		proc:    p,
		pc:      0,
		af:      af,
	}
}

// deref resolves a bytecode ref to the address of its value: start at the
// kind's base plus the offset, walk the indirections, then add the post
// offset.
func (st *interpState) deref(r *Ref) (unsafe.Pointer, error) {
	var p unsafe.Pointer
	switch r.Kind {
	case RFrame:
		p = st.cur.frame
	case RArg:
		p = st.cur.argBase
	case RRet:
		p = st.cur.ret
	case RPtr:
		p = r.Ptr
	default:
		return nil, fmt.Errorf("deref of %d ref", r.Kind)
	}
	if p == nil {
		return nil, fmt.Errorf("null base in ref")
	}
	p = unsafe.Add(p, r.Off)
	for i := uint8(0); i < r.Indir; i++ {
		p = *(*unsafe.Pointer)(p)
		if p == nil {
			return nil, fmt.Errorf("null pointer dereference")
		}
	}
	return unsafe.Add(p, r.Post), nil
}

func (st *interpState) jumpTo(target int32) {
	st.cur.pc = int(target)
}

func (c *RunCtx) step(st *interpState, in *Instr) error {
	switch in.Code {
	case opNop:

	case opRet:
		st.stack.Pop(st.cur.af)
		st.cur = st.ctrl[len(st.ctrl)-1]
		st.ctrl = st.ctrl[:len(st.ctrl)-1]

	case opJmp:
		st.jumpTo(in.Arg[1].Ref.Instr)

	case opJmpz, opJmpz8, opJmpz16, opJmpz32, opJmpz64,
		opJmpnz, opJmpnz8, opJmpnz16, opJmpnz32, opJmpnz64:
		p, err := st.deref(&in.Arg[1].Ref)
		if err != nil {
			return err
		}
		var zero bool
		switch in.Code {
		case opJmpz8, opJmpnz8:
			zero = *(*uint8)(p) == 0
		case opJmpz16, opJmpnz16:
			zero = *(*uint16)(p) == 0
		case opJmpz32, opJmpnz32:
			zero = *(*uint32)(p) == 0
		case opJmpz64, opJmpnz64:
			zero = *(*uint64)(p) == 0
		default:
			zero = isZero(p, in.Arg[1].Ref.Type.Size)
		}
		jnz := in.Code >= opJmpnz && in.Code <= opJmpnz64
		if zero != jnz {
			st.jumpTo(in.Arg[2].Ref.Instr)
		}

	case opMov8:
		return st.mov(in, 1)
	case opMov16:
		return st.mov(in, 2)
	case opMov32:
		return st.mov(in, 4)
	case opMov64:
		return st.mov(in, 8)
	case opMov:
		return st.mov(in, in.Arg[0].Ref.Type.Size)

	case opLea, opAlloc:
		src, err := st.deref(&in.Arg[1].Ref)
		if err != nil {
			return err
		}
		dst, err := st.deref(&in.Arg[0].Ref)
		if err != nil {
			return err
		}
		*(*unsafe.Pointer)(dst) = src

	case opExt, opTrunc, opFp2I, opI2Fp:
		return st.convert(in)

	case opCallJmp:
		return c.callJmp(st, in, in.Arg[1].Ref.Proc)

	case opCallExt:
		p, err := st.deref(&in.Arg[1].Ref)
		if err != nil {
			return err
		}
		return c.callExt(st, in, *(*uintptr)(p), in.Arg[1].Ref.Type)

	case opCall:
		// Indirect call: inspect the target value and dispatch.
		p, err := st.deref(&in.Arg[1].Ref)
		if err != nil {
			return err
		}
		addr := *(*uintptr)(p)
		c.mu.Lock()
		callee := c.byAddr[addr]
		c.mu.Unlock()
		if callee != nil {
			return c.callJmp(st, in, callee)
		}
		return c.callExt(st, in, addr, in.Arg[1].Ref.Type)

	case opSyscall:
		return c.sysCall(st, in)

	default:
		return c.stepNum(st, in)
	}
	return nil
}

func (st *interpState) mov(in *Instr, size uint64) error {
	dst, err := st.deref(&in.Arg[0].Ref)
	if err != nil {
		return err
	}
	src, err := st.deref(&in.Arg[1].Ref)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		*(*uint8)(dst) = *(*uint8)(src)
	case 2:
		*(*uint16)(dst) = *(*uint16)(src)
	case 4:
		*(*uint32)(dst) = *(*uint32)(src)
	case 8:
		*(*uint64)(dst) = *(*uint64)(src)
	default:
		copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
	}
	return nil
}

func isZero(p unsafe.Pointer, size uint64) bool {
	b := unsafe.Slice((*byte)(p), size)
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// evalArgs resolves a call's argument refs to value pointers, splitting at
// the variadic marker. Concrete types are collected for the FFI path.
func (st *interpState) evalArgs(refs []Ref) (argv []unsafe.Pointer, argTypes []*types.Type, nfixed int, err error) {
	nfixed = -1
	for i := range refs {
		r := &refs[i]
		if r.Kind == RVarMark {
			nfixed = len(argv)
			continue
		}
		p, err := st.deref(r)
		if err != nil {
			return nil, nil, 0, err
		}
		argv = append(argv, p)
		argTypes = append(argTypes, r.Type)
	}
	if nfixed < 0 {
		nfixed = len(argv)
	}
	return argv, argTypes, nfixed, nil
}

func (c *RunCtx) callJmp(st *interpState, in *Instr, callee *Proc) error {
	if len(st.ctrl) >= maxCallDepth {
		return fmt.Errorf("call stack overflow")
	}
	argv, _, _, err := st.evalArgs(in.Arg[2].Refs)
	if err != nil {
		return err
	}
	var retv unsafe.Pointer
	if in.Arg[0].Kind == ARef {
		retv, err = st.deref(&in.Arg[0].Ref)
		if err != nil {
			return err
		}
	}
	st.jumpCall(callee, argv, retv)
	return nil
}

func (c *RunCtx) callExt(st *interpState, in *Instr, fn uintptr, sig *types.Type) error {
	argv, argTypes, _, err := st.evalArgs(in.Arg[2].Refs)
	if err != nil {
		return err
	}
	var retv unsafe.Pointer
	if in.Arg[0].Kind == ARef {
		retv, err = st.deref(&in.Arg[0].Ref)
		if err != nil {
			return err
		}
	}
	d, err := c.ffi.GetHandle(sig)
	if err != nil {
		return err
	}
	return c.ffi.Invoke(d, argTypes, fn, argv, retv)
}
