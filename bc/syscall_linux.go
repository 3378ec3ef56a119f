//go:build linux

package bc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"j5.nz/nkb/types"
)

// sysCall issues a raw system call with up to six arguments loaded from the
// instruction's operand refs.
func (c *RunCtx) sysCall(st *interpState, in *Instr) error {
	nump, err := st.deref(&in.Arg[1].Ref)
	if err != nil {
		return err
	}
	num := *(*int64)(nump)
	if num < 0 {
		return fmt.Errorf("bad syscall number %d", num)
	}

	var args [6]uintptr
	refs := in.Arg[2].Refs
	if len(refs) > 6 {
		return fmt.Errorf("syscall with %d arguments", len(refs))
	}
	for i := range refs {
		p, err := st.deref(&refs[i])
		if err != nil {
			return err
		}
		args[i] = loadWord(p, refs[i].Type)
	}

	r1, _, errno := unix.Syscall6(uintptr(num), args[0], args[1], args[2], args[3], args[4], args[5])
	res := int64(r1)
	if errno != 0 {
		res = -int64(errno)
	}
	if in.Arg[0].Kind == ARef {
		dst, err := st.deref(&in.Arg[0].Ref)
		if err != nil {
			return err
		}
		*(*int64)(dst) = res
	}
	return nil
}

func loadWord(p unsafe.Pointer, t *types.Type) uintptr {
	if t != nil && t.Kind == types.KindNumeric {
		return uintptr(loadUint(p, t.Num))
	}
	return *(*uintptr)(p)
}
