//go:build !linux

package bc

import "fmt"

// sysCall is unsupported off Linux; the C backend still lowers the opcode.
func (c *RunCtx) sysCall(st *interpState, in *Instr) error {
	return fmt.Errorf("syscall is not supported on this platform")
}
