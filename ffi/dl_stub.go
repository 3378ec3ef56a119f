//go:build !linux && !darwin && !freebsd

package ffi

import "fmt"

// OpenLibrary is unsupported on this platform.
func OpenLibrary(name string) (uintptr, error) {
	return 0, fmt.Errorf("load library %q: dynamic loading not supported on this platform", name)
}

// ResolveSymbol is unsupported on this platform.
func ResolveSymbol(lib uintptr, name string) (uintptr, error) {
	return 0, fmt.Errorf("resolve symbol %q: dynamic loading not supported on this platform", name)
}
