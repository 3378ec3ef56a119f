//go:build linux || darwin || freebsd

package ffi

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// OpenLibrary loads a shared library by soname or path.
func OpenLibrary(name string) (uintptr, error) {
	h, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, fmt.Errorf("load library %q: %w", name, err)
	}
	return h, nil
}

// ResolveSymbol looks up name in the library handle lib.
func ResolveSymbol(lib uintptr, name string) (uintptr, error) {
	addr, err := purego.Dlsym(lib, name)
	if err != nil {
		return 0, fmt.Errorf("resolve symbol %q: %w", name, err)
	}
	return addr, nil
}
