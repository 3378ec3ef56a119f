package nkb

import (
	"fmt"
	"runtime"
	"strings"
)

// === Compiler / target ===

// Triple identifies a compilation target as arch-vendor-sys[-abi].
type Triple struct {
	Arch   string
	Vendor string
	Sys    string
	ABI    string
}

func (t Triple) String() string {
	s := t.Arch + "-" + t.Vendor + "-" + t.Sys
	if t.ABI != "" {
		s += "-" + t.ABI
	}
	return s
}

var knownArchs = map[string]bool{
	"x86_64": true, "amd64": true, "i386": true, "i686": true,
	"aarch64": true, "arm64": true, "riscv64": true,
}

// ParseTriple parses and validates a target triple against what the C
// backend can drive.
func ParseTriple(s string) (Triple, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 3 || len(parts) > 4 {
		return Triple{}, fmt.Errorf("bad target triple %q", s)
	}
	t := Triple{Arch: parts[0], Vendor: parts[1], Sys: parts[2]}
	if len(parts) == 4 {
		t.ABI = parts[3]
	}
	if !knownArchs[t.Arch] {
		return Triple{}, fmt.Errorf("unsupported target architecture %q", t.Arch)
	}
	return t, nil
}

// HostTriple returns the triple of the running host.
func HostTriple() Triple {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i686"
	}
	sys := runtime.GOOS
	vendor := "unknown"
	if sys == "darwin" {
		vendor = "apple"
	}
	t := Triple{Arch: arch, Vendor: vendor, Sys: sys}
	if sys == "linux" {
		t.ABI = "gnu"
	}
	return t
}

// Compiler bundles a concrete target and the library alias map used to
// resolve extern libraries at JIT time.
type Compiler struct {
	state      *State
	target     Triple
	libAliases map[string]string
}

// NewCompiler creates a compiler for the given target triple.
func NewCompiler(s *State, triple string) (*Compiler, error) {
	t, err := ParseTriple(triple)
	if err != nil {
		s.Errorf("%v", err)
		return nil, err
	}
	return newCompiler(s, t), nil
}

// NewCompilerHost creates a compiler targeting the running host.
func NewCompilerHost(s *State) *Compiler {
	return newCompiler(s, HostTriple())
}

func newCompiler(s *State, t Triple) *Compiler {
	c := &Compiler{
		state:      s,
		target:     t,
		libAliases: make(map[string]string),
	}
	switch t.Sys {
	case "darwin":
		c.libAliases["c"] = "/usr/lib/libSystem.B.dylib"
		c.libAliases["m"] = "/usr/lib/libSystem.B.dylib"
	default:
		c.libAliases["c"] = "libc.so.6"
		c.libAliases["m"] = "libm.so.6"
	}
	return c
}

// State returns the owning state.
func (c *Compiler) State() *State { return c.state }

// Target returns the compiler's target triple.
func (c *Compiler) Target() Triple { return c.target }

// DefineLibAlias maps a short library name to a loadable soname or path.
func (c *Compiler) DefineLibAlias(name, target string) {
	c.libAliases[name] = target
}

// ResolveLib maps a library name through the alias table.
func (c *Compiler) ResolveLib(name string) string {
	if t, ok := c.libAliases[name]; ok {
		return t
	}
	return name
}
