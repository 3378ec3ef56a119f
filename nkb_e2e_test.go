//go:build linux && (amd64 || arm64)

package nkb_test

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"j5.nz/nkb"
	"j5.nz/nkb/atom"
	"j5.nz/nkb/cgen"
	"j5.nz/nkb/ffi"
	"j5.nz/nkb/ir"
	"j5.nz/nkb/types"
)

// TestClosureFromNative drives a bytecode procedure through its native
// entry ten times and observes the side effect on a module datum.
func TestClosureFromNative(t *testing.T) {
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)

	ts := s.Types
	i64 := ts.GetNumeric(types.Int64)
	defineData(t, m, "counter", 0)

	cnt := ir.MakeRefGlobal(atom.FromString("counter"), i64)
	v := ir.MakeRefLocal(0, i64)
	sym := ir.Symbol{
		Name: atom.FromString("bump"),
		Vis:  ir.VisDefault,
		Kind: ir.SymbolProc,
		Proc: ir.Proc{
			Ret: ir.Param{Type: ts.GetVoid()},
			Instrs: []ir.Instr{
				ir.MakeMov(v, cnt),
				ir.MakeAdd(v, v, ir.MakeRefImmInt(1, i64)),
				ir.MakeMov(cnt, v),
				ir.MakeRet(ir.MakeRefNull()),
			},
		},
	}
	if !m.DefineSymbol(sym) {
		t.Fatalf("define failed: %v", s.Errors())
	}

	entry := nkb.GetSymbolAddress(m, atom.FromString("bump"))
	if entry == 0 {
		t.Fatalf("no native entry: %v", s.Errors())
	}
	if again := nkb.GetSymbolAddress(m, atom.FromString("bump")); again != entry {
		t.Fatal("JIT address not idempotent")
	}

	for i := 0; i < 10; i++ {
		purego.SyscallN(entry)
	}

	data := nkb.GetSymbolAddress(m, atom.FromString("counter"))
	if got := *(*int64)(unsafe.Pointer(data)); got != 10 {
		t.Fatalf("counter = %d, want 10", got)
	}
}

// TestExternPrintf links libc's printf dynamically and captures stdout.
func TestExternPrintf(t *testing.T) {
	if _, err := ffi.OpenLibrary("libc.so.6"); err != nil {
		t.Skipf("libc not loadable: %v", err)
	}

	src := `extern "c" proc printf(:*u8, ...) :i32

pub proc main() :i64 {
	call $printf, ("%lli + %lli = %lli\n", ..., 4:i64, 5:i64, 9:i64) -> %n:i32
	ret 0
}
`
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)
	if !nkb.CompileFile(m, writeFile(t, "p.nkir", src)) {
		t.Fatalf("compile failed: %v", s.Errors())
	}

	old, err := unix.Dup(1)
	if err != nil {
		t.Fatal(err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.Dup2(int(w.Fd()), 1); err != nil {
		t.Fatal(err)
	}

	var ret int64
	ok := nkb.Invoke(m, atom.FromString("main"), nil, []unsafe.Pointer{unsafe.Pointer(&ret)})
	flushLibcStdout(t)

	unix.Dup2(old, 1)
	unix.Close(old)
	w.Close()
	out, _ := io.ReadAll(r)
	r.Close()

	if !ok {
		t.Fatalf("invoke failed: %v", s.Errors())
	}
	if got := string(out); got != "4 + 5 = 9\n" {
		t.Fatalf("stdout = %q, want %q", got, "4 + 5 = 9\n")
	}
}

func flushLibcStdout(t *testing.T) {
	t.Helper()
	lib, err := ffi.OpenLibrary("libc.so.6")
	if err != nil {
		t.Fatal(err)
	}
	fflush, err := ffi.ResolveSymbol(lib, "fflush")
	if err != nil {
		t.Fatal(err)
	}
	purego.SyscallN(fflush, 0)
}

// TestCBackendEquivalence compiles procedures through the external C
// toolchain into a shared object and checks behavior against the
// interpreter's results.
func TestCBackendEquivalence(t *testing.T) {
	cc := cgen.FindCC()
	if _, err := exec.LookPath(cc); err != nil {
		t.Skipf("no C compiler: %v", err)
	}

	src := `pub proc plus(:i64 %a, :i64 %b) :i64 {
	add %a, %b -> %r:i64
	ret %r
}

pub proc not(:i64 %x) :i64 {
	jmpz %x, @iszero
	ret 0
iszero:
	ret 1
}
`
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)
	if !nkb.CompileFile(m, writeFile(t, "eq.nkir", src)) {
		t.Fatalf("compile failed: %v", s.Errors())
	}

	so := filepath.Join(t.TempDir(), "eq.so")
	if !nkb.ExportModule(m, so, nkb.OutputShared) {
		t.Fatalf("export failed: %v", s.Errors())
	}

	lib, err := ffi.OpenLibrary(so)
	if err != nil {
		t.Fatal(err)
	}
	plusAddr, err := ffi.ResolveSymbol(lib, "plus")
	if err != nil {
		t.Fatal(err)
	}
	notAddr, err := ffi.ResolveSymbol(lib, "not")
	if err != nil {
		t.Fatal(err)
	}

	var plus func(int64, int64) int64
	purego.RegisterFunc(&plus, plusAddr)
	var not func(int64) int64
	purego.RegisterFunc(&not, notAddr)

	// Interpreter results on the same module.
	for _, in := range [][2]int64{{4, 5}, {-7, 3}, {0, 0}} {
		a, b := in[0], in[1]
		var want int64
		args := []unsafe.Pointer{unsafe.Pointer(&a), unsafe.Pointer(&b)}
		if !nkb.Invoke(m, atom.FromString("plus"), args, []unsafe.Pointer{unsafe.Pointer(&want)}) {
			t.Fatalf("interpreter invoke failed: %v", s.Errors())
		}
		if got := plus(a, b); got != want {
			t.Errorf("native plus(%d, %d) = %d, interpreter says %d", a, b, got, want)
		}
	}
	for _, x := range []int64{0, 1, 42, -1} {
		x := x
		var want int64
		args := []unsafe.Pointer{unsafe.Pointer(&x)}
		if !nkb.Invoke(m, atom.FromString("not"), args, []unsafe.Pointer{unsafe.Pointer(&want)}) {
			t.Fatalf("interpreter invoke failed: %v", s.Errors())
		}
		if got := not(x); got != want {
			t.Errorf("native not(%d) = %d, interpreter says %d", x, got, want)
		}
	}
}

// TestExportObject produces a relocatable object file.
func TestExportObject(t *testing.T) {
	cc := cgen.FindCC()
	if _, err := exec.LookPath(cc); err != nil {
		t.Skipf("no C compiler: %v", err)
	}
	src := `pub proc plus(:i64 %a, :i64 %b) :i64 {
	add %a, %b -> %r:i64
	ret %r
}
`
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)
	if !nkb.CompileFile(m, writeFile(t, "o.nkir", src)) {
		t.Fatalf("compile failed: %v", s.Errors())
	}
	obj := filepath.Join(t.TempDir(), "o.o")
	if !nkb.ExportModule(m, obj, nkb.OutputObject) {
		t.Fatalf("export failed: %v", s.Errors())
	}
	fi, err := os.Stat(obj)
	if err != nil || fi.Size() == 0 {
		t.Fatalf("object file missing or empty: %v", err)
	}
	if !strings.HasSuffix(obj, ".o") {
		t.Fatal("unexpected object path")
	}
}
