package nkb_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unsafe"

	"j5.nz/nkb"
	"j5.nz/nkb/atom"
	"j5.nz/nkb/ir"
	"j5.nz/nkb/types"
)

func writeFile(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCompileAndRunIR(t *testing.T) {
	src := `// smoke test
pub proc plus(:i64 %a, :i64 %b) :i64 {
	add %a, %b -> %r:i64
	ret %r
}

pub proc main() :i64 {
	call $plus, (4:i64, 5:i64) -> %n:i64
	sub %n, 9:i64 -> %n
	ret %n
}
`
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)
	if !nkb.CompileFile(m, writeFile(t, "m.nkir", src)) {
		t.Fatalf("compile failed: %v", s.Errors())
	}
	var ret int64 = -1
	if !nkb.Invoke(m, atom.FromString("main"), nil, []unsafe.Pointer{unsafe.Pointer(&ret)}) {
		t.Fatalf("invoke failed: %v", s.Errors())
	}
	if ret != 0 {
		t.Fatalf("main() = %d, want 0", ret)
	}
}

func TestAllocLoadStore(t *testing.T) {
	src := `pub proc main() :i64 {
	alloc :i64 -> %p:*i64
	store %p, 5:i64
	load %p -> %v:i64
	ret %v
}
`
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)
	if !nkb.CompileFile(m, writeFile(t, "a.nkir", src)) {
		t.Fatalf("compile failed: %v", s.Errors())
	}
	var ret int64
	if !nkb.Invoke(m, atom.FromString("main"), nil, []unsafe.Pointer{unsafe.Pointer(&ret)}) {
		t.Fatalf("invoke failed: %v", s.Errors())
	}
	if ret != 5 {
		t.Fatalf("main() = %d, want 5", ret)
	}
}

func TestRunawayRecursion(t *testing.T) {
	src := `pub proc spin() :i64 {
	call $spin, () -> %r:i64
	ret %r
}
`
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)
	if !nkb.CompileFile(m, writeFile(t, "r.nkir", src)) {
		t.Fatalf("compile failed: %v", s.Errors())
	}
	var ret int64
	if nkb.Invoke(m, atom.FromString("spin"), nil, []unsafe.Pointer{unsafe.Pointer(&ret)}) {
		t.Fatal("unbounded recursion did not fail")
	}
	found := false
	for _, e := range s.Errors() {
		if strings.Contains(e.Msg, "stack overflow") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no stack-overflow error on the chain: %v", s.Errors())
	}
}

func TestCompileFileErrors(t *testing.T) {
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)

	if nkb.CompileFile(m, writeFile(t, "bad.nkir", "pub proc f( {\n")) {
		t.Fatal("bad source accepted")
	}
	errs := s.Errors()
	if len(errs) == 0 {
		t.Fatal("error chain empty after failed parse")
	}
	if errs[0].Loc.File == "" || errs[0].Loc.Line == 0 {
		t.Errorf("parse error lacks source location: %+v", errs[0])
	}

	if nkb.CompileFile(m, "nope.xyz") {
		t.Fatal("unknown extension accepted")
	}
}

func TestCompileASTNeedsFrontend(t *testing.T) {
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)
	path := writeFile(t, "m.nkst", "(proc f)\n")

	if nkb.CompileFile(m, path) {
		t.Fatal("AST compiled without a frontend")
	}

	called := false
	s.RegisterFrontend(".nkst", func(m *nkb.Module, p string) error {
		called = true
		return nil
	})
	if !nkb.CompileFile(m, path) {
		t.Fatalf("frontend dispatch failed: %v", s.Errors())
	}
	if !called {
		t.Fatal("frontend not called")
	}
}

func defineData(t *testing.T, m *nkb.Module, name string, val int64) {
	t.Helper()
	i64 := m.Compiler().State().Types.GetNumeric(types.Int64)
	sym := ir.Symbol{Name: atom.FromString(name), Vis: ir.VisDefault, Kind: ir.SymbolData}
	sym.Data.Type = i64
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(val) >> (8 * i))
	}
	sym.Data.Addr = buf
	if !m.DefineSymbol(sym) {
		t.Fatalf("define %s failed", name)
	}
}

func TestLinkConflict(t *testing.T) {
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	a := nkb.NewModule(c)
	b := nkb.NewModule(c)
	defineData(t, a, "g", 1)
	defineData(t, b, "g", 2)
	if nkb.LinkModule(a, b) {
		t.Fatal("conflicting link succeeded")
	}
	if len(s.Errors()) == 0 {
		t.Fatal("link conflict not on the error chain")
	}

	d := nkb.NewModule(c)
	defineData(t, d, "h", 3)
	if !nkb.LinkModule(a, d) {
		t.Fatalf("clean link failed: %v", s.Errors())
	}
}

func TestSymbolAddressIdempotent(t *testing.T) {
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)
	defineData(t, m, "counter", 7)

	a1 := nkb.GetSymbolAddress(m, atom.FromString("counter"))
	a2 := nkb.GetSymbolAddress(m, atom.FromString("counter"))
	if a1 == 0 {
		t.Fatalf("address is null: %v", s.Errors())
	}
	if a1 != a2 {
		t.Fatalf("addresses differ: %#x vs %#x", a1, a2)
	}
	if got := *(*int64)(unsafe.Pointer(a1)); got != 7 {
		t.Fatalf("linked data = %d, want 7", got)
	}

	if nkb.GetSymbolAddress(m, atom.FromString("missing")) != 0 {
		t.Fatal("missing symbol got an address")
	}
	if len(s.Errors()) == 0 {
		t.Fatal("missing symbol not reported")
	}
}

func TestDataRelocs(t *testing.T) {
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)
	defineData(t, m, "target", 99)

	ts := s.Types
	i64 := ts.GetNumeric(types.Int64)
	pt := ts.GetPointer(i64)
	sym := ir.Symbol{Name: atom.FromString("holder"), Vis: ir.VisDefault, Kind: ir.SymbolData}
	sym.Data.Type = ts.GetAggregate([]types.AggregateElem{{Type: pt, Count: 1}, {Type: i64, Count: 1}})
	sym.Data.Addr = make([]byte, 16)
	sym.Data.Relocs = []ir.Reloc{{Sym: atom.FromString("target"), Offset: 0}}
	if !m.DefineSymbol(sym) {
		t.Fatal("define holder failed")
	}

	addr := nkb.GetSymbolAddress(m, atom.FromString("holder"))
	if addr == 0 {
		t.Fatalf("holder has no address: %v", s.Errors())
	}
	tgt := nkb.GetSymbolAddress(m, atom.FromString("target"))
	if got := *(*uintptr)(unsafe.Pointer(addr)); got != tgt {
		t.Fatalf("reloc wrote %#x, want %#x", got, tgt)
	}
	if got := *(*int64)(unsafe.Pointer(tgt)); got != 99 {
		t.Fatalf("target data = %d", got)
	}
}

func TestTripleParsing(t *testing.T) {
	for _, good := range []string{"x86_64-unknown-linux-gnu", "aarch64-apple-darwin", "i686-pc-windows"} {
		if _, err := nkb.ParseTriple(good); err != nil {
			t.Errorf("ParseTriple(%q) failed: %v", good, err)
		}
	}
	for _, bad := range []string{"", "x86_64", "pdp11-dec-unix", "a-b-c-d-e"} {
		if _, err := nkb.ParseTriple(bad); err == nil {
			t.Errorf("ParseTriple(%q) succeeded", bad)
		}
	}
	h := nkb.HostTriple()
	if !strings.Contains(h.String(), "-") {
		t.Errorf("host triple malformed: %s", h)
	}
}

func TestEmitCThroughPipeline(t *testing.T) {
	src := `pub proc plus(:i64 %a, :i64 %b) :i64 {
	add %a, %b -> %r:i64
	ret %r
}
`
	s := nkb.NewState()
	defer s.Free()
	c := nkb.NewCompilerHost(s)
	m := nkb.NewModule(c)
	if !nkb.CompileFile(m, writeFile(t, "m.nkir", src)) {
		t.Fatalf("compile failed: %v", s.Errors())
	}
	out, ok := nkb.EmitC(m)
	if !ok {
		t.Fatalf("emit failed: %v", s.Errors())
	}
	if !strings.Contains(out, "plus") || !strings.Contains(out, "typedef") {
		t.Errorf("emitted C looks wrong:\n%s", out)
	}
}
