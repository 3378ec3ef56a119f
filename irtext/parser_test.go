package irtext

import (
	"strings"
	"testing"

	"j5.nz/nkb/arena"
	"j5.nz/nkb/atom"
	"j5.nz/nkb/ir"
	"j5.nz/nkb/types"
)

func TestLexBasics(t *testing.T) {
	toks, err := Lex("#!/usr/bin/env nkbc\n// comment\nproc f(:i64 %x) { /* block\ncomment */ }\n", "t.nkir")
	if err != nil {
		t.Fatal(err)
	}
	var kinds []TokenKind
	for _, tk := range toks {
		kinds = append(kinds, tk.Kind)
	}
	want := []TokenKind{TNewline, TID, TID, TLParen, TColon, TID, TLocal, TRParen, TLBrace, TRBrace, TNewline, TEOF}
	if len(kinds) != len(want) {
		t.Fatalf("token kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("token %d kind = %d, want %d (%v)", i, kinds[i], want[i], kinds)
		}
	}
}

func TestLexStringEscapes(t *testing.T) {
	toks, err := Lex(`"a\n\t\0\\\"b"`, "t.nkir")
	if err != nil {
		t.Fatal(err)
	}
	if toks[0].Kind != TString {
		t.Fatalf("kind = %d", toks[0].Kind)
	}
	if got := toks[0].Text; got != "a\n\t\x00\\\"b" {
		t.Fatalf("escape decoding = %q", got)
	}
}

func TestLexNumbers(t *testing.T) {
	toks, err := Lex("42 -17 3.5 1e9", "t.nkir")
	if err != nil {
		t.Fatal(err)
	}
	if toks[0].Kind != TInt || toks[0].Int != 42 {
		t.Errorf("42 lexed as %v", toks[0])
	}
	if toks[1].Kind != TInt || toks[1].Int != -17 {
		t.Errorf("-17 lexed as %v", toks[1])
	}
	if toks[2].Kind != TFloat || toks[2].Float != 3.5 {
		t.Errorf("3.5 lexed as %v", toks[2])
	}
	if toks[3].Kind != TFloat || toks[3].Float != 1e9 {
		t.Errorf("1e9 lexed as %v", toks[3])
	}
}

const plusSrc = `// addition
pub proc plus(:i64 %a, :i64 %b) :i64 {
	add %a, %b -> %r:i64
	ret %r
}
`

func parse(t *testing.T, src string) (*ir.Module, *types.Store) {
	t.Helper()
	ts := types.NewStore()
	m := ir.NewModule(arena.New())
	if err := ParseIR([]byte(src), "t.nkir", m, ts); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return m, ts
}

func TestParseProc(t *testing.T) {
	m, ts := parse(t, plusSrc)
	s := m.FindSymbol(atom.FromString("plus"))
	if s == nil || s.Kind != ir.SymbolProc {
		t.Fatal("plus not defined as a procedure")
	}
	if s.Vis != ir.VisDefault {
		t.Error("pub proc did not get default visibility")
	}
	if len(s.Proc.Params) != 2 {
		t.Fatalf("params = %d, want 2", len(s.Proc.Params))
	}
	if s.Proc.Ret.Type != ts.GetNumeric(types.Int64) {
		t.Error("return type is not i64")
	}
	if len(s.Proc.Locals) != 1 {
		t.Fatalf("locals = %d, want 1", len(s.Proc.Locals))
	}
	if err := ir.ValidateModule(m); err != nil {
		t.Fatalf("parsed module invalid: %v", err)
	}
	if s.Proc.Instrs[0].Code != ir.Add || s.Proc.Instrs[1].Code != ir.Ret {
		t.Error("instruction stream mismatch")
	}
}

func TestParseControlFlow(t *testing.T) {
	src := `pub proc not(:i64 %x) :i64 {
	jmpz %x, @iszero
	ret 0
iszero:
	ret 1
}
`
	m, _ := parse(t, src)
	s := m.FindSymbol(atom.FromString("not"))
	if s == nil {
		t.Fatal("not not defined")
	}
	if err := ir.ValidateModule(m); err != nil {
		t.Fatalf("parsed module invalid: %v", err)
	}
	codes := []ir.Opcode{ir.Jmpz, ir.Ret, ir.LabelOp, ir.Ret}
	for i, want := range codes {
		if s.Proc.Instrs[i].Code != want {
			t.Fatalf("instr %d = %s, want %s", i, s.Proc.Instrs[i].Code, want)
		}
	}
}

func TestParseExternAndData(t *testing.T) {
	src := `extern "c" proc printf(:*u8, ...) :i32
const $greeting :{[6]u8} = "hello"
data $counter :i64 = 0
`
	m, ts := parse(t, src)
	p := m.FindSymbol(atom.FromString("printf"))
	if p == nil || p.Kind != ir.SymbolExtern || p.Extern.Kind != ir.ExternProc {
		t.Fatal("printf extern not parsed")
	}
	if p.Extern.Lib != atom.FromString("c") {
		t.Error("extern library mismatch")
	}
	if p.Extern.Type.Proc.Flags&types.ProcVariadic == 0 {
		t.Error("variadic flag not set")
	}

	g := m.FindSymbol(atom.FromString("greeting"))
	if g == nil || g.Kind != ir.SymbolData {
		t.Fatal("greeting not parsed")
	}
	if g.Data.Flags&ir.DataReadOnly == 0 {
		t.Error("const did not set read-only")
	}
	if string(g.Data.Addr[:5]) != "hello" {
		t.Errorf("greeting bytes = %q", g.Data.Addr)
	}

	c := m.FindSymbol(atom.FromString("counter"))
	if c == nil || c.Data.Type != ts.GetNumeric(types.Int64) {
		t.Fatal("counter not parsed as i64 data")
	}
}

func TestParseCallWithString(t *testing.T) {
	src := `extern "c" proc puts(:*u8) :i32
pub proc hello() :i64 {
	call $puts, ("hi") -> %n:i32
	ext %n -> %r:i64
	ret %r
}
`
	m, _ := parse(t, src)
	h := m.FindSymbol(atom.FromString("hello"))
	if h == nil {
		t.Fatal("hello not defined")
	}
	// The string operand interns an anonymous read-only datum.
	found := false
	for _, s := range m.Symbols() {
		if s.Kind == ir.SymbolData && strings.HasPrefix(s.Name.String(), "_str") {
			found = true
			if string(s.Data.Addr) != "hi\x00" {
				t.Errorf("string datum = %q", s.Data.Addr)
			}
		}
	}
	if !found {
		t.Fatal("string operand did not intern a datum")
	}
	if err := ir.ValidateModule(m); err != nil {
		t.Fatalf("parsed module invalid: %v", err)
	}
}

func TestParseErrorsLocated(t *testing.T) {
	ts := types.NewStore()
	m := ir.NewModule(arena.New())
	err := ParseIR([]byte("pub proc f( {\n"), "bad.nkir", m, ts)
	if err == nil {
		t.Fatal("bad input accepted")
	}
	if !strings.Contains(err.Error(), "bad.nkir:") {
		t.Errorf("error lacks location: %v", err)
	}
}

func TestParseAST(t *testing.T) {
	nodes, err := ParseAST([]byte("(proc f [(param x) (param y)] (ret))\n"), "t.nkst")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(nodes))
	}
	n := nodes[0]
	if n.ID != atom.FromString("proc") {
		t.Fatalf("head = %s", n.ID)
	}
	if len(n.Children) != 3 {
		t.Fatalf("children = %d, want 3", len(n.Children))
	}
	if n.Children[1].ID != ListID || len(n.Children[1].Children) != 2 {
		t.Fatal("list node not parsed")
	}
}
