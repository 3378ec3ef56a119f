package ir

import (
	"strings"
	"testing"

	"j5.nz/nkb/arena"
	"j5.nz/nkb/atom"
	"j5.nz/nkb/types"
)

func testProc(ts *types.Store) Proc {
	i64 := ts.GetNumeric(types.Int64)
	cond := MakeRefLocal(0, ts.GetNumeric(types.Uint8))
	return Proc{
		Params: []Param{{Name: atom.FromString("x"), Type: i64}},
		Ret:    Param{Type: i64},
		Instrs: []Instr{
			MakeLabel(atom.FromString("start")),
			MakeCmpEq(cond, MakeRefParam(0, i64), MakeRefImmInt(0, i64)),
			MakeJmpnz(cond, MakeLabelAbs(atom.FromString("start"))),
			MakeRet(MakeRefParam(0, i64)),
		},
	}
}

func TestDefineAndFind(t *testing.T) {
	ts := types.NewStore()
	m := NewModule(arena.New())
	sym := Symbol{Name: atom.FromString("f"), Kind: SymbolProc, Vis: VisDefault, Proc: testProc(ts)}
	if err := m.DefineSymbol(sym); err != nil {
		t.Fatal(err)
	}
	if err := m.DefineSymbol(sym); err == nil {
		t.Fatal("duplicate definition accepted")
	}
	if m.FindSymbol(atom.FromString("f")) == nil {
		t.Fatal("FindSymbol missed a defined symbol")
	}
	if m.FindSymbol(atom.FromString("g")) != nil {
		t.Fatal("FindSymbol found an undefined symbol")
	}
}

func TestLinkConflict(t *testing.T) {
	ts := types.NewStore()
	a := NewModule(arena.New())
	b := NewModule(arena.New())
	sym := Symbol{Name: atom.FromString("f"), Kind: SymbolProc, Proc: testProc(ts)}
	if err := a.DefineSymbol(sym); err != nil {
		t.Fatal(err)
	}
	if err := b.DefineSymbol(sym); err != nil {
		t.Fatal(err)
	}
	if err := a.Link(b); err == nil {
		t.Fatal("link accepted a duplicate symbol")
	}
	other := NewModule(arena.New())
	sym2 := sym
	sym2.Name = atom.FromString("g")
	if err := other.DefineSymbol(sym2); err != nil {
		t.Fatal(err)
	}
	if err := a.Link(other); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if a.FindSymbol(atom.FromString("g")) == nil {
		t.Fatal("linked symbol not found")
	}
}

func TestValidate(t *testing.T) {
	ts := types.NewStore()
	m := NewModule(arena.New())
	good := Symbol{Name: atom.FromString("ok"), Kind: SymbolProc, Proc: testProc(ts)}
	if err := m.DefineSymbol(good); err != nil {
		t.Fatal(err)
	}
	if err := ValidateModule(m); err != nil {
		t.Fatalf("valid module rejected: %v", err)
	}

	i64 := ts.GetNumeric(types.Int64)
	bad := Symbol{Name: atom.FromString("bad"), Kind: SymbolProc, Proc: Proc{
		Ret: Param{Type: i64},
		Instrs: []Instr{
			MakeJmp(MakeLabelAbs(atom.FromString("nowhere"))),
			MakeRet(MakeRefImmInt(0, i64)),
		},
	}}
	m2 := NewModule(arena.New())
	if err := m2.DefineSymbol(bad); err != nil {
		t.Fatal(err)
	}
	if err := ValidateModule(m2); err == nil {
		t.Fatal("dangling label accepted")
	}
}

func TestConvertToPIC(t *testing.T) {
	ts := types.NewStore()
	p := testProc(ts)
	out := ConvertToPIC(p.Instrs)
	jmp := out[2]
	if jmp.Arg[2].Label.Kind != LabelRel {
		t.Fatal("named label not rewritten to relative")
	}
	if got := 2 + int(jmp.Arg[2].Label.Offset); got != 0 {
		t.Fatalf("relative target = %d, want 0 (the label instr)", got)
	}
	// Rel targets stay in range for the pasted sequence.
	for i, in := range out {
		for _, a := range in.Arg {
			if a.Kind == ArgLabel && a.Label.Kind == LabelRel && in.Code != LabelOp {
				tgt := i + int(a.Label.Offset)
				if tgt < 0 || tgt >= len(out) {
					t.Fatalf("instr %d: rel target %d out of range", i, tgt)
				}
			}
		}
	}
	// The original stream is untouched.
	if p.Instrs[2].Arg[2].Label.Kind != LabelAbs {
		t.Fatal("ConvertToPIC mutated its input")
	}
}

func TestInspect(t *testing.T) {
	ts := types.NewStore()
	var sb strings.Builder
	sym := Symbol{Name: atom.FromString("f"), Kind: SymbolProc, Vis: VisDefault, Proc: testProc(ts)}
	InspectSymbol(&sb, &sym)
	out := sb.String()
	for _, want := range []string{"pub proc f(", "cmp_eq", "jmpnz", "ret"} {
		if !strings.Contains(out, want) {
			t.Errorf("inspection missing %q:\n%s", want, out)
		}
	}
}
