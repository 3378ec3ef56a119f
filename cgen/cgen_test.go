package cgen

import (
	"strings"
	"testing"

	"j5.nz/nkb/arena"
	"j5.nz/nkb/atom"
	"j5.nz/nkb/ir"
	"j5.nz/nkb/types"
)

func buildPlus(ts *types.Store) *ir.Module {
	m := ir.NewModule(arena.New())
	i64 := ts.GetNumeric(types.Int64)
	sym := ir.Symbol{
		Name: atom.FromString("plus"),
		Vis:  ir.VisDefault,
		Kind: ir.SymbolProc,
		Proc: ir.Proc{
			Params: []ir.Param{
				{Name: atom.FromString("a"), Type: i64},
				{Name: atom.FromString("b"), Type: i64},
			},
			Ret: ir.Param{Type: i64},
			Instrs: []ir.Instr{
				ir.MakeAdd(ir.MakeRefRet(i64), ir.MakeRefParam(0, i64), ir.MakeRefParam(1, i64)),
				ir.MakeRet(ir.MakeRefNull()),
			},
		},
	}
	if err := m.DefineSymbol(sym); err != nil {
		panic(err)
	}
	return m
}

func TestEmitPlus(t *testing.T) {
	ts := types.NewStore()
	src, err := EmitModule(buildPlus(ts))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"typedef signed long long i64;",
		"i64 plus(i64, i64);",
		"i64 plus(i64 a, i64 b) {",
		"_ret = (i64)(a + b);",
		"return _ret;",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("emitted C missing %q:\n%s", want, src)
		}
	}
}

func TestEmitControlFlow(t *testing.T) {
	ts := types.NewStore()
	m := ir.NewModule(arena.New())
	i64 := ts.GetNumeric(types.Int64)
	sym := ir.Symbol{
		Name: atom.FromString("not"),
		Vis:  ir.VisDefault,
		Kind: ir.SymbolProc,
		Proc: ir.Proc{
			Params: []ir.Param{{Name: atom.FromString("x"), Type: i64}},
			Ret:    ir.Param{Type: i64},
			Instrs: []ir.Instr{
				ir.MakeJmpz(ir.MakeRefParam(0, i64), ir.MakeLabelAbs(atom.FromString("iszero"))),
				ir.MakeRet(ir.MakeRefImmInt(0, i64)),
				ir.MakeLabel(atom.FromString("iszero")),
				ir.MakeRet(ir.MakeRefImmInt(1, i64)),
			},
		},
	}
	if err := m.DefineSymbol(sym); err != nil {
		t.Fatal(err)
	}
	src, err := EmitModule(m)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"if (0 == x) { goto l_iszero; }",
		"l_iszero:;",
		"_ret = (i64)0ll; return _ret;",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("emitted C missing %q:\n%s", want, src)
		}
	}
}

func TestEmitAggregateAndExtern(t *testing.T) {
	ts := types.NewStore()
	m := ir.NewModule(arena.New())
	f64 := ts.GetNumeric(types.Float64)
	i32 := ts.GetNumeric(types.Int32)
	vec2 := ts.GetAggregate([]types.AggregateElem{{Type: f64, Count: 2}})
	pv := ts.GetPointer(vec2)
	pf := ts.GetPointer(f64)
	void := ts.GetVoid()

	printfT := ts.GetProcedure([]*types.Type{ts.GetPointer(ts.GetNumeric(types.Uint8))},
		i32, types.CallCdecl, types.ProcVariadic)
	ext := ir.Symbol{Name: atom.FromString("printf"), Vis: ir.VisDefault, Kind: ir.SymbolExtern}
	ext.Extern.Lib = atom.FromString("c")
	ext.Extern.Kind = ir.ExternProc
	ext.Extern.Type = printfT
	if err := m.DefineSymbol(ext); err != nil {
		t.Fatal(err)
	}

	x := ir.MakeRefLocal(0, f64).Named(atom.FromString("x"))
	y := ir.MakeRefLocal(1, f64).Named(atom.FromString("y"))
	s := ir.MakeRefLocal(2, f64).Named(atom.FromString("s"))
	v := ir.MakeRefParam(0, pv)
	r := ir.MakeRefParam(1, pf)
	sym := ir.Symbol{
		Name: atom.FromString("vec2_len_squared"),
		Vis:  ir.VisDefault,
		Kind: ir.SymbolProc,
		Proc: ir.Proc{
			Params: []ir.Param{
				{Name: atom.FromString("v"), Type: pv},
				{Name: atom.FromString("r"), Type: pf},
			},
			Ret: ir.Param{Type: void},
			Instrs: []ir.Instr{
				ir.MakeMov(x, v.Deref(f64)),
				ir.MakeMov(y, v.Deref(f64).WithPostOffset(8)),
				ir.MakeMul(x, x, x),
				ir.MakeMul(y, y, y),
				ir.MakeAdd(s, x, y),
				ir.MakeStore(r, s),
				ir.MakeRet(ir.MakeRefNull()),
			},
		},
	}
	if err := m.DefineSymbol(sym); err != nil {
		t.Fatal(err)
	}

	src, err := EmitModule(m)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"void vec2_len_squared(",
		"f64 x={0};",
		"return;",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("emitted C missing %q:\n%s", want, src)
		}
	}
}

func TestEmitData(t *testing.T) {
	ts := types.NewStore()
	m := ir.NewModule(arena.New())
	i64 := ts.GetNumeric(types.Int64)
	d := ir.Symbol{Name: atom.FromString("counter"), Vis: ir.VisDefault, Kind: ir.SymbolData}
	d.Data.Type = i64
	buf := make([]byte, 8)
	buf[0] = 7
	d.Data.Addr = buf
	if err := m.DefineSymbol(d); err != nil {
		t.Fatal(err)
	}
	src, err := EmitModule(m)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(src, "i64 counter = 7ll;") {
		t.Errorf("emitted C missing counter definition:\n%s", src)
	}
}
