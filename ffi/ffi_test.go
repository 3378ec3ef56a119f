package ffi

import (
	"testing"

	"j5.nz/nkb/types"
)

func TestGetHandle(t *testing.T) {
	ts := types.NewStore()
	c := NewContext()
	i64 := ts.GetNumeric(types.Int64)
	pt := ts.GetProcedure([]*types.Type{i64, i64}, i64, types.CallCdecl, 0)

	d1, err := c.GetHandle(pt)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := c.GetHandle(pt)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatal("descriptor not cached per type id")
	}
	if len(d1.Args) != 2 || d1.Ret != i64 || d1.Variadic {
		t.Fatalf("descriptor mismatch: %+v", d1)
	}

	if _, err := c.GetHandle(i64); err == nil {
		t.Fatal("non-procedure type accepted")
	}
}

func TestGetHandleVariadic(t *testing.T) {
	ts := types.NewStore()
	c := NewContext()
	i32 := ts.GetNumeric(types.Int32)
	p8 := ts.GetPointer(ts.GetNumeric(types.Uint8))
	pt := ts.GetProcedure([]*types.Type{p8}, i32, types.CallCdecl, types.ProcVariadic)
	d, err := c.GetHandle(pt)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Variadic || d.NFixed != 1 {
		t.Fatalf("variadic descriptor mismatch: %+v", d)
	}
}

func TestFuncType(t *testing.T) {
	ts := types.NewStore()
	i64 := ts.GetNumeric(types.Int64)
	f64 := ts.GetNumeric(types.Float64)
	p := ts.GetPointer(i64)
	ft, err := funcType([]*types.Type{i64, f64, p}, i64)
	if err != nil {
		t.Fatal(err)
	}
	if ft.NumIn() != 3 || ft.NumOut() != 1 {
		t.Fatalf("func type shape: %v", ft)
	}
	vt, err := funcType(nil, ts.GetVoid())
	if err != nil {
		t.Fatal(err)
	}
	if vt.NumOut() != 0 {
		t.Fatal("void return mapped to a result")
	}
}
