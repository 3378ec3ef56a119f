package types

import "testing"

func TestNumericEncoding(t *testing.T) {
	cases := []struct {
		vt     NumericValueType
		size   int
		index  int
		signed bool
	}{
		{Int8, 1, 0, true},
		{Uint8, 1, 1, false},
		{Int16, 2, 2, true},
		{Uint16, 2, 3, false},
		{Int32, 4, 4, true},
		{Uint32, 4, 5, false},
		{Int64, 8, 6, true},
		{Uint64, 8, 7, false},
		{Float32, 4, 8, true},
		{Float64, 8, 9, true},
	}
	for _, c := range cases {
		if c.vt.Size() != c.size {
			t.Errorf("%s: size = %d, want %d", c.vt, c.vt.Size(), c.size)
		}
		if c.vt.Index() != c.index {
			t.Errorf("%s: index = %d, want %d", c.vt, c.vt.Index(), c.index)
		}
		if c.vt.IsSigned() != c.signed {
			t.Errorf("%s: signed = %v", c.vt, c.vt.IsSigned())
		}
	}
	if Common(Int8, Float64) != Float64 || Common(Uint32, Int32) != Uint32 {
		t.Error("Common does not pick the coercion maximum")
	}
}

func TestInterningInjective(t *testing.T) {
	ts := NewStore()
	i64 := ts.GetNumeric(Int64)
	if ts.GetNumeric(Int64) != i64 {
		t.Fatal("equal numeric types are not pointer-equal")
	}
	if ts.GetNumeric(Int32) == i64 {
		t.Fatal("distinct numeric types interned together")
	}

	p1 := ts.GetPointer(i64)
	p2 := ts.GetPointer(ts.GetNumeric(Int64))
	if p1 != p2 {
		t.Fatal("equal pointer types are not pointer-equal")
	}
	if p1.ID != p2.ID {
		t.Fatal("equal types have different ids")
	}

	a1 := ts.GetAggregate([]AggregateElem{{Type: i64, Count: 2}, {Type: ts.GetNumeric(Uint8), Count: 1}})
	a2 := ts.GetAggregate([]AggregateElem{{Type: i64, Count: 2}, {Type: ts.GetNumeric(Uint8), Count: 1}})
	if a1 != a2 {
		t.Fatal("equal aggregates are not pointer-equal")
	}
	a3 := ts.GetAggregate([]AggregateElem{{Type: i64, Count: 3}})
	if a3 == a1 {
		t.Fatal("distinct aggregates interned together")
	}

	f64 := ts.GetNumeric(Float64)
	pr1 := ts.GetProcedure([]*Type{i64, f64}, i64, CallCdecl, 0)
	pr2 := ts.GetProcedure([]*Type{i64, f64}, i64, CallCdecl, 0)
	if pr1 != pr2 {
		t.Fatal("equal procedure types are not pointer-equal")
	}
	if ts.GetProcedure([]*Type{i64, f64}, i64, CallCdecl, ProcVariadic) == pr1 {
		t.Fatal("variadic flag ignored in interning")
	}
}

func TestAggregateLayout(t *testing.T) {
	ts := NewStore()
	u8 := ts.GetNumeric(Uint8)
	i32 := ts.GetNumeric(Int32)
	f64 := ts.GetNumeric(Float64)

	agg := ts.GetAggregate([]AggregateElem{
		{Type: u8, Count: 1},
		{Type: i32, Count: 1},
		{Type: u8, Count: 3},
		{Type: f64, Count: 2},
	})
	if agg.Align != 8 {
		t.Fatalf("align = %d, want 8", agg.Align)
	}
	var prev uint32
	for i, el := range agg.Elems {
		if el.Offset%el.Type.Align != 0 {
			t.Errorf("elem %d offset %d not aligned to %d", i, el.Offset, el.Type.Align)
		}
		if i > 0 && el.Offset <= prev {
			t.Errorf("offsets not monotonically increasing at %d", i)
		}
		prev = el.Offset
	}
	if agg.Size%uint64(agg.Align) != 0 {
		t.Errorf("size %d not a multiple of align %d", agg.Size, agg.Align)
	}
	// u8@0, i32@4, u8[3]@8, f64[2]@16, size 32.
	want := []uint32{0, 4, 8, 16}
	for i, el := range agg.Elems {
		if el.Offset != want[i] {
			t.Errorf("elem %d offset = %d, want %d", i, el.Offset, want[i])
		}
	}
	if agg.Size != 32 {
		t.Errorf("size = %d, want 32", agg.Size)
	}
}

func TestVoid(t *testing.T) {
	ts := NewStore()
	v := ts.GetVoid()
	if !v.IsVoid() || v.Size != 0 {
		t.Fatal("void aggregate is not empty")
	}
	if ts.GetVoid() != v {
		t.Fatal("void not interned")
	}
}
