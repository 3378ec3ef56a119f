package types

import (
	"fmt"
	"strings"
	"sync"
)

// === Type store ===

// Kind discriminates value-type descriptors.
type Kind int

const (
	KindNumeric Kind = iota
	KindPointer
	KindAggregate
	KindProcedure
)

// NumericValueType tags a numeric type. The low nibble encodes the size in
// bytes and the high nibble an index in coercion order, so that
// max(lhs, rhs) is a sensible common arithmetic type.
type NumericValueType uint8

const (
	Int8    NumericValueType = 0x01
	Uint8   NumericValueType = 0x11
	Int16   NumericValueType = 0x22
	Uint16  NumericValueType = 0x32
	Int32   NumericValueType = 0x44
	Uint32  NumericValueType = 0x54
	Int64   NumericValueType = 0x68
	Uint64  NumericValueType = 0x78
	Float32 NumericValueType = 0x84
	Float64 NumericValueType = 0x98
)

// NumericCount is the number of numeric value types.
const NumericCount = 10

// Size returns the byte size encoded in the tag.
func (vt NumericValueType) Size() int { return int(vt & 0x0f) }

// Index returns the coercion-order index, 0..9.
func (vt NumericValueType) Index() int { return int(vt >> 4) }

// IsInt reports whether vt is an integer type.
func (vt NumericValueType) IsInt() bool { return vt >= Int8 && vt <= Uint64 }

// IsFloat reports whether vt is a floating-point type.
func (vt NumericValueType) IsFloat() bool { return vt >= Float32 }

// IsSigned reports whether vt is a signed integer or a float.
func (vt NumericValueType) IsSigned() bool { return vt.IsFloat() || vt.Index()&1 == 0 }

// Common returns the common arithmetic type of a and b.
func Common(a, b NumericValueType) NumericValueType {
	if a > b {
		return a
	}
	return b
}

func (vt NumericValueType) String() string {
	switch vt {
	case Int8:
		return "i8"
	case Uint8:
		return "u8"
	case Int16:
		return "i16"
	case Uint16:
		return "u16"
	case Int32:
		return "i32"
	case Uint32:
		return "u32"
	case Int64:
		return "i64"
	case Uint64:
		return "u64"
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	}
	return fmt.Sprintf("num_%#x", uint8(vt))
}

// ProcFlags holds procedure type flags.
type ProcFlags uint32

const (
	// ProcVariadic marks a procedure that accepts variadic arguments after
	// its fixed parameters.
	ProcVariadic ProcFlags = 1 << 0
)

// CallConv selects a calling convention for procedure types.
type CallConv int

const (
	CallCdecl CallConv = iota
)

// AggregateElem describes one element run of an aggregate: Count repetitions
// of Type starting at byte Offset.
type AggregateElem struct {
	Type   *Type
	Count  uint32
	Offset uint32
}

// ProcInfo is the payload of a procedure type.
type ProcInfo struct {
	Params []*Type
	Ret    *Type
	Conv   CallConv
	Flags  ProcFlags
}

// Type is an immutable, structurally interned value-type descriptor. Two
// descriptors built from equivalent descriptions are pointer-equal.
type Type struct {
	Kind  Kind
	Size  uint64
	Align uint32
	ID    uint32

	Num    NumericValueType // KindNumeric
	Target *Type            // KindPointer
	Elems  []AggregateElem  // KindAggregate
	Proc   ProcInfo         // KindProcedure
}

// IsVoid reports whether t is the empty aggregate (or nil), used where the
// original language has no value.
func (t *Type) IsVoid() bool {
	return t == nil || (t.Kind == KindAggregate && t.Size == 0)
}

func (t *Type) String() string {
	if t == nil {
		return "void"
	}
	switch t.Kind {
	case KindNumeric:
		return t.Num.String()
	case KindPointer:
		return "*" + t.Target.String()
	case KindAggregate:
		if t.Size == 0 {
			return "void"
		}
		var sb strings.Builder
		sb.WriteByte('{')
		for i, e := range t.Elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			if e.Count > 1 {
				fmt.Fprintf(&sb, "[%d]", e.Count)
			}
			sb.WriteString(e.Type.String())
		}
		sb.WriteByte('}')
		return sb.String()
	case KindProcedure:
		var sb strings.Builder
		sb.WriteString("proc(")
		for i, p := range t.Proc.Params {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(p.String())
		}
		if t.Proc.Flags&ProcVariadic != 0 {
			if len(t.Proc.Params) > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("...")
		}
		sb.WriteByte(')')
		if !t.Proc.Ret.IsVoid() {
			sb.WriteString(" :")
			sb.WriteString(t.Proc.Ret.String())
		}
		return sb.String()
	}
	return fmt.Sprintf("type_%d", int(t.Kind))
}

// Store interns type descriptors by structural fingerprint. It is safe for
// concurrent use; descriptors are never reclaimed, so readers need no lock.
type Store struct {
	mu      sync.Mutex
	byFp    map[string]*Type
	nextID  uint32
	ptrSize uint32
}

// NewStore creates a type store for 8-byte pointers.
func NewStore() *Store {
	return &Store{
		byFp:    make(map[string]*Type),
		nextID:  1,
		ptrSize: 8,
	}
}

// PtrSize reports the pointer size in bytes.
func (s *Store) PtrSize() int { return int(s.ptrSize) }

func (s *Store) intern(fp string, mk func() *Type) *Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byFp[fp]; ok {
		return t
	}
	t := mk()
	t.ID = s.nextID
	s.nextID++
	s.byFp[fp] = t
	return t
}

// GetNumeric returns the interned numeric type for vt.
func (s *Store) GetNumeric(vt NumericValueType) *Type {
	fp := string([]byte{byte(KindNumeric), byte(vt)})
	return s.intern(fp, func() *Type {
		return &Type{
			Kind:  KindNumeric,
			Size:  uint64(vt.Size()),
			Align: uint32(vt.Size()),
			Num:   vt,
		}
	})
}

// GetPointer returns the interned pointer type targeting target.
func (s *Store) GetPointer(target *Type) *Type {
	var fp [6]byte
	fp[0] = byte(KindPointer)
	putU32(fp[1:], targetID(target))
	return s.intern(string(fp[:]), func() *Type {
		return &Type{
			Kind:   KindPointer,
			Size:   uint64(s.ptrSize),
			Align:  s.ptrSize,
			Target: target,
		}
	})
}

// GetAggregate returns the interned aggregate type for the given element
// runs, computing element offsets and overall size and alignment. Offsets on
// the input elements are ignored.
func (s *Store) GetAggregate(elems []AggregateElem) *Type {
	lt := CalcAggregateLayout(elems)
	laid := make([]AggregateElem, len(elems))
	fp := make([]byte, 0, 1+8*len(elems))
	fp = append(fp, byte(KindAggregate))
	for i, e := range elems {
		laid[i] = AggregateElem{Type: e.Type, Count: e.Count, Offset: lt.Offsets[i]}
		var b [8]byte
		putU32(b[0:], targetID(e.Type))
		putU32(b[4:], e.Count)
		fp = append(fp, b[:]...)
	}
	return s.intern(string(fp), func() *Type {
		return &Type{
			Kind:  KindAggregate,
			Size:  lt.Size,
			Align: lt.Align,
			Elems: laid,
		}
	})
}

// GetArray returns the aggregate type of count repetitions of elem.
func (s *Store) GetArray(elem *Type, count uint32) *Type {
	return s.GetAggregate([]AggregateElem{{Type: elem, Count: count}})
}

// GetVoid returns the empty aggregate type.
func (s *Store) GetVoid() *Type {
	return s.GetAggregate(nil)
}

// GetProcedure returns the interned procedure type for the signature.
func (s *Store) GetProcedure(params []*Type, ret *Type, conv CallConv, flags ProcFlags) *Type {
	fp := make([]byte, 0, 11+4*len(params))
	fp = append(fp, byte(KindProcedure), byte(conv))
	var b [4]byte
	putU32(b[:], uint32(flags))
	fp = append(fp, b[:]...)
	putU32(b[:], targetID(ret))
	fp = append(fp, b[:]...)
	for _, p := range params {
		putU32(b[:], targetID(p))
		fp = append(fp, b[:]...)
	}
	return s.intern(string(fp), func() *Type {
		return &Type{
			Kind:  KindProcedure,
			Size:  uint64(s.ptrSize),
			Align: s.ptrSize,
			Proc: ProcInfo{
				Params: append([]*Type(nil), params...),
				Ret:    ret,
				Conv:   conv,
				Flags:  flags,
			},
		}
	})
}

// Layout is the result of aggregate layout computation.
type Layout struct {
	Size    uint64
	Align   uint32
	Offsets []uint32
}

// CalcAggregateLayout computes element offsets and overall size/alignment
// for a sequence of element runs. The computation is deterministic and
// platform-independent: offsets are rounded up to each element's alignment,
// the overall alignment is the running maximum, and the size is rounded up
// to the overall alignment.
func CalcAggregateLayout(elems []AggregateElem) Layout {
	lt := Layout{Align: 1, Offsets: make([]uint32, len(elems))}
	var cur uint64
	for i, e := range elems {
		align := uint32(1)
		var size uint64
		if e.Type != nil {
			align = e.Type.Align
			size = e.Type.Size
		}
		if align > lt.Align {
			lt.Align = align
		}
		cur = alignUp(cur, uint64(align))
		lt.Offsets[i] = uint32(cur)
		cur += size * uint64(e.Count)
	}
	lt.Size = alignUp(cur, uint64(lt.Align))
	return lt
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func targetID(t *Type) uint32 {
	if t == nil {
		return 0
	}
	return t.ID
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
