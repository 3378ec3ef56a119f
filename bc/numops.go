package bc

import (
	"fmt"
	"unsafe"

	"j5.nz/nkb/types"
)

// === Numeric execution ===
//
// Numeric opcodes carry their value type in the opcode itself; the helpers
// below recover the base operation and the type index and dispatch to a
// typed implementation.

type integer interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64
}

func (c *RunCtx) stepNum(st *interpState, in *Instr) error {
	code := in.Code
	if code < numOpBase || code >= numOpEnd {
		return fmt.Errorf("unknown opcode %d", uint16(code))
	}
	base := numBase(code)
	idx := int(code - base - 1)
	if idx < 0 || idx >= types.NumericCount {
		return fmt.Errorf("unknown opcode %d", uint16(code))
	}

	dst, err := st.deref(&in.Arg[0].Ref)
	if err != nil {
		return err
	}
	a, err := st.deref(&in.Arg[1].Ref)
	if err != nil {
		return err
	}
	var b unsafe.Pointer
	if in.Arg[2].Kind == ARef {
		b, err = st.deref(&in.Arg[2].Ref)
		if err != nil {
			return err
		}
	}

	switch idx {
	case 0:
		return numStep[int8](base, dst, a, b)
	case 1:
		return numStep[uint8](base, dst, a, b)
	case 2:
		return numStep[int16](base, dst, a, b)
	case 3:
		return numStep[uint16](base, dst, a, b)
	case 4:
		return numStep[int32](base, dst, a, b)
	case 5:
		return numStep[uint32](base, dst, a, b)
	case 6:
		return numStep[int64](base, dst, a, b)
	case 7:
		return numStep[uint64](base, dst, a, b)
	case 8:
		return fltStep[float32](base, dst, a, b)
	case 9:
		return fltStep[float64](base, dst, a, b)
	}
	return fmt.Errorf("unknown opcode %d", uint16(code))
}

func b2u8(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

// numStep executes an integer-typed numeric opcode.
func numStep[T integer](base Op, dst, a, b unsafe.Pointer) error {
	x := *(*T)(a)
	switch base {
	case opNeg:
		*(*T)(dst) = -x
		return nil
	}
	y := *(*T)(b)
	switch base {
	case opAdd:
		*(*T)(dst) = x + y
	case opSub:
		*(*T)(dst) = x - y
	case opMul:
		*(*T)(dst) = x * y
	case opDiv:
		if y == 0 {
			return fmt.Errorf("integer division by zero")
		}
		*(*T)(dst) = x / y
	case opMod:
		if y == 0 {
			return fmt.Errorf("integer division by zero")
		}
		*(*T)(dst) = x % y
	case opAnd:
		*(*T)(dst) = x & y
	case opOr:
		*(*T)(dst) = x | y
	case opXor:
		*(*T)(dst) = x ^ y
	case opLsh:
		*(*T)(dst) = x << (uint64(y) & 63)
	case opRsh:
		*(*T)(dst) = x >> (uint64(y) & 63)
	case opCmpEq:
		*(*uint8)(dst) = b2u8(x == y)
	case opCmpNe:
		*(*uint8)(dst) = b2u8(x != y)
	case opCmpLt:
		*(*uint8)(dst) = b2u8(x < y)
	case opCmpLe:
		*(*uint8)(dst) = b2u8(x <= y)
	case opCmpGt:
		*(*uint8)(dst) = b2u8(x > y)
	case opCmpGe:
		*(*uint8)(dst) = b2u8(x >= y)
	default:
		return fmt.Errorf("unknown numeric opcode")
	}
	return nil
}

// fltStep executes a float-typed numeric opcode.
func fltStep[T ~float32 | ~float64](base Op, dst, a, b unsafe.Pointer) error {
	x := *(*T)(a)
	switch base {
	case opNeg:
		*(*T)(dst) = -x
		return nil
	}
	y := *(*T)(b)
	switch base {
	case opAdd:
		*(*T)(dst) = x + y
	case opSub:
		*(*T)(dst) = x - y
	case opMul:
		*(*T)(dst) = x * y
	case opDiv:
		*(*T)(dst) = x / y
	case opCmpEq:
		*(*uint8)(dst) = b2u8(x == y)
	case opCmpNe:
		*(*uint8)(dst) = b2u8(x != y)
	case opCmpLt:
		*(*uint8)(dst) = b2u8(x < y)
	case opCmpLe:
		*(*uint8)(dst) = b2u8(x <= y)
	case opCmpGt:
		*(*uint8)(dst) = b2u8(x > y)
	case opCmpGe:
		*(*uint8)(dst) = b2u8(x >= y)
	default:
		return fmt.Errorf("float operand on integer operation")
	}
	return nil
}

// === Conversions ===

func loadUint(p unsafe.Pointer, vt types.NumericValueType) uint64 {
	switch vt.Size() {
	case 1:
		return uint64(*(*uint8)(p))
	case 2:
		return uint64(*(*uint16)(p))
	case 4:
		return uint64(*(*uint32)(p))
	}
	return *(*uint64)(p)
}

func loadInt(p unsafe.Pointer, vt types.NumericValueType) int64 {
	switch vt.Size() {
	case 1:
		return int64(*(*int8)(p))
	case 2:
		return int64(*(*int16)(p))
	case 4:
		return int64(*(*int32)(p))
	}
	return *(*int64)(p)
}

func storeUint(p unsafe.Pointer, vt types.NumericValueType, v uint64) {
	switch vt.Size() {
	case 1:
		*(*uint8)(p) = uint8(v)
	case 2:
		*(*uint16)(p) = uint16(v)
	case 4:
		*(*uint32)(p) = uint32(v)
	default:
		*(*uint64)(p) = v
	}
}

func loadFloat(p unsafe.Pointer, vt types.NumericValueType) float64 {
	if vt == types.Float32 {
		return float64(*(*float32)(p))
	}
	return *(*float64)(p)
}

func storeFloat(p unsafe.Pointer, vt types.NumericValueType, v float64) {
	if vt == types.Float32 {
		*(*float32)(p) = float32(v)
	} else {
		*(*float64)(p) = v
	}
}

func (st *interpState) convert(in *Instr) error {
	dt := in.Arg[0].Ref.Type
	srct := in.Arg[1].Ref.Type
	if dt == nil || srct == nil || dt.Kind != types.KindNumeric || srct.Kind != types.KindNumeric {
		return fmt.Errorf("conversion of non-numeric operand")
	}
	dst, err := st.deref(&in.Arg[0].Ref)
	if err != nil {
		return err
	}
	src, err := st.deref(&in.Arg[1].Ref)
	if err != nil {
		return err
	}

	switch in.Code {
	case opExt:
		// Widen per the destination's signedness.
		if dt.Num.IsSigned() {
			storeUint(dst, dt.Num, uint64(loadInt(src, srct.Num)))
		} else {
			storeUint(dst, dt.Num, loadUint(src, srct.Num))
		}
	case opTrunc:
		storeUint(dst, dt.Num, loadUint(src, srct.Num))
	case opFp2I:
		f := loadFloat(src, srct.Num)
		if dt.Num.IsSigned() {
			storeUint(dst, dt.Num, uint64(int64(f)))
		} else {
			storeUint(dst, dt.Num, uint64(f))
		}
	case opI2Fp:
		if srct.Num.IsSigned() {
			storeFloat(dst, dt.Num, float64(loadInt(src, srct.Num)))
		} else {
			storeFloat(dst, dt.Num, float64(loadUint(src, srct.Num)))
		}
	}
	return nil
}
