package ffi

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"j5.nz/nkb/types"
)

// === FFI adapter ===
//
// The adapter builds call descriptors from IR procedure types and performs
// outgoing native calls as well as native→bytecode closures. purego is the
// dynamic-call primitive; descriptors and bound call stubs are cached per
// signature under a mutex, so GetHandle is amortized O(1).

// CallDescr describes a native call signature derived from an IR procedure
// type.
type CallDescr struct {
	Args     []*types.Type
	Ret      *types.Type
	NFixed   int
	Variadic bool
}

type callKey struct {
	fp string
	fn uintptr
}

// Context caches descriptors and bound call stubs. Safe for concurrent use.
type Context struct {
	mu       sync.Mutex
	descrs   map[uint32]*CallDescr
	calls    map[callKey]reflect.Value
	closures []any // keeps closure trampolines alive until the state dies
}

// NewContext creates an empty FFI context.
func NewContext() *Context {
	return &Context{
		descrs: make(map[uint32]*CallDescr),
		calls:  make(map[callKey]reflect.Value),
	}
}

// GetHandle returns the call descriptor for the procedure type t.
func (c *Context) GetHandle(t *types.Type) (*CallDescr, error) {
	if t == nil || t.Kind != types.KindProcedure {
		return nil, fmt.Errorf("ffi: not a procedure type: %s", t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.descrs[t.ID]; ok {
		return d, nil
	}
	d := &CallDescr{
		Args:     t.Proc.Params,
		Ret:      t.Proc.Ret,
		NFixed:   len(t.Proc.Params),
		Variadic: t.Proc.Flags&types.ProcVariadic != 0,
	}
	c.descrs[t.ID] = d
	return d, nil
}

// goType maps an IR type to the Go type used at the dynamic-call boundary.
// Numerics map one to one; pointers and procedures map to unsafe.Pointer;
// aggregates are passed by address.
func goType(t *types.Type) (reflect.Type, error) {
	if t.IsVoid() {
		return nil, nil
	}
	switch t.Kind {
	case types.KindNumeric:
		switch t.Num {
		case types.Int8:
			return reflect.TypeOf(int8(0)), nil
		case types.Uint8:
			return reflect.TypeOf(uint8(0)), nil
		case types.Int16:
			return reflect.TypeOf(int16(0)), nil
		case types.Uint16:
			return reflect.TypeOf(uint16(0)), nil
		case types.Int32:
			return reflect.TypeOf(int32(0)), nil
		case types.Uint32:
			return reflect.TypeOf(uint32(0)), nil
		case types.Int64:
			return reflect.TypeOf(int64(0)), nil
		case types.Uint64:
			return reflect.TypeOf(uint64(0)), nil
		case types.Float32:
			return reflect.TypeOf(float32(0)), nil
		case types.Float64:
			return reflect.TypeOf(float64(0)), nil
		}
		return nil, fmt.Errorf("ffi: bad numeric type %#x", uint8(t.Num))
	case types.KindPointer, types.KindProcedure, types.KindAggregate:
		return reflect.TypeOf(unsafe.Pointer(nil)), nil
	}
	return nil, fmt.Errorf("ffi: unsupported type %s", t)
}

func funcType(args []*types.Type, ret *types.Type) (reflect.Type, error) {
	in := make([]reflect.Type, 0, len(args))
	for _, a := range args {
		gt, err := goType(a)
		if err != nil {
			return nil, err
		}
		if gt == nil {
			return nil, fmt.Errorf("ffi: void argument")
		}
		in = append(in, gt)
	}
	var out []reflect.Type
	rt, err := goType(ret)
	if err != nil {
		return nil, err
	}
	if rt != nil {
		out = []reflect.Type{rt}
	}
	return reflect.FuncOf(in, out, false), nil
}

// loadValue reads the value of type t stored at p.
func loadValue(p unsafe.Pointer, t *types.Type) (reflect.Value, error) {
	switch t.Kind {
	case types.KindNumeric:
		switch t.Num {
		case types.Int8:
			return reflect.ValueOf(*(*int8)(p)), nil
		case types.Uint8:
			return reflect.ValueOf(*(*uint8)(p)), nil
		case types.Int16:
			return reflect.ValueOf(*(*int16)(p)), nil
		case types.Uint16:
			return reflect.ValueOf(*(*uint16)(p)), nil
		case types.Int32:
			return reflect.ValueOf(*(*int32)(p)), nil
		case types.Uint32:
			return reflect.ValueOf(*(*uint32)(p)), nil
		case types.Int64:
			return reflect.ValueOf(*(*int64)(p)), nil
		case types.Uint64:
			return reflect.ValueOf(*(*uint64)(p)), nil
		case types.Float32:
			return reflect.ValueOf(*(*float32)(p)), nil
		case types.Float64:
			return reflect.ValueOf(*(*float64)(p)), nil
		}
	case types.KindPointer, types.KindProcedure:
		return reflect.ValueOf(*(*unsafe.Pointer)(p)), nil
	case types.KindAggregate:
		return reflect.ValueOf(p), nil
	}
	return reflect.Value{}, fmt.Errorf("ffi: cannot marshal %s", t)
}

// storeValue writes v of type t to p.
func storeValue(p unsafe.Pointer, t *types.Type, v reflect.Value) error {
	switch t.Kind {
	case types.KindNumeric:
		switch t.Num {
		case types.Int8:
			*(*int8)(p) = int8(v.Int())
		case types.Uint8:
			*(*uint8)(p) = uint8(v.Uint())
		case types.Int16:
			*(*int16)(p) = int16(v.Int())
		case types.Uint16:
			*(*uint16)(p) = uint16(v.Uint())
		case types.Int32:
			*(*int32)(p) = int32(v.Int())
		case types.Uint32:
			*(*uint32)(p) = uint32(v.Uint())
		case types.Int64:
			*(*int64)(p) = v.Int()
		case types.Uint64:
			*(*uint64)(p) = v.Uint()
		case types.Float32:
			*(*float32)(p) = float32(v.Float())
		case types.Float64:
			*(*float64)(p) = v.Float()
		default:
			return fmt.Errorf("ffi: bad numeric type %#x", uint8(t.Num))
		}
		return nil
	case types.KindPointer, types.KindProcedure:
		*(*unsafe.Pointer)(p) = v.Interface().(unsafe.Pointer)
		return nil
	}
	return fmt.Errorf("ffi: cannot unmarshal %s", t)
}

// Invoke performs an outgoing native call: marshal argv per argTypes, call
// fn, and unmarshal the result into retv. For variadic signatures argTypes
// carries the concrete per-call argument list; the call stub is bound per
// concrete shape and cached.
func (c *Context) Invoke(d *CallDescr, argTypes []*types.Type, fn uintptr, argv []unsafe.Pointer, retv unsafe.Pointer) error {
	if fn == 0 {
		return fmt.Errorf("ffi: call of null procedure")
	}
	if len(argTypes) != len(argv) {
		return fmt.Errorf("ffi: argument count mismatch: %d types, %d values", len(argTypes), len(argv))
	}
	stub, err := c.callStub(d, argTypes, fn)
	if err != nil {
		return err
	}
	in := make([]reflect.Value, len(argv))
	for i, p := range argv {
		v, err := loadValue(p, argTypes[i])
		if err != nil {
			return err
		}
		in[i] = v
	}
	out := stub.Call(in)
	if len(out) > 0 && retv != nil {
		return storeValue(retv, d.Ret, out[0])
	}
	return nil
}

func (c *Context) callStub(d *CallDescr, argTypes []*types.Type, fn uintptr) (reflect.Value, error) {
	fp := make([]byte, 0, 8+4*len(argTypes))
	for _, t := range argTypes {
		fp = append(fp, byte(t.ID), byte(t.ID>>8), byte(t.ID>>16), byte(t.ID>>24))
	}
	key := callKey{fp: string(fp), fn: fn}

	c.mu.Lock()
	defer c.mu.Unlock()
	if stub, ok := c.calls[key]; ok {
		return stub, nil
	}
	ft, err := funcType(argTypes, d.Ret)
	if err != nil {
		return reflect.Value{}, err
	}
	fnPtr := reflect.New(ft)
	purego.RegisterFunc(fnPtr.Interface(), fn)
	stub := fnPtr.Elem()
	c.calls[key] = stub
	return stub, nil
}
