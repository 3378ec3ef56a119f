package ffi

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/ebitengine/purego"

	"j5.nz/nkb/types"
)

// ClosureHandler receives pointers to the native caller's argument values
// and a pointer to the return slot.
type ClosureHandler func(argv []unsafe.Pointer, retv unsafe.Pointer)

// NewClosure allocates an executable trampoline whose entry marshals the
// native caller's arguments, invokes handler, and returns the value the
// handler stored. The returned pointer is ABI-compatible with a C function
// pointer of d's signature. Closures are kept alive by c and never released.
func (c *Context) NewClosure(d *CallDescr, handler ClosureHandler) (uintptr, error) {
	for _, a := range d.Args {
		if a.Kind == types.KindAggregate { // by-value aggregates are not supported at closure entry
			return 0, fmt.Errorf("ffi: closure with by-value aggregate argument %s", a)
		}
	}
	ft, err := funcType(d.Args, d.Ret)
	if err != nil {
		return 0, err
	}
	// A void procedure still returns a dummy word at the trampoline so the
	// callback shape is uniform; native callers of a void signature ignore
	// the result register.
	voidRet := ft.NumOut() == 0
	if voidRet {
		in := make([]reflect.Type, ft.NumIn())
		for i := range in {
			in[i] = ft.In(i)
		}
		ft = reflect.FuncOf(in, []reflect.Type{reflect.TypeOf(uintptr(0))}, false)
	}
	impl := reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		argv := make([]unsafe.Pointer, len(in))
		for i, v := range in {
			slot := reflect.New(v.Type())
			slot.Elem().Set(v)
			argv[i] = unsafe.Pointer(slot.Pointer())
		}
		if voidRet {
			handler(argv, nil)
			return []reflect.Value{reflect.ValueOf(uintptr(0))}
		}
		retSlot := reflect.New(ft.Out(0))
		handler(argv, unsafe.Pointer(retSlot.Pointer()))
		return []reflect.Value{retSlot.Elem()}
	})

	fnIface := impl.Interface()
	entry := purego.NewCallback(fnIface)

	c.mu.Lock()
	c.closures = append(c.closures, fnIface)
	c.mu.Unlock()
	return entry, nil
}
