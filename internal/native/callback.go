package native

// #include <stdint.h>
import "C"

import (
	"math"
	"runtime/cgo"
	"unsafe"
)

func lookup(data unsafe.Pointer) any {
	return cgo.Handle(*(*C.uintptr_t)(data)).Value()
}

//export goScalarCallback
func goScalarCallback(n C.uint, x *C.double, grad *C.double, data unsafe.Pointer) C.double {
	f, ok := lookup(data).(ScalarFunc)
	if !ok {
		return C.double(math.NaN())
	}
	xs := unsafe.Slice((*float64)(unsafe.Pointer(x)), int(n))
	var g []float64
	if grad != nil {
		g = unsafe.Slice((*float64)(unsafe.Pointer(grad)), int(n))
	}
	return C.double(f.Evaluate(xs, g))
}

//export goVectorCallback
func goVectorCallback(m C.uint, result *C.double, n C.uint, x *C.double, grad *C.double, data unsafe.Pointer) {
	f, ok := lookup(data).(VectorFunc)
	if !ok {
		return
	}
	res := unsafe.Slice((*float64)(unsafe.Pointer(result)), int(m))
	xs := unsafe.Slice((*float64)(unsafe.Pointer(x)), int(n))
	var g []float64
	if grad != nil {
		g = unsafe.Slice((*float64)(unsafe.Pointer(grad)), int(m)*int(n))
	}
	f.EvaluateVector(res, xs, g)
}
