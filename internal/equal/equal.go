// Package equal provides the comparators used to suppress spurious
// recomputation and notification.
//
// Identical is the default everywhere: reference kinds compare by identity,
// value kinds by value. Shallow and Deep are opt-in for derivations that
// rebuild collections on every pass.
package equal

import (
	"math"
	"reflect"
)

// Func reports whether two values should be treated as equal.
type Func[T any] func(a, b T) bool

// For adapts an untyped comparator to a typed Func.
func For[T any](f func(a, b any) bool) Func[T] {
	return func(a, b T) bool { return f(a, b) }
}

// Erase adapts a typed Func to an untyped comparator.
// Values that are not of type T are compared with Identical.
func Erase[T any](f Func[T]) func(a, b any) bool {
	return func(a, b any) bool {
		ta, okA := a.(T)
		tb, okB := b.(T)
		if !okA || !okB {
			return Identical(a, b)
		}
		return f(ta, tb)
	}
}

// Identical is the Object.is analogue for Go values.
//
//   - maps, pointers, channels and funcs compare by identity
//   - slices compare by backing array pointer and length
//   - NaN is identical to NaN, +0 is not identical to -0
//   - structs and arrays compare field-wise / element-wise with the same rules
//
// Identical never panics, including on values that are not comparable with ==.
func Identical(a, b any) bool {
	return identical(reflect.ValueOf(a), reflect.ValueOf(b))
}

func identical(va, vb reflect.Value) bool {
	if !va.IsValid() || !vb.IsValid() {
		return va.IsValid() == vb.IsValid()
	}
	if va.Type() != vb.Type() {
		return false
	}

	switch va.Kind() {
	case reflect.Bool:
		return va.Bool() == vb.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return va.Int() == vb.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return va.Uint() == vb.Uint()
	case reflect.Float32, reflect.Float64:
		return sameFloat(va.Float(), vb.Float())
	case reflect.Complex64, reflect.Complex128:
		ca, cb := va.Complex(), vb.Complex()
		return sameFloat(real(ca), real(cb)) && sameFloat(imag(ca), imag(cb))
	case reflect.String:
		return va.String() == vb.String()
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len() && va.IsNil() == vb.IsNil()
	case reflect.Interface:
		if va.IsNil() || vb.IsNil() {
			return va.IsNil() == vb.IsNil()
		}
		return identical(va.Elem(), vb.Elem())
	case reflect.Struct:
		for i := 0; i < va.NumField(); i++ {
			if !identical(va.Field(i), vb.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Array:
		for i := 0; i < va.Len(); i++ {
			if !identical(va.Index(i), vb.Index(i)) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func sameFloat(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b && math.Signbit(a) == math.Signbit(b)
}

// Shallow reports whether a and b are identical, or are collections of the
// same shape whose entries are pairwise Identical. Pointers to structs are
// dereferenced once.
func Shallow(a, b any) bool {
	if Identical(a, b) {
		return true
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() {
		return false
	}

	if va.Kind() == reflect.Pointer && va.Type().Elem().Kind() == reflect.Struct {
		if va.IsNil() || vb.IsNil() {
			return false
		}
		va, vb = va.Elem(), vb.Elem()
	}

	switch va.Kind() {
	case reflect.Map:
		if va.IsNil() != vb.IsNil() || va.Len() != vb.Len() {
			return false
		}
		iter := va.MapRange()
		for iter.Next() {
			other := vb.MapIndex(iter.Key())
			if !other.IsValid() || !identical(iter.Value(), other) {
				return false
			}
		}
		return true
	case reflect.Slice, reflect.Array:
		if va.Len() != vb.Len() {
			return false
		}
		for i := 0; i < va.Len(); i++ {
			if !identical(va.Index(i), vb.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Struct:
		return identical(va, vb)
	default:
		return false
	}
}

// Deep reports structural equality.
func Deep(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
