package state

import "reflect"

// Identical reports whether a and b are the same value by identity.
//
// Maps, slices, pointers, channels and funcs compare by reference, so a
// rebuilt but deep-equal map is NOT identical. Other comparable values use
// ==. Values of non-comparable struct or array types are never identical.
func Identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}

	switch va.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len() && va.Cap() == vb.Cap()
	}

	if !va.Type().Comparable() {
		return false
	}
	return safeEqual(a, b)
}

// safeEqual guards == for comparable types holding non-comparable
// interface fields, which panic at runtime.
func safeEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
