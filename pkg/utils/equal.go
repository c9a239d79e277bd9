package utils

import "reflect"

// SameValue reports whether a and b hold the same value. Comparable values
// use ==. Slices, maps and funcs compare by identity of their backing data,
// so a []byte matches itself but not an equal copy. Anything else that
// cannot be compared is reported unequal.
func SameValue[V any](a, b V) (eq bool) {
	va, vb := reflect.ValueOf(&a).Elem(), reflect.ValueOf(&b).Elem()
	for va.Kind() == reflect.Interface && !va.IsNil() && vb.Kind() == reflect.Interface && !vb.IsNil() {
		va, vb = va.Elem(), vb.Elem()
	}
	if va.Kind() != vb.Kind() {
		return false
	}

	switch va.Kind() {
	case reflect.Slice:
		return va.Type() == vb.Type() && va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	case reflect.Map, reflect.Func:
		return va.Type() == vb.Type() && va.Pointer() == vb.Pointer()
	}

	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return any(a) == any(b)
}
