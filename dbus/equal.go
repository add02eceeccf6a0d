package dbus

import "math"

// Equal reports whether a and b are the same value.
//
// Dicts are equal if they contain the same key/value pairs, in any
// order. Variants are equal if both their types and values are
// equal. Floats are compared numerically, except that NaN is equal to
// NaN.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case Bool, Int, Uint, String:
		return a == b
	case Float:
		bv, ok := b.(Float)
		if !ok {
			return false
		}
		if math.IsNaN(float64(av)) {
			return math.IsNaN(float64(bv))
		}
		return av == bv
	case Array:
		bv, ok := b.(Array)
		return ok && equalSlices(av, bv)
	case Struct:
		bv, ok := b.(Struct)
		return ok && equalSlices(av, bv)
	case Dict:
		bv, ok := b.(Dict)
		return ok && equalDicts(av, bv)
	case Variant:
		bv, ok := b.(Variant)
		return ok && av.Type.Equal(bv.Type) && Equal(av.Value, bv.Value)
	default:
		return false
	}
}

// EqualAll reports whether a and b are equal lists of values.
func EqualAll(a, b []Value) bool {
	return equalSlices(a, b)
}

func equalSlices(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalDicts(a, b Dict) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, ae := range a {
		found := false
		for i, be := range b {
			if used[i] || !Equal(ae.Key, be.Key) {
				continue
			}
			if !Equal(ae.Value, be.Value) {
				return false
			}
			used[i] = true
			found = true
			break
		}
		if !found {
			return false
		}
	}
	return true
}
