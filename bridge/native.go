package bridge

import (
	"cmp"
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/danderson/dbusbridge/dbus"
)

// Pair is one entry of a dict in native form.
type Pair struct {
	Key   any
	Value any
}

var (
	typeBool    = dbus.BasicType(dbus.KindBool)
	typeInt32   = dbus.BasicType(dbus.KindInt32)
	typeInt64   = dbus.BasicType(dbus.KindInt64)
	typeUint64  = dbus.BasicType(dbus.KindUint64)
	typeDouble  = dbus.BasicType(dbus.KindDouble)
	typeString  = dbus.BasicType(dbus.KindString)
	typePath    = dbus.BasicType(dbus.KindObjectPath)
	typeVariant = dbus.BasicType(dbus.KindVariant)
	typeVardict = dbus.DictOf(typeString, typeVariant)
)

func nativeErr(t *dbus.Type, sentinel error, format string, args ...any) error {
	return &dbus.ValueError{
		Signature: t.String(),
		Reason:    fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}

// FromNativeArgs converts a management-side argument list to values
// conforming to sig.
func FromNativeArgs(sig dbus.Signature, args []any) ([]dbus.Value, error) {
	if len(args) != sig.Len() {
		return nil, &dbus.ValueError{
			Signature: sig.String(),
			Reason:    fmt.Errorf("%w: got %d arguments, want %d", dbus.ErrArityMismatch, len(args), sig.Len()),
		}
	}
	ret := make([]dbus.Value, len(args))
	for i, a := range args {
		v, err := FromNative(sig.Type(i), a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		ret[i] = v
	}
	return ret, nil
}

// FromNative converts the management-side value v to a value of type
// t.
//
// v may be a [dbus.Value], in which case it must already conform to
// t, or a Go value: bool, any integer type, float32 or float64
// (integral floats are accepted for integer types), string or
// [dbus.ObjectPath], slices and arrays for DBus arrays and structs,
// and maps, []Pair or lists of two-element lists for dicts. Values
// for variant positions have their type inferred, see [InferType].
func FromNative(t *dbus.Type, v any) (dbus.Value, error) {
	ret, err := fromNative(t, v)
	if err != nil {
		return nil, err
	}
	if err := dbus.Check(t, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func fromNative(t *dbus.Type, v any) (dbus.Value, error) {
	if dv, ok := v.(dbus.Value); ok {
		if t.Kind() == dbus.KindVariant {
			if _, isVariant := dv.(dbus.Variant); !isVariant {
				inner, err := valueType(dv)
				if err != nil {
					return nil, err
				}
				return dbus.Variant{Type: inner, Value: dv}, nil
			}
		}
		return dv, nil
	}
	if v == nil {
		return nil, nativeErr(t, dbus.ErrTypeMismatch, "nil value")
	}

	rv := reflect.ValueOf(v)
	switch t.Kind() {
	case dbus.KindBool:
		if rv.Kind() == reflect.Bool {
			return dbus.Bool(rv.Bool()), nil
		}
	case dbus.KindInt16, dbus.KindInt32, dbus.KindInt64:
		i, ok, err := nativeInt(t, rv)
		if err != nil {
			return nil, err
		}
		if ok {
			return dbus.Int(i), nil
		}
	case dbus.KindByte, dbus.KindUint16, dbus.KindUint32, dbus.KindUint64:
		u, ok, err := nativeUint(t, rv)
		if err != nil {
			return nil, err
		}
		if ok {
			return dbus.Uint(u), nil
		}
	case dbus.KindDouble:
		switch {
		case rv.CanFloat():
			return dbus.Float(rv.Float()), nil
		case rv.CanInt():
			return dbus.Float(float64(rv.Int())), nil
		case rv.CanUint():
			return dbus.Float(float64(rv.Uint())), nil
		}
	case dbus.KindString, dbus.KindObjectPath, dbus.KindSignature:
		if rv.Kind() == reflect.String {
			return dbus.String(rv.String()), nil
		}
	case dbus.KindArray:
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			ret := make(dbus.Array, rv.Len())
			for i := range rv.Len() {
				ev, err := fromNative(t.Elem(), rv.Index(i).Interface())
				if err != nil {
					return nil, err
				}
				ret[i] = ev
			}
			return ret, nil
		}
	case dbus.KindStruct:
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			if rv.Len() != t.NumField() {
				return nil, nativeErr(t, dbus.ErrArityMismatch, "got %d fields, want %d", rv.Len(), t.NumField())
			}
			ret := make(dbus.Struct, rv.Len())
			for i := range rv.Len() {
				fv, err := fromNative(t.Field(i), rv.Index(i).Interface())
				if err != nil {
					return nil, err
				}
				ret[i] = fv
			}
			return ret, nil
		}
	case dbus.KindDict:
		pairs, ok, err := nativePairs(t, rv)
		if err != nil {
			return nil, err
		}
		if ok {
			ret := make(dbus.Dict, 0, len(pairs))
			for _, p := range pairs {
				k, err := fromNative(t.Key(), p.Key)
				if err != nil {
					return nil, err
				}
				val, err := fromNative(t.Elem(), p.Value)
				if err != nil {
					return nil, err
				}
				ret = append(ret, dbus.DictEntry{Key: k, Value: val})
			}
			return ret, nil
		}
	case dbus.KindVariant:
		inner, err := InferType(v)
		if err != nil {
			return nil, err
		}
		iv, err := fromNative(inner, v)
		if err != nil {
			return nil, err
		}
		return dbus.Variant{Type: inner, Value: iv}, nil
	}
	return nil, nativeErr(t, dbus.ErrTypeMismatch, "cannot use %T as %s", v, t.Kind())
}

func nativeInt(t *dbus.Type, rv reflect.Value) (int64, bool, error) {
	switch {
	case rv.CanInt():
		return rv.Int(), true, nil
	case rv.CanUint():
		if rv.Uint() > math.MaxInt64 {
			return 0, false, nativeErr(t, dbus.ErrIntegerOverflow, "%d does not fit in %s", rv.Uint(), t.Kind())
		}
		return int64(rv.Uint()), true, nil
	case rv.CanFloat():
		f := rv.Float()
		if f != math.Trunc(f) {
			return 0, false, nil
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false, nativeErr(t, dbus.ErrIntegerOverflow, "%g does not fit in %s", f, t.Kind())
		}
		return int64(f), true, nil
	}
	return 0, false, nil
}

func nativeUint(t *dbus.Type, rv reflect.Value) (uint64, bool, error) {
	switch {
	case rv.CanUint():
		return rv.Uint(), true, nil
	case rv.CanInt():
		if rv.Int() < 0 {
			return 0, false, nativeErr(t, dbus.ErrIntegerOverflow, "%d does not fit in %s", rv.Int(), t.Kind())
		}
		return uint64(rv.Int()), true, nil
	case rv.CanFloat():
		f := rv.Float()
		if f != math.Trunc(f) {
			return 0, false, nil
		}
		if f < 0 || f >= math.MaxUint64 {
			return 0, false, nativeErr(t, dbus.ErrIntegerOverflow, "%g does not fit in %s", f, t.Kind())
		}
		return uint64(f), true, nil
	}
	return 0, false, nil
}

// nativePairs returns the entries of a dict given in native form.
func nativePairs(t *dbus.Type, rv reflect.Value) ([]Pair, bool, error) {
	switch rv.Kind() {
	case reflect.Map:
		ret := make([]Pair, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ret = append(ret, Pair{iter.Key().Interface(), iter.Value().Interface()})
		}
		// Map iteration order is random, sort for reproducible
		// encodings.
		slices.SortFunc(ret, func(a, b Pair) int {
			return cmp.Compare(fmt.Sprint(a.Key), fmt.Sprint(b.Key))
		})
		return ret, true, nil
	case reflect.Slice, reflect.Array:
		if ps, ok := rv.Interface().([]Pair); ok {
			return ps, true, nil
		}
		ret := make([]Pair, 0, rv.Len())
		for i := range rv.Len() {
			e := reflect.ValueOf(rv.Index(i).Interface())
			if e.Kind() == reflect.Struct {
				if p, ok := e.Interface().(Pair); ok {
					ret = append(ret, p)
					continue
				}
			}
			if (e.Kind() != reflect.Slice && e.Kind() != reflect.Array) || e.Len() != 2 {
				return nil, false, nativeErr(t, dbus.ErrTypeMismatch, "dict entry %d is %T, want a [key, value] pair", i, rv.Index(i).Interface())
			}
			ret = append(ret, Pair{e.Index(0).Interface(), e.Index(1).Interface()})
		}
		return ret, true, nil
	}
	return nil, false, nil
}

// InferType returns the DBus type used to carry the native value v in
// a variant.
//
// bool is b, signed integers are i if they fit in 32 bits and x
// otherwise, unsigned integers are t, floats are d, strings are s and
// [dbus.ObjectPath] is o. A list whose elements all infer to the same
// type T is aT, a list of integers of mixed widths is ax, and any
// other list is av. Maps with string keys are a{sv}. A [dbus.Variant]
// carries its own type, and other [dbus.Value]s have the type their
// contents describe, see valueType.
func InferType(v any) (*dbus.Type, error) {
	switch x := v.(type) {
	case dbus.Variant:
		return x.Type, nil
	case dbus.ObjectPath:
		return typePath, nil
	case dbus.Value:
		return valueType(x)
	case []Pair:
		return typeVardict, nil
	}

	rv := reflect.ValueOf(v)
	switch {
	case !rv.IsValid():
		return nil, nativeErr(typeVariant, dbus.ErrTypeMismatch, "cannot infer the type of nil")
	case rv.Kind() == reflect.Bool:
		return typeBool, nil
	case rv.CanInt():
		if i := rv.Int(); i >= math.MinInt32 && i <= math.MaxInt32 {
			return typeInt32, nil
		}
		return typeInt64, nil
	case rv.CanUint():
		return typeUint64, nil
	case rv.CanFloat():
		return typeDouble, nil
	case rv.Kind() == reflect.String:
		return typeString, nil
	case rv.Kind() == reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, nativeErr(typeVariant, dbus.ErrTypeMismatch, "cannot infer a type for %T, map keys must be strings", v)
		}
		return typeVardict, nil
	case rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array:
		return inferListType(rv)
	}
	return nil, nativeErr(typeVariant, dbus.ErrTypeMismatch, "cannot infer a DBus type for %T", v)
}

func inferListType(rv reflect.Value) (*dbus.Type, error) {
	if rv.Len() == 0 {
		return dbus.ArrayOf(typeVariant), nil
	}
	var elem *dbus.Type
	allInts := true
	for i := range rv.Len() {
		et, err := InferType(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		if et != typeInt32 && et != typeInt64 {
			allInts = false
		}
		switch {
		case elem == nil:
			elem = et
		case !elem.Equal(et):
			if allInts {
				elem = typeInt64
				continue
			}
			return dbus.ArrayOf(typeVariant), nil
		}
	}
	return dbus.ArrayOf(elem), nil
}

// valueType returns the type of v, taken from its structure.
//
// Scalars infer like their native forms. Arrays and dicts must be
// homogeneous, except that integers of mixed widths widen to x. Empty
// arrays are av and empty dicts are a{sv}. Inside a container, a
// variant's type is v.
func valueType(v dbus.Value) (*dbus.Type, error) {
	switch x := v.(type) {
	case dbus.Variant:
		return x.Type, nil
	case dbus.Array:
		if len(x) == 0 {
			return dbus.ArrayOf(typeVariant), nil
		}
		elem, err := commonType(x)
		if err != nil {
			return nil, err
		}
		return dbus.ArrayOf(elem), nil
	case dbus.Struct:
		if len(x) == 0 {
			return nil, nativeErr(typeVariant, dbus.ErrTypeMismatch, "cannot infer the type of an empty struct")
		}
		fields := make([]*dbus.Type, len(x))
		for i, f := range x {
			ft, err := elemType(f)
			if err != nil {
				return nil, err
			}
			fields[i] = ft
		}
		return dbus.StructOf(fields...), nil
	case dbus.Dict:
		if len(x) == 0 {
			return typeVardict, nil
		}
		keys := make([]dbus.Value, len(x))
		vals := make([]dbus.Value, len(x))
		for i, e := range x {
			keys[i], vals[i] = e.Key, e.Value
		}
		kt, err := commonType(keys)
		if err != nil {
			return nil, err
		}
		if !kt.IsBasic() {
			return nil, nativeErr(typeVariant, dbus.ErrTypeMismatch, "dict key type %s is not a basic type", kt)
		}
		vt, err := commonType(vals)
		if err != nil {
			return nil, err
		}
		return dbus.DictOf(kt, vt), nil
	case nil:
		return nil, nativeErr(typeVariant, dbus.ErrTypeMismatch, "cannot infer the type of nil")
	}
	return InferType(ToNative(v))
}

// elemType is valueType for a value nested in a container.
func elemType(v dbus.Value) (*dbus.Type, error) {
	if _, ok := v.(dbus.Variant); ok {
		return typeVariant, nil
	}
	return valueType(v)
}

// commonType returns the single type shared by vs.
func commonType(vs []dbus.Value) (*dbus.Type, error) {
	var ret *dbus.Type
	for _, v := range vs {
		t, err := elemType(v)
		if err != nil {
			return nil, err
		}
		switch {
		case ret == nil:
			ret = t
		case ret.Equal(t):
		case isSignedInt(ret) && isSignedInt(t):
			ret = typeInt64
		default:
			return nil, nativeErr(typeVariant, dbus.ErrTypeMismatch, "mixed element types %s and %s", ret, t)
		}
	}
	return ret, nil
}

func isSignedInt(t *dbus.Type) bool {
	return t.Kind() == dbus.KindInt32 || t.Kind() == dbus.KindInt64
}

// ToNative converts v to its management-side form.
//
// Bools, integers, doubles and strings become bool, int64, uint64,
// float64 and string. Arrays and structs become []any, dicts become
// []any of []any{key, value} pairs, and variants become the native
// form of the value they hold.
func ToNative(v dbus.Value) any {
	switch x := v.(type) {
	case dbus.Bool:
		return bool(x)
	case dbus.Int:
		return int64(x)
	case dbus.Uint:
		return uint64(x)
	case dbus.Float:
		return float64(x)
	case dbus.String:
		return string(x)
	case dbus.Array:
		return toNativeList(x)
	case dbus.Struct:
		return toNativeList(x)
	case dbus.Dict:
		ret := make([]any, len(x))
		for i, e := range x {
			ret[i] = []any{ToNative(e.Key), ToNative(e.Value)}
		}
		return ret
	case dbus.Variant:
		return ToNative(x.Value)
	}
	return nil
}

// ToNativeAll converts a list of values with ToNative.
func ToNativeAll(vs []dbus.Value) []any {
	return toNativeList(vs)
}

func toNativeList(vs []dbus.Value) []any {
	ret := make([]any, len(vs))
	for i, v := range vs {
		ret[i] = ToNative(v)
	}
	return ret
}
