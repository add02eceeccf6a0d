package dbus

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is a DBus value, in a form independent of any particular Go
// type or wire encoding.
//
// The concrete kinds are [Bool], [Int], [Uint], [Float], [String],
// [Array], [Struct], [Dict] and [Variant]. Numeric kinds carry full
// precision. The width of a number is determined by the [Type] it is
// encoded against, not by the Value.
type Value interface {
	isValue()
	fmt.Stringer
}

// Bool is a DBus boolean.
type Bool bool

// Int is a signed DBus integer of any width (n, i or x).
type Int int64

// Uint is an unsigned DBus integer of any width (y, q, u or t).
type Uint uint64

// Float is a DBus double.
type Float float64

// String is a DBus string, object path or signature.
type String string

// Array is a DBus array. All elements have the same type.
type Array []Value

// Struct is a DBus struct.
type Struct []Value

// Dict is a DBus dictionary, as an ordered list of entries.
//
// Entry order is preserved by encoding and decoding, but is not
// significant: [Equal] compares dicts without regard to order.
type Dict []DictEntry

// DictEntry is one key/value pair of a Dict.
type DictEntry struct {
	Key   Value
	Value Value
}

// Variant is a self-describing DBus value: a value along with its
// type.
type Variant struct {
	Type  *Type
	Value Value
}

func (Bool) isValue()    {}
func (Int) isValue()     {}
func (Uint) isValue()    {}
func (Float) isValue()   {}
func (String) isValue()  {}
func (Array) isValue()   {}
func (Struct) isValue()  {}
func (Dict) isValue()    {}
func (Variant) isValue() {}

func (v Bool) String() string   { return strconv.FormatBool(bool(v)) }
func (v Int) String() string    { return strconv.FormatInt(int64(v), 10) }
func (v Uint) String() string   { return strconv.FormatUint(uint64(v), 10) }
func (v Float) String() string  { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v String) String() string { return strconv.Quote(string(v)) }

func (v Array) String() string {
	return "[" + joinValues(v) + "]"
}

func (v Struct) String() string {
	return "(" + joinValues(v) + ")"
}

func (v Dict) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range v {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", e.Key, e.Value)
	}
	b.WriteByte('}')
	return b.String()
}

func (v Variant) String() string {
	if v.Type == nil {
		return "<invalid variant>"
	}
	return fmt.Sprintf("<%s %s>", v.Type, v.Value)
}

func joinValues(vs []Value) string {
	ss := make([]string, len(vs))
	for i, v := range vs {
		ss[i] = fmt.Sprint(v)
	}
	return strings.Join(ss, ", ")
}

// Lookup returns the value associated with key in d. If d has
// several entries for key, Lookup returns the last one.
func (d Dict) Lookup(key Value) (Value, bool) {
	for i := len(d) - 1; i >= 0; i-- {
		if Equal(d[i].Key, key) {
			return d[i].Value, true
		}
	}
	return nil, false
}

// MakeVariant returns a Variant holding v as type t.
func MakeVariant(t *Type, v Value) Variant {
	return Variant{Type: t, Value: v}
}
