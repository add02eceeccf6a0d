package dbus

import (
	"fmt"
	"strings"
)

// Kind is the kind of a DBus type. The value of a Kind is the
// signature character that introduces the type.
type Kind byte

const (
	KindInvalid    Kind = 0
	KindBool       Kind = 'b'
	KindByte       Kind = 'y'
	KindInt16      Kind = 'n'
	KindUint16     Kind = 'q'
	KindInt32      Kind = 'i'
	KindUint32     Kind = 'u'
	KindInt64      Kind = 'x'
	KindUint64     Kind = 't'
	KindDouble     Kind = 'd'
	KindString     Kind = 's'
	KindObjectPath Kind = 'o'
	KindSignature  Kind = 'g'
	KindArray      Kind = 'a'
	KindStruct     Kind = '('
	KindDict       Kind = '{'
	KindVariant    Kind = 'v'
)

var kindNames = map[Kind]string{
	KindBool:       "bool",
	KindByte:       "byte",
	KindInt16:      "int16",
	KindUint16:     "uint16",
	KindInt32:      "int32",
	KindUint32:     "uint32",
	KindInt64:      "int64",
	KindUint64:     "uint64",
	KindDouble:     "double",
	KindString:     "string",
	KindObjectPath: "object_path",
	KindSignature:  "signature",
	KindArray:      "array",
	KindStruct:     "struct",
	KindDict:       "dict",
	KindVariant:    "variant",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// IsBasic reports whether k is a DBus basic type, i.e. one that can
// be used as a dict key.
func (k Kind) IsBasic() bool {
	switch k {
	case KindBool, KindByte, KindInt16, KindUint16, KindInt32, KindUint32, KindInt64, KindUint64, KindDouble, KindString, KindObjectPath, KindSignature:
		return true
	}
	return false
}

// Type is a structural description of a single complete DBus type.
//
// Types are immutable once constructed, and safe to share between
// goroutines.
type Type struct {
	kind   Kind
	elem   *Type   // array element, or dict value
	key    *Type   // dict key
	fields []*Type // struct fields
	str    string
}

// basicTypes is built in its initializer, not in init, because
// package-level signatures are parsed before init functions run.
var basicTypes = func() map[Kind]*Type {
	ret := map[Kind]*Type{}
	for k := range kindNames {
		if k.IsBasic() || k == KindVariant {
			ret[k] = &Type{kind: k, str: string(byte(k))}
		}
	}
	return ret
}()

// BasicType returns the Type for a basic kind or KindVariant.
//
// BasicType panics if k is a container kind.
func BasicType(k Kind) *Type {
	ret := basicTypes[k]
	if ret == nil {
		panic(fmt.Errorf("BasicType called with non-basic kind %s", k))
	}
	return ret
}

// ArrayOf returns the Type of an array of elem.
func ArrayOf(elem *Type) *Type {
	return &Type{
		kind: KindArray,
		elem: elem,
		str:  "a" + elem.str,
	}
}

// DictOf returns the Type of a dict mapping key to val.
//
// DictOf panics if key is not a basic type.
func DictOf(key, val *Type) *Type {
	if !key.kind.IsBasic() {
		panic(fmt.Errorf("invalid dict key type %s, must be a basic type", key))
	}
	return &Type{
		kind: KindDict,
		key:  key,
		elem: val,
		str:  "a{" + key.str + val.str + "}",
	}
}

// StructOf returns the Type of a struct with the given fields.
//
// StructOf panics if no fields are provided.
func StructOf(fields ...*Type) *Type {
	if len(fields) == 0 {
		panic("StructOf called with no fields")
	}
	var s strings.Builder
	s.WriteByte('(')
	for _, f := range fields {
		s.WriteString(f.str)
	}
	s.WriteByte(')')
	return &Type{
		kind:   KindStruct,
		fields: append([]*Type(nil), fields...),
		str:    s.String(),
	}
}

// Kind returns the type's kind.
func (t *Type) Kind() Kind { return t.kind }

// String returns the type's signature string.
func (t *Type) String() string { return t.str }

// Elem returns the element type of an array, or the value type of a
// dict. It returns nil for other kinds.
func (t *Type) Elem() *Type { return t.elem }

// Key returns the key type of a dict. It returns nil for other kinds.
func (t *Type) Key() *Type { return t.key }

// NumField returns the number of fields of a struct type.
func (t *Type) NumField() int { return len(t.fields) }

// Field returns the i-th field type of a struct type.
func (t *Type) Field(i int) *Type { return t.fields[i] }

// Fields returns the field types of a struct type.
func (t *Type) Fields() []*Type {
	return append([]*Type(nil), t.fields...)
}

// IsBasic reports whether t is a basic type.
func (t *Type) IsBasic() bool { return t.kind.IsBasic() }

// Equal reports whether t and o describe the same type.
func (t *Type) Equal(o *Type) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.str == o.str
}

// Alignment returns the wire alignment of the type, in bytes.
func (t *Type) Alignment() int {
	switch t.kind {
	case KindByte, KindSignature, KindVariant:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindBool, KindInt32, KindUint32, KindString, KindObjectPath, KindArray, KindDict:
		return 4
	default:
		return 8
	}
}

// bits returns the width in bits of an integer type.
func (t *Type) bits() int {
	switch t.kind {
	case KindByte:
		return 8
	case KindInt16, KindUint16:
		return 16
	case KindInt32, KindUint32:
		return 32
	default:
		return 64
	}
}

// Describe returns a multi-line, indented dump of the type tree.
func (t *Type) Describe() string {
	var b strings.Builder
	t.describe(&b, 0, "")
	return b.String()
}

func (t *Type) describe(b *strings.Builder, depth int, label string) {
	b.WriteString(strings.Repeat("  ", depth))
	if label != "" {
		b.WriteString(label)
		b.WriteString(": ")
	}
	b.WriteString(t.kind.String())
	if !t.kind.IsBasic() && t.kind != KindVariant {
		fmt.Fprintf(b, " %s", t.str)
	}
	b.WriteByte('\n')
	switch t.kind {
	case KindArray:
		t.elem.describe(b, depth+1, "elem")
	case KindDict:
		t.key.describe(b, depth+1, "key")
		t.elem.describe(b, depth+1, "value")
	case KindStruct:
		for i, f := range t.fields {
			f.describe(b, depth+1, fmt.Sprintf("field %d", i))
		}
	}
}
