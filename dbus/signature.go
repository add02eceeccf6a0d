package dbus

import (
	"fmt"
	"strings"
)

// Limits imposed on type signatures by the DBus specification.
const (
	maxSignatureLen = 255
	maxArrayDepth   = 32
	maxStructDepth  = 32
)

// A Signature is an ordered sequence of complete DBus types, such as
// the types of a method's arguments.
//
// The zero Signature is valid, and describes an empty sequence.
type Signature struct {
	types []*Type
	str   string
}

var sigCache cache[string, Signature]

// ParseSignature parses a DBus type signature string.
//
// Parsed signatures are cached, so parsing the same string again is
// cheap and returns the same shared Types.
func ParseSignature(sig string) (Signature, error) {
	if ent, ok := sigCache.Get(sig); ok {
		return ent.val, ent.err
	}
	ret, err := parseSignature(sig)
	sigCache.Set(sig, ret, err)
	return ret, err
}

// MustParseSignature is like ParseSignature, but panics if sig is
// invalid.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// ParseType parses a signature that consists of exactly one complete
// type.
func ParseType(sig string) (*Type, error) {
	s, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	if s.Len() != 1 {
		return nil, &SignatureError{
			Signature: sig,
			Reason:    fmt.Sprintf("expected a single complete type, found %d", s.Len()),
		}
	}
	return s.types[0], nil
}

// MustParseType is like ParseType, but panics if sig is invalid.
func MustParseType(sig string) *Type {
	ret, err := ParseType(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// SignatureOf returns the Signature made of the given types.
func SignatureOf(types ...*Type) Signature {
	var s strings.Builder
	for _, t := range types {
		s.WriteString(t.str)
	}
	return Signature{
		types: append([]*Type(nil), types...),
		str:   s.String(),
	}
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string { return s.str }

// IsZero reports whether the signature is empty.
func (s Signature) IsZero() bool { return len(s.types) == 0 }

// Len returns the number of complete types in the signature.
func (s Signature) Len() int { return len(s.types) }

// Type returns the i-th type of the signature.
func (s Signature) Type(i int) *Type { return s.types[i] }

// Types returns the types in the signature.
func (s Signature) Types() []*Type {
	return append([]*Type(nil), s.types...)
}

// Equal reports whether s and o describe the same types.
func (s Signature) Equal(o Signature) bool { return s.str == o.str }

// Concat returns the signature made of s's types followed by o's.
func (s Signature) Concat(o Signature) Signature {
	return Signature{
		types: append(s.Types(), o.types...),
		str:   s.str + o.str,
	}
}

func parseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return Signature{}, &SignatureError{
			Signature: sig,
			Offset:    maxSignatureLen,
			Reason:    fmt.Sprintf("signature is %d bytes, maximum is %d", len(sig), maxSignatureLen),
		}
	}
	p := sigParser{sig: sig}
	var types []*Type
	for p.pos < len(sig) {
		t, err := p.parseOne()
		if err != nil {
			return Signature{}, err
		}
		types = append(types, t)
	}
	return Signature{types, sig}, nil
}

// sigParser is a recursive descent parser for signature strings.
type sigParser struct {
	sig     string
	pos     int
	arrays  int
	structs int
}

func (p *sigParser) fail(start int, reason string, args ...any) error {
	end := min(p.pos+1, len(p.sig))
	return &SignatureError{
		Signature: p.sig,
		Offset:    p.pos,
		Fragment:  p.sig[start:end],
		Reason:    fmt.Sprintf(reason, args...),
	}
}

// parseOne consumes one complete type from the signature.
func (p *sigParser) parseOne() (*Type, error) {
	start := p.pos
	if p.pos >= len(p.sig) {
		return nil, p.fail(start, "missing type")
	}

	k := Kind(p.sig[p.pos])
	if k.IsBasic() || k == KindVariant {
		p.pos++
		return BasicType(k), nil
	}

	switch p.sig[p.pos] {
	case 'a':
		p.arrays++
		defer func() { p.arrays-- }()
		if p.arrays > maxArrayDepth {
			return nil, p.fail(start, "arrays nested more than %d deep", maxArrayDepth)
		}
		p.pos++
		if p.pos >= len(p.sig) {
			return nil, p.fail(start, "array is missing an element type")
		}
		if p.sig[p.pos] == '{' {
			return p.parseDict(start)
		}
		elem, err := p.parseOne()
		if err != nil {
			return nil, err
		}
		return ArrayOf(elem), nil
	case '(':
		p.structs++
		defer func() { p.structs-- }()
		if p.structs > maxStructDepth {
			return nil, p.fail(start, "structs nested more than %d deep", maxStructDepth)
		}
		p.pos++
		var fields []*Type
		for {
			if p.pos >= len(p.sig) {
				return nil, p.fail(start, "missing closing ) in struct definition")
			}
			if p.sig[p.pos] == ')' {
				break
			}
			f, err := p.parseOne()
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return nil, p.fail(start, "struct has no fields")
		}
		p.pos++
		return StructOf(fields...), nil
	case '{':
		return nil, p.fail(start, "dict entry type found outside array")
	case ')', '}':
		return nil, p.fail(start, "unexpected %q", p.sig[p.pos])
	case 'h':
		return nil, p.fail(start, "unix file descriptors are not supported")
	default:
		return nil, p.fail(start, "unknown type code %q", p.sig[p.pos])
	}
}

// parseDict consumes a dict entry type. p.pos is at the opening {,
// and start is the offset of the array code that precedes it.
func (p *sigParser) parseDict(start int) (*Type, error) {
	p.structs++
	defer func() { p.structs-- }()
	if p.structs > maxStructDepth {
		return nil, p.fail(start, "structs nested more than %d deep", maxStructDepth)
	}
	p.pos++
	if p.pos >= len(p.sig) || p.sig[p.pos] == '}' {
		return nil, p.fail(start, "dict entry is missing a key type")
	}
	keyStart := p.pos
	key, err := p.parseOne()
	if err != nil {
		return nil, err
	}
	if !key.IsBasic() {
		p.pos = keyStart
		return nil, p.fail(start, "invalid dict key type %s, must be a basic type", key)
	}
	if p.pos >= len(p.sig) || p.sig[p.pos] == '}' {
		return nil, p.fail(start, "dict entry is missing a value type")
	}
	val, err := p.parseOne()
	if err != nil {
		return nil, err
	}
	if p.pos >= len(p.sig) || p.sig[p.pos] != '}' {
		return nil, p.fail(start, "dict entry must have exactly one key and one value type")
	}
	p.pos++
	return DictOf(key, val), nil
}
