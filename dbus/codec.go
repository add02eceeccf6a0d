package dbus

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/danderson/dbusbridge/dbus/fragments"
)

// maxVariantDepth is the deepest nesting of variants within variants
// that the codec accepts.
const maxVariantDepth = 64

// Encode writes the wire encoding of v as type t to e.
func Encode(e *fragments.Encoder, t *Type, v Value) error {
	return encodeValue(e, t, v, 0)
}

// Decode reads a value of type t from d.
func Decode(d *fragments.Decoder, t *Type) (Value, error) {
	return decodeValue(d, t, 0)
}

// Check reports whether v conforms to t, i.e. whether v can be
// encoded as t.
func Check(t *Type, v Value) error {
	e := fragments.Encoder{Order: fragments.NativeEndian}
	return Encode(&e, t, v)
}

// CheckAll reports whether vs conforms to sig.
func CheckAll(sig Signature, vs []Value) error {
	_, err := Marshal(sig, vs, fragments.NativeEndian)
	return err
}

// Marshal returns the wire encoding of vs as a message body with
// signature sig.
func Marshal(sig Signature, vs []Value, order fragments.ByteOrder) ([]byte, error) {
	if len(vs) != sig.Len() {
		return nil, &ValueError{
			Signature: sig.String(),
			Reason:    arityErr(sig.Len(), len(vs)),
		}
	}
	e := fragments.Encoder{Order: order}
	for i, t := range sig.types {
		if err := Encode(&e, t, vs[i]); err != nil {
			return nil, err
		}
	}
	return e.Out, nil
}

// Unmarshal decodes a message body with signature sig.
func Unmarshal(sig Signature, body []byte, order fragments.ByteOrder) ([]Value, error) {
	d := fragments.Decoder{Order: order, In: body}
	ret := make([]Value, 0, sig.Len())
	for _, t := range sig.types {
		v, err := Decode(&d, t)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	if d.Remaining() != 0 {
		return nil, valueErr(nil, ErrMalformed, "%d trailing bytes after body with signature %q", d.Remaining(), sig)
	}
	return ret, nil
}

func arityErr(want, got int) error {
	return fmt.Errorf("%w: got %d values, want %d", ErrArityMismatch, got, want)
}

func mismatch(t *Type, v Value) error {
	if v == nil {
		return valueErr(t, ErrTypeMismatch, "got nil value, want %s", t.kind)
	}
	return valueErr(t, ErrTypeMismatch, "got %T value %s, want %s", v, v, t.kind)
}

func encodeValue(e *fragments.Encoder, t *Type, v Value, depth int) error {
	switch t.kind {
	case KindBool:
		b, ok := v.(Bool)
		if !ok {
			return mismatch(t, v)
		}
		if b {
			e.Uint32(1)
		} else {
			e.Uint32(0)
		}
	case KindByte, KindUint16, KindUint32, KindUint64:
		u, ok := v.(Uint)
		if !ok {
			return mismatch(t, v)
		}
		if bits := t.bits(); bits < 64 && uint64(u) > 1<<bits-1 {
			return valueErr(t, ErrIntegerOverflow, "%d does not fit in %s", u, t.kind)
		}
		switch t.kind {
		case KindByte:
			e.Uint8(uint8(u))
		case KindUint16:
			e.Uint16(uint16(u))
		case KindUint32:
			e.Uint32(uint32(u))
		default:
			e.Uint64(uint64(u))
		}
	case KindInt16, KindInt32, KindInt64:
		i, ok := v.(Int)
		if !ok {
			return mismatch(t, v)
		}
		if bits := t.bits(); bits < 64 && (int64(i) < -(1<<(bits-1)) || int64(i) > 1<<(bits-1)-1) {
			return valueErr(t, ErrIntegerOverflow, "%d does not fit in %s", i, t.kind)
		}
		switch t.kind {
		case KindInt16:
			e.Uint16(uint16(i))
		case KindInt32:
			e.Uint32(uint32(i))
		default:
			e.Uint64(uint64(i))
		}
	case KindDouble:
		f, ok := v.(Float)
		if !ok {
			return mismatch(t, v)
		}
		e.Uint64(math.Float64bits(float64(f)))
	case KindString, KindObjectPath:
		s, ok := v.(String)
		if !ok {
			return mismatch(t, v)
		}
		if err := validString(t, string(s)); err != nil {
			return &ValueError{Signature: t.str, Reason: fmt.Errorf("%w: %w", ErrTypeMismatch, err)}
		}
		e.String(string(s))
	case KindSignature:
		s, ok := v.(String)
		if !ok {
			return mismatch(t, v)
		}
		if _, err := ParseSignature(string(s)); err != nil {
			return &ValueError{Signature: t.str, Reason: err}
		}
		e.Signature(string(s))
	case KindArray:
		a, ok := v.(Array)
		if !ok {
			return mismatch(t, v)
		}
		return e.Array(t.elem.Alignment() == 8, func() error {
			for _, elem := range a {
				if err := encodeValue(e, t.elem, elem, depth); err != nil {
					return err
				}
			}
			return nil
		})
	case KindDict:
		d, ok := v.(Dict)
		if !ok {
			return mismatch(t, v)
		}
		seen := make(map[Value]bool, len(d))
		return e.Array(true, func() error {
			for _, ent := range d {
				err := e.Struct(func() error {
					if err := encodeValue(e, t.key, ent.Key, depth); err != nil {
						return err
					}
					// Keys that encoded successfully are basic, and
					// thus comparable, except NaN which never equals
					// itself.
					if isNaN(ent.Key) {
						return valueErr(t, ErrTypeMismatch, "NaN dict key")
					}
					if seen[ent.Key] {
						return valueErr(t, ErrTypeMismatch, "duplicate dict key %s", ent.Key)
					}
					seen[ent.Key] = true
					return encodeValue(e, t.elem, ent.Value, depth)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	case KindStruct:
		s, ok := v.(Struct)
		if !ok {
			return mismatch(t, v)
		}
		if len(s) != len(t.fields) {
			return &ValueError{Signature: t.str, Reason: arityErr(len(t.fields), len(s))}
		}
		return e.Struct(func() error {
			for i, f := range t.fields {
				if err := encodeValue(e, f, s[i], depth); err != nil {
					return err
				}
			}
			return nil
		})
	case KindVariant:
		vv, ok := v.(Variant)
		if !ok {
			return mismatch(t, v)
		}
		if vv.Type == nil {
			return valueErr(t, ErrTypeMismatch, "variant has no type")
		}
		if depth >= maxVariantDepth {
			return valueErr(t, ErrMalformed, "variants nested more than %d deep", maxVariantDepth)
		}
		e.Signature(vv.Type.str)
		return encodeValue(e, vv.Type, vv.Value, depth+1)
	default:
		return valueErr(t, ErrInvalidSignature, "unknown kind %s", t.kind)
	}
	return nil
}

func validString(t *Type, s string) error {
	if !utf8.ValidString(s) {
		return errors.New("string is not valid UTF-8")
	}
	if strings.IndexByte(s, 0) >= 0 {
		return errors.New("string contains a NUL byte")
	}
	if t.kind == KindObjectPath {
		return ObjectPath(s).Valid()
	}
	return nil
}

// malformed wraps a low-level decoding error.
func isNaN(v Value) bool {
	f, ok := v.(Float)
	return ok && math.IsNaN(float64(f))
}

func malformed(t *Type, err error) error {
	var ve *ValueError
	if errors.As(err, &ve) {
		return err
	}
	return &ValueError{Signature: t.str, Reason: fmt.Errorf("%w: %w", ErrMalformed, err)}
}

func decodeValue(d *fragments.Decoder, t *Type, depth int) (Value, error) {
	switch t.kind {
	case KindBool:
		u, err := d.Uint32()
		if err != nil {
			return nil, malformed(t, err)
		}
		switch u {
		case 0:
			return Bool(false), nil
		case 1:
			return Bool(true), nil
		default:
			return nil, valueErr(t, ErrMalformed, "invalid boolean value %d", u)
		}
	case KindByte:
		u, err := d.Uint8()
		if err != nil {
			return nil, malformed(t, err)
		}
		return Uint(u), nil
	case KindUint16:
		u, err := d.Uint16()
		if err != nil {
			return nil, malformed(t, err)
		}
		return Uint(u), nil
	case KindUint32:
		u, err := d.Uint32()
		if err != nil {
			return nil, malformed(t, err)
		}
		return Uint(u), nil
	case KindUint64:
		u, err := d.Uint64()
		if err != nil {
			return nil, malformed(t, err)
		}
		return Uint(u), nil
	case KindInt16:
		u, err := d.Uint16()
		if err != nil {
			return nil, malformed(t, err)
		}
		return Int(int16(u)), nil
	case KindInt32:
		u, err := d.Uint32()
		if err != nil {
			return nil, malformed(t, err)
		}
		return Int(int32(u)), nil
	case KindInt64:
		u, err := d.Uint64()
		if err != nil {
			return nil, malformed(t, err)
		}
		return Int(int64(u)), nil
	case KindDouble:
		u, err := d.Uint64()
		if err != nil {
			return nil, malformed(t, err)
		}
		return Float(math.Float64frombits(u)), nil
	case KindString, KindObjectPath:
		s, err := d.String()
		if err != nil {
			return nil, malformed(t, err)
		}
		if err := validString(t, s); err != nil {
			return nil, malformed(t, err)
		}
		return String(s), nil
	case KindSignature:
		s, err := d.Signature()
		if err != nil {
			return nil, malformed(t, err)
		}
		if _, err := ParseSignature(s); err != nil {
			return nil, malformed(t, err)
		}
		return String(s), nil
	case KindArray:
		ret := Array{}
		_, err := d.Array(t.elem.Alignment() == 8, func(int) error {
			v, err := decodeValue(d, t.elem, depth)
			if err != nil {
				return err
			}
			ret = append(ret, v)
			return nil
		})
		if err != nil {
			return nil, malformed(t, err)
		}
		return ret, nil
	case KindDict:
		ret := Dict{}
		idx := map[Value]int{}
		_, err := d.Array(true, func(int) error {
			return d.Struct(func() error {
				k, err := decodeValue(d, t.key, depth)
				if err != nil {
					return err
				}
				if isNaN(k) {
					return valueErr(t, ErrMalformed, "NaN dict key")
				}
				v, err := decodeValue(d, t.elem, depth)
				if err != nil {
					return err
				}
				if i, ok := idx[k]; ok {
					ret[i].Value = v
				} else {
					idx[k] = len(ret)
					ret = append(ret, DictEntry{k, v})
				}
				return nil
			})
		})
		if err != nil {
			return nil, malformed(t, err)
		}
		return ret, nil
	case KindStruct:
		ret := make(Struct, 0, len(t.fields))
		err := d.Struct(func() error {
			for _, f := range t.fields {
				v, err := decodeValue(d, f, depth)
				if err != nil {
					return err
				}
				ret = append(ret, v)
			}
			return nil
		})
		if err != nil {
			return nil, malformed(t, err)
		}
		return ret, nil
	case KindVariant:
		if depth >= maxVariantDepth {
			return nil, valueErr(t, ErrMalformed, "variants nested more than %d deep", maxVariantDepth)
		}
		s, err := d.Signature()
		if err != nil {
			return nil, malformed(t, err)
		}
		inner, err := ParseType(s)
		if err != nil {
			return nil, malformed(t, err)
		}
		v, err := decodeValue(d, inner, depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{inner, v}, nil
	default:
		return nil, valueErr(t, ErrInvalidSignature, "unknown kind %s", t.kind)
	}
}
