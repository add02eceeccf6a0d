package fragments_test

import (
	"bytes"
	"testing"

	"github.com/danderson/dbusbridge/dbus/fragments"
)

type mustDecoder struct {
	*fragments.Decoder
	t *testing.T
}

func (d *mustDecoder) MustRead(n int, want []byte) {
	d.t.Helper()
	got, err := d.Read(n)
	if err != nil {
		d.t.Fatalf("Read(%d) got err: %v", n, err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Read(%d) got %x, want %x", n, got, want)
	}
}

func (d *mustDecoder) MustBytes(want []byte) {
	d.t.Helper()
	got, err := d.Bytes()
	if err != nil {
		d.t.Fatalf("Bytes() got err: %v", err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Bytes() got %x, want %x", got, want)
	}
}

func (d *mustDecoder) MustString(want string) {
	d.t.Helper()
	got, err := d.String()
	if err != nil {
		d.t.Fatalf("String() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("String() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustSignature(want string) {
	d.t.Helper()
	got, err := d.Signature()
	if err != nil {
		d.t.Fatalf("Signature() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Signature() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustUint8(want uint8) {
	d.t.Helper()
	got, err := d.Uint8()
	if err != nil {
		d.t.Fatalf("Uint8() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint8() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint16(want uint16) {
	d.t.Helper()
	got, err := d.Uint16()
	if err != nil {
		d.t.Fatalf("Uint16() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint16() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint32(want uint32) {
	d.t.Helper()
	got, err := d.Uint32()
	if err != nil {
		d.t.Fatalf("Uint32() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint32() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint64(want uint64) {
	d.t.Helper()
	got, err := d.Uint64()
	if err != nil {
		d.t.Fatalf("Uint64() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint64() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint16Array(containsStructs bool, want []uint16) {
	d.t.Helper()
	var got []uint16
	n, err := d.Array(containsStructs, func(int) error {
		read := func() error {
			v, err := d.Uint16()
			if err != nil {
				return err
			}
			got = append(got, v)
			return nil
		}
		if containsStructs {
			return d.Struct(read)
		}
		return read()
	})
	if err != nil {
		d.t.Fatalf("Array() got err: %v", err)
	}
	if n != len(want) {
		d.t.Fatalf("Array() got %d elements, want %d", n, len(want))
	}
	if len(got) != len(want) {
		d.t.Fatalf("Array() read %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			d.t.Fatalf("Array() read %v, want %v", got, want)
		}
	}
}

func (d *mustDecoder) MustByteOrderFlag(want fragments.ByteOrder) {
	d.t.Helper()
	if err := d.ByteOrderFlag(); err != nil {
		d.t.Fatalf("ByteOrderFlag() got err: %v", err)
	}
	if d.Order != want {
		d.t.Fatalf("ByteOrderFlag() got %v, want %v", d.Order, want)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		dec  func(mustDecoder)
	}{
		{
			"raw bytes",
			[]byte{0x01, 0x02, 0x03},
			func(d mustDecoder) {
				d.MustRead(3, []byte{0x01, 0x02, 0x03})
			},
		},

		{
			"byte array",
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x01, 0x02, 0x03, // val
			},
			func(d mustDecoder) {
				d.MustBytes([]byte{0x01, 0x02, 0x03})
			},
		},

		{
			"string",
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x66, 0x6f, 0x6f, // val
				0x00, // terminator
			},
			func(d mustDecoder) {
				d.MustString("foo")
			},
		},

		{
			"signature",
			[]byte{
				0x02,       // length
				0x61, 0x69, // val
				0x00, // terminator
			},
			func(d mustDecoder) {
				d.MustSignature("ai")
			},
		},

		{
			"uints",
			[]byte{
				0x2a,
				0x00, // pad
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
			},
			func(d mustDecoder) {
				d.MustUint8(42)
				d.MustUint16(66)
				d.MustUint32(42)
				d.MustUint64(66)
			},
		},

		{
			"array",
			[]byte{
				0x00, 0x00, 0x00, 0x04, // length
				0x00, 0x01,
				0x00, 0x02,
			},
			func(d mustDecoder) {
				d.MustUint16Array(false, []uint16{1, 2})
			},
		},

		{
			"empty array",
			[]byte{0x00, 0x00, 0x00, 0x00},
			func(d mustDecoder) {
				d.MustUint16Array(false, nil)
			},
		},

		{
			"struct array",
			[]byte{
				0x00, 0x00, 0x00, 0x0a, // length
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x02,
			},
			func(d mustDecoder) {
				d.MustUint16Array(true, []uint16{1, 2})
			},
		},

		{
			"empty struct array",
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
				0x00, 0x00, 0x00, 0x00, // pad
			},
			func(d mustDecoder) {
				d.MustUint16Array(true, nil)
			},
		},

		{
			"byte order flag",
			[]byte{'l', 'B'},
			func(d mustDecoder) {
				d.MustByteOrderFlag(fragments.LittleEndian)
				d.MustByteOrderFlag(fragments.BigEndian)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := mustDecoder{
				Decoder: &fragments.Decoder{
					Order: fragments.BigEndian,
					In:    tc.in,
				},
				t: t,
			}
			tc.dec(d)
			if d.Remaining() != 0 {
				t.Fatalf("%d bytes remaining after decode", d.Remaining())
			}
		})
	}
}

func TestDecoderErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		dec  func(*fragments.Decoder) error
	}{
		{
			"short uint32",
			[]byte{0x00, 0x01},
			func(d *fragments.Decoder) error {
				_, err := d.Uint32()
				return err
			},
		},
		{
			"non-zero padding",
			[]byte{0x01, 0x01, 0x00, 0x02},
			func(d *fragments.Decoder) error {
				d.Uint8()
				_, err := d.Uint16()
				return err
			},
		},
		{
			"string missing terminator",
			[]byte{0x00, 0x00, 0x00, 0x01, 0x66, 0x66},
			func(d *fragments.Decoder) error {
				_, err := d.String()
				return err
			},
		},
		{
			"string too long",
			[]byte{0x00, 0x00, 0x00, 0x09, 0x66, 0x00},
			func(d *fragments.Decoder) error {
				_, err := d.String()
				return err
			},
		},
		{
			"array length past end",
			[]byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x01},
			func(d *fragments.Decoder) error {
				_, err := d.Array(false, func(int) error {
					_, err := d.Uint16()
					return err
				})
				return err
			},
		},
		{
			"array element overrun",
			[]byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x01},
			func(d *fragments.Decoder) error {
				_, err := d.Array(false, func(int) error {
					_, err := d.Uint32()
					return err
				})
				return err
			},
		},
		{
			"bad byte order",
			[]byte{'x'},
			func(d *fragments.Decoder) error {
				return d.ByteOrderFlag()
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &fragments.Decoder{
				Order: fragments.BigEndian,
				In:    tc.in,
			}
			if err := tc.dec(d); err == nil {
				t.Fatal("decode succeeded, want error")
			}
		})
	}
}
