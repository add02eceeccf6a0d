package dbus

import (
	"errors"
	"fmt"

	"github.com/danderson/dbusbridge/dbus/fragments"
)

// msgType is the type of a DBus message.
type msgType byte

const (
	msgTypeCall msgType = iota + 1
	msgTypeReturn
	msgTypeError
	msgTypeSignal
)

func (t msgType) String() string {
	switch t {
	case msgTypeCall:
		return "call"
	case msgTypeReturn:
		return "return"
	case msgTypeError:
		return "error"
	case msgTypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("msgType(%d)", byte(t))
	}
}

// Message flags.
const (
	flagNoReplyExpected  = 0x1
	flagNoAutoStart      = 0x2
	flagAllowInteractive = 0x4
)

// maxMessageSize is the largest message DBus allows, in bytes.
const maxMessageSize = 128 << 20

// fixedHeaderLen is the length of the header prefix that precedes
// the header fields array's contents.
const fixedHeaderLen = 16

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

var (
	headerType = MustParseType("(yyyyuua(yv))")

	fieldTypes = map[uint64]*Type{
		fieldPath:        BasicType(KindObjectPath),
		fieldInterface:   BasicType(KindString),
		fieldMember:      BasicType(KindString),
		fieldErrName:     BasicType(KindString),
		fieldReplySerial: BasicType(KindUint32),
		fieldDestination: BasicType(KindString),
		fieldSender:      BasicType(KindString),
		fieldSignature:   BasicType(KindSignature),
		fieldNumFDs:      BasicType(KindUint32),
	}
)

// header is a DBus message header
type header struct {
	// Order is the message's byte order.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type msgType
	// Flags is the message's flag byte.
	Flags byte
	// Version is the DBus protocol version
	Version uint8
	// Length is the length of the message body, not including the
	// header or padding between header and body.
	Length uint32
	// Serial is the serial for this message. It must be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal. Required for msgTypeCall and msgTypeSignal.
	Path ObjectPath
	// Interface is the interface to target for a call, or the
	// source interface for a signal. Required for msgTypeSignal.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for msgTypeCall and msgTypeSignal.
	Member string
	// ErrName is the name of the error that occurred. Required
	// for msgTypeError.
	ErrName string
	// ReplySerial is the message serial to which this message is
	// replying. Required for msgTypeReturn and msgTypeError.
	ReplySerial uint32
	// Destination is the target for a message. Optional for
	// signals.
	Destination string
	// Sender is the client ID of the message sender. The message
	// bus populates this value itself, any sent value is ignored
	// and removed.
	Sender string
	// Signature is the type signature of the message body.
	Signature Signature
	// NumFDs is the number of file descriptors attached to this
	// message. Always zero for messages sent by this package.
	NumFDs uint32
}

func (h *header) fields() Array {
	var ret Array
	add := func(code uint64, v Value) {
		ret = append(ret, Struct{Uint(code), Variant{fieldTypes[code], v}})
	}
	if h.Path != "" {
		add(fieldPath, String(h.Path))
	}
	if h.Interface != "" {
		add(fieldInterface, String(h.Interface))
	}
	if h.Member != "" {
		add(fieldMember, String(h.Member))
	}
	if h.ErrName != "" {
		add(fieldErrName, String(h.ErrName))
	}
	if h.ReplySerial != 0 {
		add(fieldReplySerial, Uint(h.ReplySerial))
	}
	if h.Destination != "" {
		add(fieldDestination, String(h.Destination))
	}
	if h.Sender != "" {
		add(fieldSender, String(h.Sender))
	}
	if !h.Signature.IsZero() {
		add(fieldSignature, String(h.Signature.String()))
	}
	if h.NumFDs != 0 {
		add(fieldNumFDs, Uint(h.NumFDs))
	}
	return ret
}

// encode writes the header to e, including the padding that
// separates the header from the message body. The header's byte order
// is taken from e.
func (h *header) encode(e *fragments.Encoder) error {
	v := Struct{
		Uint(fragments.Flag(e.Order)),
		Uint(h.Type),
		Uint(h.Flags),
		Uint(h.Version),
		Uint(h.Length),
		Uint(h.Serial),
		h.fields(),
	}
	if err := Encode(e, headerType, v); err != nil {
		return err
	}
	e.Pad(8)
	return nil
}

// headerLen returns the total length of the header and the body
// length, given the fixed header prefix.
func headerLen(prefix []byte) (order fragments.ByteOrder, hdrLen, bodyLen int, err error) {
	if len(prefix) < fixedHeaderLen {
		return nil, 0, 0, errors.New("short header")
	}
	switch prefix[0] {
	case 'l':
		order = fragments.LittleEndian
	case 'B':
		order = fragments.BigEndian
	default:
		return nil, 0, 0, fmt.Errorf("unknown byte order flag %q", prefix[0])
	}
	body := order.Uint32(prefix[4:8])
	fields := order.Uint32(prefix[12:16])
	if fields > maxMessageSize || body > maxMessageSize {
		return nil, 0, 0, fmt.Errorf("message exceeds maximum size %d", maxMessageSize)
	}
	hdrLen = fixedHeaderLen + int(fields)
	if extra := hdrLen % 8; extra != 0 {
		hdrLen += 8 - extra
	}
	if hdrLen+int(body) > maxMessageSize {
		return nil, 0, 0, fmt.Errorf("message of %d bytes exceeds maximum size %d", hdrLen+int(body), maxMessageSize)
	}
	return order, hdrLen, int(body), nil
}

// decodeHeader decodes a complete header, including trailing
// padding.
func decodeHeader(bs []byte) (*header, error) {
	order, _, _, err := headerLen(bs)
	if err != nil {
		return nil, err
	}
	d := fragments.Decoder{Order: order, In: bs}
	v, err := Decode(&d, headerType)
	if err != nil {
		return nil, err
	}
	if err := d.Pad(8); err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("%d unexpected bytes after header", d.Remaining())
	}

	s := v.(Struct)
	ret := &header{
		Order:   order,
		Type:    msgType(s[1].(Uint)),
		Flags:   byte(s[2].(Uint)),
		Version: uint8(s[3].(Uint)),
		Length:  uint32(s[4].(Uint)),
		Serial:  uint32(s[5].(Uint)),
	}
	for _, f := range s[6].(Array) {
		f := f.(Struct)
		code := uint64(f[0].(Uint))
		val := f[1].(Variant)
		want := fieldTypes[code]
		if want == nil {
			// Unknown fields must be ignored.
			continue
		}
		if !val.Type.Equal(want) {
			return nil, fmt.Errorf("header field %d has type %s, want %s", code, val.Type, want)
		}
		switch code {
		case fieldPath:
			ret.Path = ObjectPath(val.Value.(String))
		case fieldInterface:
			ret.Interface = string(val.Value.(String))
		case fieldMember:
			ret.Member = string(val.Value.(String))
		case fieldErrName:
			ret.ErrName = string(val.Value.(String))
		case fieldReplySerial:
			ret.ReplySerial = uint32(val.Value.(Uint))
		case fieldDestination:
			ret.Destination = string(val.Value.(String))
		case fieldSender:
			ret.Sender = string(val.Value.(String))
		case fieldSignature:
			sig, err := ParseSignature(string(val.Value.(String)))
			if err != nil {
				return nil, err
			}
			ret.Signature = sig
		case fieldNumFDs:
			ret.NumFDs = uint32(val.Value.(Uint))
		}
	}
	return ret, nil
}

// Valid checks that the message header is valid for its message type.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return errors.New("invalid message with zero Serial")
	}
	if h.Version != 1 {
		return fmt.Errorf("unsupported protocol version %d", h.Version)
	}
	if h.Interface != "" {
		if err := validInterfaceName(h.Interface); err != nil {
			return err
		}
	}
	if h.ErrName != "" {
		if err := validInterfaceName(h.ErrName); err != nil {
			return fmt.Errorf("invalid error name: %w", err)
		}
	}
	if h.Member != "" {
		if err := validMemberName(h.Member); err != nil {
			return err
		}
	}
	switch h.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case msgTypeCall:
		if h.Path == "" {
			return errors.New("missing required header field Path")
		}
		if h.Member == "" {
			return errors.New("missing required header field Member")
		}
	case msgTypeReturn:
		if h.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case msgTypeError:
		if h.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if h.ErrName == "" {
			return errors.New("missing required header field ErrName")
		}
	case msgTypeSignal:
		if h.Path == "" {
			return errors.New("missing required header field Path")
		}
		if h.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if h.Member == "" {
			return errors.New("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the protocol
		// requires us to gracefully allow them.
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (h *header) WantReply() bool {
	return h.Type == msgTypeCall && h.Flags&flagNoReplyExpected == 0
}

// CanInteract reports whether the message's sender is prepared to
// wait for an interactive authorization prompt, if the sender lacks
// the necessary privileges for the message, and the bus or
// destination wish to trigger an interactive prompt.
func (h *header) CanInteract() bool {
	return h.Type == msgTypeCall && h.Flags&flagAllowInteractive != 0
}
