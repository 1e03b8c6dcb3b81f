package dbusrt

import (
	"errors"
	"fmt"
	"math"

	"github.com/danderson/dbusrt/fragments"
)

const (
	// FixedHeaderSize is the size of the fixed prefix of every
	// message, up to and including the length of the header field
	// array.
	FixedHeaderSize = 16
	// MaxMessageSize is the largest message DBus permits.
	MaxMessageSize = 128 << 20
	// MaxArraySize is the largest array byte length DBus permits.
	MaxArraySize = 64 << 20
)

// Marshal returns the little-endian wire encoding of m. m must have
// a nonzero serial, which [Conn.Send] assigns.
func Marshal(m *Message) ([]byte, error) {
	return MarshalOrder(m, fragments.LittleEndian)
}

// MarshalOrder is like [Marshal], but encodes in the given byte
// order.
func MarshalOrder(m *Message, ord fragments.ByteOrder) ([]byte, error) {
	if m.hdr.Serial == 0 {
		return nil, errors.New("cannot marshal message with zero serial")
	}
	if err := m.Valid(); err != nil {
		return nil, err
	}

	body := fragments.Encoder{Order: ord}
	for _, v := range m.body {
		if err := encodeValue(&body, v, len(m.files)); err != nil {
			return nil, err
		}
	}

	e := fragments.Encoder{
		Order: ord,
		Out:   make([]byte, 0, 128+len(body.Out)),
	}
	e.ByteOrderFlag()
	e.Uint8(byte(m.hdr.Type))
	e.Uint8(byte(m.hdr.Flags))
	e.Uint8(protocolVersion)
	e.Uint32(uint32(len(body.Out)))
	e.Uint32(m.hdr.Serial)
	err := e.Array(8, func() error {
		field := func(code uint8, v Value) error {
			return e.Struct(func() error {
				e.Uint8(code)
				return encodeValue(&e, Variant{v}, 0)
			})
		}
		var errs []error
		if m.hdr.Path != "" {
			errs = append(errs, field(fieldPath, m.hdr.Path))
		}
		if m.hdr.Interface != "" {
			errs = append(errs, field(fieldInterface, String(m.hdr.Interface)))
		}
		if m.hdr.Member != "" {
			errs = append(errs, field(fieldMember, String(m.hdr.Member)))
		}
		if m.hdr.ErrorName != "" {
			errs = append(errs, field(fieldErrorName, String(m.hdr.ErrorName)))
		}
		if m.hdr.ReplySerial != 0 {
			errs = append(errs, field(fieldReplySerial, Uint32(m.hdr.ReplySerial)))
		}
		if m.hdr.Destination != "" {
			errs = append(errs, field(fieldDestination, String(m.hdr.Destination)))
		}
		if m.hdr.Sender != "" {
			errs = append(errs, field(fieldSender, String(m.hdr.Sender)))
		}
		if sig := m.Signature(); sig != "" {
			errs = append(errs, field(fieldSignature, sig))
		}
		if len(m.files) > 0 {
			errs = append(errs, field(fieldUnixFDs, Uint32(len(m.files))))
		}
		for _, f := range m.hdr.Unknown {
			errs = append(errs, field(f.Code, f.Value))
		}
		return errors.Join(errs...)
	})
	if err != nil {
		return nil, err
	}
	e.Pad(8)
	e.Write(body.Out)

	if len(e.Out) > MaxMessageSize {
		return nil, fmt.Errorf("encoded message is %d bytes, larger than the maximum %d", len(e.Out), MaxMessageSize)
	}
	return e.Out, nil
}

func encodeValue(e *fragments.Encoder, v Value, numFiles int) error {
	switch vv := v.(type) {
	case Bool:
		if vv {
			e.Uint32(1)
		} else {
			e.Uint32(0)
		}
	case Byte:
		e.Uint8(uint8(vv))
	case Int16:
		e.Uint16(uint16(vv))
	case Uint16:
		e.Uint16(uint16(vv))
	case Int32:
		e.Uint32(uint32(vv))
	case Uint32:
		e.Uint32(uint32(vv))
	case Int64:
		e.Uint64(uint64(vv))
	case Uint64:
		e.Uint64(uint64(vv))
	case Double:
		e.Uint64(math.Float64bits(float64(vv)))
	case UnixFD:
		if int(vv) >= numFiles {
			return TypeError{"unix_fd", fmt.Errorf("file index %d out of range, message has %d attached files", vv, numFiles)}
		}
		e.Uint32(uint32(vv))
	case String:
		e.String(string(vv))
	case ObjectPath:
		e.String(string(vv))
	case Signature:
		e.Signature(string(vv))
	case Array:
		return e.Array(vv.Elem.Align(), func() error {
			for _, it := range vv.Items {
				if err := encodeValue(e, it, numFiles); err != nil {
					return err
				}
			}
			return nil
		})
	case Dict:
		return e.Array(8, func() error {
			for _, ent := range vv.Entries {
				if err := encodeValue(e, ent, numFiles); err != nil {
					return err
				}
			}
			return nil
		})
	case DictEntry:
		return e.Struct(func() error {
			if err := encodeValue(e, vv.Key, numFiles); err != nil {
				return err
			}
			return encodeValue(e, vv.Value, numFiles)
		})
	case Struct:
		return e.Struct(func() error {
			for _, f := range vv.Fields {
				if err := encodeValue(e, f, numFiles); err != nil {
					return err
				}
			}
			return nil
		})
	case Variant:
		e.Signature(typeOf(vv.Value).String())
		return encodeValue(e, vv.Value, numFiles)
	default:
		return TypeError{fmt.Sprintf("%T", v), errors.New("not a DBus value")}
	}
	return nil
}

func align8(n int64) int64 {
	return (n + 7) &^ 7
}

// BytesNeeded returns the total length of the frame that starts at
// bs[0]. If bs is shorter than [FixedHeaderSize], BytesNeeded
// returns FixedHeaderSize and [ErrIncomplete].
//
// For any prefix of a valid frame, the value returned is larger than
// the prefix.
func BytesNeeded(bs []byte) (int, error) {
	return frameLen(bs, MaxMessageSize)
}

func frameLen(bs []byte, maxSize int) (int, error) {
	if len(bs) < FixedHeaderSize {
		return FixedHeaderSize, ErrIncomplete
	}
	ord, ok := fragments.OrderForFlag(bs[0])
	if !ok {
		return 0, malformed("bad byte order marker %q", bs[0])
	}
	if bs[3] != protocolVersion {
		return 0, malformed("unsupported protocol version %d", bs[3])
	}
	bodyLen := ord.Uint32(bs[4:8])
	fieldsLen := ord.Uint32(bs[12:16])
	if fieldsLen > MaxArraySize {
		return 0, malformed("header field array length %d exceeds maximum %d", fieldsLen, MaxArraySize)
	}
	total := align8(FixedHeaderSize+int64(fieldsLen)) + int64(bodyLen)
	if total > int64(maxSize) {
		return 0, malformed("message length %d exceeds maximum %d", total, maxSize)
	}
	return int(total), nil
}

// UnmarshalHeader decodes the message header at the front of bs. It
// returns the header and the number of bytes it occupies, including
// the padding that precedes the body.
//
// UnmarshalHeader returns [ErrIncomplete] if bs does not contain the
// complete header, or [ErrMalformed] if the header is invalid.
func UnmarshalHeader(bs []byte) (Header, int, error) {
	if _, err := BytesNeeded(bs); err != nil {
		return Header{}, 0, err
	}
	d := fragments.Decoder{In: bs[:FixedHeaderSize]}
	if err := d.ByteOrderFlag(); err != nil {
		return Header{}, 0, malformed("%w", err)
	}
	fieldsLen := d.Order.Uint32(bs[12:16])
	hdrLen := int(align8(FixedHeaderSize + int64(fieldsLen)))
	if len(bs) < hdrLen {
		return Header{}, 0, ErrIncomplete
	}
	d.In = bs[:hdrLen]

	h, err := decodeHeader(&d)
	if err != nil {
		if !errors.Is(err, ErrMalformed) {
			err = malformed("%w", err)
		}
		return Header{}, 0, err
	}
	return h, hdrLen, nil
}

func decodeHeader(d *fragments.Decoder) (Header, error) {
	h := Header{Order: d.Order}
	typ, err := d.Uint8()
	if err != nil {
		return Header{}, err
	}
	h.Type = MessageType(typ)
	flags, err := d.Uint8()
	if err != nil {
		return Header{}, err
	}
	h.Flags = Flags(flags)
	if h.Version, err = d.Uint8(); err != nil {
		return Header{}, err
	}
	if h.BodyLength, err = d.Uint32(); err != nil {
		return Header{}, err
	}
	if h.Serial, err = d.Uint32(); err != nil {
		return Header{}, err
	}
	if h.Serial == 0 {
		return Header{}, malformed("zero serial")
	}

	_, err = d.Array(8, MaxArraySize, func(int) error {
		return d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			v, err := decodeValue(d, TypeVariant, 1)
			if err != nil {
				return err
			}
			return h.setField(code, v.(Variant).Value)
		})
	})
	if err != nil {
		return Header{}, err
	}
	if err := d.Pad(8); err != nil {
		return Header{}, err
	}
	if err := h.Valid(); err != nil {
		return Header{}, malformed("%w", err)
	}
	return h, nil
}

func (h *Header) setField(code uint8, v Value) error {
	want, known := fieldTypes[code]
	if !known {
		h.Unknown = append(h.Unknown, HeaderField{code, v})
		return nil
	}
	if got := v.Type(); got != want {
		return malformed("header field %d has type %q, want %q", code, got, want)
	}
	switch code {
	case fieldPath:
		h.Path = v.(ObjectPath)
	case fieldInterface:
		h.Interface = string(v.(String))
	case fieldMember:
		h.Member = string(v.(String))
	case fieldErrorName:
		h.ErrorName = string(v.(String))
	case fieldReplySerial:
		h.ReplySerial = uint32(v.(Uint32))
	case fieldDestination:
		h.Destination = string(v.(String))
	case fieldSender:
		h.Sender = string(v.(String))
	case fieldSignature:
		h.Signature = v.(Signature)
	case fieldUnixFDs:
		h.UnixFDs = uint32(v.(Uint32))
	}
	return nil
}

// UnmarshalBody decodes a message body described by h. body must
// start at the beginning of the message body, which is 8-byte
// aligned within the frame.
//
// UnmarshalBody returns [ErrMalformed] if the body is truncated or
// inconsistent with h's signature.
func UnmarshalBody(h Header, body []byte) (*Message, error) {
	if len(body) < int(h.BodyLength) {
		return nil, malformed("body is %d bytes, header declares %d", len(body), h.BodyLength)
	}
	body = body[:h.BodyLength]
	order := h.Order
	if order == nil {
		order = fragments.LittleEndian
	}

	types, err := h.Signature.Types()
	if err != nil {
		return nil, malformed("%w", err)
	}
	if len(types) == 0 && len(body) > 0 {
		return nil, malformed("%d byte body with empty signature", len(body))
	}

	d := fragments.Decoder{Order: order, In: body}
	var vals []Value
	for _, t := range types {
		v, err := decodeValue(&d, t, 0)
		if err != nil {
			if !errors.Is(err, ErrMalformed) {
				err = malformed("%w", err)
			}
			return nil, err
		}
		vals = append(vals, v)
	}
	if n := d.Remaining(); n != 0 {
		return nil, malformed("%d trailing bytes after body", n)
	}
	if err := checkFDs(vals, h.UnixFDs); err != nil {
		return nil, err
	}

	ret := &Message{hdr: h, body: vals}
	ret.Lock()
	return ret, nil
}

// Unmarshal decodes the frame at the front of bs. It returns the
// message and the frame's length.
func Unmarshal(bs []byte) (*Message, int, error) {
	total, err := BytesNeeded(bs)
	if err != nil {
		return nil, 0, err
	}
	if len(bs) < total {
		return nil, 0, ErrIncomplete
	}
	h, n, err := UnmarshalHeader(bs[:total])
	if err != nil {
		return nil, 0, err
	}
	m, err := UnmarshalBody(h, bs[n:total])
	if err != nil {
		return nil, 0, err
	}
	return m, total, nil
}

func checkFDs(vals []Value, numFiles uint32) error {
	for _, v := range vals {
		var err error
		switch vv := v.(type) {
		case UnixFD:
			if uint32(vv) >= numFiles {
				err = malformed("file index %d out of range, message has %d files", vv, numFiles)
			}
		case Array:
			err = checkFDs(vv.Items, numFiles)
		case Struct:
			err = checkFDs(vv.Fields, numFiles)
		case Dict:
			for _, e := range vv.Entries {
				if err = checkFDs([]Value{e.Key, e.Value}, numFiles); err != nil {
					break
				}
			}
		case Variant:
			err = checkFDs([]Value{vv.Value}, numFiles)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeValue(d *fragments.Decoder, t Type, depth int) (Value, error) {
	if depth > maxValueDepth {
		return nil, malformed("values nested more than %d deep", maxValueDepth)
	}
	switch t.Kind() {
	case KindByte:
		v, err := d.Uint8()
		return Byte(v), err
	case KindBool:
		v, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		if v > 1 {
			return nil, malformed("invalid boolean value %d", v)
		}
		return Bool(v == 1), nil
	case KindInt16:
		v, err := d.Uint16()
		return Int16(v), err
	case KindUint16:
		v, err := d.Uint16()
		return Uint16(v), err
	case KindInt32:
		v, err := d.Uint32()
		return Int32(v), err
	case KindUint32:
		v, err := d.Uint32()
		return Uint32(v), err
	case KindInt64:
		v, err := d.Uint64()
		return Int64(v), err
	case KindUint64:
		v, err := d.Uint64()
		return Uint64(v), err
	case KindDouble:
		v, err := d.Uint64()
		return Double(math.Float64frombits(v)), err
	case KindUnixFD:
		v, err := d.Uint32()
		return UnixFD(v), err
	case KindString:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		if err := validateString(s); err != nil {
			return nil, malformed("%w", err)
		}
		return String(s), nil
	case KindObjectPath:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		if p := ObjectPath(s); !p.Valid() {
			return nil, malformed("invalid object path %q", s)
		}
		return ObjectPath(s), nil
	case KindSignature:
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		if _, err := ParseSignature(s); err != nil {
			return nil, malformed("%w", err)
		}
		return Signature(s), nil
	case KindVariant:
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		inner, err := ParseType(s)
		if err != nil {
			return nil, malformed("variant signature: %w", err)
		}
		v, err := decodeValue(d, inner, depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{v}, nil
	case KindStruct:
		ret := Struct{}
		err := d.Struct(func() error {
			for _, ft := range t.Fields() {
				v, err := decodeValue(d, ft, depth+1)
				if err != nil {
					return err
				}
				ret.Fields = append(ret.Fields, v)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ret, nil
	case KindArray:
		if t.IsDict() {
			return decodeDict(d, t, depth)
		}
		elem := t.Elem()
		ret := Array{Elem: elem, Items: []Value{}}
		_, err := d.Array(elem.Align(), MaxArraySize, func(int) error {
			v, err := decodeValue(d, elem, depth+1)
			if err != nil {
				return err
			}
			ret.Items = append(ret.Items, v)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ret, nil
	}
	return nil, malformed("cannot decode type %q", t)
}

func decodeDict(d *fragments.Decoder, t Type, depth int) (Value, error) {
	ret := Dict{Key: t.Key(), Elem: t.Elem().Elem(), Entries: []DictEntry{}}
	idx := map[any]int{}
	_, err := d.Array(8, MaxArraySize, func(int) error {
		return d.Struct(func() error {
			k, err := decodeValue(d, ret.Key, depth+2)
			if err != nil {
				return err
			}
			v, err := decodeValue(d, ret.Elem, depth+2)
			if err != nil {
				return err
			}
			// Duplicate keys are legal on the wire, the last one
			// wins.
			if i, ok := idx[keyOf(k)]; ok {
				ret.Entries[i].Value = v
				return nil
			}
			idx[keyOf(k)] = len(ret.Entries)
			ret.Entries = append(ret.Entries, DictEntry{k, v})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}
