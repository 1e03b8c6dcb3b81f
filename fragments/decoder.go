package fragments

import (
	"errors"
	"fmt"
)

// ErrShort is returned by [Decoder] methods when the input ends
// before the requested value.
var ErrShort = errors.New("input too short")

// A Decoder provides utilities to read a DBus wire format message
// from a byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim. Padding bytes must be zero.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input to read.
	In []byte

	// offset is the number of bytes consumed off the front of In so
	// far. Alignment depends on the global offset within the
	// message, and cannot be derived from local context partway
	// through decoding.
	offset int
	// limit is the offset past which reads fail. It is narrowed
	// while decoding an array so that elements cannot overrun the
	// array's declared length.
	limit int
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int {
	return d.offset
}

// Remaining returns the number of unread bytes available to the
// current read context.
func (d *Decoder) Remaining() int {
	return d.end() - d.offset
}

func (d *Decoder) end() int {
	if d.limit > 0 && d.limit < len(d.In) {
		return d.limit
	}
	return len(d.In)
}

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.offset+skip > d.end() {
		return ErrShort
	}
	for _, b := range d.In[d.offset : d.offset+skip] {
		if b != 0 {
			return fmt.Errorf("nonzero padding byte 0x%02x at offset %d", b, d.offset)
		}
	}
	d.offset += skip
	return nil
}

// Read reads n bytes, with no framing or padding. The returned slice
// aliases the decoder's input.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || d.offset+n > d.end() {
		return nil, ErrShort
	}
	ret := d.In[d.offset : d.offset+n]
	d.offset += n
	return ret, nil
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(ln))
}

// String reads a DBus string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

// Signature reads a DBus type signature.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

func (d *Decoder) terminated(ln int) (string, error) {
	ret, err := d.Read(ln + 1)
	if err != nil {
		return "", err
	}
	if ret[ln] != 0 {
		return "", errors.New("string is missing nul terminator")
	}
	return string(ret[:ln]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining to process, passing in the array index of the element to
// be decoded. readElement must completely consume all array bytes
// from the input, and cannot read beyond the end of the array data.
//
// elemAlign is the alignment of the array's element type, so that
// the decoder consumes array header padding appropriately even if
// the array contains no elements.
//
// maxLen, if positive, is the largest array byte length accepted.
//
// Array returns the total number of array elements that were
// processed.
func (d *Decoder) Array(elemAlign, maxLen int, readElement func(int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if maxLen > 0 && int64(ln) > int64(maxLen) {
		return 0, fmt.Errorf("array length %d exceeds maximum %d", ln, maxLen)
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	if ln == 0 {
		return 0, nil
	}
	end := d.offset + int(ln)
	if end > d.end() {
		return 0, ErrShort
	}
	outer := d.limit
	d.limit = end
	defer func() {
		d.limit = outer
	}()
	idx := 0
	for d.offset < end {
		if err := readElement(idx); err != nil {
			return idx, err
		}
		idx++
	}
	if d.offset != end {
		return idx, fmt.Errorf("array elements overran declared length %d", ln)
	}
	return idx, nil
}

// Struct reads a struct.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	ord, ok := OrderForFlag(v)
	if !ok {
		return fmt.Errorf("unknown byte order flag %q", v)
	}
	d.Order = ord
	return nil
}
