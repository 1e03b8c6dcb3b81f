package fragments_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danderson/dbusrt/fragments"
)

type mustDecoder struct {
	t *testing.T
	*fragments.Decoder
}

func (d *mustDecoder) MustRead(n int, want []byte) {
	got, err := d.Read(n)
	if err != nil {
		d.t.Fatalf("Read(%d) got err: %v", n, err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Read(%d) wrong output:\n  got: % x\n want: % x", n, got, want)
	}
	if testing.Verbose() {
		d.t.Logf("Read(%d) = % x", n, got)
	}
}

func (d *mustDecoder) MustBytes(want []byte) {
	got, err := d.Bytes()
	if err != nil {
		d.t.Fatalf("Bytes() got err: %v", err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Bytes() wrong output:\n  got: % x\n want: % x", got, want)
	}
	if testing.Verbose() {
		d.t.Logf("Bytes() = % x", got)
	}
}

func (d *mustDecoder) MustString(want string) {
	got, err := d.String()
	if err != nil {
		d.t.Fatalf("String() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("String() got %q, want %q", got, want)
	}
	if testing.Verbose() {
		d.t.Logf("String() = %q", got)
	}
}

func (d *mustDecoder) MustSignature(want string) {
	got, err := d.Signature()
	if err != nil {
		d.t.Fatalf("Signature() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Signature() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustUint8(want uint8) {
	got, err := d.Uint8()
	if err != nil {
		d.t.Fatalf("Uint8() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint8() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint16(want uint16) {
	got, err := d.Uint16()
	if err != nil {
		d.t.Fatalf("Uint16() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint16() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint32(want uint32) {
	got, err := d.Uint32()
	if err != nil {
		d.t.Fatalf("Uint32() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint32() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint64(want uint64) {
	got, err := d.Uint64()
	if err != nil {
		d.t.Fatalf("Uint64() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint64() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustStruct(fields func()) {
	err := d.Struct(func() error {
		fields()
		return nil
	})
	if err != nil {
		d.t.Fatalf("Struct() got err: %v", err)
	}
}

func (d *mustDecoder) MustArray(elemAlign int, wantLen int, elem func()) {
	gotLen, err := d.Array(elemAlign, 0, func(int) error {
		elem()
		return nil
	})
	if err != nil {
		d.t.Fatalf("Array() got err: %v", err)
	}
	if gotLen != wantLen {
		d.t.Fatalf("Array() got size %d, want %d", gotLen, wantLen)
	}
	if testing.Verbose() {
		d.t.Logf("Array(%d) = %d elements", elemAlign, gotLen)
	}
}

func (d *mustDecoder) MustByteOrderFlag(want fragments.ByteOrder) {
	if err := d.ByteOrderFlag(); err != nil {
		d.t.Fatalf("ByteOrderFlag() got err: %v", err)
	}
	if got := d.Order; got != want {
		d.t.Fatalf("ByteOrderFlag() set byte order %v, want %v", got, want)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		decode func(d *mustDecoder)
	}{
		{
			"raw bytes",
			[]byte{0x01, 0x02, 0x03},
			func(d *mustDecoder) {
				d.MustRead(3, []byte{1, 2, 3})
			},
		},

		{
			"byte array",
			[]byte{
				0x00, 0x00, 0x00, 0x03,
				0x01, 0x02, 0x03,
			},
			func(d *mustDecoder) {
				d.MustBytes([]byte{1, 2, 3})
			},
		},

		{
			"string",
			[]byte{
				0x00, 0x00, 0x00, 0x03,
				0x66, 0x6f, 0x6f,
				0x00,
			},
			func(d *mustDecoder) {
				d.MustString("foo")
			},
		},

		{
			"signature",
			[]byte{0x02, 'a', 's', 0x00},
			func(d *mustDecoder) {
				d.MustSignature("as")
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
			func(d *mustDecoder) {
				d.MustUint8(42)
				d.MustUint16(66)
				d.MustUint32(42)
				d.MustUint64(66)
			},
		},

		{
			"uints padding",
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00,             // raw
				0x00, 0x00, 0x00, // pad
				0x00, 0x00, 0x00, 0x2a,
				0x00, // raw
				0x00, // pad
				0x00, 0x42,
				0x00, // raw
				0x2a,
			},
			func(d *mustDecoder) {
				d.MustUint64(66)
				d.MustRead(1, []byte{0})
				d.MustUint32(42)
				d.MustRead(1, []byte{0})
				d.MustUint16(66)
				d.MustRead(1, []byte{0})
				d.MustUint8(42)
			},
		},

		{
			"struct padding",
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
				0x2a,
			},
			func(d *mustDecoder) {
				d.MustStruct(func() { d.MustUint64(66) })
				d.MustStruct(func() { d.MustUint32(42) })
				d.MustStruct(func() { d.MustUint16(66) })
				d.MustStruct(func() { d.MustUint8(42) })
			},
		},

		{
			"array",
			[]byte{
				0x00, 0x00, 0x00, 0x04, // length
				0x00, 0x01,
				0x00, 0x02,
			},
			func(d *mustDecoder) {
				want := uint16(1)
				d.MustArray(2, 2, func() {
					d.MustUint16(want)
					want++
				})
			},
		},

		{
			"empty array",
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
			},
			func(d *mustDecoder) {
				d.MustArray(2, 0, func() {})
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
			func(d *mustDecoder) {
				want := uint16(1)
				d.MustArray(8, 2, func() {
					d.MustStruct(func() { d.MustUint16(want) })
					want++
				})
			},
		},

		{
			"empty struct array",
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
				0x00, 0x00, 0x00, 0x00, // pad
			},
			func(d *mustDecoder) {
				d.MustArray(8, 0, func() {})
			},
		},

		{
			"byte order flag",
			[]byte{'B', 'l', '?'},
			func(d *mustDecoder) {
				d.MustByteOrderFlag(fragments.BigEndian)
				d.MustByteOrderFlag(fragments.LittleEndian)
				if err := d.ByteOrderFlag(); err == nil {
					d.t.Fatalf("ByteOrderFlag did not error on invalid byte order")
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := mustDecoder{
				t: t,
				Decoder: &fragments.Decoder{
					Order: fragments.BigEndian,
					In:    tc.in,
				},
			}
			tc.decode(&d)
			if remain := d.Remaining(); remain > 0 {
				t.Fatalf("decoder failed to consume %d trailing bytes", remain)
			}
		})
	}
}

func TestDecoderErrors(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		decode func(d *fragments.Decoder) error
		short  bool
	}{
		{
			"short uint32",
			[]byte{0x00, 0x00, 0x01},
			func(d *fragments.Decoder) error {
				_, err := d.Uint32()
				return err
			},
			true,
		},
		{
			"short string",
			[]byte{0x00, 0x00, 0x00, 0x05, 'a', 'b'},
			func(d *fragments.Decoder) error {
				_, err := d.String()
				return err
			},
			true,
		},
		{
			"missing terminator",
			[]byte{0x00, 0x00, 0x00, 0x01, 'a', 'b'},
			func(d *fragments.Decoder) error {
				_, err := d.String()
				return err
			},
			false,
		},
		{
			"nonzero padding",
			[]byte{0x01, 0xff, 0x00, 0x02},
			func(d *fragments.Decoder) error {
				d.Uint8()
				_, err := d.Uint16()
				return err
			},
			false,
		},
		{
			"array overruns input",
			[]byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x01},
			func(d *fragments.Decoder) error {
				_, err := d.Array(2, 0, func(int) error {
					_, err := d.Uint16()
					return err
				})
				return err
			},
			true,
		},
		{
			"element overruns array",
			[]byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x01},
			func(d *fragments.Decoder) error {
				_, err := d.Array(4, 0, func(int) error {
					_, err := d.Uint32()
					return err
				})
				return err
			},
			true,
		},
		{
			"array too long",
			[]byte{0x00, 0x00, 0x01, 0x00},
			func(d *fragments.Decoder) error {
				_, err := d.Array(1, 16, func(int) error {
					_, err := d.Uint8()
					return err
				})
				return err
			},
			false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &fragments.Decoder{
				Order: fragments.BigEndian,
				In:    tc.in,
			}
			err := tc.decode(d)
			if err == nil {
				t.Fatal("decode succeeded, want error")
			}
			if got := errors.Is(err, fragments.ErrShort); got != tc.short {
				t.Fatalf("errors.Is(%v, ErrShort) = %v, want %v", err, got, tc.short)
			}
		})
	}
}
