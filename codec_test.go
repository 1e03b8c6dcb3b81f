package dbusrt_test

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/danderson/dbusrt"
	"github.com/danderson/dbusrt/fragments"
	"github.com/google/go-cmp/cmp"
)

const (
	pingHex = "6c01000100000000010000006900000001016f00100000002f6f72672f6578616d706c652f4f626a000000000000000002017300110000006f72672e6578616d706c652e496661636500000000000000030173000400000050696e670000000006017300100000006f72672e6578616d706c652e446573740000000000000000"
	pongHex = "6c02000109000000070000001f000000050175000100000007017300040000003a312e3100000000080167000173000004000000706f6e6700"
	// A reply carrying an unknown header field 42 with value "hello".
	unknownHex = "6c02000109000000030000001e000000050175000100000008016700017300002a0173000500000068656c6c6f00000004000000706f6e6700"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	bs, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex in test: %v", err)
	}
	return bs
}

func pingMsg() *dbusrt.Message {
	return dbusrt.NewMethodCall("org.example.Dest", "/org/example/Obj", "org.example.Iface", "Ping")
}

func pongMsg(t *testing.T) *dbusrt.Message {
	t.Helper()
	m := dbusrt.NewMessage(dbusrt.MsgMethodReturn)
	if err := m.SetReplySerial(1); err != nil {
		t.Fatal(err)
	}
	if err := m.SetSender(":1.1"); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendArgs("pong"); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMarshalGolden(t *testing.T) {
	ping := pingMsg()
	if err := ping.SetSerial(1); err != nil {
		t.Fatal(err)
	}
	pong := pongMsg(t)
	if err := pong.SetSerial(7); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		m    *dbusrt.Message
		want string
	}{
		{"ping", ping, pingHex},
		{"pong", pong, pongHex},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := dbusrt.Marshal(tc.m)
			if err != nil {
				t.Fatalf("Marshal() got err: %v", err)
			}
			want := mustHex(t, tc.want)
			if !bytes.Equal(got, want) {
				t.Errorf("Marshal() wrong output:\n got: %x\nwant: %x", got, want)
			}

			back, n, err := dbusrt.Unmarshal(got)
			if err != nil {
				t.Fatalf("Unmarshal() got err: %v", err)
			}
			if n != len(got) {
				t.Errorf("Unmarshal() consumed %d bytes, want %d", n, len(got))
			}
			if !back.Locked() {
				t.Error("unmarshaled message is not locked")
			}
			if diff := cmp.Diff(back.Header(), tc.m.Header(), cmpValues, cmpIgnoreWireFields); diff != "" {
				t.Errorf("Unmarshal() wrong header (-got+want):\n%s", diff)
			}
			if diff := cmp.Diff(back.Body(), tc.m.Body(), cmpValues); diff != "" {
				t.Errorf("Unmarshal() wrong body (-got+want):\n%s", diff)
			}
		})
	}
}

func TestRoundTripByteOrders(t *testing.T) {
	m := dbusrt.NewSignal("/org/example/Obj", "org.example.Iface", "Changed")
	err := m.AppendArgs(
		byte(1), true, int16(-2), uint16(3), int32(-4), uint32(5), int64(-6), uint64(7), 8.5,
		"str", dbusrt.ObjectPath("/p"), dbusrt.Signature("a{sv}"),
		[]string{"a", "b"},
		[][]byte{{1}, {}},
		map[string]any{"x": int32(1), "y": []string{"z"}},
		struct {
			A byte
			B int64
		}{1, 2},
		[]any{},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetSerial(99); err != nil {
		t.Fatal(err)
	}

	for _, ord := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
		bs, err := dbusrt.MarshalOrder(m, ord)
		if err != nil {
			t.Fatalf("MarshalOrder(%v) got err: %v", ord, err)
		}
		back, _, err := dbusrt.Unmarshal(bs)
		if err != nil {
			t.Fatalf("Unmarshal(%v) got err: %v", ord, err)
		}
		if back.Header().Order != ord {
			t.Errorf("decoded byte order is %v, want %v", back.Header().Order, ord)
		}
		if diff := cmp.Diff(back.Body(), m.Body(), cmpValues); diff != "" {
			t.Errorf("round trip in %v changed body (-got+want):\n%s", ord, diff)
		}
		if got, want := back.Signature(), m.Signature(); got != want {
			t.Errorf("round trip in %v signature = %q, want %q", ord, got, want)
		}
	}
}

func TestUnknownHeaderFields(t *testing.T) {
	bs := mustHex(t, unknownHex)
	m, _, err := dbusrt.Unmarshal(bs)
	if err != nil {
		t.Fatalf("Unmarshal() got err: %v", err)
	}
	want := []dbusrt.HeaderField{{Code: 42, Value: dbusrt.String("hello")}}
	if diff := cmp.Diff(m.Header().Unknown, want, cmpValues); diff != "" {
		t.Errorf("unknown fields wrong (-got+want):\n%s", diff)
	}

	again, err := dbusrt.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() got err: %v", err)
	}
	if !bytes.Equal(again, bs) {
		t.Errorf("re-encoding changed message:\n got: %x\nwant: %x", again, bs)
	}
}

func TestIncomplete(t *testing.T) {
	frame := mustHex(t, pingHex)
	for k := range len(frame) {
		prefix := frame[:k]
		n, err := dbusrt.BytesNeeded(prefix)
		if err != nil && !errors.Is(err, dbusrt.ErrIncomplete) {
			t.Fatalf("BytesNeeded(%d bytes) got err: %v", k, err)
		}
		if n <= k {
			t.Fatalf("BytesNeeded(%d bytes) = %d, want more than %d", k, n, k)
		}
		if _, _, err := dbusrt.Unmarshal(prefix); !errors.Is(err, dbusrt.ErrIncomplete) {
			t.Fatalf("Unmarshal(%d bytes) err = %v, want ErrIncomplete", k, err)
		}
	}
	n, err := dbusrt.BytesNeeded(frame)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(frame) {
		t.Errorf("BytesNeeded(frame) = %d, want %d", n, len(frame))
	}

	// Extra bytes after the frame belong to the next frame.
	_, used, err := dbusrt.Unmarshal(append(frame, 'l', 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if used != len(frame) {
		t.Errorf("Unmarshal() consumed %d bytes, want %d", used, len(frame))
	}
}

func TestMalformed(t *testing.T) {
	boolMsg := dbusrt.NewSignal("/a", "a.b", "C")
	if err := boolMsg.AppendArgs(true); err != nil {
		t.Fatal(err)
	}
	if err := boolMsg.SetSerial(1); err != nil {
		t.Fatal(err)
	}
	boolFrame, err := dbusrt.Marshal(boolMsg)
	if err != nil {
		t.Fatal(err)
	}

	edit := func(base []byte, fn func([]byte) []byte) []byte {
		return fn(bytes.Clone(base))
	}
	ping := mustHex(t, pingHex)
	pong := mustHex(t, pongHex)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"bad byte order", edit(ping, func(bs []byte) []byte { bs[0] = 'X'; return bs })},
		{"bad version", edit(ping, func(bs []byte) []byte { bs[3] = 2; return bs })},
		{"zero serial", edit(ping, func(bs []byte) []byte { bs[8] = 0; return bs })},
		{"nonzero padding", edit(ping, func(bs []byte) []byte { bs[45] = 1; return bs })},
		{"missing member", edit(ping, func(bs []byte) []byte { bs[80] = 42; return bs })},
		{"missing reply serial", edit(pong, func(bs []byte) []byte { bs[16] = 42; return bs })},
		{"header field type", edit(pong, func(bs []byte) []byte { bs[18] = 'i'; return bs })},
		{"bad bool", edit(boolFrame, func(bs []byte) []byte { bs[len(bs)-4] = 2; return bs })},
		{"bad utf8", edit(pong, func(bs []byte) []byte { bs[52] = 0xff; return bs })},
		{"missing nul", edit(pong, func(bs []byte) []byte { bs[56] = 'x'; return bs })},
		{"trailing body bytes", edit(pong, func(bs []byte) []byte { bs[4] = 10; return append(bs, 0) })},
		{"short string", edit(pong, func(bs []byte) []byte { bs[48] = 200; return bs })},
		{"oversized body", edit(ping, func(bs []byte) []byte { binary.LittleEndian.PutUint32(bs[4:8], 0xfffffff0); return bs })},
		{"oversized field array", edit(ping, func(bs []byte) []byte { binary.LittleEndian.PutUint32(bs[12:16], 0x04000001); return bs })},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _, err := dbusrt.Unmarshal(tc.frame)
			if err == nil {
				t.Fatalf("Unmarshal() = %v, want error", m)
			}
			if !errors.Is(err, dbusrt.ErrMalformed) {
				t.Errorf("Unmarshal() err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestMarshalErrors(t *testing.T) {
	noSerial := pingMsg()

	badFD := dbusrt.NewSignal("/a", "a.b", "C")
	if err := badFD.AppendArgs(dbusrt.UnixFD(0)); err != nil {
		t.Fatal(err)
	}
	badFD.SetSerial(1)

	noPath := dbusrt.NewMessage(dbusrt.MsgMethodCall)
	noPath.SetMember("Foo")
	noPath.SetSerial(1)

	badDest := withSerial(pingMsg())
	badDest.SetDestination("org.\xffexample")

	for name, m := range map[string]*dbusrt.Message{
		"zero serial":   noSerial,
		"fd index":      badFD,
		"missing path":  noPath,
		"invalid type":  withSerial(dbusrt.NewMessage(dbusrt.MsgInvalid)),
		"error no name": withSerial(dbusrt.NewError(withSerial(pingMsg()), "", "")),
		"nul in member": withSerial(dbusrt.NewSignal("/a", "a.b", "C\x00D")),
		"nul in iface":  withSerial(dbusrt.NewSignal("/a", "a\x00b", "C")),
		"utf8 in dest":  badDest,
		"nul in error":  withSerial(dbusrt.NewError(withSerial(pingMsg()), "a.\x00b", "")),
	} {
		if bs, err := dbusrt.Marshal(m); err == nil {
			t.Errorf("%s: Marshal() = %x, want error", name, bs)
		}
	}
}

func TestRoundTripAlignment(t *testing.T) {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer devNull.Close()

	pair := dbusrt.StructOf(dbusrt.TypeByte, dbusrt.TypeInt64)
	u64s := func(vs ...uint64) dbusrt.Array {
		ret := dbusrt.Array{Elem: dbusrt.TypeUint64, Items: []dbusrt.Value{}}
		for _, v := range vs {
			ret.Items = append(ret.Items, dbusrt.Uint64(v))
		}
		return ret
	}

	tests := []struct {
		name string
		v    dbusrt.Value
	}{
		{"byte", dbusrt.Byte(7)},
		{"bool", dbusrt.Bool(true)},
		{"int16", dbusrt.Int16(-2)},
		{"uint16", dbusrt.Uint16(3)},
		{"int32", dbusrt.Int32(-4)},
		{"uint32", dbusrt.Uint32(5)},
		{"int64", dbusrt.Int64(-6)},
		{"uint64", dbusrt.Uint64(7)},
		{"double", dbusrt.Double(8.5)},
		{"unix fd", dbusrt.UnixFD(0)},
		{"string", dbusrt.String("hello")},
		{"object path", dbusrt.ObjectPath("/a/b")},
		{"signature", dbusrt.Signature("a{sv}")},
		{"empty uint64 array", u64s()},
		{"uint64 array", u64s(1, 2, 3)},
		{"nested arrays", dbusrt.Array{Elem: dbusrt.ArrayOf(dbusrt.TypeUint64), Items: []dbusrt.Value{u64s(1), u64s(), u64s(2, 3)}}},
		{"struct array", dbusrt.Array{Elem: pair, Items: []dbusrt.Value{
			dbusrt.Struct{Fields: []dbusrt.Value{dbusrt.Byte(1), dbusrt.Int64(-1)}},
			dbusrt.Struct{Fields: []dbusrt.Value{dbusrt.Byte(2), dbusrt.Int64(-2)}},
		}}},
		{"struct", dbusrt.Struct{Fields: []dbusrt.Value{dbusrt.Byte(1), dbusrt.Double(2.5), dbusrt.String("x")}}},
		{"variant int64", dbusrt.Variant{Value: dbusrt.Int64(9)}},
		{"variant struct", dbusrt.Variant{Value: dbusrt.Struct{Fields: []dbusrt.Value{dbusrt.Int64(3), dbusrt.Double(1.5)}}}},
		{"variant uint64 array", dbusrt.Variant{Value: u64s(4, 5)}},
		{"variant unix fd", dbusrt.Variant{Value: dbusrt.UnixFD(0)}},
		{"dict of structs", dbusrt.Dict{Key: dbusrt.TypeString, Elem: dbusrt.StructOf(dbusrt.TypeUint64), Entries: []dbusrt.DictEntry{
			{Key: dbusrt.String("a"), Value: dbusrt.Struct{Fields: []dbusrt.Value{dbusrt.Uint64(1)}}},
			{Key: dbusrt.String("bb"), Value: dbusrt.Struct{Fields: []dbusrt.Value{dbusrt.Uint64(2)}}},
		}}},
		{"dict of variants", dbusrt.Dict{Key: dbusrt.TypeByte, Elem: dbusrt.TypeVariant, Entries: []dbusrt.DictEntry{
			{Key: dbusrt.Byte(1), Value: dbusrt.Variant{Value: dbusrt.Int64(1)}},
			{Key: dbusrt.Byte(2), Value: dbusrt.Variant{Value: dbusrt.Byte(2)}},
		}}},
		{"empty dict", dbusrt.Dict{Key: dbusrt.TypeString, Elem: dbusrt.TypeVariant, Entries: []dbusrt.DictEntry{}}},
	}
	for _, tc := range tests {
		for lead := range 8 {
			for _, ord := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
				t.Run(fmt.Sprintf("%s/lead%d/%s", tc.name, lead, ord), func(t *testing.T) {
					args := make([]any, 0, lead+2)
					for i := range lead {
						args = append(args, dbusrt.Byte(i))
					}
					// A trailing byte catches a misplaced end of the value.
					args = append(args, tc.v, dbusrt.Byte(0xaa))

					m := dbusrt.NewSignal("/a", "a.b", "C")
					if err := m.AppendArgs(args...); err != nil {
						t.Fatal(err)
					}
					if _, err := m.AttachFile(devNull); err != nil {
						t.Fatal(err)
					}
					if err := m.SetSerial(1); err != nil {
						t.Fatal(err)
					}

					bs, err := dbusrt.MarshalOrder(m, ord)
					if err != nil {
						t.Fatalf("MarshalOrder() got err: %v", err)
					}
					back, n, err := dbusrt.Unmarshal(bs)
					if err != nil {
						t.Fatalf("Unmarshal() got err: %v", err)
					}
					if n != len(bs) {
						t.Errorf("Unmarshal() consumed %d bytes, want %d", n, len(bs))
					}
					if diff := cmp.Diff(back.Body(), m.Body(), cmpValues); diff != "" {
						t.Errorf("round trip changed body (-got+want):\n%s", diff)
					}
				})
			}
		}
	}
}

// nestVariants wraps leaf in n variants.
func nestVariants(leaf dbusrt.Value, n int) dbusrt.Value {
	for range n {
		leaf = dbusrt.Variant{Value: leaf}
	}
	return leaf
}

// nestDicts wraps leaf in n layers of a{sv}. Each layer is three
// containers deep: the array, the entry and the variant.
func nestDicts(leaf dbusrt.Value, n int) dbusrt.Value {
	for range n {
		leaf = dbusrt.Dict{
			Key:     dbusrt.TypeString,
			Elem:    dbusrt.TypeVariant,
			Entries: []dbusrt.DictEntry{{Key: dbusrt.String("k"), Value: dbusrt.Variant{Value: leaf}}},
		}
	}
	return leaf
}

func TestNestingLimit(t *testing.T) {
	leaf := dbusrt.Uint32(1)
	tests := []struct {
		name string
		v    dbusrt.Value
		ok   bool
	}{
		{"variants 64", nestVariants(leaf, 64), true},
		{"variants 65", nestVariants(leaf, 65), false},
		{"dicts 63", nestDicts(leaf, 21), true},
		{"dicts 64", nestVariants(nestDicts(leaf, 21), 1), true},
		{"dicts 65", nestVariants(nestDicts(leaf, 21), 2), false},
		{"dicts 66", nestDicts(leaf, 22), false},
		{"dict in struct 64", dbusrt.Struct{Fields: []dbusrt.Value{nestDicts(leaf, 21)}}, true},
		{"dict in struct 65", dbusrt.Struct{Fields: []dbusrt.Value{nestDicts(nestVariants(leaf, 1), 21)}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := dbusrt.Validate(tc.v)
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() err = %v, want ok=%v", err, tc.ok)
			}
			m := dbusrt.NewSignal("/a", "a.b", "C")
			err = m.AppendArgs(tc.v)
			if !tc.ok {
				if err == nil {
					t.Fatal("AppendArgs() accepted value nested too deep")
				}
				return
			}
			if err != nil {
				t.Fatalf("AppendArgs() got err: %v", err)
			}
			if err := m.SetSerial(1); err != nil {
				t.Fatal(err)
			}
			bs, err := dbusrt.Marshal(m)
			if err != nil {
				t.Fatalf("Marshal() got err: %v", err)
			}
			back, _, err := dbusrt.Unmarshal(bs)
			if err != nil {
				t.Fatalf("Unmarshal() of value Validate accepts got err: %v", err)
			}
			if diff := cmp.Diff(back.Body(), m.Body(), cmpValues); diff != "" {
				t.Errorf("round trip changed body (-got+want):\n%s", diff)
			}
		})
	}
}

func TestNestingLimitDecode(t *testing.T) {
	m := dbusrt.NewSignal("/a", "a.b", "C")
	if err := m.AppendArgs(nestVariants(dbusrt.Byte(1), 64)); err != nil {
		t.Fatal(err)
	}
	if err := m.SetSerial(1); err != nil {
		t.Fatal(err)
	}
	bs, err := dbusrt.MarshalOrder(m, fragments.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := dbusrt.Unmarshal(bs); err != nil {
		t.Fatalf("Unmarshal(64 variants) got err: %v", err)
	}

	// Every part of a variant chain around a byte is 1-aligned, so
	// one more variant signature can be spliced in at the body start.
	bodyLen := binary.LittleEndian.Uint32(bs[4:8])
	start := len(bs) - int(bodyLen)
	deeper := append(bytes.Clone(bs[:start]), 1, 'v', 0)
	deeper = append(deeper, bs[start:]...)
	binary.LittleEndian.PutUint32(deeper[4:8], bodyLen+3)
	if _, _, err := dbusrt.Unmarshal(deeper); !errors.Is(err, dbusrt.ErrMalformed) {
		t.Errorf("Unmarshal(65 variants) err = %v, want ErrMalformed", err)
	}
}

func withSerial(m *dbusrt.Message) *dbusrt.Message {
	m.SetSerial(1)
	return m
}
