package dbusrt_test

import (
	"errors"
	"testing"

	"github.com/danderson/dbusrt"
	"github.com/google/go-cmp/cmp"
)

type Simple struct {
	A int16
	B bool
}

type Nested struct {
	A byte
	B Simple
	c int32
}

type Tree struct {
	Left  *Tree
	Right *Tree
}

func TestValueOf(t *testing.T) {
	i32 := int32(42)
	tests := []struct {
		name    string
		in      any
		want    dbusrt.Value
		wantErr bool
	}{
		{"byte", byte(3), dbusrt.Byte(3), false},
		{"bool", true, dbusrt.Bool(true), false},
		{"int16", int16(-2), dbusrt.Int16(-2), false},
		{"uint64", uint64(1 << 40), dbusrt.Uint64(1 << 40), false},
		{"float", 2.5, dbusrt.Double(2.5), false},
		{"string", "foo", dbusrt.String("foo"), false},
		{"object path", dbusrt.ObjectPath("/a"), dbusrt.ObjectPath("/a"), false},
		{"value passthrough", dbusrt.Int32(7), dbusrt.Int32(7), false},
		{"pointer", &i32, dbusrt.Int32(42), false},
		{"nil pointer", (*int32)(nil), dbusrt.Int32(0), false},
		{"slice", []string{"a", "b"}, dbusrt.Array{Elem: dbusrt.TypeString, Items: strs("a", "b")}, false},
		{"nil slice", []string(nil), dbusrt.Array{Elem: dbusrt.TypeString, Items: []dbusrt.Value{}}, false},
		{"byte array", [2]byte{1, 2}, dbusrt.Array{Elem: dbusrt.TypeByte, Items: []dbusrt.Value{dbusrt.Byte(1), dbusrt.Byte(2)}}, false},
		{"map", map[string]int32{"b": 2, "a": 1}, dbusrt.Dict{
			Key:  dbusrt.TypeString,
			Elem: dbusrt.TypeInt32,
			Entries: []dbusrt.DictEntry{
				{Key: dbusrt.String("a"), Value: dbusrt.Int32(1)},
				{Key: dbusrt.String("b"), Value: dbusrt.Int32(2)},
			},
		}, false},
		{"struct", Nested{A: 1, B: Simple{A: 2, B: true}, c: 9}, dbusrt.Struct{Fields: []dbusrt.Value{
			dbusrt.Byte(1),
			dbusrt.Struct{Fields: []dbusrt.Value{dbusrt.Int16(2), dbusrt.Bool(true)}},
		}}, false},
		{"any slice", []any{int32(1), "x"}, dbusrt.Array{Elem: dbusrt.TypeVariant, Items: []dbusrt.Value{
			dbusrt.Variant{Value: dbusrt.Int32(1)},
			dbusrt.Variant{Value: dbusrt.String("x")},
		}}, false},
		{"vardict", map[string]any{"k": uint32(5)}, dbusrt.Dict{
			Key:     dbusrt.TypeString,
			Elem:    dbusrt.TypeVariant,
			Entries: []dbusrt.DictEntry{{Key: dbusrt.String("k"), Value: dbusrt.Variant{Value: dbusrt.Uint32(5)}}},
		}, false},

		{"nil", nil, nil, true},
		{"int", 1, nil, true},
		{"int8", int8(1), nil, true},
		{"chan", make(chan int), nil, true},
		{"recursive", Tree{}, nil, true},
		{"unexported struct", struct{ a int32 }{}, nil, true},
		{"bad map key", map[[2]byte]string{}, nil, true},
		{"nil interface element", []any{nil}, nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := dbusrt.ValueOf(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ValueOf(%#v) = %#v, want error", tc.in, got)
				}
				var te dbusrt.TypeError
				if !errors.As(err, &te) {
					t.Errorf("ValueOf(%#v) err = %v, want TypeError", tc.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValueOf(%#v) got err: %v", tc.in, err)
			}
			if diff := cmp.Diff(got, tc.want, cmpValues); diff != "" {
				t.Errorf("ValueOf(%#v) wrong result (-got+want):\n%s", tc.in, diff)
			}
			if err := dbusrt.Validate(got); err != nil {
				t.Errorf("ValueOf(%#v) returned invalid value: %v", tc.in, err)
			}
		})
	}
}

func TestTypeFor(t *testing.T) {
	check := func(got dbusrt.Type, err error, want string) {
		t.Helper()
		if err != nil {
			t.Errorf("TypeFor got err: %v", err)
			return
		}
		if got.String() != want {
			t.Errorf("TypeFor = %q, want %q", got, want)
		}
	}
	got, err := dbusrt.TypeFor[Nested]()
	check(got, err, "(y(nb))")
	got, err = dbusrt.TypeFor[map[string][]any]()
	check(got, err, "a{sav}")
	got, err = dbusrt.TypeFor[*[]dbusrt.ObjectPath]()
	check(got, err, "ao")
	got, err = dbusrt.TypeFor[dbusrt.UnixFD]()
	check(got, err, "h")

	if got, err := dbusrt.TypeFor[Tree](); err == nil {
		t.Errorf("TypeFor[Tree] = %q, want error", got)
	}
	if got, err := dbusrt.TypeFor[dbusrt.Array](); err == nil {
		t.Errorf("TypeFor[Array] = %q, want error", got)
	}
}

func TestStore(t *testing.T) {
	t.Run("basic", func(t *testing.T) {
		var s string
		if err := dbusrt.Store(dbusrt.ObjectPath("/a"), &s); err != nil {
			t.Fatal(err)
		}
		if s != "/a" {
			t.Errorf("stored %q, want /a", s)
		}
		var u uint32
		if err := dbusrt.Store(dbusrt.Variant{Value: dbusrt.Uint32(9)}, &u); err != nil {
			t.Fatal(err)
		}
		if u != 9 {
			t.Errorf("stored %d, want 9", u)
		}
	})

	t.Run("struct", func(t *testing.T) {
		in := Nested{A: 1, B: Simple{A: -3, B: true}}
		v, err := dbusrt.ValueOf(in)
		if err != nil {
			t.Fatal(err)
		}
		var got Nested
		if err := dbusrt.Store(v, &got); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(got, in, cmp.AllowUnexported(Nested{})); diff != "" {
			t.Errorf("Store wrong result (-got+want):\n%s", diff)
		}
	})

	t.Run("map", func(t *testing.T) {
		d := dbusrt.Dict{
			Key:  dbusrt.TypeString,
			Elem: dbusrt.TypeVariant,
			Entries: []dbusrt.DictEntry{
				{Key: dbusrt.String("a"), Value: dbusrt.Variant{Value: dbusrt.Int32(1)}},
				{Key: dbusrt.String("b"), Value: dbusrt.Variant{Value: dbusrt.String("x")}},
			},
		}
		got := map[string]any{"stale": true}
		if err := dbusrt.Store(d, &got); err != nil {
			t.Fatal(err)
		}
		want := map[string]any{
			"a": dbusrt.Variant{Value: dbusrt.Int32(1)},
			"b": dbusrt.Variant{Value: dbusrt.String("x")},
		}
		if diff := cmp.Diff(got, want, cmpValues); diff != "" {
			t.Errorf("Store wrong result (-got+want):\n%s", diff)
		}
	})

	t.Run("slice", func(t *testing.T) {
		var got []*int16
		v := dbusrt.Array{Elem: dbusrt.TypeInt16, Items: []dbusrt.Value{dbusrt.Int16(1), dbusrt.Int16(2)}}
		if err := dbusrt.Store(v, &got); err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || *got[0] != 1 || *got[1] != 2 {
			t.Errorf("Store wrong result %v", got)
		}
	})

	t.Run("errors", func(t *testing.T) {
		var i32 int32
		var s string
		var arr [3]string
		tests := []struct {
			name string
			v    dbusrt.Value
			ptr  any
		}{
			{"not a pointer", dbusrt.Int32(1), i32},
			{"nil pointer", dbusrt.Int32(1), (*int32)(nil)},
			{"wrong basic", dbusrt.Uint32(1), &i32},
			{"string into int", dbusrt.String("1"), &i32},
			{"int into string", dbusrt.Int32(1), &s},
			{"array length", dbusrt.Array{Elem: dbusrt.TypeString, Items: strs("a")}, &arr},
			{"nil value", nil, &i32},
		}
		for _, tc := range tests {
			if err := dbusrt.Store(tc.v, tc.ptr); err == nil {
				t.Errorf("%s: Store succeeded, want error", tc.name)
			}
		}
	})
}
