package dbusrt

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/creachadair/mds/mapset"
)

// Value is a dynamically typed DBus value.
//
// The basic kinds are represented by [Bool], [Byte], [Int16],
// [Uint16], [Int32], [Uint32], [Int64], [Uint64], [Double],
// [UnixFD], [String], [ObjectPath] and [Signature]. Containers are
// [Array], [Struct], [Dict], [DictEntry] and [Variant].
//
// Container types are carried by explicit annotations rather than
// inferred from contents, so that empty arrays and dicts are fully
// typed.
type Value interface {
	// Type returns the DBus type of the value.
	Type() Type

	isValue()
}

type (
	Bool   bool
	Byte   uint8
	Int16  int16
	Uint16 uint16
	Int32  int32
	Uint32 uint32
	Int64  int64
	Uint64 uint64
	Double float64
	// UnixFD is an index into the files attached to a message.
	UnixFD uint32
	String string
	// Signature is a DBus type signature, carried as a value.
	Signature string
)

func (Bool) Type() Type       { return TypeBool }
func (Byte) Type() Type       { return TypeByte }
func (Int16) Type() Type      { return TypeInt16 }
func (Uint16) Type() Type     { return TypeUint16 }
func (Int32) Type() Type      { return TypeInt32 }
func (Uint32) Type() Type     { return TypeUint32 }
func (Int64) Type() Type      { return TypeInt64 }
func (Uint64) Type() Type     { return TypeUint64 }
func (Double) Type() Type     { return TypeDouble }
func (UnixFD) Type() Type     { return TypeUnixFD }
func (String) Type() Type     { return TypeString }
func (ObjectPath) Type() Type { return TypeObjectPath }
func (Signature) Type() Type  { return TypeSignature }

func (Bool) isValue()       {}
func (Byte) isValue()       {}
func (Int16) isValue()      {}
func (Uint16) isValue()     {}
func (Int32) isValue()      {}
func (Uint32) isValue()     {}
func (Int64) isValue()      {}
func (Uint64) isValue()     {}
func (Double) isValue()     {}
func (UnixFD) isValue()     {}
func (String) isValue()     {}
func (ObjectPath) isValue() {}
func (Signature) isValue()  {}

// Types parses the signature into its sequence of complete types.
func (s Signature) Types() ([]Type, error) {
	return ParseSignature(string(s))
}

// Array is a DBus array. All items must be of type Elem.
type Array struct {
	Elem  Type
	Items []Value
}

func (a Array) Type() Type { return ArrayOf(a.Elem) }
func (Array) isValue()     {}

// Struct is a DBus struct. Structs must have at least one field.
type Struct struct {
	Fields []Value
}

func (s Struct) Type() Type {
	ts := make([]Type, len(s.Fields))
	for i, f := range s.Fields {
		ts[i] = typeOf(f)
	}
	return StructOf(ts...)
}
func (Struct) isValue() {}

// DictEntry is one key/value pair of a [Dict]. Key must be a basic
// value.
type DictEntry struct {
	Key   Value
	Value Value
}

func (e DictEntry) Type() Type { return DictEntryOf(typeOf(e.Key), typeOf(e.Value)) }
func (DictEntry) isValue()     {}

// Dict is a DBus dictionary, an array of dict entries with unique
// keys of type Key and values of type Elem. Entry order is not
// significant.
type Dict struct {
	Key     Type
	Elem    Type
	Entries []DictEntry
}

func (d Dict) Type() Type { return DictOf(d.Key, d.Elem) }
func (Dict) isValue()     {}

// Lookup returns the value associated with key.
func (d Dict) Lookup(key Value) (Value, bool) {
	k := keyOf(key)
	for _, e := range d.Entries {
		if keyOf(e.Key) == k {
			return e.Value, true
		}
	}
	return nil, false
}

// Variant is a DBus variant. The variant's declared type is the type
// of its content.
type Variant struct {
	Value Value
}

func (Variant) Type() Type { return TypeVariant }
func (Variant) isValue()   {}

func typeOf(v Value) Type {
	if v == nil {
		return Type{}
	}
	return v.Type()
}

// SignatureOf returns the concatenated signature of values.
func SignatureOf(values ...Value) Signature {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(typeOf(v).sig)
	}
	return Signature(b.String())
}

// keyOf returns a comparable identity for a basic value. Doubles
// compare by bit pattern, so that NaN keys are equal to themselves.
func keyOf(v Value) any {
	if d, ok := v.(Double); ok {
		return math.Float64bits(float64(d))
	}
	return v
}

// Equal reports whether a and b are structurally equal. Dict entries
// are compared without regard to order, and doubles are compared by
// bit pattern.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case Double:
		bv, ok := b.(Double)
		return ok && math.Float64bits(float64(av)) == math.Float64bits(float64(bv))
	case Array:
		bv, ok := b.(Array)
		return ok && av.Elem == bv.Elem && slices.EqualFunc(av.Items, bv.Items, Equal)
	case Struct:
		bv, ok := b.(Struct)
		return ok && slices.EqualFunc(av.Fields, bv.Fields, Equal)
	case DictEntry:
		bv, ok := b.(DictEntry)
		return ok && Equal(av.Key, bv.Key) && Equal(av.Value, bv.Value)
	case Dict:
		bv, ok := b.(Dict)
		if !ok || av.Key != bv.Key || av.Elem != bv.Elem || len(av.Entries) != len(bv.Entries) {
			return false
		}
		for _, e := range av.Entries {
			other, ok := bv.Lookup(e.Key)
			if !ok || !Equal(e.Value, other) {
				return false
			}
		}
		return true
	case Variant:
		bv, ok := b.(Variant)
		return ok && Equal(av.Value, bv.Value)
	default:
		return a == b
	}
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch vv := v.(type) {
	case Array:
		return Array{Elem: vv.Elem, Items: cloneValues(vv.Items)}
	case Struct:
		return Struct{Fields: cloneValues(vv.Fields)}
	case DictEntry:
		return DictEntry{Key: Clone(vv.Key), Value: Clone(vv.Value)}
	case Dict:
		var es []DictEntry
		if vv.Entries != nil {
			es = make([]DictEntry, len(vv.Entries))
			for i, e := range vv.Entries {
				es[i] = DictEntry{Key: Clone(e.Key), Value: Clone(e.Value)}
			}
		}
		return Dict{Key: vv.Key, Elem: vv.Elem, Entries: es}
	case Variant:
		return Variant{Value: Clone(vv.Value)}
	default:
		return v
	}
}

func cloneValues(vs []Value) []Value {
	if vs == nil {
		return nil
	}
	ret := make([]Value, len(vs))
	for i, v := range vs {
		ret[i] = Clone(v)
	}
	return ret
}

// Validate checks that v is a well formed DBus value: array items
// and dict entries match their declared types, dict keys are basic
// and unique, strings are valid UTF-8 without nul bytes, and object
// paths and signatures are well formed.
func Validate(v Value) error {
	return validateValue(v, 0)
}

// maxValueDepth is the deepest container nesting DBus permits,
// counting variants. Every container is one level, so a dict
// entry sits two levels below the enclosing value: one for the
// array and one for the entry.
const maxValueDepth = 64

func validateValue(v Value, depth int) error {
	if depth > maxValueDepth {
		return fmt.Errorf("%w: values nested more than %d deep", ErrTypeMismatch, maxValueDepth)
	}
	switch vv := v.(type) {
	case nil:
		return fmt.Errorf("%w: nil value", ErrTypeMismatch)
	case String:
		return validateString(string(vv))
	case ObjectPath:
		if !vv.Valid() {
			return fmt.Errorf("%w: invalid object path %q", ErrTypeMismatch, string(vv))
		}
	case Signature:
		if _, err := vv.Types(); err != nil {
			return fmt.Errorf("%w: %w", ErrTypeMismatch, err)
		}
	case Array:
		if _, err := ParseType(vv.Elem.sig); err != nil {
			return fmt.Errorf("%w: array element type: %w", ErrTypeMismatch, err)
		}
		if vv.Elem.Kind() == KindDictEntry {
			return fmt.Errorf("%w: array of dict entries must be a Dict", ErrTypeMismatch)
		}
		for i, it := range vv.Items {
			if t := typeOf(it); t != vv.Elem {
				return fmt.Errorf("%w: array item %d has type %q, want %q", ErrTypeMismatch, i, t, vv.Elem)
			}
			if err := validateValue(it, depth+1); err != nil {
				return err
			}
		}
	case Struct:
		if len(vv.Fields) == 0 {
			return fmt.Errorf("%w: empty struct", ErrTypeMismatch)
		}
		for _, f := range vv.Fields {
			if err := validateValue(f, depth+1); err != nil {
				return err
			}
		}
	case DictEntry:
		if !typeOf(vv.Key).Kind().IsBasic() {
			return fmt.Errorf("%w: dict key type %q is not basic", ErrTypeMismatch, typeOf(vv.Key))
		}
		if err := validateValue(vv.Key, depth+1); err != nil {
			return err
		}
		return validateValue(vv.Value, depth+1)
	case Dict:
		if !vv.Key.Kind().IsBasic() || len(vv.Key.sig) != 1 {
			return fmt.Errorf("%w: dict key type %q is not basic", ErrTypeMismatch, vv.Key)
		}
		if _, err := ParseType(vv.Elem.sig); err != nil {
			return fmt.Errorf("%w: dict value type: %w", ErrTypeMismatch, err)
		}
		seen := mapset.New[any]()
		for i, e := range vv.Entries {
			if t := typeOf(e.Key); t != vv.Key {
				return fmt.Errorf("%w: dict key %d has type %q, want %q", ErrTypeMismatch, i, t, vv.Key)
			}
			if t := typeOf(e.Value); t != vv.Elem {
				return fmt.Errorf("%w: dict value %d has type %q, want %q", ErrTypeMismatch, i, t, vv.Elem)
			}
			k := keyOf(e.Key)
			if seen.Has(k) {
				return fmt.Errorf("%w: duplicate dict key %v", ErrTypeMismatch, e.Key)
			}
			seen.Add(k)
			if err := validateValue(e.Key, depth+2); err != nil {
				return err
			}
			if err := validateValue(e.Value, depth+2); err != nil {
				return err
			}
		}
	case Variant:
		if vv.Value == nil {
			return fmt.Errorf("%w: empty variant", ErrTypeMismatch)
		}
		return validateValue(vv.Value, depth+1)
	}
	return nil
}

func validateString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: string is not valid UTF-8", ErrTypeMismatch)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: string contains nul byte", ErrTypeMismatch)
	}
	return nil
}
