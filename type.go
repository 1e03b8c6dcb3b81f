package dbusrt

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the single byte wire tag of a DBus type.
type Kind byte

const (
	KindInvalid    Kind = 0
	KindByte       Kind = 'y'
	KindBool       Kind = 'b'
	KindInt16      Kind = 'n'
	KindUint16     Kind = 'q'
	KindInt32      Kind = 'i'
	KindUint32     Kind = 'u'
	KindInt64      Kind = 'x'
	KindUint64     Kind = 't'
	KindDouble     Kind = 'd'
	KindUnixFD     Kind = 'h'
	KindString     Kind = 's'
	KindObjectPath Kind = 'o'
	KindSignature  Kind = 'g'
	KindArray      Kind = 'a'
	KindStruct     Kind = 'r'
	KindVariant    Kind = 'v'
	KindDictEntry  Kind = 'e'
)

// IsBasic reports whether k is a basic, non-container kind.
func (k Kind) IsBasic() bool {
	return basicKinds.Has(k)
}

// IsContainer reports whether k is a container kind.
func (k Kind) IsContainer() bool {
	switch k {
	case KindArray, KindStruct, KindVariant, KindDictEntry:
		return true
	}
	return false
}

// Align returns the wire alignment of values of kind k.
func (k Kind) Align() int {
	switch k {
	case KindByte, KindSignature, KindVariant:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindBool, KindInt32, KindUint32, KindUnixFD, KindString, KindObjectPath, KindArray:
		return 4
	case KindInt64, KindUint64, KindDouble, KindStruct, KindDictEntry:
		return 8
	}
	return 1
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%q)", byte(k))
}

var kindNames = map[Kind]string{
	KindInvalid:    "invalid",
	KindByte:       "byte",
	KindBool:       "boolean",
	KindInt16:      "int16",
	KindUint16:     "uint16",
	KindInt32:      "int32",
	KindUint32:     "uint32",
	KindInt64:      "int64",
	KindUint64:     "uint64",
	KindDouble:     "double",
	KindUnixFD:     "unix_fd",
	KindString:     "string",
	KindObjectPath: "object_path",
	KindSignature:  "signature",
	KindArray:      "array",
	KindStruct:     "struct",
	KindVariant:    "variant",
	KindDictEntry:  "dict_entry",
}

const (
	maxSignatureLen = 255
	maxArrayDepth   = 32
	maxStructDepth  = 32
)

// A Type describes one complete DBus type. Types are immutable and
// comparable with ==. The zero Type is invalid, and describes no
// value.
type Type struct {
	sig string
}

// Predeclared basic types.
var (
	TypeByte       = Type{"y"}
	TypeBool       = Type{"b"}
	TypeInt16      = Type{"n"}
	TypeUint16     = Type{"q"}
	TypeInt32      = Type{"i"}
	TypeUint32     = Type{"u"}
	TypeInt64      = Type{"x"}
	TypeUint64     = Type{"t"}
	TypeDouble     = Type{"d"}
	TypeUnixFD     = Type{"h"}
	TypeString     = Type{"s"}
	TypeObjectPath = Type{"o"}
	TypeSignature  = Type{"g"}
	TypeVariant    = Type{"v"}
)

var parsedTypes cache[string, Type]

// ParseType parses sig, which must contain exactly one complete
// type.
func ParseType(sig string) (Type, error) {
	if ret, err := parsedTypes.Get(sig); !errors.Is(err, errNotFound) {
		return ret, err
	}
	n, err := validateOne(sig, 0, 0, false)
	if err == nil && n != len(sig) {
		err = fmt.Errorf("trailing data %q after complete type", sig[n:])
	}
	if err != nil {
		err = fmt.Errorf("invalid type signature %q: %w", sig, err)
		parsedTypes.SetErr(sig, err)
		return Type{}, err
	}
	ret := Type{sig}
	parsedTypes.Set(sig, ret)
	return ret, nil
}

// MustParseType is like [ParseType], but panics on error.
func MustParseType(sig string) Type {
	ret, err := ParseType(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// ParseSignature parses sig as a sequence of zero or more complete
// types, as found in a message body signature.
func ParseSignature(sig string) ([]Type, error) {
	if len(sig) > maxSignatureLen {
		return nil, fmt.Errorf("invalid type signature %q: longer than %d bytes", sig, maxSignatureLen)
	}
	var ret []Type
	for rest := sig; rest != ""; {
		n, err := validateOne(rest, 0, 0, false)
		if err != nil {
			return nil, fmt.Errorf("invalid type signature %q: %w", sig, err)
		}
		t := Type{rest[:n]}
		parsedTypes.Set(t.sig, t)
		ret = append(ret, t)
		rest = rest[n:]
	}
	return ret, nil
}

// validateOne checks the complete type at the front of sig, and
// returns its length.
func validateOne(sig string, arrays, structs int, inArray bool) (int, error) {
	if len(sig) > maxSignatureLen {
		return 0, fmt.Errorf("longer than %d bytes", maxSignatureLen)
	}
	if sig == "" {
		return 0, errors.New("missing type")
	}
	c := Kind(sig[0])
	if c.IsBasic() || c == KindVariant {
		return 1, nil
	}
	switch sig[0] {
	case 'a':
		if arrays+1 > maxArrayDepth {
			return 0, fmt.Errorf("more than %d nested arrays", maxArrayDepth)
		}
		n, err := validateOne(sig[1:], arrays+1, structs, true)
		if err != nil {
			return 0, err
		}
		return n + 1, nil
	case '(':
		if structs+1 > maxStructDepth {
			return 0, fmt.Errorf("more than %d nested structs", maxStructDepth)
		}
		off := 1
		fields := 0
		for off < len(sig) && sig[off] != ')' {
			n, err := validateOne(sig[off:], arrays, structs+1, false)
			if err != nil {
				return 0, err
			}
			off += n
			fields++
		}
		if off == len(sig) {
			return 0, errors.New("missing closing ) in struct definition")
		}
		if fields == 0 {
			return 0, errors.New("empty struct")
		}
		return off + 1, nil
	case '{':
		if !inArray {
			return 0, errors.New("dict entry type found outside array")
		}
		if structs+1 > maxStructDepth {
			return 0, fmt.Errorf("more than %d nested structs", maxStructDepth)
		}
		if len(sig) < 2 || !Kind(sig[1]).IsBasic() {
			return 0, errors.New("dict entry key must be a basic type")
		}
		n, err := validateOne(sig[2:], arrays, structs+1, false)
		if err != nil {
			return 0, err
		}
		off := 2 + n
		if off >= len(sig) || sig[off] != '}' {
			return 0, errors.New("missing closing } in dict entry definition")
		}
		return off + 1, nil
	case ')', '}':
		return 0, fmt.Errorf("unexpected %q", sig[0])
	default:
		return 0, fmt.Errorf("unknown type specifier %q", sig[0])
	}
}

// typeLen returns the length of the first complete type in sig,
// which must already be validated.
func typeLen(sig string) int {
	switch sig[0] {
	case 'a':
		return 1 + typeLen(sig[1:])
	case '(', '{':
		depth := 0
		for i := range len(sig) {
			switch sig[i] {
			case '(', '{':
				depth++
			case ')', '}':
				depth--
				if depth == 0 {
					return i + 1
				}
			}
		}
		panic(fmt.Sprintf("unterminated container in validated signature %q", sig))
	default:
		return 1
	}
}

func splitTypes(sig string) []Type {
	var ret []Type
	for sig != "" {
		n := typeLen(sig)
		ret = append(ret, Type{sig[:n]})
		sig = sig[n:]
	}
	return ret
}

// ArrayOf returns the type of arrays whose elements are elem.
func ArrayOf(elem Type) Type {
	return Type{"a" + elem.sig}
}

// DictOf returns the type of dictionaries mapping key to val. key
// must be a basic type.
func DictOf(key, val Type) Type {
	return Type{"a{" + key.sig + val.sig + "}"}
}

// DictEntryOf returns the type of a single dictionary entry.
func DictEntryOf(key, val Type) Type {
	return Type{"{" + key.sig + val.sig + "}"}
}

// StructOf returns the type of structs with the given field types.
func StructOf(fields ...Type) Type {
	var b strings.Builder
	b.WriteByte('(')
	for _, f := range fields {
		b.WriteString(f.sig)
	}
	b.WriteByte(')')
	return Type{b.String()}
}

// String returns the type's signature string.
func (t Type) String() string {
	return t.sig
}

// IsZero reports whether t is the zero Type.
func (t Type) IsZero() bool {
	return t.sig == ""
}

// Kind returns the kind of t.
func (t Type) Kind() Kind {
	if t.sig == "" {
		return KindInvalid
	}
	switch t.sig[0] {
	case '(':
		return KindStruct
	case '{':
		return KindDictEntry
	}
	return Kind(t.sig[0])
}

// Elem returns the element type of an array, or the value type of a
// dict entry. For dictionaries, Elem returns the dict entry type.
// Elem returns the zero Type for other kinds.
func (t Type) Elem() Type {
	switch t.Kind() {
	case KindArray:
		return Type{t.sig[1:]}
	case KindDictEntry:
		return t.Fields()[1]
	}
	return Type{}
}

// Key returns the key type of a dictionary or dict entry, or the
// zero Type for other kinds.
func (t Type) Key() Type {
	switch {
	case t.IsDict():
		return Type{t.sig[2:3]}
	case t.Kind() == KindDictEntry:
		return Type{t.sig[1:2]}
	}
	return Type{}
}

// Fields returns the field types of a struct, or the key and value
// types of a dict entry.
func (t Type) Fields() []Type {
	switch t.Kind() {
	case KindStruct, KindDictEntry:
		return splitTypes(t.sig[1 : len(t.sig)-1])
	}
	return nil
}

// IsDict reports whether t is an array of dict entries.
func (t Type) IsDict() bool {
	return len(t.sig) > 1 && t.sig[0] == 'a' && t.sig[1] == '{'
}

// Align returns the wire alignment of values of type t.
func (t Type) Align() int {
	return t.Kind().Align()
}

// Equal reports whether t and o describe the same type.
func (t Type) Equal(o Type) bool {
	return t.sig == o.sig
}
