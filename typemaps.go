package dbusrt

import (
	"reflect"

	"github.com/creachadair/mds/mapset"
)

var (
	// basicKinds is the set of Kinds that are DBus basic types.
	basicKinds = mapset.New(
		KindByte,
		KindBool,
		KindInt16,
		KindUint16,
		KindInt32,
		KindUint32,
		KindInt64,
		KindUint64,
		KindDouble,
		KindUnixFD,
		KindString,
		KindObjectPath,
		KindSignature,
	)

	// kindToType maps the reflect.Kinds of the basic Go types
	// representable by DBus to the corresponding DBus Type.
	kindToType = map[reflect.Kind]Type{
		reflect.Bool:    TypeBool,
		reflect.Uint8:   TypeByte,
		reflect.Int16:   TypeInt16,
		reflect.Uint16:  TypeUint16,
		reflect.Int32:   TypeInt32,
		reflect.Uint32:  TypeUint32,
		reflect.Int64:   TypeInt64,
		reflect.Uint64:  TypeUint64,
		reflect.Float64: TypeDouble,
		reflect.String:  TypeString,
	}

	// namedTypes maps the Go types with dedicated DBus meanings to
	// their DBus Type. They take precedence over kindToType.
	namedTypes = map[reflect.Type]Type{
		reflect.TypeFor[ObjectPath](): TypeObjectPath,
		reflect.TypeFor[Signature]():  TypeSignature,
		reflect.TypeFor[UnixFD]():     TypeUnixFD,
		reflect.TypeFor[Variant]():    TypeVariant,
		reflect.TypeFor[any]():        TypeVariant,
		reflect.TypeFor[Value]():      TypeVariant,
	}

	// mapKeyKinds is the set of reflect.Kinds that can be in a DBus map
	// key.
	mapKeyKinds = mapset.New(
		reflect.Bool,
		reflect.Uint8,
		reflect.Int16,
		reflect.Uint16,
		reflect.Int32,
		reflect.Uint32,
		reflect.Int64,
		reflect.Uint64,
		reflect.Float64,
		reflect.String,
	)
)
