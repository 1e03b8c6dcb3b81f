package dbusrt

import (
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"slices"
)

var (
	valueType  = reflect.TypeFor[Value]()
	goTypes    cache[reflect.Type, Type]
	structInfo cache[reflect.Type, []int]
)

// TypeFor returns the DBus type that Go values of type T convert to
// with [ValueOf].
func TypeFor[T any]() (Type, error) {
	return typeFor(reflect.TypeFor[T](), nil)
}

func typeFor(t reflect.Type, stack []reflect.Type) (ret Type, err error) {
	if t == nil {
		return Type{}, typeErr(t, "nil interface")
	}
	if ret, err := goTypes.Get(t); !errors.Is(err, errNotFound) {
		return ret, err
	}
	if slices.Contains(stack, t) {
		return Type{}, typeErr(t, "recursive type")
	}
	stack = append(stack, t)

	defer func(t reflect.Type) {
		if err != nil {
			goTypes.SetErr(t, err)
		} else {
			goTypes.Set(t, ret)
		}
	}(t)

	if ret, ok := namedTypes[t]; ok {
		return ret, nil
	}
	if t.Kind() == reflect.Pointer {
		return typeFor(t.Elem(), stack)
	}
	if t.Implements(valueType) {
		if t.Kind() == reflect.Struct {
			// Containers carry their type in their contents.
			return Type{}, typeErr(t, "container type is only known from a value")
		}
		return reflect.Zero(t).Interface().(Value).Type(), nil
	}
	if ret, ok := kindToType[t.Kind()]; ok {
		return ret, nil
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		elem, err := typeFor(t.Elem(), stack)
		if err != nil {
			return Type{}, err
		}
		return ArrayOf(elem), nil
	case reflect.Map:
		if !mapKeyKinds.Has(t.Key().Kind()) {
			return Type{}, typeErr(t, "map key %s is not a basic type", t.Key())
		}
		k, err := typeFor(t.Key(), stack)
		if err != nil {
			return Type{}, err
		}
		v, err := typeFor(t.Elem(), stack)
		if err != nil {
			return Type{}, err
		}
		return DictOf(k, v), nil
	case reflect.Struct:
		fs := exportedFields(t)
		if len(fs) == 0 {
			return Type{}, typeErr(t, "struct has no exported fields")
		}
		ts := make([]Type, 0, len(fs))
		for _, i := range fs {
			ft, err := typeFor(t.Field(i).Type, stack)
			if err != nil {
				return Type{}, err
			}
			ts = append(ts, ft)
		}
		return StructOf(ts...), nil
	}

	return Type{}, typeErr(t, "no mapping available")
}

func exportedFields(t reflect.Type) []int {
	if ret, err := structInfo.Get(t); err == nil {
		return ret
	}
	var ret []int
	for i := range t.NumField() {
		if t.Field(i).IsExported() {
			ret = append(ret, i)
		}
	}
	structInfo.Set(t, ret)
	return ret
}

// ValueOf converts the Go value v to a DBus Value.
//
// Values that already implement [Value] are returned as-is. Sized
// integers, float64, bool and string convert to the corresponding
// basic types. [ObjectPath], [Signature] and [UnixFD] convert to
// their DBus kinds. Slices and arrays convert to arrays, maps to
// dicts, and structs to DBus structs of their exported fields in
// declaration order. Interface values, such as the elements of an
// []any, convert to variants. Pointers convert as the value they
// point to, or the zero value of the pointee if nil.
//
// int, uint, int8, complex, channel and function values cannot be
// converted, and return a [TypeError].
func ValueOf(v any) (Value, error) {
	if vv, ok := v.(Value); ok && reflect.TypeOf(v).Kind() != reflect.Pointer {
		return vv, nil
	}
	if v == nil {
		return nil, typeErr(nil, "nil interface")
	}
	return toValue(reflect.ValueOf(v))
}

func toValue(rv reflect.Value) (Value, error) {
	t := rv.Type()
	if t.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, typeErr(t, "nil interface value")
		}
		inner := rv.Elem()
		if v, ok := inner.Interface().(Variant); ok {
			return v, nil
		}
		v, err := toValue(inner)
		if err != nil {
			return nil, err
		}
		return Variant{v}, nil
	}
	if t.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return toValue(reflect.Zero(t.Elem()))
		}
		return toValue(rv.Elem())
	}
	if t.Implements(valueType) {
		return rv.Interface().(Value), nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Uint8:
		return Byte(rv.Uint()), nil
	case reflect.Int16:
		return Int16(rv.Int()), nil
	case reflect.Uint16:
		return Uint16(rv.Uint()), nil
	case reflect.Int32:
		return Int32(rv.Int()), nil
	case reflect.Uint32:
		return Uint32(rv.Uint()), nil
	case reflect.Int64:
		return Int64(rv.Int()), nil
	case reflect.Uint64:
		return Uint64(rv.Uint()), nil
	case reflect.Float64:
		return Double(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Slice, reflect.Array:
		elem, err := typeFor(t.Elem(), nil)
		if err != nil {
			return nil, err
		}
		ret := Array{Elem: elem, Items: make([]Value, 0, rv.Len())}
		for i := range rv.Len() {
			v, err := toValue(rv.Index(i))
			if err != nil {
				return nil, err
			}
			ret.Items = append(ret.Items, v)
		}
		return ret, nil
	case reflect.Map:
		dt, err := typeFor(t, nil)
		if err != nil {
			return nil, err
		}
		ret := Dict{Key: dt.Key(), Elem: dt.Elem().Elem(), Entries: make([]DictEntry, 0, rv.Len())}
		keys := rv.MapKeys()
		slices.SortFunc(keys, compareKeys)
		for _, k := range keys {
			kv, err := toValue(k)
			if err != nil {
				return nil, err
			}
			vv, err := toValue(rv.MapIndex(k))
			if err != nil {
				return nil, err
			}
			ret.Entries = append(ret.Entries, DictEntry{kv, vv})
		}
		return ret, nil
	case reflect.Struct:
		// Nil pointers convert to zero values, which would recurse
		// forever on self-referential types.
		if _, err := typeFor(t, nil); err != nil {
			return nil, err
		}
		fs := exportedFields(t)
		ret := Struct{Fields: make([]Value, 0, len(fs))}
		for _, i := range fs {
			v, err := toValue(rv.Field(i))
			if err != nil {
				return nil, err
			}
			ret.Fields = append(ret.Fields, v)
		}
		return ret, nil
	}

	return nil, typeErr(t, "no mapping available")
}

// compareKeys orders map keys, so that converted dicts have a
// stable entry order.
func compareKeys(a, b reflect.Value) int {
	switch a.Kind() {
	case reflect.Bool:
		switch {
		case a.Bool() == b.Bool():
			return 0
		case a.Bool():
			return 1
		default:
			return -1
		}
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	case reflect.String:
		return cmp.Compare(a.String(), b.String())
	}
	return 0
}

// Store stores the DBus value v into the Go value pointed to by ptr,
// applying the inverse of the [ValueOf] conversions.
//
// A *Value or *any receives v itself. Variants are unwrapped when
// ptr points to anything other than Variant, Value or any. String,
// ObjectPath and Signature values can all be stored into a Go
// string. Maps are cleared before storing a dict into them, and if
// the dict contains duplicate keys the last one wins.
func Store(v Value, ptr any) error {
	rv := reflect.ValueOf(ptr)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer {
		return typeErr(reflect.TypeOf(ptr), "Store target must be a pointer")
	}
	if rv.IsNil() {
		return typeErr(rv.Type(), "Store target must not be a nil pointer")
	}
	return storeValue(v, rv.Elem())
}

func storeValue(v Value, rv reflect.Value) error {
	if v == nil {
		return fmt.Errorf("%w: cannot store nil value", ErrTypeMismatch)
	}
	t := rv.Type()
	mismatch := func() error {
		return fmt.Errorf("%w: cannot store %q value in %s", ErrTypeMismatch, typeOf(v), t)
	}

	if t.Kind() == reflect.Interface {
		if !reflect.TypeOf(v).AssignableTo(t) {
			return mismatch()
		}
		rv.Set(reflect.ValueOf(v))
		return nil
	}
	if vt := reflect.TypeOf(v); vt == t {
		rv.Set(reflect.ValueOf(v))
		return nil
	}
	if vv, ok := v.(Variant); ok {
		return storeValue(vv.Value, rv)
	}
	if t.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv.Set(reflect.New(t.Elem()))
		}
		return storeValue(v, rv.Elem())
	}
	if want, ok := namedTypes[t]; ok && want != typeOf(v) {
		return mismatch()
	}

	switch t.Kind() {
	case reflect.Bool:
		b, ok := v.(Bool)
		if !ok {
			return mismatch()
		}
		rv.SetBool(bool(b))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if kindToType[t.Kind()] != typeOf(v) {
			return mismatch()
		}
		rv.SetUint(reflect.ValueOf(v).Uint())
	case reflect.Int16, reflect.Int32, reflect.Int64:
		if kindToType[t.Kind()] != typeOf(v) {
			return mismatch()
		}
		rv.SetInt(reflect.ValueOf(v).Int())
	case reflect.Float64:
		d, ok := v.(Double)
		if !ok {
			return mismatch()
		}
		rv.SetFloat(float64(d))
	case reflect.String:
		switch s := v.(type) {
		case String:
			rv.SetString(string(s))
		case ObjectPath:
			rv.SetString(string(s))
		case Signature:
			rv.SetString(string(s))
		default:
			return mismatch()
		}
	case reflect.Slice:
		a, ok := v.(Array)
		if !ok {
			return mismatch()
		}
		ret := reflect.MakeSlice(t, len(a.Items), len(a.Items))
		for i, it := range a.Items {
			if err := storeValue(it, ret.Index(i)); err != nil {
				return err
			}
		}
		rv.Set(ret)
	case reflect.Array:
		a, ok := v.(Array)
		if !ok {
			return mismatch()
		}
		if len(a.Items) != t.Len() {
			return fmt.Errorf("%w: cannot store %d element array in %s", ErrTypeMismatch, len(a.Items), t)
		}
		for i, it := range a.Items {
			if err := storeValue(it, rv.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		d, ok := v.(Dict)
		if !ok {
			return mismatch()
		}
		ret := reflect.MakeMapWithSize(t, len(d.Entries))
		for _, e := range d.Entries {
			k := reflect.New(t.Key()).Elem()
			if err := storeValue(e.Key, k); err != nil {
				return err
			}
			ev := reflect.New(t.Elem()).Elem()
			if err := storeValue(e.Value, ev); err != nil {
				return err
			}
			ret.SetMapIndex(k, ev)
		}
		rv.Set(ret)
	case reflect.Struct:
		var fields []Value
		switch s := v.(type) {
		case Struct:
			fields = s.Fields
		case DictEntry:
			fields = []Value{s.Key, s.Value}
		default:
			return mismatch()
		}
		fs := exportedFields(t)
		if len(fs) != len(fields) {
			return fmt.Errorf("%w: cannot store %d field struct in %s with %d exported fields", ErrTypeMismatch, len(fields), t, len(fs))
		}
		for i, f := range fields {
			if err := storeValue(f, rv.Field(fs[i])); err != nil {
				return err
			}
		}
	default:
		return mismatch()
	}
	return nil
}
