package dbusrt

import (
	"errors"
	"fmt"
	"strings"
)

var errNotChild = errors.New("container is not an open child of this iterator")

// AppendIter is a cursor that appends values to a message body, or
// to a container being built inside it.
//
// A cursor returned by [AppendIter.OpenContainer] stages the values
// appended to it. [AppendIter.CloseContainer] turns the staged values
// into a container value and appends it to the parent. While a child
// is open, its parent cannot be used.
type AppendIter struct {
	msg    *Message
	parent *AppendIter
	child  *AppendIter
	closed bool

	// kind is the kind of container being built, or KindInvalid for
	// the top-level cursor.
	kind Kind
	// typ is the declared type of the container's contents: the
	// element type of an array, the content type of a variant, or
	// the full type of a struct. It is zero for structs opened
	// without a signature.
	typ    Type
	staged []Value
}

// Append returns a cursor that appends values to the end of m's
// body.
func (m *Message) Append() (*AppendIter, error) {
	if m.Locked() {
		return nil, ErrLocked
	}
	return &AppendIter{msg: m}, nil
}

func (it *AppendIter) usable() error {
	if it.closed {
		return ErrIterClosed
	}
	if it.child != nil {
		return ErrChildOpen
	}
	return nil
}

func (it *AppendIter) add(v Value) error {
	if err := it.usable(); err != nil {
		return err
	}
	if it.parent == nil {
		return it.msg.mutate(func() { it.msg.body = append(it.msg.body, v) })
	}
	it.staged = append(it.staged, v)
	return nil
}

// AppendBasic appends the basic value v.
func (it *AppendIter) AppendBasic(v Value) error {
	if !typeOf(v).Kind().IsBasic() {
		return fmt.Errorf("%w: AppendBasic given non-basic type %q", ErrTypeMismatch, typeOf(v))
	}
	if err := Validate(v); err != nil {
		return err
	}
	return it.add(v)
}

// AppendValue appends the complete value v, which may be a
// container. This is the way to append dicts.
func (it *AppendIter) AppendValue(v Value) error {
	if err := Validate(v); err != nil {
		return err
	}
	return it.add(v)
}

// OpenContainer begins a container of the given kind, and returns a
// cursor for its contents.
//
// For arrays, sig is the element type. For variants, sig is the
// content type. For structs, sig is optional and is either the
// struct's type or the concatenated field types. Dicts and dict
// entries cannot be built through an iterator, and fail with
// [ErrDictAppend].
func (it *AppendIter) OpenContainer(kind Kind, sig string) (*AppendIter, error) {
	if err := it.usable(); err != nil {
		return nil, err
	}
	if it.parent == nil && it.msg.Locked() {
		return nil, ErrLocked
	}

	child := &AppendIter{msg: it.msg, parent: it, kind: kind}
	switch kind {
	case KindArray:
		if strings.HasPrefix(sig, "{") {
			return nil, ErrDictAppend
		}
		elem, err := ParseType(sig)
		if err != nil {
			return nil, fmt.Errorf("array element type: %w", err)
		}
		child.typ = elem
	case KindVariant:
		inner, err := ParseType(sig)
		if err != nil {
			return nil, fmt.Errorf("variant content type: %w", err)
		}
		child.typ = inner
	case KindStruct:
		if sig != "" {
			t, err := ParseType(sig)
			if err != nil {
				t, err = ParseType("(" + sig + ")")
			}
			if err != nil {
				return nil, fmt.Errorf("struct type: %w", err)
			}
			if t.Kind() != KindStruct {
				return nil, fmt.Errorf("%w: struct type %q is not a struct", ErrTypeMismatch, sig)
			}
			child.typ = t
		}
	case KindDictEntry:
		return nil, ErrDictAppend
	default:
		return nil, fmt.Errorf("%w: %v is not a container kind", ErrTypeMismatch, kind)
	}

	it.child = child
	return child, nil
}

// CloseContainer finishes the child container sub, and appends it
// to it. If the staged contents do not match the container's
// declared type, the container is discarded and CloseContainer
// returns [ErrTypeMismatch].
func (it *AppendIter) CloseContainer(sub *AppendIter) error {
	if it.closed {
		return ErrIterClosed
	}
	if sub == nil || it.child != sub {
		return errNotChild
	}
	if sub.child != nil {
		return ErrChildOpen
	}
	it.child = nil
	sub.closed = true

	v, err := sub.build()
	if err != nil {
		return err
	}
	return it.add(v)
}

func (it *AppendIter) build() (Value, error) {
	switch it.kind {
	case KindArray:
		for i, v := range it.staged {
			if t := typeOf(v); t != it.typ {
				return nil, fmt.Errorf("%w: array item %d has type %q, declared element type is %q", ErrTypeMismatch, i, t, it.typ)
			}
		}
		items := it.staged
		if items == nil {
			items = []Value{}
		}
		return Array{Elem: it.typ, Items: items}, nil
	case KindVariant:
		if len(it.staged) != 1 {
			return nil, fmt.Errorf("%w: variant has %d values, want exactly 1", ErrTypeMismatch, len(it.staged))
		}
		if t := typeOf(it.staged[0]); t != it.typ {
			return nil, fmt.Errorf("%w: variant content has type %q, declared %q", ErrTypeMismatch, t, it.typ)
		}
		return Variant{it.staged[0]}, nil
	case KindStruct:
		if len(it.staged) == 0 {
			return nil, fmt.Errorf("%w: empty struct", ErrTypeMismatch)
		}
		ret := Struct{Fields: it.staged}
		if !it.typ.IsZero() {
			if t := ret.Type(); t != it.typ {
				return nil, fmt.Errorf("%w: struct has type %q, declared %q", ErrTypeMismatch, t, it.typ)
			}
		}
		return ret, nil
	}
	return nil, fmt.Errorf("%w: cannot build container of kind %v", ErrTypeMismatch, it.kind)
}

// AbandonContainer discards the child container sub and everything
// staged in it.
func (it *AppendIter) AbandonContainer(sub *AppendIter) error {
	if sub == nil || it.child != sub {
		return errNotChild
	}
	for c := sub; c != nil; c = c.child {
		c.closed = true
	}
	it.child = nil
	return nil
}

// Close closes the cursor. Closing a container cursor is the same
// as its parent calling CloseContainer on it. Closing the top-level
// cursor has no effect, since its values are already in the
// message.
func (it *AppendIter) Close() error {
	if it.parent != nil {
		return it.parent.CloseContainer(it)
	}
	if it.child != nil {
		return ErrChildOpen
	}
	return nil
}

// ReadIter is a read-only cursor over a message body, or over the
// contents of a container value.
//
// A fresh cursor is positioned at its first element. A child cursor
// obtained from [ReadIter.Recurse] becomes stale once its parent
// advances, and then fails with [ErrStaleIter].
type ReadIter struct {
	items []Value
	pos   int
	gen   uint64

	parent    *ReadIter
	parentGen uint64
}

// Iter returns a cursor positioned at the first value of m's body.
func (m *Message) Iter() *ReadIter {
	return &ReadIter{items: m.body}
}

// NewReadIter returns a cursor over vs.
func NewReadIter(vs []Value) *ReadIter {
	return &ReadIter{items: vs}
}

func (it *ReadIter) stale() bool {
	for c := it; c.parent != nil; c = c.parent {
		if c.parent.gen != c.parentGen {
			return true
		}
	}
	return false
}

func (it *ReadIter) current() (Value, error) {
	if it.stale() {
		return nil, ErrStaleIter
	}
	if it.pos >= len(it.items) {
		return nil, fmt.Errorf("%w: iterator is past the last value", ErrTypeMismatch)
	}
	return it.items[it.pos], nil
}

// HasNext reports whether there is another value after the current
// one.
func (it *ReadIter) HasNext() bool {
	return !it.stale() && it.pos+1 < len(it.items)
}

// Next advances to the next value, and reports whether there is
// one. Once Next returns false, it always returns false.
func (it *ReadIter) Next() bool {
	if it.stale() {
		return false
	}
	if it.pos < len(it.items) {
		it.pos++
		it.gen++
	}
	return it.pos < len(it.items)
}

// Type returns the kind of the current value, or KindInvalid if the
// cursor is exhausted or stale. Dicts report KindArray, like the
// arrays of dict entries they are on the wire.
func (it *ReadIter) Type() Kind {
	v, err := it.current()
	if err != nil {
		return KindInvalid
	}
	return kindOf(v)
}

func kindOf(v Value) Kind {
	return v.Type().Kind()
}

// ElementType returns the element kind of the current value if it
// is an array, KindDictEntry if it is a dict, and KindInvalid
// otherwise.
func (it *ReadIter) ElementType() Kind {
	v, err := it.current()
	if err != nil {
		return KindInvalid
	}
	switch vv := v.(type) {
	case Array:
		return vv.Elem.Kind()
	case Dict:
		return KindDictEntry
	}
	return KindInvalid
}

// Signature returns the type signature of the current value.
func (it *ReadIter) Signature() string {
	v, err := it.current()
	if err != nil {
		return ""
	}
	return v.Type().String()
}

// Len returns the number of children of the current value if it is
// a container, and 0 otherwise.
func (it *ReadIter) Len() int {
	v, err := it.current()
	if err != nil {
		return 0
	}
	return len(children(v))
}

func children(v Value) []Value {
	switch vv := v.(type) {
	case Array:
		return vv.Items
	case Dict:
		ret := make([]Value, len(vv.Entries))
		for i, e := range vv.Entries {
			ret[i] = e
		}
		return ret
	case DictEntry:
		return []Value{vv.Key, vv.Value}
	case Struct:
		return vv.Fields
	case Variant:
		return []Value{vv.Value}
	}
	return nil
}

// Recurse returns a cursor over the children of the current value,
// which must be a container. Dict entries are presented as
// two-element (key, value) containers of kind KindDictEntry.
func (it *ReadIter) Recurse() (*ReadIter, error) {
	v, err := it.current()
	if err != nil {
		return nil, err
	}
	if !kindOf(v).IsContainer() {
		return nil, fmt.Errorf("%w: cannot recurse into basic type %q", ErrTypeMismatch, v.Type())
	}
	return &ReadIter{
		items:     children(v),
		parent:    it,
		parentGen: it.gen,
	}, nil
}

// Basic stores the current value into out, which must point to a
// Go type compatible with it. The current value must be basic.
func (it *ReadIter) Basic(out any) error {
	v, err := it.current()
	if err != nil {
		return err
	}
	if !kindOf(v).IsBasic() {
		return fmt.Errorf("%w: current value has container type %q", ErrTypeMismatch, v.Type())
	}
	return Store(v, out)
}

// Value returns the current value.
func (it *ReadIter) Value() (Value, error) {
	return it.current()
}
