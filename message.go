package dbusrt

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// A Message is one DBus message.
//
// Messages are mutable until they are locked, either explicitly with
// [Message.Lock] or by sending them on a [Conn]. Mutating a locked
// message fails with [ErrLocked]. A locked message may be shared
// between goroutines.
type Message struct {
	hdr    Header
	body   []Value
	files  []*os.File
	locked atomic.Bool
}

// NewMessage returns an empty message of the given type.
func NewMessage(t MessageType) *Message {
	return &Message{hdr: Header{Type: t, Version: protocolVersion}}
}

// NewMethodCall returns a method call of member on the given object.
// iface and dest may be empty.
func NewMethodCall(dest string, path ObjectPath, iface, member string) *Message {
	m := NewMessage(MsgMethodCall)
	m.hdr.Destination = dest
	m.hdr.Path = path
	m.hdr.Interface = iface
	m.hdr.Member = member
	return m
}

// NewSignal returns a signal emitted by the given object.
func NewSignal(path ObjectPath, iface, member string) *Message {
	m := NewMessage(MsgSignal)
	m.hdr.Path = path
	m.hdr.Interface = iface
	m.hdr.Member = member
	return m
}

// NewMethodReturn returns a successful reply to call.
func NewMethodReturn(call *Message) *Message {
	m := NewMessage(MsgMethodReturn)
	m.hdr.ReplySerial = call.hdr.Serial
	m.hdr.Destination = call.hdr.Sender
	return m
}

// NewError returns an error reply to call. If text is not empty, it
// is the body of the error.
func NewError(call *Message, name, text string) *Message {
	m := NewMessage(MsgError)
	m.hdr.ReplySerial = call.hdr.Serial
	m.hdr.Destination = call.hdr.Sender
	m.hdr.ErrorName = name
	if text != "" {
		m.body = []Value{String(text)}
	}
	return m
}

// NewErrorf is like [NewError], with a formatted error text.
func NewErrorf(call *Message, name, format string, args ...any) *Message {
	return NewError(call, name, fmt.Sprintf(format, args...))
}

// Copy returns an unlocked deep copy of m, with no serial.
//
// Attached files are shared with m, not duplicated. A copy of a
// message decoded with [Unmarshal], rather than received on a
// [Conn], has no files, so if its body holds [UnixFD] values it
// cannot be marshaled until the files are attached again.
func (m *Message) Copy() *Message {
	ret := &Message{
		hdr:   m.hdr,
		body:  cloneValues(m.body),
		files: slices.Clone(m.files),
	}
	ret.hdr.Serial = 0
	ret.hdr.Unknown = slices.Clone(m.hdr.Unknown)
	return ret
}

// Lock makes m immutable.
func (m *Message) Lock() { m.locked.Store(true) }

// Locked reports whether m is locked.
func (m *Message) Locked() bool { return m.locked.Load() }

func (m *Message) mutate(fn func()) error {
	if m.Locked() {
		return ErrLocked
	}
	fn()
	return nil
}

// Header returns a copy of the message's header. The signature
// field always describes the current body. The body length is only
// populated for received messages.
func (m *Message) Header() Header {
	ret := m.hdr
	ret.Unknown = slices.Clone(m.hdr.Unknown)
	ret.Signature = m.Signature()
	if n := uint32(len(m.files)); n > ret.UnixFDs {
		ret.UnixFDs = n
	}
	return ret
}

func (m *Message) Type() MessageType   { return m.hdr.Type }
func (m *Message) Flags() Flags        { return m.hdr.Flags }
func (m *Message) Serial() uint32      { return m.hdr.Serial }
func (m *Message) ReplySerial() uint32 { return m.hdr.ReplySerial }
func (m *Message) Path() ObjectPath    { return m.hdr.Path }
func (m *Message) Interface() string   { return m.hdr.Interface }
func (m *Message) Member() string      { return m.hdr.Member }
func (m *Message) ErrorName() string   { return m.hdr.ErrorName }
func (m *Message) Destination() string { return m.hdr.Destination }
func (m *Message) Sender() string      { return m.hdr.Sender }

// Body returns the message's top-level values. The returned slice
// must not be modified.
func (m *Message) Body() []Value { return m.body }

// Files returns the files attached to the message.
func (m *Message) Files() []*os.File { return m.files }

// SetFlags sets the message's flag byte.
func (m *Message) SetFlags(f Flags) error {
	return m.mutate(func() { m.hdr.Flags = f })
}

// SetNoReply sets or clears [FlagNoReplyExpected].
func (m *Message) SetNoReply(noReply bool) error {
	return m.mutate(func() { m.hdr.Flags = setFlag(m.hdr.Flags, FlagNoReplyExpected, noReply) })
}

// SetAutoStart clears or sets [FlagNoAutoStart].
func (m *Message) SetAutoStart(autoStart bool) error {
	return m.mutate(func() { m.hdr.Flags = setFlag(m.hdr.Flags, FlagNoAutoStart, !autoStart) })
}

func setFlag(fs, f Flags, on bool) Flags {
	if on {
		return fs | f
	}
	return fs &^ f
}

func (m *Message) SetPath(p ObjectPath) error {
	if p != "" && !p.Valid() {
		return fmt.Errorf("invalid object path %q", p)
	}
	return m.mutate(func() { m.hdr.Path = p })
}

func (m *Message) SetInterface(iface string) error {
	return m.mutate(func() { m.hdr.Interface = iface })
}

func (m *Message) SetMember(member string) error {
	return m.mutate(func() { m.hdr.Member = member })
}

func (m *Message) SetErrorName(name string) error {
	return m.mutate(func() { m.hdr.ErrorName = name })
}

func (m *Message) SetDestination(dest string) error {
	return m.mutate(func() { m.hdr.Destination = dest })
}

func (m *Message) SetSender(sender string) error {
	return m.mutate(func() { m.hdr.Sender = sender })
}

// SetSerial sets the message's serial. [Conn.Send] assigns serials
// itself, SetSerial is for marshaling messages without a connection.
func (m *Message) SetSerial(serial uint32) error {
	return m.mutate(func() { m.hdr.Serial = serial })
}

func (m *Message) SetReplySerial(serial uint32) error {
	return m.mutate(func() { m.hdr.ReplySerial = serial })
}

// AttachFile attaches f to the message, and returns the [UnixFD]
// value that refers to it in the message body.
func (m *Message) AttachFile(f *os.File) (UnixFD, error) {
	var idx UnixFD
	err := m.mutate(func() {
		idx = UnixFD(len(m.files))
		m.files = append(m.files, f)
	})
	return idx, err
}

func (m *Message) HasPath(p ObjectPath) bool    { return m.hdr.Path == p }
func (m *Message) HasInterface(s string) bool   { return m.hdr.Interface == s }
func (m *Message) HasMember(s string) bool      { return m.hdr.Member == s }
func (m *Message) HasDestination(s string) bool { return m.hdr.Destination == s }
func (m *Message) HasSender(s string) bool      { return m.hdr.Sender == s }

// HasSignature reports whether the message body has signature sig.
func (m *Message) HasSignature(sig string) bool { return string(m.Signature()) == sig }

// IsMethodCall reports whether m is a call of iface.member.
func (m *Message) IsMethodCall(iface, member string) bool {
	return m.hdr.Type == MsgMethodCall && m.hdr.Interface == iface && m.hdr.Member == member
}

// IsSignal reports whether m is the signal iface.member.
func (m *Message) IsSignal(iface, member string) bool {
	return m.hdr.Type == MsgSignal && m.hdr.Interface == iface && m.hdr.Member == member
}

// IsError reports whether m is an error reply with the given name.
func (m *Message) IsError(name string) bool {
	return m.hdr.Type == MsgError && m.hdr.ErrorName == name
}

// PathDecomposed returns the elements of the message's object path.
func (m *Message) PathDecomposed() []string {
	return m.hdr.Path.Decompose()
}

// Signature returns the signature of the message body.
func (m *Message) Signature() Signature {
	return SignatureOf(m.body...)
}

// ContainsFDs reports whether the message carries file descriptors.
func (m *Message) ContainsFDs() bool {
	return len(m.files) > 0 || strings.ContainsRune(string(m.Signature()), 'h')
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.hdr.WantReply()
}

// Err returns the [CallError] carried by an error message, or nil if
// m is not an error.
func (m *Message) Err() error {
	if m.hdr.Type != MsgError {
		return nil
	}
	ret := CallError{Name: m.hdr.ErrorName}
	if len(m.body) > 0 {
		if s, ok := m.body[0].(String); ok {
			ret.Detail = string(s)
		}
	}
	return ret
}

// AppendArgs converts args with [ValueOf] and appends them to the
// message body.
func (m *Message) AppendArgs(args ...any) error {
	vs := make([]Value, 0, len(args))
	for _, a := range args {
		v, err := ValueOf(a)
		if err != nil {
			return err
		}
		if err := Validate(v); err != nil {
			return err
		}
		vs = append(vs, v)
	}
	return m.mutate(func() { m.body = append(m.body, vs...) })
}

// Args stores the message's body values into ptrs with [Store], in
// order. It is an error for ptrs to be longer than the body. Extra
// body values are ignored.
func (m *Message) Args(ptrs ...any) error {
	if len(ptrs) > len(m.body) {
		return fmt.Errorf("%w: reading %d arguments from body with signature %q", ErrTypeMismatch, len(ptrs), m.Signature())
	}
	for i, p := range ptrs {
		if err := Store(m.body[i], p); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}

// Valid checks that the message is well formed for its type.
func (m *Message) Valid() error {
	if err := m.hdr.Valid(); err != nil {
		return err
	}
	for i, v := range m.body {
		if err := Validate(v); err != nil {
			return fmt.Errorf("body value %d: %w", i, err)
		}
	}
	if sig := m.Signature(); len(sig) > maxSignatureLen {
		return fmt.Errorf("body signature longer than %d bytes", maxSignatureLen)
	}
	return nil
}

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s serial=%d", m.hdr.Type, m.hdr.Serial)
	if m.hdr.ReplySerial != 0 {
		fmt.Fprintf(&b, " reply_serial=%d", m.hdr.ReplySerial)
	}
	if m.hdr.Sender != "" {
		fmt.Fprintf(&b, " sender=%s", m.hdr.Sender)
	}
	if m.hdr.Destination != "" {
		fmt.Fprintf(&b, " destination=%s", m.hdr.Destination)
	}
	if m.hdr.Path != "" {
		fmt.Fprintf(&b, " path=%s", m.hdr.Path)
	}
	if m.hdr.Interface != "" {
		fmt.Fprintf(&b, " interface=%s", m.hdr.Interface)
	}
	if m.hdr.Member != "" {
		fmt.Fprintf(&b, " member=%s", m.hdr.Member)
	}
	if m.hdr.ErrorName != "" {
		fmt.Fprintf(&b, " error_name=%s", m.hdr.ErrorName)
	}
	if sig := m.Signature(); sig != "" {
		fmt.Fprintf(&b, " signature=%s", sig)
	}
	return b.String()
}
