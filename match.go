package dbusrt

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a message filter in the form understood by the bus's
// AddMatch method.
//
// A Match can be sent to the bus with [Conn.AddMatch], and evaluated
// locally with [Match.Matches]. The zero Match matches every message.
type Match struct {
	typ          value.Maybe[MessageType]
	sender       value.Maybe[string]
	iface        value.Maybe[string]
	member       value.Maybe[string]
	object       value.Maybe[ObjectPath]
	objectPrefix value.Maybe[ObjectPath]
	destination  value.Maybe[string]
	argStr       map[int]string
	argPath      map[int]ObjectPath
	arg0NS       value.Maybe[string]
}

// NewMatch returns a Match for all messages.
func NewMatch() *Match {
	return &Match{}
}

// MatchSignal returns a Match for the given signal. An empty iface or
// member matches any interface or member.
func MatchSignal(iface, member string) *Match {
	m := NewMatch().Type(MsgSignal)
	if iface != "" {
		m.Interface(iface)
	}
	if member != "" {
		m.Member(member)
	}
	return m
}

// Type restricts the match to messages of type t.
func (m *Match) Type(t MessageType) *Match {
	m.typ = value.Just(t)
	return m
}

// Sender restricts the match to messages sent by the named peer.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Interface restricts the match to the given interface.
func (m *Match) Interface(iface string) *Match {
	m.iface = value.Just(iface)
	return m
}

// Member restricts the match to the given method or signal name.
func (m *Match) Member(member string) *Match {
	m.member = value.Just(member)
	return m
}

// Destination restricts the match to messages addressed to the named
// peer.
func (m *Match) Destination(name string) *Match {
	m.destination = value.Just(name)
	return m
}

// Object restricts the match to a single object path.
func (m *Match) Object(o ObjectPath) *Match {
	m.objectPrefix = value.Absent[ObjectPath]()
	m.object = value.Just(o.Clean())
	return m
}

// ObjectPrefix restricts the match to objects rooted at the given
// path prefix.
//
// For example, ObjectPrefix("/mascots/gopher") matches messages for
// /mascots/gopher, /mascots/gopher/plushie,
// /mascots/gopher/art/renee-french, but not /mascots/glenda.
func (m *Match) ObjectPrefix(o ObjectPath) *Match {
	m.object = value.Absent[ObjectPath]()
	if o == "/" {
		// workaround for dbus-broker bug: / means the same as not
		// specifying a path match anyway, so don't include it.
		m.objectPrefix = value.Absent[ObjectPath]()
	} else {
		m.objectPrefix = value.Just(o.Clean())
	}
	return m
}

// ArgStr restricts the match to messages whose i-th body value is a
// string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	if i < 0 || i > 63 {
		panic(fmt.Errorf("invalid ArgStr match on arg %d, must be in [0,63]", i))
	}
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the match to messages whose i-th body
// value is a string or object path equal to or rooted at val.
func (m *Match) ArgPathPrefix(i int, val ObjectPath) *Match {
	if i < 0 || i > 63 {
		panic(fmt.Errorf("invalid ArgPathPrefix match on arg %d, must be in [0,63]", i))
	}
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the match to messages whose first body
// value is a peer or interface name with the given dot-separated
// prefix.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

// String returns the match in the string format that DBus wants for
// the AddMatch and RemoveMatch methods.
func (m *Match) String() string {
	var ms []string
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if t, ok := m.typ.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", i)
	}
	if mb, ok := m.member.GetOK(); ok {
		kv("member", mb)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", o.String())
	}
	if p, ok := m.objectPrefix.GetOK(); ok {
		kv("path_namespace", p.String())
	}
	if d, ok := m.destination.GetOK(); ok {
		kv("destination", d)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), m.argPath[i].String())
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}

	return strings.Join(ms, ",")
}

// Matches reports whether msg satisfies the match, using the same
// logic the bus applies to the match's String form.
//
// A connection receives the union of all its matches on a single
// stream, so each consumer needs to filter again locally.
func (m *Match) Matches(msg *Message) bool {
	hdr := &msg.hdr
	if t, ok := m.typ.GetOK(); ok && hdr.Type != t {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && hdr.Sender != s {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && hdr.Interface != i {
		return false
	}
	if mb, ok := m.member.GetOK(); ok && hdr.Member != mb {
		return false
	}
	if o, ok := m.object.GetOK(); ok && hdr.Path != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && hdr.Path != p && !hdr.Path.IsChildOf(p) {
		return false
	}
	if d, ok := m.destination.GetOK(); ok && hdr.Destination != d {
		return false
	}

	for i, want := range m.argStr {
		got, ok := bodyString(msg.body, i, false)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		got, ok := bodyString(msg.body, i, true)
		if !ok {
			return false
		}
		if p := ObjectPath(got); p != want && !p.IsChildOf(want) {
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		got, ok := bodyString(msg.body, 0, false)
		if !ok || (got != n && !strings.HasPrefix(got, n+".")) {
			return false
		}
	}

	return true
}

// Filter returns a [FilterFunc] that passes messages satisfying the
// match to fn and consumes them. Other messages are left for the
// rest of the filter chain.
func (m *Match) Filter(fn func(*Conn, *Message)) FilterFunc {
	return func(c *Conn, msg *Message, _ any) FilterResult {
		if !m.Matches(msg) {
			return FilterNotYetHandled
		}
		fn(c, msg)
		return FilterHandled
	}
}

// bodyString returns the i-th body value as a string, if it is a
// string, or when allowPath is set, an object path.
func bodyString(body []Value, i int, allowPath bool) (string, bool) {
	if i >= len(body) {
		return "", false
	}
	switch v := body[i].(type) {
	case String:
		return string(v), true
	case ObjectPath:
		return string(v), allowPath
	}
	return "", false
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
