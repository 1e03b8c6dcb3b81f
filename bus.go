package dbusrt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
)

const (
	busName  = "org.freedesktop.DBus"
	busPath  = ObjectPath("/org/freedesktop/DBus")
	busIface = "org.freedesktop.DBus"

	peerIface = "org.freedesktop.DBus.Peer"
)

// NameRequestFlags are the flags accepted by [Conn.RequestName].
type NameRequestFlags byte

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// callBus calls member on the message bus and returns its reply.
func (c *Conn) callBus(ctx context.Context, member string, args ...any) (*Message, error) {
	m := NewMethodCall(busName, busPath, busIface, member)
	if err := m.AppendArgs(args...); err != nil {
		return nil, err
	}
	return c.SendWithReplyAndBlock(ctx, m, UseDefaultTimeout)
}

// callBusInto calls member on the message bus and stores the reply's
// body into ret.
func callBusInto[T any](ctx context.Context, c *Conn, member string, args ...any) (T, error) {
	var ret T
	resp, err := c.callBus(ctx, member, args...)
	if err != nil {
		return ret, err
	}
	if err := resp.Args(&ret); err != nil {
		return ret, fmt.Errorf("decoding %s response: %w", member, err)
	}
	return ret, nil
}

// Hello registers the connection with the message bus, and returns
// the unique name the bus assigned to it.
func (c *Conn) Hello(ctx context.Context) (string, error) {
	name, err := callBusInto[string](ctx, c, "Hello")
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uniqueName = name
	return name, nil
}

// RequestName asks the bus to assign name to this connection, and
// reports whether the connection became its primary owner.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	resp, err := callBusInto[uint32](ctx, c, "RequestName", name, uint32(flags))
	if err != nil {
		return false, err
	}
	switch resp {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		// Couldn't become primary owner, and request flags asked to
		// not queue.
		return false, errors.New("requested name not available")
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", resp)
	}
}

// ReleaseName gives up this connection's claim on name.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	_, err := c.callBus(ctx, "ReleaseName", name)
	return err
}

// ListNames returns the names currently owned on the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	return callBusInto[[]string](ctx, c, "ListNames")
}

// ListActivatableNames returns the names the bus can start on
// demand.
func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	return callBusInto[[]string](ctx, c, "ListActivatableNames")
}

// NameHasOwner reports whether name currently has an owner.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	return callBusInto[bool](ctx, c, "NameHasOwner", name)
}

// GetNameOwner returns the unique name of name's primary owner.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	return callBusInto[string](ctx, c, "GetNameOwner", name)
}

// GetBusID returns the bus's globally unique ID.
func (c *Conn) GetBusID(ctx context.Context) (string, error) {
	return callBusInto[string](ctx, c, "GetId")
}

// AddMatch asks the bus to route messages matching m to this
// connection.
func (c *Conn) AddMatch(ctx context.Context, m *Match) error {
	_, err := c.callBus(ctx, "AddMatch", m.String())
	return err
}

// RemoveMatch undoes a previous [Conn.AddMatch] with an identical
// match.
func (c *Conn) RemoveMatch(ctx context.Context, m *Match) error {
	_, err := c.callBus(ctx, "RemoveMatch", m.String())
	return err
}

var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

// ServePeer adds a filter that answers the org.freedesktop.DBus.Peer
// interface's Ping and GetMachineId methods on every object path.
func (c *Conn) ServePeer() FilterID {
	return c.AddFilter(servePeer, nil, nil)
}

func servePeer(c *Conn, m *Message, _ any) FilterResult {
	var resp *Message
	switch {
	case m.IsMethodCall(peerIface, "Ping"):
		resp = NewMethodReturn(m)
	case m.IsMethodCall(peerIface, "GetMachineId"):
		id, err := machineID()
		if err != nil {
			resp = NewError(m, "org.freedesktop.DBus.Error.FileNotFound", err.Error())
		} else {
			resp = NewMethodReturn(m)
			resp.AppendArgs(id)
		}
	default:
		return FilterNotYetHandled
	}
	if !m.WantReply() {
		return FilterHandled
	}
	if _, err := c.Send(resp); err != nil {
		c.log.Warn().Err(err).Str("member", m.Member()).Msg("answering peer call")
	}
	return FilterHandled
}
