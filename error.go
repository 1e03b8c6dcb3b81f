package dbusrt

import (
	"errors"
	"fmt"
	"net"
	"reflect"
)

var (
	// ErrIncomplete is returned by the codec when more bytes are
	// needed to decode a frame. It is not a failure, the caller
	// should retry once more input is available.
	ErrIncomplete = errors.New("incomplete message")
	// ErrMalformed is returned by the codec when received bytes
	// violate the DBus wire format.
	ErrMalformed = errors.New("malformed message")
	// ErrTimeout is the result of a pending call whose deadline
	// passed without a reply.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrTypeMismatch is returned when a value does not have the
	// shape an operation requires.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrDisconnected is returned by operations on a connection
	// whose transport has failed or been closed.
	ErrDisconnected = fmt.Errorf("connection disconnected: %w", net.ErrClosed)
	// ErrLocked is returned when modifying a message that has been
	// sent or explicitly locked.
	ErrLocked = errors.New("message is locked")
	// ErrCanceled is the result of a pending call that was
	// canceled before receiving a reply.
	ErrCanceled = errors.New("pending call canceled")
	// ErrNoReply is returned by [PendingCall.Reply] before the call
	// has completed.
	ErrNoReply = errors.New("reply not yet received")
	// ErrFilterNeedMemory is returned by [Conn.Dispatch] when a
	// filter reports that it could not allocate the resources it
	// needed. The connection is disconnected.
	ErrFilterNeedMemory = errors.New("message filter ran out of resources")
	// ErrDictAppend is returned by [AppendIter.OpenContainer] for
	// dictionaries, which must be appended whole with
	// [AppendIter.AppendValue].
	ErrDictAppend = fmt.Errorf("appending dict entries through an iterator: %w", errors.ErrUnsupported)
	// ErrChildOpen is returned by iterator operations on a cursor
	// that has an open child container.
	ErrChildOpen = errors.New("iterator has an open child container")
	// ErrIterClosed is returned by operations on a closed iterator.
	ErrIterClosed = errors.New("iterator is closed")
	// ErrStaleIter is returned by operations on a read iterator
	// whose parent has moved past the element it was reading.
	ErrStaleIter = errors.New("iterator is stale")
)

// TypeError is the error returned when a type cannot be represented
// in the DBus wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable by
	// DBus.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := "nil"
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// ConnectError is the error returned when a connection to a bus
// cannot be established.
type ConnectError struct {
	// Address is the bus address that was dialed.
	Address string
	// Err is the underlying failure.
	Err error
}

func (e ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %s", e.Address, e.Err)
}

func (e ConnectError) Unwrap() error {
	return e.Err
}

// IOError is the error recorded when a transport read or write
// fails. The connection is disconnected when one occurs.
type IOError struct {
	// Op is the operation that failed, "read" or "write".
	Op string
	// Err is the transport's error.
	Err error
}

func (e IOError) Error() string {
	return fmt.Sprintf("transport %s: %s", e.Op, e.Err)
}

func (e IOError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
}
