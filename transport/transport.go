// Package transport provides the byte stream transports that carry
// DBus messages.
package transport

import (
	"errors"
	"os"
	"time"
)

// ErrWouldBlock is returned by [Transport.TryRead] when no data
// arrived before the timeout.
var ErrWouldBlock = errors.New("read would block")

// Transport is a raw DBus connection.
//
// A Transport supports one concurrent reader and one concurrent
// writer.
type Transport interface {
	// WriteWithFiles writes bs to the peer, and additionally sends
	// the given files as ancillary data.
	WriteWithFiles(bs []byte, files []*os.File) (int, error)
	// TryRead returns the next chunk of bytes received from the
	// peer. It waits at most timeout for data to arrive, and returns
	// ErrWouldBlock if none did. A zero timeout never waits, and a
	// negative timeout waits indefinitely.
	TryRead(timeout time.Duration) ([]byte, error)
	// Readable reports whether TryRead would return without waiting.
	Readable() bool
	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data.
	GetFiles(n int) ([]*os.File, error)
	// Close closes the transport. Files that were received but not
	// claimed with GetFiles are closed.
	Close() error
}
