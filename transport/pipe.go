package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
)

// Pipe returns a connected pair of in-memory Transports. Bytes and
// files written to one end are read from the other.
//
// Pipe transports skip the authentication handshake, and are meant
// for tests and for connecting two peers within one process.
func Pipe() (Transport, Transport) {
	a := &pipeEnd{ready: make(chan struct{}, 1)}
	b := &pipeEnd{ready: make(chan struct{}, 1)}
	a.peer, b.peer = b, a
	return a, b
}

type pipeEnd struct {
	peer  *pipeEnd
	ready chan struct{}

	mu         sync.Mutex
	closed     bool
	peerClosed bool
	in         queue.Queue[[]byte]
	files      queue.Queue[*os.File]
}

func (p *pipeEnd) wake() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *pipeEnd) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}

	peer := p.peer
	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if len(bs) > 0 {
		peer.in.Add(bytes.Clone(bs))
	}
	for _, f := range fs {
		peer.files.Add(f)
	}
	peer.mu.Unlock()
	peer.wake()
	return len(bs), nil
}

func (p *pipeEnd) TryRead(timeout time.Duration) ([]byte, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, net.ErrClosed
		}
		if bs, ok := p.in.Pop(); ok {
			p.mu.Unlock()
			return bs, nil
		}
		if p.peerClosed {
			p.mu.Unlock()
			return nil, io.EOF
		}
		p.mu.Unlock()

		if timeout == 0 {
			return nil, ErrWouldBlock
		}
		select {
		case <-p.ready:
		case <-expired:
			return nil, ErrWouldBlock
		}
	}
}

func (p *pipeEnd) Readable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed || p.peerClosed || !p.in.IsEmpty()
}

func (p *pipeEnd) GetFiles(n int) ([]*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.files.Len() < n {
		return nil, errors.New("requested file not available")
	}
	ret := make([]*os.File, 0, n)
	for range n {
		f, _ := p.files.Pop()
		ret = append(ret, f)
	}
	return ret, nil
}

func (p *pipeEnd) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return net.ErrClosed
	}
	p.closed = true
	p.in.Clear()
	p.files.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	p.files.Clear()
	p.mu.Unlock()
	p.wake()

	peer := p.peer
	peer.mu.Lock()
	peer.peerClosed = true
	peer.mu.Unlock()
	peer.wake()
	return nil
}
