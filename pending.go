package dbusrt

import (
	"context"
	"time"
)

// PendingCall is an outstanding method call awaiting its reply.
//
// A PendingCall completes exactly once: with a reply, with
// [ErrTimeout] when its deadline passes, with [ErrCanceled], or with
// [ErrDisconnected] when its connection goes away. A call that
// completed without a reply never receives one later.
type PendingCall struct {
	c        *Conn
	serial   uint32
	deadline time.Time
	done     chan struct{}

	// Guarded by c.mu until done is closed, immutable after.
	finished bool
	reply    *Message
	err      error
}

// Serial returns the serial of the method call.
func (p *PendingCall) Serial() uint32 { return p.serial }

// Deadline returns the time at which the call expires. The zero
// time means the call never expires.
func (p *PendingCall) Deadline() time.Time { return p.deadline }

// Done returns a channel that is closed when the call completes.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Completed reports whether the call has completed.
func (p *PendingCall) Completed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Reply returns the call's result. If the call completed with an
// error reply, Reply returns both the reply and its [CallError].
// Before the call completes, Reply returns [ErrNoReply].
func (p *PendingCall) Reply() (*Message, error) {
	if !p.Completed() {
		return nil, ErrNoReply
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.reply, p.reply.Err()
}

// Wait waits for the call to complete and returns its result. Wait
// does not perform any I/O, some other goroutine must be driving the
// connection.
func (p *PendingCall) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-p.done:
		return p.Reply()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Block waits for the call to complete and returns its result,
// driving the connection's I/O while no other goroutine does. If ctx
// is canceled first, the call is canceled.
func (p *PendingCall) Block(ctx context.Context) (*Message, error) {
	return p.c.block(ctx, p)
}

// Cancel abandons the call. Its reply, if it ever arrives, is
// dropped.
func (p *PendingCall) Cancel() {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.serial] == p {
		delete(c.pending, p.serial)
	}
	p.completeLocked(nil, ErrCanceled)
}

// completeLocked records the call's result and wakes its waiters.
// It must be called with c.mu held. Calls after the first are
// ignored.
func (p *PendingCall) completeLocked(reply *Message, err error) bool {
	if p.finished {
		return false
	}
	p.finished = true
	p.reply = reply
	p.err = err
	close(p.done)
	return true
}

func comparePendingDeadline(a, b *PendingCall) int {
	return a.deadline.Compare(b.deadline)
}
