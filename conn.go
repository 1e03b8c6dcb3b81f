package dbusrt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/mds/queue"
	"github.com/danderson/dbusrt/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout is the reply timeout used by connections whose
	// options don't specify one.
	DefaultTimeout = 25 * time.Second
	// UseDefaultTimeout selects the connection's default reply
	// timeout.
	UseDefaultTimeout time.Duration = -1
	// InfiniteTimeout disables the reply timeout.
	InfiniteTimeout time.Duration = math.MaxInt64

	defaultSystemBus = "unix:path=/run/dbus/system_bus_socket"

	// blockSlice bounds how long a blocking call waits in a single
	// transport read, so that context cancellation is noticed.
	blockSlice = 100 * time.Millisecond
)

// ConnState is the lifecycle state of a [Conn].
type ConnState int

const (
	StateNewCreated ConnState = iota
	StateNotAuthenticated
	StateReady
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateNewCreated:
		return "new"
	case StateNotAuthenticated:
		return "not_authenticated"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// DispatchStatus reports whether a [Conn] has more inbound work
// buffered.
type DispatchStatus int

const (
	// DispatchComplete means no complete frame is buffered.
	DispatchComplete DispatchStatus = iota
	// DispatchDataRemaining means at least one more complete frame
	// is buffered, and Dispatch should be called again.
	DispatchDataRemaining
	// DispatchNeedMemory means dispatching failed for lack of
	// resources, and the connection is disconnected.
	DispatchNeedMemory
)

func (s DispatchStatus) String() string {
	switch s {
	case DispatchComplete:
		return "complete"
	case DispatchDataRemaining:
		return "data_remaining"
	case DispatchNeedMemory:
		return "need_memory"
	}
	return fmt.Sprintf("DispatchStatus(%d)", int(s))
}

// Options configures a [Conn].
type Options struct {
	// DefaultTimeout is the reply timeout used when a call passes
	// [UseDefaultTimeout]. If zero, [DefaultTimeout] is used.
	DefaultTimeout time.Duration
	// MaxMessageSize is the largest inbound frame accepted. If zero
	// or larger than [MaxMessageSize], MaxMessageSize is used.
	MaxMessageSize int
	// Logger receives the connection's diagnostics. If nil, nothing
	// is logged.
	Logger *zerolog.Logger
	// DisconnectOnMalformed makes every malformed inbound frame
	// fatal to the connection. By default, a malformed frame whose
	// length is known is dropped and the connection carries on.
	DisconnectOnMalformed bool
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout: DefaultTimeout,
		MaxMessageSize: MaxMessageSize,
	}
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	if o.MaxMessageSize <= 0 || o.MaxMessageSize > MaxMessageSize {
		o.MaxMessageSize = MaxMessageSize
	}
	return o
}

// Stats counts what a [Conn] did with the messages it handled.
type Stats struct {
	// Sent is the number of messages queued for sending.
	Sent uint64
	// Replies is the number of inbound replies matched to a pending
	// call.
	Replies uint64
	// Filtered is the number of inbound messages consumed by a
	// filter.
	Filtered uint64
	// Queued is the number of inbound messages placed on the
	// inbound queue.
	Queued uint64
	// Dropped is the number of inbound replies that matched no
	// pending call.
	Dropped uint64
	// Malformed is the number of inbound frames that failed to
	// decode.
	Malformed uint64
	// Expired is the number of pending calls that timed out.
	Expired uint64
}

type route int

const (
	routeReply route = iota
	routeFilter
	routeQueue
	routeDropped
)

func (r route) String() string {
	switch r {
	case routeReply:
		return "reply"
	case routeFilter:
		return "filter"
	case routeQueue:
		return "queue"
	case routeDropped:
		return "dropped"
	}
	return "unknown"
}

type outbound struct {
	serial uint32
	frame  []byte
	files  []*os.File
}

// Conn is a DBus connection.
//
// A Conn does no I/O on its own. Messages given to [Conn.Send] are
// queued until [Conn.Flush] or [Conn.ReadWrite] writes them, and
// inbound frames are read by ReadWrite and handed out one at a time
// by [Conn.Dispatch]. Blocking helpers such as
// [Conn.SendWithReplyAndBlock] drive this loop themselves when no
// other goroutine does.
//
// A Conn is safe for concurrent use.
type Conn struct {
	t    transport.Transport
	opts Options
	log  zerolog.Logger

	// readMu serializes reads from t and access to rbuf.
	readMu sync.Mutex
	rbuf   []byte

	// writeMu serializes writes to t.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      ConnState
	cause      error
	uniqueName string
	lastSerial uint32
	outbound   queue.Queue[outbound]
	inbound    queue.Queue[*Message]
	pending    map[uint32]*PendingCall
	deadlines  *heapq.Queue[*PendingCall]
	filters    []*filter
	lastFilter FilterID
	stats      Stats
}

// NewConn returns a connection that exchanges messages over t, which
// must already be authenticated.
func NewConn(t transport.Transport, opts Options) *Conn {
	opts = opts.withDefaults()
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "dbusrt").Logger()
	}
	return &Conn{
		t:         t,
		opts:      opts,
		log:       log,
		state:     StateReady,
		pending:   map[uint32]*PendingCall{},
		deadlines: heapq.New(comparePendingDeadline),
	}
}

// Dial connects to the first reachable server address in the
// semicolon-separated address list. Dial does not register with the
// bus, use [Conn.Hello] for that.
func Dial(ctx context.Context, address string, opts Options) (*Conn, error) {
	t, err := transport.DialAddress(ctx, address)
	if err != nil {
		return nil, ConnectError{address, err}
	}
	return NewConn(t, opts), nil
}

// SystemBus connects to the system bus and registers with it.
func SystemBus(ctx context.Context, opts Options) (*Conn, error) {
	addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if addr == "" {
		addr = defaultSystemBus
	}
	return busConn(ctx, addr, opts)
}

// SessionBus connects to the current user's session bus and
// registers with it.
func SessionBus(ctx context.Context, opts Options) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, ConnectError{"", errors.New("session bus not available, DBUS_SESSION_BUS_ADDRESS is not set")}
	}
	return busConn(ctx, addr, opts)
}

func busConn(ctx context.Context, addr string, opts Options) (*Conn, error) {
	c, err := Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	if _, err := c.Hello(ctx); err != nil {
		c.Close()
		return nil, ConnectError{addr, fmt.Errorf("getting unique bus name: %w", err)}
	}
	return c, nil
}

// State returns the connection's current state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the connection's counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// UniqueName returns the unique bus name assigned by [Conn.Hello],
// or the empty string if the connection has not registered.
func (c *Conn) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

// Err returns the reason the connection disconnected, or nil if it
// is still usable.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errLocked()
}

func (c *Conn) errLocked() error {
	switch {
	case c.state != StateDisconnected:
		return nil
	case c.cause == nil:
		return ErrDisconnected
	default:
		return fmt.Errorf("%w: %w", ErrDisconnected, c.cause)
	}
}

// Send queues m for sending, and returns the serial assigned to it.
// m is locked and must not have been sent before.
//
// Send does no I/O, the message is written by the next
// [Conn.Flush] or [Conn.ReadWrite].
func (c *Conn) Send(m *Message) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(m)
}

func (c *Conn) sendLocked(m *Message) (uint32, error) {
	if err := c.errLocked(); err != nil {
		return 0, err
	}
	if !m.locked.CompareAndSwap(false, true) {
		return 0, ErrLocked
	}

	serial := c.lastSerial + 1
	if serial == 0 {
		serial = 1
	}
	m.hdr.Serial = serial
	frame, err := Marshal(m)
	if err == nil && len(frame) > MaxMessageSize {
		err = fmt.Errorf("message length %d exceeds maximum %d", len(frame), MaxMessageSize)
	}
	if err != nil {
		m.hdr.Serial = 0
		m.locked.Store(false)
		return 0, err
	}

	c.lastSerial = serial
	c.outbound.Add(outbound{serial, frame, m.files})
	c.stats.Sent++
	c.log.Debug().
		Uint32("serial", serial).
		Stringer("type", m.hdr.Type).
		Str("member", m.hdr.Member).
		Str("destination", m.hdr.Destination).
		Msg("queued message")
	return serial, nil
}

// SendWithReply sends the method call m, and returns a PendingCall
// that completes when the reply arrives or timeout passes. timeout
// may be [UseDefaultTimeout] or [InfiniteTimeout]. Calls flagged
// with [FlagNoReplyExpected] never get a reply, and are rejected.
func (c *Conn) SendWithReply(m *Message, timeout time.Duration) (*PendingCall, error) {
	if m.hdr.Type != MsgMethodCall {
		return nil, fmt.Errorf("cannot await a reply to %s", m.hdr.Type)
	}
	if m.hdr.Flags&FlagNoReplyExpected != 0 {
		return nil, errors.New("cannot await a reply to a method call flagged no_reply_expected")
	}

	deadline := c.replyDeadline(timeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	serial, err := c.sendLocked(m)
	if err != nil {
		return nil, err
	}
	pc := &PendingCall{
		c:        c,
		serial:   serial,
		deadline: deadline,
		done:     make(chan struct{}),
	}
	c.pending[serial] = pc
	if !deadline.IsZero() {
		c.deadlines.Add(pc)
	}
	return pc, nil
}

// SendWithReplyAndBlock sends the method call m and waits for its
// reply. If the reply is an error, SendWithReplyAndBlock returns the
// reply and its [CallError].
func (c *Conn) SendWithReplyAndBlock(ctx context.Context, m *Message, timeout time.Duration) (*Message, error) {
	pc, err := c.SendWithReply(m, timeout)
	if err != nil {
		return nil, err
	}
	return pc.Block(ctx)
}

func (c *Conn) replyDeadline(timeout time.Duration) time.Time {
	switch {
	case timeout == InfiniteTimeout:
		return time.Time{}
	case timeout < 0:
		timeout = c.opts.DefaultTimeout
	}
	return time.Now().Add(timeout)
}

// ioDeadline converts a ReadWrite timeout into a deadline. A
// negative timeout, or InfiniteTimeout, waits indefinitely.
func ioDeadline(timeout time.Duration) time.Time {
	if timeout < 0 || timeout == InfiniteTimeout {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// Flush writes all queued outbound messages, in the order they were
// queued.
func (c *Conn) Flush() error {
	return c.drain(time.Time{})
}

// drain writes queued messages until the queue is empty or, if
// deadline is not zero, until deadline passes.
func (c *Conn) drain(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for {
		c.mu.Lock()
		if err := c.errLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
		out, ok := c.outbound.Pop()
		c.mu.Unlock()
		if !ok {
			return nil
		}

		if _, err := c.t.WriteWithFiles(out.frame, out.files); err != nil {
			c.disconnect(IOError{"write", err})
			return c.Err()
		}
		c.log.Trace().Uint32("serial", out.serial).Int("bytes", len(out.frame)).Msg("wrote message")

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil
		}
	}
}

// ReadWrite expires overdue pending calls, writes queued messages
// and then attempts at most one read from the transport, all within
// timeout. A negative timeout waits indefinitely for data.
//
// ReadWrite does not read if a complete inbound frame is already
// buffered, and never waits past the earliest pending call deadline.
func (c *Conn) ReadWrite(timeout time.Duration) error {
	deadline := ioDeadline(timeout)
	c.expire(time.Now())
	if err := c.drain(deadline); err != nil {
		return err
	}
	if err := c.readOnce(deadline); err != nil {
		return err
	}
	c.expire(time.Now())
	return nil
}

func (c *Conn) readOnce(deadline time.Time) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	if c.frameBufferedLocked() {
		return nil
	}

	if next := c.nextDeadline(); !next.IsZero() && (deadline.IsZero() || next.Before(deadline)) {
		deadline = next
	}
	wait := time.Duration(-1)
	if !deadline.IsZero() {
		wait = max(time.Until(deadline), 0)
	}

	bs, err := c.t.TryRead(wait)
	if errors.Is(err, transport.ErrWouldBlock) {
		return nil
	} else if err != nil {
		c.disconnect(IOError{"read", err})
		return c.Err()
	}
	c.rbuf = append(c.rbuf, bs...)
	c.log.Trace().Int("bytes", len(bs)).Int("buffered", len(c.rbuf)).Msg("read from transport")
	return nil
}

// frameBufferedLocked reports whether rbuf holds something Dispatch
// can act on: a complete frame, or a prefix that is already known to
// be malformed. It must be called with readMu held.
func (c *Conn) frameBufferedLocked() bool {
	if len(c.rbuf) == 0 {
		return false
	}
	n, err := frameLen(c.rbuf, c.opts.MaxMessageSize)
	if errors.Is(err, ErrIncomplete) {
		return false
	}
	return err != nil || len(c.rbuf) >= n
}

// Dispatch decodes and routes at most one buffered inbound frame.
//
// A reply to a pending call completes that call. A reply that
// matches no pending call is dropped. Any other message is offered
// to the filter chain, and if no filter handles it, placed on the
// inbound queue for [Conn.PopMessage].
func (c *Conn) Dispatch() (DispatchStatus, error) {
	if err := c.Err(); err != nil {
		return DispatchComplete, err
	}
	c.expire(time.Now())

	m, err := c.nextMessage()
	if err != nil {
		return DispatchComplete, err
	}
	if m != nil {
		if err := c.route(m); err != nil {
			return DispatchNeedMemory, err
		}
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.frameBufferedLocked() {
		return DispatchDataRemaining, nil
	}
	return DispatchComplete, nil
}

// ReadWriteDispatch performs [Conn.ReadWrite] with the given
// timeout, then a single [Conn.Dispatch].
func (c *Conn) ReadWriteDispatch(timeout time.Duration) (DispatchStatus, error) {
	if err := c.ReadWrite(timeout); err != nil {
		return DispatchComplete, err
	}
	return c.Dispatch()
}

// nextMessage decodes the frame at the front of rbuf, if one is
// complete. Malformed frames are dropped, unless the frame's length
// is unknown or the connection is configured to disconnect on
// malformed input.
func (c *Conn) nextMessage() (*Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.rbuf) == 0 {
		return nil, nil
	}
	n, err := frameLen(c.rbuf, c.opts.MaxMessageSize)
	if errors.Is(err, ErrIncomplete) {
		return nil, nil
	} else if err != nil {
		c.countMalformed(err)
		c.disconnect(err)
		return nil, c.Err()
	}
	if len(c.rbuf) < n {
		return nil, nil
	}

	m, _, err := Unmarshal(c.rbuf[:n])
	c.rbuf = append(c.rbuf[:0], c.rbuf[n:]...)
	if err != nil {
		c.countMalformed(err)
		if c.opts.DisconnectOnMalformed {
			c.disconnect(err)
			return nil, c.Err()
		}
		return nil, nil
	}

	if nfds := int(m.hdr.UnixFDs); nfds > 0 {
		fs, err := c.t.GetFiles(nfds)
		if err != nil {
			c.disconnect(IOError{"read", fmt.Errorf("receiving files: %w", err)})
			return nil, c.Err()
		}
		m.files = fs
	}
	return m, nil
}

func (c *Conn) countMalformed(err error) {
	c.mu.Lock()
	c.stats.Malformed++
	c.mu.Unlock()
	c.log.Warn().Err(err).Msg("malformed inbound frame")
}

func (c *Conn) route(m *Message) error {
	r, err := c.routeMessage(m)

	c.mu.Lock()
	switch r {
	case routeReply:
		c.stats.Replies++
	case routeFilter:
		c.stats.Filtered++
	case routeQueue:
		c.stats.Queued++
	case routeDropped:
		c.stats.Dropped++
	}
	c.mu.Unlock()

	c.log.Debug().
		Stringer("route", r).
		Uint32("serial", m.hdr.Serial).
		Uint32("reply_serial", m.hdr.ReplySerial).
		Stringer("type", m.hdr.Type).
		Str("sender", m.hdr.Sender).
		Str("member", m.hdr.Member).
		Msg("dispatched message")
	return err
}

func (c *Conn) routeMessage(m *Message) (route, error) {
	if t := m.hdr.Type; (t == MsgMethodReturn || t == MsgError) && m.hdr.ReplySerial != 0 {
		c.mu.Lock()
		pc := c.pending[m.hdr.ReplySerial]
		if pc != nil {
			delete(c.pending, m.hdr.ReplySerial)
			pc.completeLocked(m, nil)
		}
		c.mu.Unlock()
		if pc == nil {
			return routeDropped, nil
		}
		return routeReply, nil
	}

	switch c.runFilters(m) {
	case FilterHandled:
		return routeFilter, nil
	case FilterNeedMemory:
		c.disconnect(ErrFilterNeedMemory)
		return routeFilter, ErrFilterNeedMemory
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound.Add(m)
	return routeQueue, nil
}

// PopMessage removes and returns the oldest message on the inbound
// queue, or nil if the queue is empty.
func (c *Conn) PopMessage() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, _ := c.inbound.Pop()
	return m
}

// InboundLen returns the number of messages on the inbound queue.
func (c *Conn) InboundLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbound.Len()
}

// OutboundLen returns the number of messages queued for sending.
func (c *Conn) OutboundLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound.Len()
}

// expire completes every pending call whose deadline is not after
// now with [ErrTimeout].
func (c *Conn) expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.deadlines.IsEmpty() {
		pc, _ := c.deadlines.Pop()
		if pc.finished {
			continue
		}
		if pc.deadline.After(now) {
			c.deadlines.Add(pc)
			return
		}
		if c.pending[pc.serial] == pc {
			delete(c.pending, pc.serial)
		}
		pc.completeLocked(nil, ErrTimeout)
		c.stats.Expired++
		c.log.Debug().Uint32("serial", pc.serial).Msg("pending call timed out")
	}
}

// nextDeadline returns the earliest deadline of an unfinished
// pending call, or the zero time if there is none.
func (c *Conn) nextDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.deadlines.IsEmpty() {
		pc, _ := c.deadlines.Pop()
		if pc.finished {
			continue
		}
		c.deadlines.Add(pc)
		return pc.deadline
	}
	return time.Time{}
}

// block waits for pc to complete. It drives the connection's I/O
// when no other goroutine is reading, and otherwise waits for the
// reader to complete pc.
func (c *Conn) block(ctx context.Context, pc *PendingCall) (*Message, error) {
	for {
		select {
		case <-pc.done:
			return pc.Reply()
		default:
		}
		if err := ctx.Err(); err != nil {
			pc.Cancel()
			return nil, err
		}

		if err := c.Flush(); err != nil {
			return nil, err
		}
		if c.readMu.TryLock() {
			c.readMu.Unlock()
			if _, err := c.ReadWriteDispatch(blockSlice); err != nil {
				// Disconnection completes every pending call, but a
				// filter failure doesn't concern this one.
				if errors.Is(err, ErrFilterNeedMemory) || c.Err() != nil {
					continue
				}
				return nil, err
			}
			continue
		}

		t := time.NewTimer(blockSlice)
		select {
		case <-pc.done:
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
}

// disconnect moves the connection to [StateDisconnected], completes
// all pending calls and closes the transport. Only the first call
// has any effect.
func (c *Conn) disconnect(cause error) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnected
	c.cause = cause
	err := c.errLocked()
	for _, pc := range c.pending {
		pc.completeLocked(nil, err)
	}
	c.pending = map[uint32]*PendingCall{}
	c.deadlines = heapq.New(comparePendingDeadline)
	c.mu.Unlock()

	if cause != nil {
		c.log.Error().Err(cause).Msg("connection lost")
	} else {
		c.log.Debug().Msg("connection closed")
	}
	return c.t.Close()
}

// Close disconnects c. Pending calls complete with
// [ErrDisconnected], filters are freed, and files attached to
// undelivered inbound messages are closed.
func (c *Conn) Close() error {
	var errs *multierror.Error
	if err := c.disconnect(nil); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing transport: %w", err))
	}

	c.mu.Lock()
	fs := c.filters
	c.filters = nil
	var undelivered []*Message
	for !c.inbound.IsEmpty() {
		m, _ := c.inbound.Pop()
		undelivered = append(undelivered, m)
	}
	c.outbound.Clear()
	c.mu.Unlock()

	for _, f := range fs {
		if f.free != nil {
			f.free(f.data)
		}
	}
	for _, m := range undelivered {
		for _, f := range m.files {
			if err := f.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}
