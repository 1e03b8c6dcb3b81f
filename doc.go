// Package dbusrt is a client-side DBus runtime.
//
// It is built from four layers, each usable on its own:
//
// The value model ([Type], [Value] and its implementations) describes
// DBus data as an explicit tree of typed values. [ValueOf] and
// [Store] convert between that tree and ordinary Go values.
//
// The codec ([Marshal], [Unmarshal], [BytesNeeded],
// [UnmarshalHeader]) converts [Message] values to and from the DBus
// wire format. Messages are encoded little-endian, and decoded in
// either byte order.
//
// Iterators ([AppendIter], [ReadIter]) build and walk message bodies
// one value at a time, descending into containers.
//
// The connection engine ([Conn]) assigns serials, queues outbound
// messages and writes them to a [transport.Transport], reads and
// frames inbound bytes, matches replies to [PendingCall] values, runs
// a chain of message filters, and holds everything else on an
// inbound queue. A Conn never starts goroutines of its own. The
// caller drives it with [Conn.ReadWriteDispatch], or lets the
// blocking helpers do so.
//
// A minimal method call looks like this:
//
//	conn, err := dbusrt.SessionBus(ctx, dbusrt.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	call := dbusrt.NewMethodCall("org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus.Peer", "Ping")
//	if _, err := conn.SendWithReplyAndBlock(ctx, call, dbusrt.UseDefaultTimeout); err != nil {
//		return err
//	}
package dbusrt
