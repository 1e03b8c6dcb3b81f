// Package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus messages.
//
// The provided encoder and decoder are very low level, and do not
// encode any DBus semantics beyond alignment. It is the caller's
// responsibility to produce valid DBus messages using these tools.
//
// Alignment is computed relative to the start of the buffer being
// encoded or decoded. DBus message bodies always start on an 8-byte
// boundary, so a body can be processed in isolation from its header
// without disturbing alignment.
package fragments
