package dbusrt

import (
	"fmt"

	"github.com/danderson/dbusrt/fragments"
)

// MessageType is the type of a DBus message.
type MessageType byte

const (
	MsgInvalid MessageType = iota
	MsgMethodCall
	MsgMethodReturn
	MsgError
	MsgSignal
)

var msgTypeNames = map[MessageType]string{
	MsgInvalid:      "invalid",
	MsgMethodCall:   "method_call",
	MsgMethodReturn: "method_return",
	MsgError:        "error",
	MsgSignal:       "signal",
}

func (t MessageType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MessageType(%d)", byte(t))
}

// ParseMessageType returns the MessageType named s, as used in match
// rules. Unknown names parse as MsgInvalid.
func ParseMessageType(s string) MessageType {
	for t, name := range msgTypeNames {
		if name == s {
			return t
		}
	}
	return MsgInvalid
}

// Flags are the flags of a DBus message.
type Flags byte

const (
	// FlagNoReplyExpected indicates that the caller will not wait
	// for a reply to a method call.
	FlagNoReplyExpected Flags = 1 << iota
	// FlagNoAutoStart asks the bus not to launch the destination
	// service to handle the message.
	FlagNoAutoStart
	// FlagAllowInteractiveAuth indicates the caller is prepared to
	// wait for an interactive authorization prompt.
	FlagAllowInteractiveAuth
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

// fieldTypes are the required value types of the known header
// fields.
var fieldTypes = map[uint8]Type{
	fieldPath:        TypeObjectPath,
	fieldInterface:   TypeString,
	fieldMember:      TypeString,
	fieldErrorName:   TypeString,
	fieldReplySerial: TypeUint32,
	fieldDestination: TypeString,
	fieldSender:      TypeString,
	fieldSignature:   TypeSignature,
	fieldUnixFDs:     TypeUint32,
}

// protocolVersion is the only DBus protocol version in existence.
const protocolVersion = 1

// HeaderField is a header field with a code this package does not
// interpret. They are preserved across a decode/encode round trip.
type HeaderField struct {
	Code  uint8
	Value Value
}

// Header is a decoded DBus message header.
type Header struct {
	// Order is the byte order of the message.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type MessageType
	// Flags is the message's flag byte.
	Flags Flags
	// Version is the DBus protocol version.
	Version uint8
	// BodyLength is the length of the message body, not including
	// the header or padding between header and body.
	BodyLength uint32
	// Serial is the serial for this message. It must be non-zero on
	// the wire.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal. Required for calls and signals.
	Path ObjectPath
	// Interface is the interface to target for a call, or the
	// source interface for a signal. Required for signals.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for calls and signals.
	Member string
	// ErrorName is the name of the error that occurred. Required
	// for errors.
	ErrorName string
	// ReplySerial is the message serial to which this message is
	// replying. Required for returns and errors.
	ReplySerial uint32
	// Destination is the target for a message.
	Destination string
	// Sender is the unique name of the message sender. The message
	// bus populates this value itself.
	Sender string
	// Signature is the type signature of the message body.
	Signature Signature
	// UnixFDs is the number of file descriptors attached to this
	// message.
	UnixFDs uint32

	// Unknown collects unknown header fields present in the
	// message.
	Unknown []HeaderField
}

// Valid checks that the message header is valid for its message type.
func (h *Header) Valid() error {
	if h.Path != "" && !h.Path.Valid() {
		return fmt.Errorf("invalid object path %q", h.Path)
	}
	for _, f := range []struct{ name, val string }{
		{"Interface", h.Interface},
		{"Member", h.Member},
		{"ErrorName", h.ErrorName},
		{"Destination", h.Destination},
		{"Sender", h.Sender},
	} {
		if err := validateString(f.val); err != nil {
			return fmt.Errorf("header field %s: %w", f.name, err)
		}
	}
	switch h.Type {
	case MsgInvalid:
		return fmt.Errorf("invalid message with Type 0")
	case MsgMethodCall:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	case MsgMethodReturn:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
	case MsgError:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
		if h.ErrorName == "" {
			return fmt.Errorf("missing required header field ErrorName")
		}
	case MsgSignal:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Interface == "" {
			return fmt.Errorf("missing required header field Interface")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the DBus
		// protocol requires that they be gracefully ignored.
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (h *Header) WantReply() bool {
	return h.Type == MsgMethodCall && h.Flags&FlagNoReplyExpected == 0
}

// CanInteract reports whether the message's sender is prepared to
// wait for an interactive authorization prompt, if the sender lacks
// the necessary privileges for the message, and the bus or
// destination wish to trigger an interactive prompt.
func (h *Header) CanInteract() bool {
	return h.Type == MsgMethodCall && h.Flags&FlagAllowInteractiveAuth != 0
}
