package fragments

import (
	"encoding/binary"
)

// ByteOrder is a byte order that can appear in a DBus message.
type ByteOrder interface {
	byteOrder
	dbusFlag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wrapStd struct {
	byteOrder
}

func (w wrapStd) dbusFlag() byte {
	switch w.byteOrder {
	case binary.BigEndian:
		return 'B'
	case binary.LittleEndian:
		return 'l'
	default:
		panic("unknown ByteOrder, how did you manage to make one of those?")
	}
}

var (
	BigEndian    ByteOrder = wrapStd{binary.BigEndian}
	LittleEndian ByteOrder = wrapStd{binary.LittleEndian}
)

// OrderForFlag returns the ByteOrder that corresponds to the DBus
// byte order flag b, or false if b is not a valid flag.
func OrderForFlag(b byte) (ByteOrder, bool) {
	switch b {
	case 'B':
		return BigEndian, true
	case 'l':
		return LittleEndian, true
	default:
		return nil, false
	}
}

// Flag returns the DBus byte order flag for ord.
func Flag(ord ByteOrder) byte {
	return ord.dbusFlag()
}
