// Package wire turns a byte stream into complete replication frames.
//
// A frame on the wire is | 4B big-endian length | 2B kind | payload... |
// where the length covers the kind and the payload but not itself.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind is the 16-bit packet tag at the start of every frame.
type Kind uint16

const (
	KindInvalid        Kind = 0
	KindHandshake      Kind = 1
	KindInit           Kind = 2
	KindInitDynamic    Kind = 3
	KindAddObject      Kind = 4
	KindRemoveObject   Kind = 5
	KindInvoke         Kind = 6
	KindInvokeReply    Kind = 7
	KindPropertyChange Kind = 8
	KindObjectList     Kind = 9
	KindPing           Kind = 10
	KindPong           Kind = 11
)

var kindNames = map[Kind]string{
	KindInvalid:        "Invalid",
	KindHandshake:      "Handshake",
	KindInit:           "InitPacket",
	KindInitDynamic:    "InitDynamicPacket",
	KindAddObject:      "AddObject",
	KindRemoveObject:   "RemoveObject",
	KindInvoke:         "InvokePacket",
	KindInvokeReply:    "InvokeReplyPacket",
	KindPropertyChange: "PropertyChangePacket",
	KindObjectList:     "ObjectList",
	KindPing:           "Ping",
	KindPong:           "Pong",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// Known reports whether k is a packet kind the protocol defines.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok && k != KindInvalid
}

// Protocol versions a source may announce in its handshake.
const (
	VersionQtRO13      = "QtRO 1.3"
	VersionQDataStream = "QDataStream"
)

// SupportedVersion reports whether v is a handshake identifier we accept.
func SupportedVersion(v string) bool {
	return v == VersionQtRO13 || v == VersionQDataStream
}

var (
	// ErrProtocol is the root of every connection-fatal protocol violation.
	ErrProtocol      = errors.New("protocol error")
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocol)
	ErrShortFrame    = fmt.Errorf("%w: frame shorter than its kind tag", ErrProtocol)
	ErrNoHandshake   = fmt.Errorf("%w: first packet is not a handshake", ErrProtocol)
	ErrLegacyText    = fmt.Errorf("%w: legacy handshake is not valid UTF-8", ErrProtocol)
)

// MaxFrameSize bounds the length field accepted from a peer.
const MaxFrameSize = 16 << 20

const (
	lenSize  = 4
	kindSize = 2
)

// Encode builds a complete frame: length, kind, payload.
func Encode(k Kind, payload []byte) []byte {
	out := make([]byte, lenSize+kindSize+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(kindSize+len(payload)))
	binary.BigEndian.PutUint16(out[4:6], uint16(k))
	copy(out[6:], payload)
	return out
}

// PingFrame is the keep-alive probe: 00 00 00 02 00 0A.
func PingFrame() []byte { return Encode(KindPing, nil) }

// KindOf returns the packet kind of a frame as delivered by Reader (without
// the length prefix).
func KindOf(frame []byte) (Kind, error) {
	if len(frame) < kindSize {
		return KindInvalid, ErrShortFrame
	}
	return Kind(binary.BigEndian.Uint16(frame)), nil
}

// Payload returns the bytes after the kind tag.
func Payload(frame []byte) []byte {
	if len(frame) < kindSize {
		return nil
	}
	return frame[kindSize:]
}
