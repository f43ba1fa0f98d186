// Package framing implements the control stream framing used by stream based
// wsvpn transports.
//
// A single ordered byte stream carries three frame types, identified by a
// leading type byte:
//
//	COMMAND: [0x00][length:2 BE][payload:length]
//	PING:    [0x01]
//	PONG:    [0x02]
//
// The COMMAND payload is the JSON text of one control envelope. PING is
// answered with PONG on the same stream; PONG is dropped.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameType identifies a control stream frame.
type FrameType byte

const (
	// FrameCommand carries one length-prefixed control envelope
	FrameCommand FrameType = 0
	// FramePing requests a FramePong from the peer
	FramePing FrameType = 1
	// FramePong answers a FramePing
	FramePong FrameType = 2
)

const (
	// LengthPrefixSize is the size of the COMMAND length field
	LengthPrefixSize = 2

	// MaxCommandLen is the largest payload the length field can describe
	MaxCommandLen = 0xFFFF
)

// ErrCommandTooLarge indicates a command payload does not fit the 16 bit length field
var ErrCommandTooLarge = errors.New("command payload too large")

// String returns the frame type name
func (t FrameType) String() string {
	switch t {
	case FrameCommand:
		return "COMMAND"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(t))
	}
}

// EncodeCommand frames a command payload.
func EncodeCommand(text string) ([]byte, error) {
	if len(text) > MaxCommandLen {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrCommandTooLarge, len(text), MaxCommandLen)
	}

	frame := make([]byte, 1+LengthPrefixSize+len(text))
	frame[0] = byte(FrameCommand)
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(text)))
	copy(frame[3:], text)

	return frame, nil
}

// EncodePing returns a PING frame.
func EncodePing() []byte {
	return []byte{byte(FramePing)}
}

// EncodePong returns a PONG frame.
func EncodePong() []byte {
	return []byte{byte(FramePong)}
}
