// Package fragment splits packets that exceed a transport's maximum message
// size into indexed fragments and reassembles them on the receiving side.
//
// # Wire Format
//
// Packets no longer than the fragment size travel in the short form:
//
//	[0x80][payload]
//
// Larger packets are split into at most 128 fragments of the form:
//
//	[index(7 bits) | terminal(1 bit)][packet id:4 BE][payload]
//
// The terminal bit marks the final fragment of a packet. A short form packet
// is indistinguishable from fragment 0 of a one fragment sequence, which is
// why the reassembler treats a leading 0x80 as a complete packet.
//
// # Reassembly
//
// The Reassembler keeps one entry per in-flight packet id and tolerates any
// arrival order. Entries that stop receiving fragments are removed by Sweep
// once they have been idle longer than the configured timeout; Run drives
// Sweep from a ticker.
//
// Completed packets are copied from fragments 0 through terminal-1 into a
// buffer sized for every received byte, so the terminal fragment's payload is
// left as zero fill.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	// TerminalFlag marks the final fragment of a packet
	TerminalFlag byte = 0x80
	// IndexMask extracts the fragment index from the header byte
	IndexMask byte = 0x7F
	// MaxFragments is the number of distinct fragment indices
	MaxFragments = 128
	// HeaderLen is the size of a fragmented frame header
	HeaderLen = 5

	// DefaultIdleTimeout is how long an incomplete packet is kept
	DefaultIdleTimeout = 30 * time.Second
	// DefaultSweepInterval is how often idle entries are collected
	DefaultSweepInterval = 1 * time.Second
)

var (
	// ErrTooManyFragments indicates a packet needs more than MaxFragments fragments
	ErrTooManyFragments = errors.New("packet requires too many fragments")
	// ErrInvalidFragmentSize indicates a non-positive maximum fragment size
	ErrInvalidFragmentSize = errors.New("invalid fragment size")
	// ErrShortFragment indicates a frame too short to carry its header
	ErrShortFragment = errors.New("fragment too short")
	// ErrMalformedFragment indicates a fragment set that can not be reassembled
	ErrMalformedFragment = errors.New("malformed fragment set")
)

// Encoder splits outbound packets into frames no larger than the configured
// payload size plus header. It is safe for concurrent use.
type Encoder struct {
	maxSize  int
	packetID atomic.Uint32
}

// NewEncoder creates an encoder with the given maximum fragment payload size.
func NewEncoder(maxSize int) (*Encoder, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFragmentSize, maxSize)
	}
	return &Encoder{maxSize: maxSize}, nil
}

// MaxSize returns the maximum fragment payload size.
func (e *Encoder) MaxSize() int {
	return e.maxSize
}

// Encode returns the frames for packet in transmission order.
//
// Packets up to and including the maximum payload size use the short form,
// one byte of overhead. A packet of exactly maxSize stays in the short form
// because a single long form fragment would start with 0x80 and be read
// back as short form. Larger packets are split into long form
// fragments of at most maxSize payload bytes each.
func (e *Encoder) Encode(packet []byte) ([][]byte, error) {
	if len(packet) <= e.maxSize {
		frame := make([]byte, len(packet)+1)
		frame[0] = TerminalFlag
		copy(frame[1:], packet)
		return [][]byte{frame}, nil
	}

	count := (len(packet) + e.maxSize - 1) / e.maxSize
	if count > MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes needs %d fragments of %d", ErrTooManyFragments, len(packet), count, e.maxSize)
	}

	// Add returns the incremented value; ids start at 0 and wrap at 2^32.
	packetID := e.packetID.Add(1) - 1

	frames := make([][]byte, 0, count)
	for index := 0; index < count; index++ {
		start := index * e.maxSize
		end := start + e.maxSize
		if end > len(packet) {
			end = len(packet)
		}

		frame := make([]byte, HeaderLen+end-start)
		frame[0] = byte(index)
		if index == count-1 {
			frame[0] |= TerminalFlag
		}
		binary.BigEndian.PutUint32(frame[1:HeaderLen], packetID)
		copy(frame[HeaderLen:], packet[start:end])

		frames = append(frames, frame)
	}

	return frames, nil
}
