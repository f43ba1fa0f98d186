// Package buffer provides a chunked byte accumulator that lets stream decoders
// read exact byte counts across arbitrary network chunk boundaries.
//
// Example:
//
//	acc := buffer.NewAccumulator()
//	acc.Add([]byte{0x00})
//	acc.Add([]byte{0x00, 0x05, 'h'})
//
//	header, err := acc.Read(3) // spans both chunks
//	if errors.Is(err, buffer.ErrInsufficient) {
//	    // wait for more data
//	}
package buffer

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"
)

var (
	// ErrInvalidCount indicates a read of less than one byte was requested
	ErrInvalidCount = errors.New("can not read less than 1 byte")

	// ErrInsufficient indicates fewer bytes are buffered than were requested.
	// Nothing is consumed when it is returned.
	ErrInsufficient = errors.New("insufficient buffered data")
)

// Accumulator is a FIFO of byte chunks supporting exact-count reads.
// It is not safe for concurrent use; each stream decoder owns one.
type Accumulator struct {
	chunks *queue.Queue // of []byte
	offset int          // consumed prefix of the head chunk
	length int          // unread bytes across all chunks
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{chunks: queue.New()}
}

// Add appends a chunk. The accumulator keeps a reference to chunk, so the
// caller must not modify it afterwards. Empty chunks are ignored.
func (a *Accumulator) Add(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.chunks.Add(chunk)
	a.length += len(chunk)
}

// Len returns the number of unread bytes.
func (a *Accumulator) Len() int {
	return a.length
}

// Read removes and returns exactly n bytes. When fewer than n bytes are
// buffered it returns ErrInsufficient and leaves the buffer untouched.
func (a *Accumulator) Read(n int) ([]byte, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: requested %d", ErrInvalidCount, n)
	}
	if a.length < n {
		return nil, ErrInsufficient
	}

	out := make([]byte, n)
	filled := 0
	for filled < n {
		head := a.chunks.Peek().([]byte)[a.offset:]
		copied := copy(out[filled:], head)
		filled += copied

		if copied == len(head) {
			a.chunks.Remove()
			a.offset = 0
		} else {
			// remainder of the head chunk stays queued
			a.offset += copied
		}
	}
	a.length -= n

	return out, nil
}

// Reset discards all buffered data.
func (a *Accumulator) Reset() {
	a.chunks = queue.New()
	a.offset = 0
	a.length = 0
}
