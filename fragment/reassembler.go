package fragment

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// noTerminal marks an entry whose terminal fragment has not arrived yet
const noTerminal = -1

// entry is the reassembly state of one in-flight packet id.
type entry struct {
	fragments     map[int][]byte
	terminalIndex int
	totalLen      int
	lastTouched   time.Time
}

// Reassembler collects fragments into packets. It is safe for concurrent use.
type Reassembler struct {
	mu           sync.Mutex
	entries      map[uint32]*entry
	idleTimeout  time.Duration
	timeProvider TimeProvider
	onExpire     func(count int)
}

// ReassemblerOption configures a Reassembler.
type ReassemblerOption func(*Reassembler)

// WithIdleTimeout sets how long an incomplete packet survives without new fragments.
func WithIdleTimeout(d time.Duration) ReassemblerOption {
	return func(r *Reassembler) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithTimeProvider sets the clock used for idle tracking.
func WithTimeProvider(tp TimeProvider) ReassemblerOption {
	return func(r *Reassembler) {
		r.timeProvider = getTimeProvider(tp)
	}
}

// WithExpireHook registers a callback invoked with the number of entries each
// sweep removed, when non-zero.
func WithExpireHook(fn func(count int)) ReassemblerOption {
	return func(r *Reassembler) {
		r.onExpire = fn
	}
}

// NewReassembler creates an empty reassembler.
func NewReassembler(opts ...ReassemblerOption) *Reassembler {
	r := &Reassembler{
		entries:      make(map[uint32]*entry),
		idleTimeout:  DefaultIdleTimeout,
		timeProvider: RealTimeProvider{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle processes one inbound frame. It returns the packet and true when the
// frame is a short form packet or completes a fragmented packet; false while
// a packet is still incomplete.
func (r *Reassembler) Handle(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return nil, false, fmt.Errorf("%w: empty frame", ErrShortFragment)
	}

	if data[0] == TerminalFlag {
		packet := make([]byte, len(data)-1)
		copy(packet, data[1:])
		return packet, true, nil
	}

	if len(data) < HeaderLen {
		return nil, false, fmt.Errorf("%w: %d bytes, header needs %d", ErrShortFragment, len(data), HeaderLen)
	}

	index := int(data[0] & IndexMask)
	terminal := data[0]&TerminalFlag == TerminalFlag
	packetID := binary.BigEndian.Uint32(data[1:HeaderLen])

	payload := make([]byte, len(data)-HeaderLen)
	copy(payload, data[HeaderLen:])

	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[packetID]
	if !exists {
		e = &entry{
			fragments:     make(map[int][]byte),
			terminalIndex: noTerminal,
		}
		r.entries[packetID] = e
	}

	e.lastTouched = r.timeProvider.Now()
	if previous, duplicate := e.fragments[index]; duplicate {
		e.totalLen -= len(previous)
	}
	e.fragments[index] = payload
	e.totalLen += len(payload)

	if terminal {
		e.terminalIndex = index
	}

	if e.terminalIndex == noTerminal || len(e.fragments) != e.terminalIndex+1 {
		return nil, false, nil
	}

	delete(r.entries, packetID)
	return e.assemble(packetID)
}

// assemble concatenates fragments 0 through terminalIndex-1 into a buffer
// sized by totalLen.
func (e *entry) assemble(packetID uint32) ([]byte, bool, error) {
	packet := make([]byte, e.totalLen)
	offset := 0
	for i := 0; i < e.terminalIndex; i++ {
		fragment, ok := e.fragments[i]
		if !ok {
			return nil, false, fmt.Errorf("%w: packet %d missing fragment %d of %d", ErrMalformedFragment, packetID, i, e.terminalIndex+1)
		}
		offset += copy(packet[offset:], fragment)
	}
	return packet, true, nil
}

// Sweep removes entries idle for longer than the idle timeout and returns how
// many were removed.
func (r *Reassembler) Sweep() int {
	cutoff := r.timeProvider.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	removed := 0
	for packetID, e := range r.entries {
		if e.lastTouched.Before(cutoff) {
			delete(r.entries, packetID)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Reassembler.Sweep",
			"removed":  removed,
		}).Debug("Removed idle reassembly entries")
		if r.onExpire != nil {
			r.onExpire(removed)
		}
	}

	return removed
}

// Run sweeps idle entries every interval until ctx is done.
func (r *Reassembler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := r.timeProvider.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len returns the number of in-flight packets.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops all in-flight packets.
func (r *Reassembler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[uint32]*entry)
}
