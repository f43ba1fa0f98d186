package wsvpn

import (
	"context"
	"fmt"

	"github.com/opd-ai/wsvpn/fragment"
)

// State is the lifecycle state of a Client's current session.
type State int

const (
	// StateIdle means Connect has not been called yet
	StateIdle State = iota
	// StateConnecting means the transport is being established
	StateConnecting
	// StateNegotiating means the version command was sent and init is pending
	StateNegotiating
	// StateReady means the server's init command arrived
	StateReady
	// StateClosed means the session was torn down
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateNegotiating:
		return "Negotiating"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// pendingReply is a caller waiting for the reply to one command.
type pendingReply struct {
	command string
	ch      chan replyResult
}

type replyResult struct {
	message string
	err     error
}

type readyResult struct {
	params *InitParameters
	err    error
}

// session is the protocol state of one Connect call. All fields are guarded
// by the owning Client's mutex.
type session struct {
	id    uint64
	state State

	remote        FeatureSet
	used          FeatureSet
	negotiated    bool
	initialized   bool
	fragmentation bool

	encoder     *fragment.Encoder
	reassembler *fragment.Reassembler

	// replies holds callers waiting for a reply, keyed by command id.
	// Entries survive session close; the caller's context releases them.
	replies map[string]pendingReply

	// ready resolves the pending Connect; nil once resolved.
	ready chan readyResult

	stopSweep context.CancelFunc
}

// sessionReceiver binds adapter callbacks to the session that was current
// when the adapter connected, so late callbacks from a replaced transport
// never touch a newer session.
type sessionReceiver struct {
	client  *Client
	session *session
}

func (r *sessionReceiver) HandleControl(text string) {
	if r.client.isActive(r.session) {
		r.client.handleControl(r.session, text)
	}
}

func (r *sessionReceiver) HandleData(data []byte) {
	if r.client.isActive(r.session) {
		r.client.handleData(r.session, data)
	}
}

func (r *sessionReceiver) Close() {
	if r.client.isActive(r.session) {
		r.client.close(r.session, nil)
	}
}

func (r *sessionReceiver) CloseError(err error) {
	if r.client.isActive(r.session) {
		r.client.close(r.session, fmt.Errorf("%w: %w", ErrTransport, err))
	}
}
