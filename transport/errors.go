package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady indicates an operation before Connect completed or after
	// the underlying connection was torn down
	ErrNotReady = errors.New("not ready")

	// ErrClosed indicates an operation on a closed transport or session
	ErrClosed = errors.New("closed")

	// ErrMessageTooLarge indicates a single message exceeds what the channel
	// can carry; the transport itself remains usable
	ErrMessageTooLarge = errors.New("message too large")
)

// IsFatal reports whether err from an Adapter send leaves the transport
// unusable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotReady) && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrMessageTooLarge)
}

// OpError describes a failed transport operation.
type OpError struct {
	Op   string // operation that caused the error
	Addr string // remote address if relevant
	Err  error  // underlying error
}

func (e *OpError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("wsvpn %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("wsvpn %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}
