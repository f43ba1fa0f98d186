package wsvpn

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode indicates a malformed control envelope or command payload
	ErrDecode = errors.New("protocol decode failure")

	// ErrTransport wraps a fatal failure reported by the transport adapter
	ErrTransport = errors.New("transport failure")

	// ErrAlreadyNegotiated indicates a second version command in one session
	ErrAlreadyNegotiated = errors.New("features already negotiated")

	// ErrAlreadyInitialized indicates a second init command in one session
	ErrAlreadyInitialized = errors.New("session already initialized")
)

// CommandError is returned when the peer answers a command with ok=false.
type CommandError struct {
	Command string // command that was rejected
	Message string // reason given by the peer
}

func (e *CommandError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("command %s rejected: %s", e.Command, e.Message)
	}
	return fmt.Sprintf("command rejected: %s", e.Message)
}
