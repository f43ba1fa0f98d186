package transport

import (
	"context"
)

// Receiver is the ingestion side of the protocol engine. An Adapter calls it
// for every message it receives, preserving message boundaries: each inbound
// message is either control text or data bytes, never both.
type Receiver interface {
	// HandleControl processes one control envelope.
	HandleControl(text string)

	// HandleData processes one datagram or binary message.
	HandleData(data []byte)

	// Close reports that the peer closed the transport cleanly.
	Close()

	// CloseError reports a fatal transport failure.
	CloseError(err error)
}

// Adapter defines the interface for wsvpn transports. This abstraction
// allows the WebSocket and stream transports to be used interchangeably by
// the protocol engine.
type Adapter interface {
	// Connect establishes connectivity and returns once the transport can
	// send and receive. Inbound messages are delivered to r until Close.
	Connect(ctx context.Context, r Receiver) error

	// Close tears down the transport. It is idempotent.
	Close() error

	// SendControl delivers one control envelope. It returns ErrNotReady
	// when called before Connect completes.
	SendControl(ctx context.Context, text string) error

	// SendData delivers one packet or fragment.
	SendData(ctx context.Context, data []byte) error
}

// FragmentSizer is implemented by adapters that know the largest data
// payload their underlying channel carries in one message.
type FragmentSizer interface {
	MaxFragmentSize() int
}
