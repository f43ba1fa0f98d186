// Package transport defines the contract between the wsvpn protocol engine
// and the channels that carry its traffic.
//
// # Architecture
//
// An Adapter moves two kinds of messages: control envelopes (JSON text) and
// data (packets or fragments). The engine pushes outbound messages through
// SendControl and SendData; the adapter pushes inbound messages into the
// Receiver it was given at Connect:
//
//	type Adapter interface {
//	    Connect(ctx context.Context, r Receiver) error
//	    Close() error
//	    SendControl(ctx context.Context, text string) error
//	    SendData(ctx context.Context, data []byte) error
//	}
//
// Adapters preserve message boundaries. Two implementations ship with the
// module:
//
//	adapter := websocket.New("wss://vpn.example.com/", websocket.Options{})
//	// text messages are control, binary messages are data
//
//	adapter := stream.New("vpn.example.com:9000", stream.Options{})
//	// framed TCP control stream, UDP datagrams for data
//
// # Error Handling
//
// ErrNotReady and ErrClosed report calls outside a live connection, and
// ErrMessageTooLarge rejects a single oversized message. These leave the
// session usable. Any other error returned by a send is fatal: IsFatal
// reports true and the engine tears the session down. Adapters wrap
// failures in *OpError so callers can see the failing operation and peer:
//
//	var opErr *transport.OpError
//	if errors.As(err, &opErr) {
//	    log.Printf("%s to %s failed: %v", opErr.Op, opErr.Addr, opErr.Err)
//	}
//
// # Receiver Callbacks
//
// A Receiver is called from the adapter's reader goroutines. Close and
// CloseError report the end of the connection when the peer or the network
// ended it; a local Close produces no callback.
package transport
