// Package wsvpn implements the client side of the wsvpn tunneling protocol:
// feature negotiation, JSON command/reply correlation and packet transport
// over a pluggable transport adapter.
//
// # Architecture
//
// A Client owns one session per Connect call. The session holds the local,
// remote and negotiated feature sets, the fragment encoder and reassembler,
// and the table of commands waiting for replies. Transports are supplied as a
// transport.Adapter and push inbound traffic into the session through a
// transport.Receiver bound to that session, so callbacks from a replaced
// transport never reach a newer session.
//
//	adapter := websocket.New("wss://vpn.example.com/", websocket.Options{})
//	client, err := wsvpn.New(adapter, wsvpn.Config{
//	    OnNotification: func(n wsvpn.Notification) {
//	        if n.Kind == wsvpn.NotifyPacket {
//	            tun.Write(n.Packet)
//	        }
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	params, err := client.Connect(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Printf("assigned %s, mtu %d", params.IPAddress, params.MTU)
//
// # Control Channel
//
// Every command travels as {"id", "command", "parameters"}. The client sends
// version on connect, answers every inbound command other than reply with a
// reply of its own, and resolves SendCommand callers by id when the matching
// reply arrives. Outbound JSON is kept pure ASCII; non-ASCII characters are
// sent as \u escapes.
//
// # Data Path
//
// When both sides advertise the "fragmentation" feature, packets pass through
// the fragment package. Otherwise each data message is one packet.
//
// # Lifecycle
//
// Idle → Connecting → Negotiating → Ready → Closed. Close and CloseError are
// the only cancellation primitives; they reject a pending Connect with
// transport.ErrClosed. Commands waiting for a reply are not failed by Close;
// their context is the only way to abandon them.
package wsvpn
