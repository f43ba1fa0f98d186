package main

import (
	"fmt"
	"net/url"

	"github.com/opd-ai/wsvpn/transport"
	"github.com/opd-ai/wsvpn/transport/stream"
	"github.com/opd-ai/wsvpn/transport/websocket"
)

// newAdapter picks the transport from the URL scheme: ws and wss dial a
// WebSocket, stream://host:port opens a TCP control stream and UDP datagrams
// to the same host and port.
func newAdapter(cfg cliConfig) (transport.Adapter, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return websocket.New(cfg.URL, websocket.Options{
			Header:       cfg.Headers,
			PingInterval: cfg.KeepAlive,
		}), nil
	case "stream":
		if u.Port() == "" {
			return nil, fmt.Errorf("stream url %q needs host:port", cfg.URL)
		}
		return stream.New(u.Host, stream.Options{
			KeepAliveInterval: cfg.KeepAlive,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}
