// Package websocket implements a wsvpn transport over a single WebSocket
// connection. Text messages carry control envelopes and binary messages carry
// data, so message boundaries come from the WebSocket framing itself.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/wsvpn/fragment"
	"github.com/opd-ai/wsvpn/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxFragmentSize is the largest data message sent by default
	DefaultMaxFragmentSize = 65535

	// DefaultHandshakeTimeout bounds the opening handshake
	DefaultHandshakeTimeout = 20 * time.Second

	// DefaultWriteTimeout bounds a single write when ctx has no deadline
	DefaultWriteTimeout = 10 * time.Second

	closeGracePeriod = time.Second
)

// Options configures the WebSocket adapter.
type Options struct {
	// Header is sent with the opening handshake.
	Header http.Header

	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds writes whose context carries no deadline.
	WriteTimeout time.Duration

	// PingInterval enables WebSocket keepalive pings when positive.
	PingInterval time.Duration

	// MaxFragmentSize is the largest fragment payload. SendData accepts
	// binary messages up to MaxFragmentSize plus the fragment header.
	MaxFragmentSize int

	// Dialer overrides the dialer built from the fields above.
	Dialer *websocket.Dialer
}

// Adapter is a transport.Adapter over gorilla/websocket.
type Adapter struct {
	url    string
	opts   Options
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *connection
}

// connection is one dialed WebSocket and its reader state.
type connection struct {
	ws        *websocket.Conn
	closed    chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// New creates an adapter for url. It does not dial until Connect.
func New(url string, opts Options) *Adapter {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxFragmentSize <= 0 {
		opts.MaxFragmentSize = DefaultMaxFragmentSize
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		}
	}

	return &Adapter{url: url, opts: opts, dialer: dialer}
}

// Connect dials the server and starts delivering inbound messages to r.
// A previous connection, if any, is closed first.
func (a *Adapter) Connect(ctx context.Context, r transport.Receiver) error {
	if r == nil {
		return errors.New("receiver cannot be nil")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"url":      a.url,
	}).Debug("Dialing WebSocket")

	ws, resp, err := a.dialer.DialContext(ctx, a.url, a.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return &transport.OpError{Op: "dial", Addr: a.url, Err: err}
	}

	c := &connection{ws: ws, closed: make(chan struct{})}

	a.mu.Lock()
	previous := a.conn
	a.conn = c
	a.mu.Unlock()

	if previous != nil {
		previous.close()
	}

	go a.readLoop(c, r)
	if a.opts.PingInterval > 0 {
		go a.pingLoop(c)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"url":      a.url,
	}).Info("WebSocket connected")

	return nil
}

// Close closes the current connection. No receiver callbacks follow a local
// close. It is idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	c := a.conn
	a.conn = nil
	a.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.close()
}

// SendControl sends text as one WebSocket text message.
func (a *Adapter) SendControl(ctx context.Context, text string) error {
	return a.write(ctx, websocket.TextMessage, []byte(text))
}

// SendData sends data as one WebSocket binary message.
func (a *Adapter) SendData(ctx context.Context, data []byte) error {
	if limit := a.opts.MaxFragmentSize + fragment.HeaderLen; len(data) > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", transport.ErrMessageTooLarge, len(data), limit)
	}
	return a.write(ctx, websocket.BinaryMessage, data)
}

// MaxFragmentSize implements transport.FragmentSizer.
func (a *Adapter) MaxFragmentSize() int {
	return a.opts.MaxFragmentSize
}

func (a *Adapter) current() *connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *Adapter) write(ctx context.Context, messageType int, payload []byte) error {
	c := a.current()
	if c == nil {
		return transport.ErrNotReady
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(a.opts.WriteTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return transport.ErrClosed
	}

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return &transport.OpError{Op: "write", Addr: a.url, Err: err}
	}
	if err := c.ws.WriteMessage(messageType, payload); err != nil {
		if c.isClosed() {
			return transport.ErrClosed
		}
		return &transport.OpError{Op: "write", Addr: a.url, Err: err}
	}
	return nil
}

// readLoop delivers messages until the connection fails or is closed.
func (a *Adapter) readLoop(c *connection, r transport.Receiver) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			a.readFailed(c, r, err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			r.HandleControl(string(data))
		case websocket.BinaryMessage:
			r.HandleData(data)
		}
	}
}

func (a *Adapter) readFailed(c *connection, r transport.Receiver, err error) {
	if c.isClosed() {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logrus.WithFields(logrus.Fields{
			"function": "readLoop",
			"url":      a.url,
		}).Info("WebSocket closed by peer")
		r.Close()
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "readLoop",
		"url":      a.url,
		"error":    err.Error(),
	}).Warn("WebSocket read failed")
	r.CloseError(&transport.OpError{Op: "read", Addr: a.url, Err: err})
}

func (a *Adapter) pingLoop(c *connection) {
	ticker := time.NewTicker(a.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(a.opts.WriteTimeout)); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "pingLoop",
					"url":      a.url,
					"error":    err.Error(),
				}).Debug("WebSocket ping failed")
				return
			}
		}
	}
}

func (c *connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// close sends a normal closure frame and closes the socket. It does not wait
// for the reader goroutine, which may be the caller.
func (c *connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))

		err = c.ws.Close()
	})
	return err
}
