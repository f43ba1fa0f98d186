// Package stream implements a wsvpn transport made of two channels: an
// ordered byte stream carrying framed control commands and a datagram socket
// carrying data. By default the stream is TCP and the datagrams are UDP.
//
// The stream uses the framing package: COMMAND frames are delivered to the
// receiver as control text, PING frames are answered with PONG on the same
// stream, PONG frames are dropped. Each datagram is one data message.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/opd-ai/wsvpn/framing"
	"github.com/opd-ai/wsvpn/fragment"
	"github.com/opd-ai/wsvpn/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxFragmentSize keeps datagrams under common path MTUs
	DefaultMaxFragmentSize = 1200

	// DefaultWriteTimeout bounds a single write when ctx has no deadline
	DefaultWriteTimeout = 10 * time.Second

	readBufferSize = 64 * 1024
)

// DialFunc opens one connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures the stream adapter.
type Options struct {
	// Dial opens both channels. Defaults to net.Dialer.DialContext.
	Dial DialFunc

	// StreamNetwork is the network of the control stream (default "tcp").
	StreamNetwork string

	// DatagramNetwork is the network of the data channel (default "udp").
	DatagramNetwork string

	// DatagramAddress is the data channel address. Empty uses the stream address.
	DatagramAddress string

	// KeepAliveInterval sends PING frames on the stream when positive.
	KeepAliveInterval time.Duration

	// WriteTimeout bounds writes whose context carries no deadline.
	WriteTimeout time.Duration

	// MaxFragmentSize is the largest fragment payload. SendData accepts
	// datagrams up to MaxFragmentSize plus the fragment header.
	MaxFragmentSize int
}

// Adapter is a transport.Adapter over a framed stream plus datagrams.
type Adapter struct {
	address string
	opts    Options

	mu   sync.Mutex
	conn *connection
}

// connection holds both channels of one Connect call.
type connection struct {
	stream   net.Conn
	datagram net.Conn

	closed     chan struct{}
	closeOnce  sync.Once
	reportOnce sync.Once

	// writeMu serializes commands, pings and pongs on the stream
	writeMu sync.Mutex
}

// New creates an adapter for address. It does not dial until Connect.
func New(address string, opts Options) *Adapter {
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	if opts.StreamNetwork == "" {
		opts.StreamNetwork = "tcp"
	}
	if opts.DatagramNetwork == "" {
		opts.DatagramNetwork = "udp"
	}
	if opts.DatagramAddress == "" {
		opts.DatagramAddress = address
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxFragmentSize <= 0 {
		opts.MaxFragmentSize = DefaultMaxFragmentSize
	}

	return &Adapter{address: address, opts: opts}
}

// Connect opens the stream and datagram channels and starts delivering
// inbound traffic to r. A previous connection, if any, is closed first.
func (a *Adapter) Connect(ctx context.Context, r transport.Receiver) error {
	if r == nil {
		return errors.New("receiver cannot be nil")
	}

	stream, err := a.opts.Dial(ctx, a.opts.StreamNetwork, a.address)
	if err != nil {
		return &transport.OpError{Op: "dial stream", Addr: a.address, Err: err}
	}

	datagram, err := a.opts.Dial(ctx, a.opts.DatagramNetwork, a.opts.DatagramAddress)
	if err != nil {
		stream.Close()
		return &transport.OpError{Op: "dial datagram", Addr: a.opts.DatagramAddress, Err: err}
	}

	c := &connection{
		stream:   stream,
		datagram: datagram,
		closed:   make(chan struct{}),
	}

	a.mu.Lock()
	previous := a.conn
	a.conn = c
	a.mu.Unlock()

	if previous != nil {
		previous.close()
	}

	go a.readStream(c, r)
	go a.readDatagrams(c, r)
	if a.opts.KeepAliveInterval > 0 {
		go a.keepAlive(c)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"stream":   a.address,
		"datagram": a.opts.DatagramAddress,
	}).Info("Stream transport connected")

	return nil
}

// Close closes both channels. No receiver callbacks follow a local close.
// It is idempotent.
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

// SendControl writes text as one COMMAND frame.
func (a *Adapter) SendControl(ctx context.Context, text string) error {
	frame, err := framing.EncodeCommand(text)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrMessageTooLarge, err)
	}

	c := a.current()
	if c == nil {
		return transport.ErrNotReady
	}
	return a.writeStream(ctx, c, frame)
}

// SendData writes data as one datagram.
func (a *Adapter) SendData(ctx context.Context, data []byte) error {
	if limit := a.opts.MaxFragmentSize + fragment.HeaderLen; len(data) > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", transport.ErrMessageTooLarge, len(data), limit)
	}

	c := a.current()
	if c == nil {
		return transport.ErrNotReady
	}

	if err := c.datagram.SetWriteDeadline(a.deadline(ctx)); err != nil {
		return a.writeFailed(c, "write datagram", err)
	}
	if _, err := c.datagram.Write(data); err != nil {
		return a.writeFailed(c, "write datagram", err)
	}
	return nil
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

func (a *Adapter) deadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(a.opts.WriteTimeout)
}

func (a *Adapter) writeStream(ctx context.Context, c *connection, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.stream.SetWriteDeadline(a.deadline(ctx)); err != nil {
		return a.writeFailed(c, "write stream", err)
	}
	if _, err := c.stream.Write(frame); err != nil {
		return a.writeFailed(c, "write stream", err)
	}
	return nil
}

func (a *Adapter) writeFailed(c *connection, op string, err error) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	return &transport.OpError{Op: op, Addr: a.address, Err: err}
}

// readStream decodes control frames until the stream ends.
func (a *Adapter) readStream(c *connection, r transport.Receiver) {
	decoder := framing.NewDecoder(pongWriter{a: a, c: c}, r.HandleControl)

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if feedErr := decoder.Feed(chunk); feedErr != nil {
				a.report(c, r, &transport.OpError{Op: "write pong", Addr: a.address, Err: feedErr})
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				a.report(c, r, nil)
			} else {
				a.report(c, r, &transport.OpError{Op: "read stream", Addr: a.address, Err: err})
			}
			return
		}
	}
}

// readDatagrams delivers each datagram as one data message.
func (a *Adapter) readDatagrams(c *connection, r transport.Receiver) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.datagram.Read(buf)
		if err != nil {
			// A connected UDP socket surfaces ICMP port unreachable on the
			// next read. The server may not be listening yet.
			if errors.Is(err, syscall.ECONNREFUSED) && !c.isClosed() {
				logrus.WithFields(logrus.Fields{
					"function": "readDatagrams",
					"datagram": a.opts.DatagramAddress,
					"error":    err.Error(),
				}).Debug("Datagram refused, continuing")
				continue
			}
			a.report(c, r, &transport.OpError{Op: "read datagram", Addr: a.opts.DatagramAddress, Err: err})
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		r.HandleData(data)
	}
}

// report tells r the connection ended, once, unless it was closed locally.
// A nil err reports a clean close.
func (a *Adapter) report(c *connection, r transport.Receiver, err error) {
	if c.isClosed() {
		return
	}

	c.reportOnce.Do(func() {
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "report",
				"stream":   a.address,
			}).Info("Stream closed by peer")
			r.Close()
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "report",
			"stream":   a.address,
			"error":    err.Error(),
		}).Warn("Stream transport failed")
		r.CloseError(err)
	})
}

func (a *Adapter) keepAlive(c *connection) {
	ticker := time.NewTicker(a.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := a.writeStream(context.Background(), c, framing.EncodePing()); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "keepAlive",
					"stream":   a.address,
					"error":    err.Error(),
				}).Debug("Keepalive ping failed")
				return
			}
		}
	}
}

// pongWriter lets the decoder answer PING frames through the stream lock.
type pongWriter struct {
	a *Adapter
	c *connection
}

func (w pongWriter) Write(p []byte) (int, error) {
	if err := w.a.writeStream(context.Background(), w.c, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = errors.Join(c.stream.Close(), c.datagram.Close())
	})
	return err
}
