package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/opd-ai/wsvpn/fragment"
	"github.com/opd-ai/wsvpn/framing"
	"github.com/opd-ai/wsvpn/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReceiver struct {
	control chan string
	data    chan []byte
	closed  chan struct{}
	errs    chan error
}

func newRecordingReceiver() *recordingReceiver {
	return &recordingReceiver{
		control: make(chan string, 16),
		data:    make(chan []byte, 16),
		closed:  make(chan struct{}, 4),
		errs:    make(chan error, 4),
	}
}

func (r *recordingReceiver) HandleControl(text string) { r.control <- text }
func (r *recordingReceiver) HandleData(data []byte)    { r.data <- data }
func (r *recordingReceiver) Close()                    { r.closed <- struct{}{} }
func (r *recordingReceiver) CloseError(err error)      { r.errs <- err }

// pipeDialer hands out in-memory connections and keeps the server ends.
type pipeDialer struct {
	streams     chan net.Conn
	datagrams   chan net.Conn
	datagramErr error

	// wrapDatagram, when set, wraps the client end of each datagram pipe
	wrapDatagram func(net.Conn) net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{
		streams:   make(chan net.Conn, 4),
		datagrams: make(chan net.Conn, 4),
	}
}

func (d *pipeDialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	if network == "udp" && d.datagramErr != nil {
		return nil, d.datagramErr
	}
	client, server := net.Pipe()
	if network == "tcp" {
		d.streams <- server
		return client, nil
	}
	d.datagrams <- server
	if d.wrapDatagram != nil {
		return d.wrapDatagram(client), nil
	}
	return client, nil
}

// refusingConn fails its first read the way a connected UDP socket
// does after an ICMP port unreachable.
type refusingConn struct {
	net.Conn
	refused chan struct{}
}

func (c *refusingConn) Read(p []byte) (int, error) {
	select {
	case <-c.refused:
		return c.Conn.Read(p)
	default:
		close(c.refused)
		return 0, &net.OpError{Op: "read", Net: "udp", Err: os.NewSyscallError("recvfrom", syscall.ECONNREFUSED)}
	}
}

// connectPipe returns a connected adapter and the server ends of its channels.
func connectPipe(t *testing.T, opts Options) (*Adapter, *recordingReceiver, net.Conn, net.Conn) {
	t.Helper()
	d := newPipeDialer()
	opts.Dial = d.dial

	a := New("vpn.example.com:9000", opts)
	r := newRecordingReceiver()
	require.NoError(t, a.Connect(context.Background(), r))
	t.Cleanup(func() { a.Close() })

	stream := <-d.streams
	datagram := <-d.datagrams
	t.Cleanup(func() {
		stream.Close()
		datagram.Close()
	})
	return a, r, stream, datagram
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestNewDefaults(t *testing.T) {
	a := New("vpn.example.com:9000", Options{})
	assert.Equal(t, DefaultMaxFragmentSize, a.MaxFragmentSize())
	assert.Equal(t, "tcp", a.opts.StreamNetwork)
	assert.Equal(t, "udp", a.opts.DatagramNetwork)
	assert.Equal(t, "vpn.example.com:9000", a.opts.DatagramAddress)

	var _ transport.Adapter = a
	var _ transport.FragmentSizer = a
}

func TestSendBeforeConnect(t *testing.T) {
	a := New("vpn.example.com:9000", Options{})
	assert.ErrorIs(t, a.SendControl(context.Background(), "{}"), transport.ErrNotReady)
	assert.ErrorIs(t, a.SendData(context.Background(), []byte{1}), transport.ErrNotReady)
	assert.NoError(t, a.Close())
}

func TestSendControlWritesCommandFrame(t *testing.T) {
	a, _, stream, _ := connectPipe(t, Options{})

	text := `{"id":"1","command":"version","parameters":{}}`
	done := make(chan error, 1)
	go func() { done <- a.SendControl(context.Background(), text) }()

	want, err := framing.EncodeCommand(text)
	require.NoError(t, err)
	assert.Equal(t, want, readN(t, stream, len(want)))
	require.NoError(t, <-done)
}

func TestOversizedMessages(t *testing.T) {
	a, _, _, _ := connectPipe(t, Options{MaxFragmentSize: 8})

	err := a.SendData(context.Background(), make([]byte, 8+fragment.HeaderLen+1))
	assert.ErrorIs(t, err, transport.ErrMessageTooLarge)

	idle := New("vpn.example.com:9000", Options{MaxFragmentSize: 8})
	err = idle.SendData(context.Background(), make([]byte, 8+fragment.HeaderLen))
	assert.ErrorIs(t, err, transport.ErrNotReady)

	err = a.SendControl(context.Background(), strings.Repeat("x", framing.MaxCommandLen+1))
	assert.ErrorIs(t, err, transport.ErrMessageTooLarge)
	assert.ErrorIs(t, err, framing.ErrCommandTooLarge)
	assert.False(t, transport.IsFatal(err))
}

func TestInboundCommandsSplitAcrossWrites(t *testing.T) {
	_, r, stream, _ := connectPipe(t, Options{})

	first, err := framing.EncodeCommand("hello")
	require.NoError(t, err)
	second, err := framing.EncodeCommand("world")
	require.NoError(t, err)
	wire := append(first, second...)

	go func() {
		for i := 0; i < len(wire); i += 3 {
			end := i + 3
			if end > len(wire) {
				end = len(wire)
			}
			if _, err := stream.Write(wire[i:end]); err != nil {
				return
			}
		}
	}()

	for _, want := range []string{"hello", "world"} {
		select {
		case got := <-r.control:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("command %q not delivered", want)
		}
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	_, _, stream, _ := connectPipe(t, Options{})

	go stream.Write(framing.EncodePing())

	assert.Equal(t, framing.EncodePong(), readN(t, stream, 1))
}

func TestDatagramsBothWays(t *testing.T) {
	a, r, _, datagram := connectPipe(t, Options{})

	go func() {
		datagram.Write([]byte{0x80, 1, 2})
		datagram.Write([]byte{0x80, 3})
	}()
	for _, want := range [][]byte{{0x80, 1, 2}, {0x80, 3}} {
		select {
		case got := <-r.data:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("datagram not delivered")
		}
	}

	done := make(chan error, 1)
	go func() { done <- a.SendData(context.Background(), []byte{9, 9, 9}) }()
	assert.Equal(t, []byte{9, 9, 9}, readN(t, datagram, 3))
	require.NoError(t, <-done)
}

func TestPeerCloseReported(t *testing.T) {
	_, r, stream, _ := connectPipe(t, Options{})

	require.NoError(t, stream.Close())

	select {
	case <-r.closed:
	case err := <-r.errs:
		t.Fatalf("clean close reported as error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}
}

func TestDatagramFailureReported(t *testing.T) {
	_, r, _, datagram := connectPipe(t, Options{})

	require.NoError(t, datagram.Close())

	select {
	case err := <-r.errs:
		var opErr *transport.OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "read datagram", opErr.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("error not reported")
	}
}

func TestLocalCloseIsSilent(t *testing.T) {
	a, r, _, _ := connectPipe(t, Options{})

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())

	select {
	case <-r.closed:
		t.Fatal("local close reported to receiver")
	case err := <-r.errs:
		t.Fatalf("local close reported as error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	assert.ErrorIs(t, a.SendControl(context.Background(), "{}"), transport.ErrNotReady)
}

func TestDatagramDialFailureClosesStream(t *testing.T) {
	d := newPipeDialer()
	d.datagramErr = errors.New("network unreachable")

	a := New("vpn.example.com:9000", Options{Dial: d.dial})
	err := a.Connect(context.Background(), newRecordingReceiver())

	var opErr *transport.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "dial datagram", opErr.Op)

	stream := <-d.streams
	require.NoError(t, stream.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, readErr := stream.Read(make([]byte, 1))
	assert.ErrorIs(t, readErr, io.EOF)
}

func TestKeepAlivePings(t *testing.T) {
	_, _, stream, _ := connectPipe(t, Options{KeepAliveInterval: 10 * time.Millisecond})

	assert.Equal(t, framing.EncodePing(), readN(t, stream, 1))
}

func TestRefusedDatagramIsNotFatal(t *testing.T) {
	d := newPipeDialer()
	refused := make(chan struct{})
	d.wrapDatagram = func(conn net.Conn) net.Conn {
		return &refusingConn{Conn: conn, refused: refused}
	}

	a := New("vpn.example.com:9000", Options{Dial: d.dial})
	r := newRecordingReceiver()
	require.NoError(t, a.Connect(context.Background(), r))
	defer a.Close()

	<-d.streams
	datagram := <-d.datagrams
	defer datagram.Close()

	select {
	case <-refused:
	case <-time.After(2 * time.Second):
		t.Fatal("refused read never happened")
	}

	go datagram.Write([]byte{0x80, 7})
	select {
	case got := <-r.data:
		assert.Equal(t, []byte{0x80, 7}, got)
	case err := <-r.errs:
		t.Fatalf("refused datagram reported as error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not delivered after refusal")
	}
}
