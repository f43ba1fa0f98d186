package wsvpn

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/wsvpn/transport"
	"github.com/stretchr/testify/require"
)

// testEnvelope is the decoded form of a control message seen by the fake peer.
type testEnvelope struct {
	ID         string          `json:"id"`
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters"`
}

// mockAdapter is an in-memory transport.Adapter. The peer side is scripted
// through onControl, which runs on its own goroutine for every command the
// client sends.
type mockAdapter struct {
	mu          sync.Mutex
	receiver    transport.Receiver
	connected   bool
	connectErr  error
	controlErr  error
	dataErr     error
	control     []testEnvelope
	data        [][]byte
	connects    int
	closes      int
	maxFragment int
	onControl   func(env testEnvelope)

	// beforeConnect runs inside Connect before the connection is recorded,
	// standing in for a slow dial
	beforeConnect func()
}

func (m *mockAdapter) Connect(ctx context.Context, r transport.Receiver) error {
	if m.beforeConnect != nil {
		m.beforeConnect()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.receiver = r
	m.connected = true
	return nil
}

func (m *mockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.connected = false
	return nil
}

func (m *mockAdapter) SendControl(ctx context.Context, text string) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return transport.ErrNotReady
	}
	if m.controlErr != nil {
		err := m.controlErr
		m.mu.Unlock()
		return err
	}
	var env testEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		m.mu.Unlock()
		return err
	}
	m.control = append(m.control, env)
	hook := m.onControl
	m.mu.Unlock()

	if hook != nil {
		go hook(env)
	}
	return nil
}

func (m *mockAdapter) SendData(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return transport.ErrNotReady
	}
	if m.dataErr != nil {
		return m.dataErr
	}
	m.data = append(m.data, append([]byte(nil), data...))
	return nil
}

func (m *mockAdapter) MaxFragmentSize() int {
	return m.maxFragment
}

func (m *mockAdapter) currentReceiver() transport.Receiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiver
}

// deliver sends a command from the fake peer to the client.
func (m *mockAdapter) deliver(t *testing.T, id, command string, parameters any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":         id,
		"command":    command,
		"parameters": parameters,
	})
	require.NoError(t, err)
	m.currentReceiver().HandleControl(string(raw))
}

func (m *mockAdapter) sentControl() []testEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]testEnvelope(nil), m.control...)
}

func (m *mockAdapter) sentData() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.data...)
}

func (m *mockAdapter) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockAdapter) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// findSent waits for a command with the given name and returns the last one.
func (m *mockAdapter) findSent(t *testing.T, command string) testEnvelope {
	t.Helper()
	var found testEnvelope
	require.Eventually(t, func() bool {
		for _, env := range m.sentControl() {
			if env.Command == command {
				found = env
			}
		}
		return found.Command == command
	}, time.Second, 5*time.Millisecond, "command %q never sent", command)
	return found
}

// repliesTo returns the replies the client sent for command id.
func (m *mockAdapter) repliesTo(id string) []replyParameters {
	var replies []replyParameters
	for _, env := range m.sentControl() {
		if env.Command != commandReply || env.ID != id {
			continue
		}
		var params replyParameters
		if err := json.Unmarshal(env.Parameters, &params); err == nil {
			replies = append(replies, params)
		}
	}
	return replies
}

// notificationRecorder collects notifications for assertions.
type notificationRecorder struct {
	mu            sync.Mutex
	notifications []Notification
}

func (r *notificationRecorder) handle(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *notificationRecorder) kinds() []NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]NotificationKind, 0, len(r.notifications))
	for _, n := range r.notifications {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func (r *notificationRecorder) packets() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var packets [][]byte
	for _, n := range r.notifications {
		if n.Kind == NotifyPacket {
			packets = append(packets, n.Packet)
		}
	}
	return packets
}

func (r *notificationRecorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, n := range r.notifications {
		if n.Kind == NotifyError {
			errs = append(errs, n.Err)
		}
	}
	return errs
}

var testInitParameters = map[string]any{
	"mode":         "TUN",
	"do_ip_config": true,
	"ip_address":   "10.10.0.2/24",
	"client_id":    "client-1",
	"server_id":    "server-1",
	"mtu":          1420,
}

// serverScript answers the client's version command like a wsvpn server
// advertising remoteFeatures.
func serverScript(t *testing.T, m *mockAdapter, remoteFeatures []string) func(env testEnvelope) {
	return func(env testEnvelope) {
		if env.Command != commandVersion {
			return
		}
		m.deliver(t, "srv-version", commandVersion, map[string]any{
			"version":          "wsvpn server",
			"protocol_version": ProtocolVersion,
			"enabled_features": remoteFeatures,
		})
		m.deliver(t, "srv-init", commandInit, testInitParameters)
	}
}

// connectedClient returns a client that completed Connect against a server
// advertising remoteFeatures.
func connectedClient(t *testing.T, remoteFeatures []string, cfg Config) (*Client, *mockAdapter, *notificationRecorder) {
	t.Helper()

	adapter := &mockAdapter{maxFragment: 100}
	adapter.onControl = serverScript(t, adapter, remoteFeatures)

	rec := &notificationRecorder{}
	cfg.OnNotification = rec.handle

	client, err := New(adapter, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.Connect(ctx)
	require.NoError(t, err)

	return client, adapter, rec
}
