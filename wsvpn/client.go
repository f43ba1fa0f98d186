package wsvpn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/wsvpn/fragment"
	"github.com/opd-ai/wsvpn/transport"
	"github.com/sirupsen/logrus"
)

// Client is a wsvpn protocol engine bound to one transport adapter. It
// negotiates features, correlates commands with replies and moves packets
// through the fragmentation codec. A Client is safe for concurrent use.
type Client struct {
	adapter transport.Adapter
	cfg     Config
	local   FeatureSet
	metrics *Metrics

	mu          sync.Mutex
	sess        *session
	nextSession uint64

	// sendMu keeps outbound control messages in call order
	sendMu sync.Mutex
}

// New creates a Client that talks through adapter.
func New(adapter transport.Adapter, cfg Config) (*Client, error) {
	if adapter == nil {
		return nil, errors.New("transport adapter cannot be nil")
	}

	cfg = cfg.withDefaults()

	c := &Client{
		adapter: adapter,
		cfg:     cfg,
		local:   NewFeatureSet(cfg.LocalFeatures...),
		metrics: cfg.Metrics,
	}

	logrus.WithFields(logrus.Fields{
		"function":       "New",
		"local_features": c.local.String(),
		"idle_timeout":   cfg.IdleTimeout,
	}).Debug("Created wsvpn client")

	return c, nil
}

// Connect closes any previous session, connects the adapter, advertises the
// local features and waits for the server's init command. It fails with
// transport.ErrClosed when the session closes first.
func (c *Client) Connect(ctx context.Context) (*InitParameters, error) {
	c.mu.Lock()
	prevReady := c.teardownLocked(c.sess)
	s, err := c.newSessionLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.sess = s
	ready := s.ready
	c.mu.Unlock()

	if prevReady != nil {
		prevReady <- readyResult{err: transport.ErrClosed}
	}
	if err := c.adapter.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"error":    err.Error(),
		}).Debug("Closing previous transport failed")
	}

	c.metrics.sessionStarted()
	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"session":  s.id,
	}).Info("Connecting wsvpn session")

	if err := c.adapter.Connect(ctx, &sessionReceiver{client: c, session: s}); err != nil {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		c.close(s, err)
		return nil, err
	}

	// Close may have run while the adapter was dialing.
	if !c.isActive(s) {
		c.releaseStale(s)
		return nil, transport.ErrClosed
	}

	c.transition(s, StateConnecting, StateNegotiating)

	version := versionParameters{
		Version:         c.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		EnabledFeatures: c.local.Slice(),
	}
	if _, err := c.sendCommand(ctx, s, commandVersion, version, false, ""); err != nil {
		return nil, err
	}

	c.startSweep(s)

	select {
	case res := <-ready:
		return res.params, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendPacket sends one packet, fragmenting it when the fragmentation feature
// was negotiated.
func (c *Client) SendPacket(ctx context.Context, packet []byte) error {
	s, err := c.activeSession()
	if err != nil {
		return err
	}

	c.mu.Lock()
	fragmentation := s.fragmentation
	encoder := s.encoder
	c.mu.Unlock()

	if !fragmentation {
		if err := c.sendData(ctx, s, packet); err != nil {
			return err
		}
		c.metrics.packetSent(1)
		return nil
	}

	frames, err := encoder.Encode(packet)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := c.sendData(ctx, s, frame); err != nil {
			return err
		}
	}
	c.metrics.packetSent(len(frames))

	return nil
}

// Close tears down the current session and emits a close notification. It
// is idempotent; every call emits NotifyClose.
func (c *Client) Close() error {
	return c.close(nil, nil)
}

// CloseError emits an error notification carrying err and then closes.
func (c *Client) CloseError(err error) error {
	return c.close(nil, err)
}

// State returns the lifecycle state of the current session.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return StateIdle
	}
	return c.sess.state
}

// LocalFeatures returns the features advertised by this client.
func (c *Client) LocalFeatures() FeatureSet {
	return c.local
}

// RemoteFeatures returns the features the server advertised.
func (c *Client) RemoteFeatures() FeatureSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return FeatureSet{}
	}
	return c.sess.remote
}

// UsedFeatures returns the features both sides advertised.
func (c *Client) UsedFeatures() FeatureSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return FeatureSet{}
	}
	return c.sess.used
}

func (c *Client) newSessionLocked() (*session, error) {
	encoder, err := fragment.NewEncoder(c.maxFragmentSize())
	if err != nil {
		return nil, err
	}

	c.nextSession++
	return &session{
		id:      c.nextSession,
		state:   StateConnecting,
		encoder: encoder,
		reassembler: fragment.NewReassembler(
			fragment.WithIdleTimeout(c.cfg.IdleTimeout),
			fragment.WithTimeProvider(c.cfg.TimeProvider),
			fragment.WithExpireHook(c.metrics.reassemblyExpiredAdd),
		),
		replies: make(map[string]pendingReply),
		ready:   make(chan readyResult, 1),
	}, nil
}

func (c *Client) maxFragmentSize() int {
	if c.cfg.MaxFragmentSize > 0 {
		return c.cfg.MaxFragmentSize
	}
	if sizer, ok := c.adapter.(transport.FragmentSizer); ok && sizer.MaxFragmentSize() > 0 {
		return sizer.MaxFragmentSize()
	}
	return DefaultMaxFragmentSize
}

func (c *Client) startSweep(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.state == StateClosed || s.stopSweep != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopSweep = cancel
	go s.reassembler.Run(ctx, c.cfg.SweepInterval)
}

func (c *Client) transition(s *session, from, to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.state == from {
		s.state = to
	}
}

func (c *Client) isActive(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == s && s.state != StateClosed
}

// releaseStale closes the adapter connection a closed session left behind,
// unless a newer session owns the adapter by now.
func (c *Client) releaseStale(s *session) {
	c.mu.Lock()
	owner := c.sess == s
	c.mu.Unlock()
	if !owner {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "releaseStale",
		"session":  s.id,
	}).Debug("Session closed while connecting, releasing transport")

	if err := c.adapter.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "releaseStale",
			"error":    err.Error(),
		}).Debug("Closing stale transport failed")
	}
}

func (c *Client) activeSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, transport.ErrNotReady
	}
	if c.sess.state == StateClosed {
		return nil, transport.ErrClosed
	}
	return c.sess, nil
}

// teardownLocked marks s closed and releases its sweep and reassembly state.
// It returns the pending Connect channel, if any, for the caller to reject
// after unlocking.
func (c *Client) teardownLocked(s *session) chan readyResult {
	if s == nil || s.state == StateClosed {
		return nil
	}

	s.state = StateClosed
	ready := s.ready
	s.ready = nil
	if s.stopSweep != nil {
		s.stopSweep()
		s.stopSweep = nil
	}
	s.reassembler.Clear()

	return ready
}

// close tears down target, or the current session when target is nil, and
// emits the error and close notifications. A target that is no longer the
// live session is ignored.
func (c *Client) close(target *session, cause error) error {
	c.mu.Lock()
	s := c.sess
	if target != nil && (s != target || s.state == StateClosed) {
		c.mu.Unlock()
		return nil
	}
	ready := c.teardownLocked(s)
	c.mu.Unlock()

	if cause != nil {
		logrus.WithFields(logrus.Fields{
			"function": "close",
			"error":    cause.Error(),
		}).Warn("Closing wsvpn session after error")
		c.notify(Notification{Kind: NotifyError, Err: cause})
	}

	if ready != nil {
		ready <- readyResult{err: transport.ErrClosed}
	}

	err := c.adapter.Close()

	logrus.WithFields(logrus.Fields{
		"function": "close",
	}).Info("wsvpn session closed")
	c.notify(Notification{Kind: NotifyClose})

	return err
}

func (c *Client) sendData(ctx context.Context, s *session, data []byte) error {
	if err := c.adapter.SendData(ctx, data); err != nil {
		return c.sendFailed(s, "send data", err)
	}
	return nil
}

// sendFailed escalates fatal adapter errors to a session close.
func (c *Client) sendFailed(s *session, op string, err error) error {
	if !transport.IsFatal(err) {
		return err
	}
	wrapped := fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
	c.close(s, wrapped)
	return wrapped
}

func (c *Client) handleData(s *session, data []byte) {
	c.mu.Lock()
	fragmentation := s.fragmentation
	reassembler := s.reassembler
	c.mu.Unlock()

	if !fragmentation {
		c.deliverPacket(data)
		return
	}

	if len(data) > 0 && data[0] != fragment.TerminalFlag {
		c.metrics.fragmentReceived()
	}

	packet, complete, err := reassembler.Handle(data)
	if err != nil {
		c.metrics.decodeFailure()
		logrus.WithFields(logrus.Fields{
			"function": "handleData",
			"length":   len(data),
			"error":    err.Error(),
		}).Warn("Dropping malformed data frame")
		return
	}
	if complete {
		c.deliverPacket(packet)
	}
}

func (c *Client) deliverPacket(packet []byte) {
	c.metrics.packetReceived()
	c.notify(Notification{Kind: NotifyPacket, Packet: packet})
}

func (c *Client) notify(n Notification) {
	if c.cfg.OnNotification != nil {
		c.cfg.OnNotification(n)
	}
}
