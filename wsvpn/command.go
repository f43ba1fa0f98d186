package wsvpn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/opd-ai/wsvpn/transport"
	"github.com/sirupsen/logrus"
)

const (
	commandReply   = "reply"
	commandVersion = "version"
	commandInit    = "init"
)

// envelope is the JSON control message exchanged on the control channel.
type envelope struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	Parameters any    `json:"parameters"`
}

// inboundEnvelope defers parameter decoding until the command is known.
type inboundEnvelope struct {
	ID         string          `json:"id"`
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters"`
}

type commandOptions struct {
	id           string
	waitForReply bool
}

// CommandOption configures SendCommand.
type CommandOption func(*commandOptions)

// WithID sends the command with an explicit id instead of a generated one.
func WithID(id string) CommandOption {
	return func(o *commandOptions) {
		o.id = id
	}
}

// WithoutReply sends the command without waiting for the peer's reply.
func WithoutReply() CommandOption {
	return func(o *commandOptions) {
		o.waitForReply = false
	}
}

// SendCommand sends a control command. Unless WithoutReply is given it waits
// for the matching reply and returns its message, or a *CommandError when the
// peer answered ok=false.
//
// Closing the session does not fail a pending wait; cancel ctx to abandon it.
func (c *Client) SendCommand(ctx context.Context, command string, parameters any, opts ...CommandOption) (string, error) {
	options := commandOptions{waitForReply: true}
	for _, opt := range opts {
		opt(&options)
	}

	s, err := c.activeSession()
	if err != nil {
		return "", err
	}

	return c.sendCommand(ctx, s, command, parameters, options.waitForReply, options.id)
}

func (c *Client) sendCommand(ctx context.Context, s *session, command string, parameters any, waitForReply bool, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	text, err := marshalASCII(envelope{ID: id, Command: command, Parameters: parameters})
	if err != nil {
		return "", fmt.Errorf("failed to encode %s command: %w", command, err)
	}

	var replyCh chan replyResult
	if waitForReply {
		replyCh = make(chan replyResult, 1)
		c.mu.Lock()
		s.replies[id] = pendingReply{command: command, ch: replyCh}
		c.mu.Unlock()
	}

	c.sendMu.Lock()
	if c.isActive(s) {
		err = c.adapter.SendControl(ctx, text)
	} else {
		err = transport.ErrClosed
	}
	c.sendMu.Unlock()
	if err != nil {
		c.dropReply(s, id, replyCh)
		return "", c.sendFailed(s, "send "+command, err)
	}

	c.metrics.commandSent(command)
	logrus.WithFields(logrus.Fields{
		"function": "sendCommand",
		"command":  command,
		"id":       id,
	}).Debug("Sent command")

	if replyCh == nil {
		return "", nil
	}

	select {
	case res := <-replyCh:
		return res.message, res.err
	case <-ctx.Done():
		c.dropReply(s, id, replyCh)
		return "", ctx.Err()
	}
}

// dropReply removes a pending reply registration if it still belongs to ch.
func (c *Client) dropReply(s *session, id string, ch chan replyResult) {
	if ch == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.replies[id].ch == ch {
		delete(s.replies, id)
	}
}

// handleControl processes one inbound control envelope and answers every
// command except reply with a reply of its own.
func (c *Client) handleControl(s *session, text string) {
	var env inboundEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		c.metrics.decodeFailure()
		logrus.WithFields(logrus.Fields{
			"function": "handleControl",
			"length":   len(text),
			"error":    err.Error(),
		}).Warn("Error decoding command")
		return
	}

	c.metrics.commandReceived(env.Command)

	if env.Command == commandReply {
		c.handleReply(s, env)
		return
	}

	reply := replyParameters{OK: true, Message: "OK"}
	if err := c.dispatch(s, env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleControl",
			"command":  env.Command,
			"id":       env.ID,
			"error":    err.Error(),
		}).Warn("Error handling command")
		reply = replyParameters{OK: false, Message: err.Error()}
	}

	if _, err := c.sendCommand(context.Background(), s, commandReply, reply, false, env.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleControl",
			"command":  env.Command,
			"id":       env.ID,
			"error":    err.Error(),
		}).Warn("Failed to send reply")
	}
}

func (c *Client) dispatch(s *session, env inboundEnvelope) error {
	switch env.Command {
	case commandVersion:
		return c.handleVersion(s, env.Parameters)
	case commandInit:
		return c.handleInit(s, env.Parameters)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"command":  env.Command,
		}).Debug("Ignoring unhandled command")
		return nil
	}
}

func (c *Client) handleReply(s *session, env inboundEnvelope) {
	c.mu.Lock()
	pending, exists := s.replies[env.ID]
	delete(s.replies, env.ID)
	c.mu.Unlock()

	if !exists {
		return
	}
	replyCh := pending.ch

	var params replyParameters
	if err := decodeParameters(env.Parameters, &params); err != nil {
		c.metrics.decodeFailure()
		replyCh <- replyResult{err: fmt.Errorf("reply %s: %w", env.ID, err)}
		return
	}

	if params.OK {
		replyCh <- replyResult{message: params.Message}
	} else {
		replyCh <- replyResult{err: &CommandError{Command: pending.command, Message: params.Message}}
	}
}

func (c *Client) handleVersion(s *session, raw json.RawMessage) error {
	var params versionParameters
	if err := decodeParameters(raw, &params); err != nil {
		return fmt.Errorf("version: %w", err)
	}

	remote := NewFeatureSet(params.EnabledFeatures...)

	c.mu.Lock()
	if s.negotiated {
		c.mu.Unlock()
		return ErrAlreadyNegotiated
	}
	s.negotiated = true
	s.remote = remote
	s.used = c.local.Intersect(remote)
	s.fragmentation = s.used.Has(FeatureFragmentation)
	used := s.used
	fragmentation := s.fragmentation
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":         "handleVersion",
		"remote_version":   params.Version,
		"protocol_version": params.ProtocolVersion,
		"remote_features":  remote.String(),
		"used_features":    used.String(),
		"fragmentation":    fragmentation,
	}).Info("Protocol negotiation successful")

	return nil
}

func (c *Client) handleInit(s *session, raw json.RawMessage) error {
	var params InitParameters
	if err := decodeParameters(raw, &params); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	c.mu.Lock()
	if s.initialized {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.initialized = true
	if s.state == StateConnecting || s.state == StateNegotiating {
		s.state = StateReady
	}
	ready := s.ready
	s.ready = nil
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "handleInit",
		"mode":       params.Mode,
		"ip_address": params.IPAddress,
		"mtu":        params.MTU,
		"server_id":  params.ServerID,
	}).Info("Received init parameters")

	c.notify(Notification{Kind: NotifyInit, Init: &params})
	if ready != nil {
		ready <- readyResult{params: &params}
	}

	return nil
}

func decodeParameters(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing parameters", ErrDecode)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// marshalASCII encodes v as JSON with every non-ASCII rune escaped, so each
// character of the result is exactly one byte on the wire.
func marshalASCII(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(raw))
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		raw = raw[size:]

		if r < utf8.RuneSelf {
			b.WriteByte(byte(r))
			continue
		}
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			fmt.Fprintf(&b, `\u%04x\u%04x`, r1, r2)
			continue
		}
		fmt.Fprintf(&b, `\u%04x`, r)
	}

	return b.String(), nil
}
