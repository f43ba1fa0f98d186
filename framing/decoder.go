package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/wsvpn/buffer"
	"github.com/sirupsen/logrus"
)

// DecoderState is the position of a Decoder within the current frame.
type DecoderState int

const (
	// StateAwaitingFrameType expects the next type byte
	StateAwaitingFrameType DecoderState = iota
	// StateAwaitingLength expects the 2 byte COMMAND length
	StateAwaitingLength
	// StateAwaitingPayload expects the COMMAND payload
	StateAwaitingPayload
)

// String returns the state name
func (s DecoderState) String() string {
	switch s {
	case StateAwaitingFrameType:
		return "AwaitingFrameType"
	case StateAwaitingLength:
		return "AwaitingLength"
	case StateAwaitingPayload:
		return "AwaitingPayload"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// CommandHandler receives the text of each completed COMMAND frame.
type CommandHandler func(text string)

// Decoder demultiplexes a control byte stream into frames. Chunks may split
// frames at any byte; the decoder keeps its state between Feed calls.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf        *buffer.Accumulator
	state      DecoderState
	commandLen int
	pong       io.Writer
	onCommand  CommandHandler
}

// NewDecoder creates a decoder that writes PONG replies to pong and hands
// completed commands to onCommand.
func NewDecoder(pong io.Writer, onCommand CommandHandler) *Decoder {
	return &Decoder{
		buf:       buffer.NewAccumulator(),
		state:     StateAwaitingFrameType,
		pong:      pong,
		onCommand: onCommand,
	}
}

// State returns the current decoder state.
func (d *Decoder) State() DecoderState {
	return d.state
}

// Buffered returns the number of received bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Feed adds one chunk read from the stream and decodes as many frames as the
// buffered data allows. The only error returned is a failure writing a PONG.
func (d *Decoder) Feed(chunk []byte) error {
	d.buf.Add(chunk)

	for {
		progressed, err := d.step()
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// step advances the state machine by at most one transition.
func (d *Decoder) step() (bool, error) {
	switch d.state {
	case StateAwaitingLength:
		lengthBytes, err := d.buf.Read(LengthPrefixSize)
		if err != nil {
			return false, nil
		}
		d.commandLen = int(binary.BigEndian.Uint16(lengthBytes))
		d.state = StateAwaitingPayload
		return true, nil

	case StateAwaitingPayload:
		text := ""
		if d.commandLen > 0 {
			payload, err := d.buf.Read(d.commandLen)
			if err != nil {
				return false, nil
			}
			text = string(payload)
		}
		d.commandLen = 0
		d.state = StateAwaitingFrameType
		if d.onCommand != nil {
			d.onCommand(text)
		}
		return true, nil

	default:
		return d.readFrameType()
	}
}

func (d *Decoder) readFrameType() (bool, error) {
	typeByte, err := d.buf.Read(1)
	if errors.Is(err, buffer.ErrInsufficient) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch FrameType(typeByte[0]) {
	case FrameCommand:
		d.state = StateAwaitingLength
	case FramePing:
		if d.pong == nil {
			break
		}
		if _, err := d.pong.Write(EncodePong()); err != nil {
			return false, fmt.Errorf("failed to write pong: %w", err)
		}
	case FramePong:
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "Decoder.readFrameType",
			"frame_type": FrameType(typeByte[0]).String(),
		}).Warn("Dropping unknown control frame type")
	}

	return true, nil
}
