package events

import (
	"errors"
	"fmt"
	"math"
)

// ErrEnvelope reports an envelope whose offsets do not describe its buffer.
var ErrEnvelope = errors.New("events: inconsistent envelope")

// Envelope carries a received event's opcode and message in one buffer:
//
//	opcode NUL message NUL
//
// MsgOffset is always len(opcode)+1 and MsgLen counts the message plus its
// terminator, or 0 when there is no message.
type Envelope struct {
	data      []byte
	msgOffset int
	msgLen    int
}

// NewEnvelope builds and validates an envelope.
func NewEnvelope(opcode string, msg []byte) (*Envelope, error) {
	if len(opcode) == 0 || len(opcode) > math.MaxUint8 {
		return nil, fmt.Errorf("opcode length %d: %w", len(opcode), ErrEnvelope)
	}
	msgLen := 0
	if len(msg) > 0 {
		msgLen = len(msg) + 1
	}
	if msgLen > math.MaxUint16 {
		return nil, fmt.Errorf("message length %d: %w", len(msg), ErrEnvelope)
	}

	data := make([]byte, 0, len(opcode)+1+msgLen)
	data = append(data, opcode...)
	data = append(data, 0)
	if msgLen > 0 {
		data = append(data, msg...)
		data = append(data, 0)
	}

	e := &Envelope{data: data, msgOffset: len(opcode) + 1, msgLen: msgLen}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Envelope) validate() error {
	if e.msgOffset < 2 || e.data[e.msgOffset-1] != 0 {
		return fmt.Errorf("opcode terminator at %d: %w", e.msgOffset-1, ErrEnvelope)
	}
	if e.msgOffset+e.msgLen != len(e.data) {
		return fmt.Errorf("offset %d + length %d != %d: %w", e.msgOffset, e.msgLen, len(e.data), ErrEnvelope)
	}
	return nil
}

// Opcode returns the event opcode.
func (e *Envelope) Opcode() string {
	return string(e.data[:e.msgOffset-1])
}

// Message returns the event message without its terminator.
func (e *Envelope) Message() []byte {
	if e.msgLen == 0 {
		return nil
	}
	return e.data[e.msgOffset : e.msgOffset+e.msgLen-1]
}

// MsgOffset returns the message offset within the buffer.
func (e *Envelope) MsgOffset() int { return e.msgOffset }

// MsgLen returns the message length including its terminator.
func (e *Envelope) MsgLen() int { return e.msgLen }
