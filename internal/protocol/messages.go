package protocol

import (
	"bytes"
	"fmt"
	"math"
)

// OpcodeBufferSize mirrors the fixed opcode storage of subscription entries;
// an opcode must be strictly shorter than this.
const OpcodeBufferSize = 64

// MaxReply is the hostap command reply buffer size.
const MaxReply = 4096 * 4

// Event is an interface event delivered to subscribers.
type Event struct {
	IfType IfType
	Name   string
	Opcode string
	// Msg excludes the trailing NUL that hostap events carry on the wire.
	Msg []byte
}

// Encode builds the event header and payload.
//
// For hostap events header[4..5] counts the message plus its NUL terminator,
// and a message-less event carries length 0 and no terminator. Driver events
// carry raw attribute bytes without a terminator.
func (e Event) Encode() (Header, []byte, error) {
	h := NewHeader(ClassEvent, e.IfType)
	if len(e.Name) == 0 || len(e.Name) > math.MaxUint8 {
		return h, nil, fmt.Errorf("event name %q: %w", e.Name, ErrTooLong)
	}
	if len(e.Opcode) == 0 || len(e.Opcode) > math.MaxUint8 {
		return h, nil, fmt.Errorf("event opcode %q: %w", e.Opcode, ErrTooLong)
	}

	msgLen := len(e.Msg)
	if e.IfType == IfHostap && msgLen > 0 {
		msgLen++
	}
	if msgLen > math.MaxUint16 {
		return h, nil, fmt.Errorf("event message of %d bytes: %w", len(e.Msg), ErrTooLong)
	}

	h[2] = byte(len(e.Name))
	h[3] = byte(len(e.Opcode))
	h.SetUint16At(uint16(msgLen))

	w := NewWriter(len(e.Name) + len(e.Opcode) + msgLen)
	w.String(e.Name)
	w.String(e.Opcode)
	w.Bytes(e.Msg)
	if e.IfType == IfHostap && len(e.Msg) > 0 {
		w.Byte(0)
	}
	payload, err := w.Finish()
	if err == nil && len(payload) != len(e.Name)+len(e.Opcode)+msgLen {
		return h, nil, fmt.Errorf("event payload %d bytes, header says %d: %w",
			len(payload), len(e.Name)+len(e.Opcode)+msgLen, ErrMalformed)
	}
	return h, payload, err
}

// Frame encodes the event as an unsolicited frame.
func (e Event) Frame() (Frame, error) {
	h, payload, err := e.Encode()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// DecodeEvent parses an event header and payload.
func DecodeEvent(h Header, payload []byte) (Event, error) {
	if h.Class() != ClassEvent {
		return Event{}, fmt.Errorf("%s frame: %w", h.Class(), ErrMalformed)
	}
	nameLen, opLen, msgLen := int(h[2]), int(h[3]), int(h.Uint16At())
	if nameLen+opLen+msgLen != len(payload) {
		return Event{}, fmt.Errorf("event lengths %d+%d+%d vs payload %d: %w",
			nameLen, opLen, msgLen, len(payload), ErrMalformed)
	}

	r := NewReader(payload)
	ev := Event{IfType: h.IfType()}
	ev.Name = r.String(nameLen)
	ev.Opcode = r.String(opLen)
	msg := r.Bytes(msgLen)
	if err := r.Err(); err != nil {
		return Event{}, err
	}
	if ev.IfType == IfHostap && msgLen > 0 {
		if msg[msgLen-1] != 0 {
			return Event{}, fmt.Errorf("hostap event message not NUL terminated: %w", ErrMalformed)
		}
		msg = msg[:msgLen-1]
	}
	if len(msg) > 0 {
		ev.Msg = append([]byte(nil), msg...)
	}
	return ev, nil
}

// HostapCommand is a raw hostapd control command for one interface.
type HostapCommand struct {
	Name    string
	Command string
}

// Encode builds the command header and payload.
func (c HostapCommand) Encode() (Header, []byte, error) {
	h := NewHeader(ClassCommand, IfHostap)
	if !ValidName(c.Name) {
		return h, nil, fmt.Errorf("interface name %q: %w", c.Name, ErrMalformed)
	}
	h[2] = byte(len(c.Name))
	w := NewWriter(len(c.Name) + len(c.Command) + 1)
	w.String(c.Name)
	w.String(c.Command)
	w.Byte(0)
	payload, err := w.Finish()
	return h, payload, err
}

// DecodeHostapCommand parses a hostap command. The name length in header[2]
// must be non-zero, at most IFNameSize and within the payload.
func DecodeHostapCommand(h Header, payload []byte) (HostapCommand, error) {
	nameLen := int(h[2])
	if nameLen == 0 || nameLen > IFNameSize || nameLen > len(payload) {
		return HostapCommand{}, fmt.Errorf("name length %d, payload %d: %w", nameLen, len(payload), ErrMalformed)
	}
	r := NewReader(payload)
	c := HostapCommand{Name: r.String(nameLen)}
	c.Command = string(trimNUL(r.Rest()))
	return c, r.Err()
}

// Driver command identifier kinds, as nl80211 addresses a command either to a
// netdev, a wireless device or a phy.
const (
	IDNetdev uint8 = 0
	IDPhy    uint8 = 1
	IDWdev   uint8 = 2
)

// driverFlagWantReply asks the daemon to wait for the solicited response.
const driverFlagWantReply = 0x01

// DriverCommand is an nl80211 (usually vendor) command.
type DriverCommand struct {
	Name       string
	Command    uint8
	IDType     uint8
	Subcommand uint32
	Data       []byte
	WantReply  bool
}

// Encode builds the command header and payload.
func (c DriverCommand) Encode() (Header, []byte, error) {
	h := NewHeader(ClassCommand, IfDriver)
	if !ValidName(c.Name) {
		return h, nil, fmt.Errorf("interface name %q: %w", c.Name, ErrMalformed)
	}
	h[2] = byte(len(c.Name))
	h[3] = c.Command
	h[4] = c.IDType
	if c.WantReply {
		h[5] |= driverFlagWantReply
	}
	w := NewWriter(len(c.Name) + 4 + len(c.Data))
	w.String(c.Name)
	w.Uint32(c.Subcommand)
	w.Bytes(c.Data)
	payload, err := w.Finish()
	return h, payload, err
}

// DecodeDriverCommand parses a driver command.
func DecodeDriverCommand(h Header, payload []byte) (DriverCommand, error) {
	nameLen := int(h[2])
	if nameLen == 0 || nameLen > IFNameSize || nameLen+4 > len(payload) {
		return DriverCommand{}, fmt.Errorf("name length %d, payload %d: %w", nameLen, len(payload), ErrMalformed)
	}
	r := NewReader(payload)
	c := DriverCommand{
		Name:      r.String(nameLen),
		Command:   h[3],
		IDType:    h[4],
		WantReply: h[5]&driverFlagWantReply != 0,
	}
	c.Subcommand = r.Uint32()
	if rest := r.Rest(); len(rest) > 0 {
		c.Data = append([]byte(nil), rest...)
	}
	return c, r.Err()
}

// Response answers a request frame.
type Response struct {
	IfType IfType
	Status Status
	Reply  []byte
}

// Frame encodes the response for the request sequence seq.
func (r Response) Frame(seq uint16) Frame {
	h := NewHeader(ClassResponse, r.IfType)
	h[2] = byte(r.Status)
	n := len(r.Reply)
	if n > math.MaxUint16 {
		n = math.MaxUint16
	}
	h.SetUint16At(uint16(n))
	return Frame{Seq: seq, Header: h, Payload: r.Reply}
}

// DecodeResponse parses a response frame.
func DecodeResponse(f Frame) (Response, error) {
	if f.Header.Class() != ClassResponse {
		return Response{}, fmt.Errorf("%s frame: %w", f.Header.Class(), ErrMalformed)
	}
	return Response{
		IfType: f.Header.IfType(),
		Status: Status(f.Header[2]),
		Reply:  f.Payload,
	}, nil
}

// NamedRequest is the common shape of register, unregister, attach, detach
// and status requests: an interface name followed by class specific bytes.
type NamedRequest struct {
	Class  Class
	IfType IfType
	Name   string
	Body   []byte
}

// Frame encodes the request with sequence number seq.
func (n NamedRequest) Frame(seq uint16) (Frame, error) {
	if len(n.Name) > IFNameSize {
		return Frame{}, fmt.Errorf("interface name %q: %w", n.Name, ErrTooLong)
	}
	h := NewHeader(n.Class, n.IfType)
	h[2] = byte(len(n.Name))
	w := NewWriter(len(n.Name) + len(n.Body))
	w.String(n.Name)
	w.Bytes(n.Body)
	payload, err := w.Finish()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Seq: seq, Header: h, Payload: payload}, nil
}

// DecodeNamedRequest parses a named request. allowEmpty permits a zero name
// length, which unregister uses to mean every interface.
func DecodeNamedRequest(f Frame, allowEmpty bool) (NamedRequest, error) {
	nameLen := int(f.Header[2])
	if nameLen > IFNameSize || nameLen > len(f.Payload) || (nameLen == 0 && !allowEmpty) {
		return NamedRequest{}, fmt.Errorf("name length %d, payload %d: %w", nameLen, len(f.Payload), ErrMalformed)
	}
	r := NewReader(f.Payload)
	req := NamedRequest{
		Class:  f.Header.Class(),
		IfType: f.Header.IfType(),
		Name:   r.String(nameLen),
		Body:   r.Rest(),
	}
	return req, r.Err()
}

func trimNUL(p []byte) []byte {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		return p[:i]
	}
	return p
}
