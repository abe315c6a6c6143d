package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed header length carried by every frame.
const HeaderSize = 6

// IFNameSize is the kernel's IFNAMSIZ; interface names are at most this long.
const IFNameSize = 16

// Class identifies what a frame carries.
type Class uint8

const (
	ClassCommand    Class = 1
	ClassResponse   Class = 2
	ClassEvent      Class = 3
	ClassRegister   Class = 4
	ClassUnregister Class = 5
	ClassAttach     Class = 6
	ClassDetach     Class = 7
	ClassStatus     Class = 8
)

func (c Class) String() string {
	switch c {
	case ClassCommand:
		return "command"
	case ClassResponse:
		return "response"
	case ClassEvent:
		return "event"
	case ClassRegister:
		return "register"
	case ClassUnregister:
		return "unregister"
	case ClassAttach:
		return "attach"
	case ClassDetach:
		return "detach"
	case ClassStatus:
		return "status"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// IfType selects the transport a frame refers to.
type IfType uint8

const (
	IfHostap IfType = 1
	IfDriver IfType = 2
)

func (t IfType) String() string {
	switch t {
	case IfHostap:
		return "hostap"
	case IfDriver:
		return "driver"
	default:
		return fmt.Sprintf("iftype(%d)", uint8(t))
	}
}

// Valid reports whether t is a known interface type.
func (t IfType) Valid() bool {
	return t == IfHostap || t == IfDriver
}

// Header is the fixed six byte message header.
type Header [HeaderSize]byte

// NewHeader returns a header with class and interface type set.
func NewHeader(c Class, t IfType) Header {
	var h Header
	h[0] = byte(c)
	h[1] = byte(t)
	return h
}

// Class returns header[0].
func (h Header) Class() Class { return Class(h[0]) }

// IfType returns header[1].
func (h Header) IfType() IfType { return IfType(h[1]) }

// Uint16At returns the big endian value stored at header[4..5].
func (h Header) Uint16At() uint16 { return binary.BigEndian.Uint16(h[4:6]) }

// SetUint16At stores v at header[4..5].
func (h *Header) SetUint16At(v uint16) { binary.BigEndian.PutUint16(h[4:6], v) }

// Status is the result code carried in header[2] of a response.
type Status uint8

const (
	StatusSuccess       Status = 0
	StatusFailure       Status = 1
	StatusInterfaceDown Status = 2
	StatusAlreadyUp     Status = 3
	StatusFull          Status = 4
	StatusFraming       Status = 5
	StatusBusy          Status = 6
	StatusTimeout       Status = 7
	StatusNotFound      Status = 8
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusInterfaceDown:
		return "interface down"
	case StatusAlreadyUp:
		return "already up"
	case StatusFull:
		return "registry full"
	case StatusFraming:
		return "framing error"
	case StatusBusy:
		return "busy"
	case StatusTimeout:
		return "timeout"
	case StatusNotFound:
		return "not found"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Err converts a non-success status into an error.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusError is returned by clients when the daemon answered with a
// non-success status.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "apmux: " + e.Status.String()
}

// ValidName reports whether name fits the one byte length prefix used for
// interface names.
func ValidName(name string) bool {
	return len(name) > 0 && len(name) <= IFNameSize
}
