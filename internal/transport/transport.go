// Package transport defines the capability interfaces the connection manager
// consumes. Concrete drivers live in the hostapd and nl80211 subpackages;
// transporttest provides scripted fakes.
package transport

import "errors"

var (
	// ErrSocket marks a failure of the underlying socket itself. The
	// connection must be aborted rather than detached.
	ErrSocket = errors.New("transport: socket failure")
	// ErrNoEvent is returned when an event read found nothing to consume.
	ErrNoEvent = errors.New("transport: no event pending")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrReplyTooLarge is returned when a reply does not fit the caller's
	// buffer. The connection stays usable.
	ErrReplyTooLarge = errors.New("transport: reply exceeds buffer")
)

// HostapEvent is one unsolicited hostapd control interface message. Msg is
// the complete event text with the priority prefix removed, so it starts
// with the opcode.
type HostapEvent struct {
	Opcode string
	Msg    string
}

// HostapConn is an attached hostapd control interface.
type HostapConn interface {
	// EventFD returns the descriptor that becomes readable when an event is
	// pending, or -1.
	EventFD() int
	// NextEvent consumes one pending event.
	NextEvent() (HostapEvent, error)
	// Command sends cmd and copies the reply into reply.
	Command(cmd string, reply []byte) (int, error)
	// Close detaches from hostapd and releases the sockets.
	Close() error
	// Abort releases the sockets without talking to hostapd.
	Abort() error
}

// HostapDialer attaches to a named hostapd control interface.
type HostapDialer interface {
	Attach(name string) (HostapConn, error)
}

// DriverRequest is one nl80211 command.
type DriverRequest struct {
	IfName     string
	Command    uint8
	IDType     uint8
	Subcommand uint32
	Data       []byte
}

// DriverMessage is one decoded nl80211 message.
type DriverMessage struct {
	Seq        uint32
	Command    uint8
	Vendor     bool
	VendorID   uint32
	Subcommand uint32
	IfIndex    int
	// Data holds the vendor data attribute for vendor messages and the raw
	// attribute block otherwise.
	Data []byte
	// Done marks the acknowledgement that terminates a solicited exchange.
	Done bool
}

// DriverConn is an attached nl80211 connection with separate command and
// event sockets.
type DriverConn interface {
	EventFD() int
	CommandFD() int
	// Send issues req on the command socket and returns its sequence number.
	// ack requests a kernel acknowledgement terminating the exchange.
	Send(req DriverRequest, ack bool) (uint32, error)
	// ReadCommand reads whatever is pending on the command socket. Kernel
	// error replies are returned as errors wrapping the errno.
	ReadCommand() ([]DriverMessage, error)
	// ReadEvent reads pending unsolicited messages from the event socket.
	ReadEvent() ([]DriverMessage, error)
	Close() error
}

// DriverDialer opens the nl80211 connection.
type DriverDialer interface {
	Attach() (DriverConn, error)
}
