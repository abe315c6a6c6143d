//go:build linux

package nl80211

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/apmux/internal/transport"
)

// readTimeout bounds a read after a socket polled readable.
const readTimeout = 50 * time.Millisecond

// Config configures the driver transport.
type Config struct {
	// VendorOUI is sent as NL80211_ATTR_VENDOR_ID with vendor commands.
	VendorOUI uint32
	// Groups restricts the multicast groups joined for events. Empty joins
	// every group the family offers.
	Groups []string
	// Resolve maps interface names to indices.
	Resolve Resolver
}

// Dialer opens nl80211 connections.
type Dialer struct {
	cfg Config
}

// NewDialer returns a dialer for cfg.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg}
}

// Attach dials the command and event connections.
func (d *Dialer) Attach() (transport.DriverConn, error) {
	cmd, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("dial nl80211: %w", err)
	}
	for _, o := range []netlink.ConnOption{netlink.ExtendedAcknowledge, netlink.GetStrictCheck} {
		_ = cmd.SetOption(o, true)
	}
	family, err := cmd.GetFamily(unix.NL80211_GENL_NAME)
	if err != nil {
		cmd.Close()
		return nil, fmt.Errorf("nl80211 family: %w", err)
	}

	ev, err := genetlink.Dial(nil)
	if err != nil {
		cmd.Close()
		return nil, fmt.Errorf("dial nl80211 events: %w", err)
	}
	joined := 0
	for _, g := range family.Groups {
		if !d.wantGroup(g.Name) {
			continue
		}
		if err := ev.JoinGroup(g.ID); err != nil {
			cmd.Close()
			ev.Close()
			return nil, fmt.Errorf("join %s: %w", g.Name, err)
		}
		joined++
	}
	if joined == 0 {
		cmd.Close()
		ev.Close()
		return nil, fmt.Errorf("nl80211: no multicast group joined")
	}

	c := &Conn{cfg: d.cfg, family: family, cmd: cmd, ev: ev}
	c.cmdFD = rawFD(cmd)
	c.evFD = rawFD(ev)
	return c, nil
}

func (d *Dialer) wantGroup(name string) bool {
	if len(d.cfg.Groups) == 0 {
		return true
	}
	for _, g := range d.cfg.Groups {
		if g == name {
			return true
		}
	}
	return false
}

func rawFD(c *genetlink.Conn) int {
	fd := -1
	if raw, err := c.SyscallConn(); err == nil {
		raw.Control(func(v uintptr) { fd = int(v) })
	}
	return fd
}

// Conn is an open nl80211 connection pair.
type Conn struct {
	cfg    Config
	family genetlink.Family

	mu     sync.Mutex
	cmd    *genetlink.Conn
	ev     *genetlink.Conn
	cmdFD  int
	evFD   int
	closed bool
}

// EventFD returns the event socket descriptor.
func (c *Conn) EventFD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1
	}
	return c.evFD
}

// CommandFD returns the command socket descriptor.
func (c *Conn) CommandFD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1
	}
	return c.cmdFD
}

// Send encodes and sends req, returning its sequence number.
func (c *Conn) Send(req transport.DriverRequest, ack bool) (uint32, error) {
	data, err := EncodeRequest(req, c.cfg.VendorOUI, c.cfg.Resolve)
	if err != nil {
		return 0, err
	}
	flags := netlink.Request
	if ack {
		flags |= netlink.Acknowledge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, transport.ErrClosed
	}
	nm, err := c.cmd.Send(genetlink.Message{
		Header: genetlink.Header{Command: req.Command, Version: c.family.Version},
		Data:   data,
	}, c.family.ID, flags)
	if err != nil {
		return 0, classify(err)
	}
	return nm.Header.Sequence, nil
}

// ReadCommand reads pending replies from the command socket. An
// acknowledgement is returned as a Done message and a kernel error as an
// error wrapping its errno.
func (c *Conn) ReadCommand() ([]transport.DriverMessage, error) {
	msgs, err := c.read(func() *genetlink.Conn { return c.cmd })
	if errors.Is(err, transport.ErrNoEvent) {
		return nil, nil
	}
	return msgs, err
}

// ReadEvent reads pending messages from the event socket.
func (c *Conn) ReadEvent() ([]transport.DriverMessage, error) {
	return c.read(func() *genetlink.Conn { return c.ev })
}

func (c *Conn) read(pick func() *genetlink.Conn) ([]transport.DriverMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	conn := pick()
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	gms, nms, err := conn.Receive()
	if err != nil {
		return nil, classify(err)
	}

	// genetlink may leave out the multipart terminator.
	aligned := len(gms) == len(nms)
	var out []transport.DriverMessage
	gi := 0
	for _, nm := range nms {
		done := nm.Header.Type == netlink.Error || nm.Header.Type == netlink.Done
		var gm genetlink.Message
		if aligned || !(done && nm.Header.Flags&netlink.Multi != 0) {
			if gi >= len(gms) {
				break
			}
			gm = gms[gi]
			gi++
		}
		if done {
			out = append(out, transport.DriverMessage{Seq: nm.Header.Sequence, Done: true})
			continue
		}
		dm, err := DecodeMessage(nm.Header.Sequence, gm)
		if err != nil {
			return out, fmt.Errorf("decode: %w", err)
		}
		out = append(out, dm)
	}
	return out, nil
}

// classify maps netlink errors onto the transport error set. Kernel
// errnos are passed through so callers can match them.
func classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return transport.ErrNoEvent
	}
	var oe *netlink.OpError
	if errors.As(err, &oe) {
		var errno unix.Errno
		if errors.As(oe.Err, &errno) {
			return err
		}
	}
	return fmt.Errorf("%v: %w", err, transport.ErrSocket)
}

// Close closes both sockets.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.cmd.Close(), c.ev.Close())
}
