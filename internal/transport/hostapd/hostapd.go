// Package hostapd talks to hostapd control interfaces. Every attached
// interface uses two unixgram sockets: one for request/reply commands and
// one that is ATTACHed and only receives unsolicited events.
package hostapd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/apmux/internal/protocol"
	"grimm.is/apmux/internal/transport"
)

// Defaults for Config.
const (
	DefaultCtrlDir  = "/var/run/hostapd"
	DefaultLocalDir = "/tmp"
	DefaultTimeout  = 2 * time.Second
)

// maxMessage is the largest datagram read from hostapd.
const maxMessage = protocol.MaxReply

const (
	// eventReadTimeout bounds a read after the event socket polled readable.
	eventReadTimeout = 100 * time.Millisecond
	// detachTimeout bounds the DETACH sent on close.
	detachTimeout = 500 * time.Millisecond
)

// Config locates the control sockets.
type Config struct {
	// CtrlDir holds hostapd's per-interface sockets.
	CtrlDir string
	// LocalDir is where our end of each socket is bound.
	LocalDir string
	// Timeout bounds each command round trip.
	Timeout time.Duration
}

// Dialer attaches to hostapd control interfaces.
type Dialer struct {
	cfg     Config
	counter atomic.Uint64
}

// NewDialer returns a dialer using cfg, with defaults for unset fields.
func NewDialer(cfg Config) *Dialer {
	if cfg.CtrlDir == "" {
		cfg.CtrlDir = DefaultCtrlDir
	}
	if cfg.LocalDir == "" {
		cfg.LocalDir = DefaultLocalDir
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Dialer{cfg: cfg}
}

// Attach opens the command and event sockets for name and subscribes the
// event socket with ATTACH.
func (d *Dialer) Attach(name string) (transport.HostapConn, error) {
	cmd, err := d.open(name)
	if err != nil {
		return nil, err
	}
	ev, err := d.open(name)
	if err != nil {
		cmd.close()
		return nil, err
	}

	reply := make([]byte, 64)
	n, err := ev.request("ATTACH", reply, d.cfg.Timeout)
	if err == nil && !strings.HasPrefix(string(reply[:n]), "OK") {
		err = fmt.Errorf("ATTACH %s: unexpected reply %q", name, reply[:n])
	}
	if err != nil {
		cmd.close()
		ev.close()
		return nil, err
	}
	return &Conn{name: name, cmd: cmd, ev: ev, timeout: d.cfg.Timeout}, nil
}

func (d *Dialer) open(name string) (*socket, error) {
	remote := filepath.Join(d.cfg.CtrlDir, name)
	local := filepath.Join(d.cfg.LocalDir,
		fmt.Sprintf("apmux_%s_%d-%d", name, os.Getpid(), d.counter.Add(1)))
	os.Remove(local)

	c, err := net.DialUnix("unixgram",
		&net.UnixAddr{Name: local, Net: "unixgram"},
		&net.UnixAddr{Name: remote, Net: "unixgram"})
	if err != nil {
		os.Remove(local)
		return nil, fmt.Errorf("connect %s: %w", remote, err)
	}
	s := &socket{conn: c, local: local, fd: -1}
	if raw, err := c.SyscallConn(); err == nil {
		raw.Control(func(fd uintptr) { s.fd = int(fd) })
	}
	return s, nil
}

// socket is one end of a control interface connection.
type socket struct {
	conn  *net.UnixConn
	local string
	fd    int
}

// request sends cmd and waits for its reply, skipping unsolicited
// messages. Timeouts are returned as plain errors and everything else as
// socket failures.
func (s *socket) request(cmd string, reply []byte, timeout time.Duration) (int, error) {
	s.conn.SetDeadline(time.Now().Add(timeout))
	defer s.conn.SetDeadline(time.Time{})

	if _, err := s.conn.Write([]byte(cmd)); err != nil {
		return 0, fmt.Errorf("send %q: %v: %w", cmd, err, transport.ErrSocket)
	}
	buf := make([]byte, maxMessage)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				return 0, fmt.Errorf("%q: no reply within %s", cmd, timeout)
			}
			return 0, fmt.Errorf("receive %q: %v: %w", cmd, err, transport.ErrSocket)
		}
		if n > 0 && buf[0] == '<' {
			continue
		}
		if n > len(reply) {
			return 0, fmt.Errorf("%q: %d bytes, buffer %d: %w", cmd, n, len(reply), transport.ErrReplyTooLarge)
		}
		return copy(reply, buf[:n]), nil
	}
}

func (s *socket) close() error {
	err := s.conn.Close()
	os.Remove(s.local)
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Conn is an attached control interface.
type Conn struct {
	name    string
	timeout time.Duration

	mu     sync.Mutex
	cmd    *socket
	ev     *socket
	closed bool
}

// EventFD returns the event socket descriptor.
func (c *Conn) EventFD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1
	}
	return c.ev.fd
}

// NextEvent reads one event from the event socket.
func (c *Conn) NextEvent() (transport.HostapEvent, error) {
	c.mu.Lock()
	ev, closed := c.ev, c.closed
	c.mu.Unlock()
	if closed {
		return transport.HostapEvent{}, transport.ErrClosed
	}

	buf := make([]byte, maxMessage)
	ev.conn.SetReadDeadline(time.Now().Add(eventReadTimeout))
	n, err := ev.conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return transport.HostapEvent{}, transport.ErrNoEvent
		}
		return transport.HostapEvent{}, fmt.Errorf("%s event: %v: %w", c.name, err, transport.ErrSocket)
	}
	e, ok := ParseEvent(string(buf[:n]))
	if !ok {
		return transport.HostapEvent{}, transport.ErrNoEvent
	}
	return e, nil
}

// ParseEvent splits an unsolicited message of the form "<N>OPCODE args".
// The priority prefix is optional and removed from Msg.
func ParseEvent(raw string) (transport.HostapEvent, bool) {
	raw = strings.TrimRight(raw, "\n\x00")
	if strings.HasPrefix(raw, "<") {
		end := strings.IndexByte(raw, '>')
		if end < 0 {
			return transport.HostapEvent{}, false
		}
		if _, err := strconv.Atoi(raw[1:end]); err != nil {
			return transport.HostapEvent{}, false
		}
		raw = raw[end+1:]
	}
	op, _, _ := strings.Cut(raw, " ")
	if op == "" {
		return transport.HostapEvent{}, false
	}
	return transport.HostapEvent{Opcode: op, Msg: raw}, true
}

// Command sends cmd on the command socket.
func (c *Conn) Command(cmd string, reply []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, transport.ErrClosed
	}
	return c.cmd.request(cmd, reply, c.timeout)
}

// Close sends DETACH and releases both sockets.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ev.request("DETACH", make([]byte, 64), min(c.timeout, detachTimeout))
	return errors.Join(c.cmd.close(), c.ev.close())
}

// Abort releases both sockets without talking to hostapd.
func (c *Conn) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.cmd.close(), c.ev.close())
}
