// Package transporttest provides scripted in-memory transports for tests.
// Event readiness is backed by real pipes so the poll based loops run
// unchanged against them.
package transporttest

import (
	"fmt"
	"strings"
	"sync"

	"grimm.is/apmux/internal/poll"
	"grimm.is/apmux/internal/transport"
)

// HostapDialer hands out HostapConns and records every attach.
type HostapDialer struct {
	mu sync.Mutex
	// AttachErr makes Attach fail for the named interface while set.
	attachErr map[string]error
	// status is the STATUS reply served per interface.
	status   map[string]string
	replies  map[string]string
	conns    map[string]*HostapConn
	attaches map[string]int
}

// NewHostapDialer returns an empty dialer.
func NewHostapDialer() *HostapDialer {
	return &HostapDialer{
		attachErr: make(map[string]error),
		status:    make(map[string]string),
		replies:   make(map[string]string),
		conns:     make(map[string]*HostapConn),
		attaches:  make(map[string]int),
	}
}

// FailAttach makes attaches to name fail with err; nil clears it.
func (d *HostapDialer) FailAttach(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.attachErr, name)
		return
	}
	d.attachErr[name] = err
}

// SetStatus sets the STATUS reply for name. bss lists the VAP names that
// appear as bss[N]= lines.
func (d *HostapDialer) SetStatus(name string, bss ...string) {
	var b strings.Builder
	b.WriteString("state=ENABLED\nphy=phy0\n")
	for i, vap := range bss {
		fmt.Fprintf(&b, "bss[%d]=%s\nbssid[%d]=00:11:22:33:44:%02x\n", i, vap, i, i)
	}
	d.mu.Lock()
	d.status[name] = b.String()
	d.mu.Unlock()
}

// SetReply sets the reply served for cmd on every interface.
func (d *HostapDialer) SetReply(cmd, reply string) {
	d.mu.Lock()
	d.replies[cmd] = reply
	d.mu.Unlock()
}

// Attach implements transport.HostapDialer.
func (d *HostapDialer) Attach(name string) (transport.HostapConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.attachErr[name]; err != nil {
		return nil, err
	}
	w, err := poll.NewWaker()
	if err != nil {
		return nil, err
	}
	c := &HostapConn{dialer: d, name: name, waker: w}
	d.conns[name] = c
	d.attaches[name]++
	return c, nil
}

// Conn returns the most recent connection for name.
func (d *HostapDialer) Conn(name string) *HostapConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[name]
}

// Attaches reports how many times name was attached.
func (d *HostapDialer) Attaches(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attaches[name]
}

func (d *HostapDialer) reply(name, cmd string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cmd == "STATUS" {
		return d.status[name]
	}
	if r, ok := d.replies[cmd]; ok {
		return r
	}
	if cmd == "PING" {
		return "PONG\n"
	}
	return "OK\n"
}

// HostapConn is a scripted hostapd control connection.
type HostapConn struct {
	dialer *HostapDialer
	name   string
	waker  *poll.Waker

	mu       sync.Mutex
	events   []transport.HostapEvent
	cmdErr   error
	eventErr error
	commands []string
	closed   bool
	aborted  bool
}

// Push queues an unsolicited event and makes EventFD readable.
func (c *HostapConn) Push(opcode, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, transport.HostapEvent{Opcode: opcode, Msg: msg})
	if !c.closed {
		c.waker.Signal('e')
	}
}

// FailCommands makes every later command fail with err; nil clears it.
func (c *HostapConn) FailCommands(err error) {
	c.mu.Lock()
	c.cmdErr = err
	c.mu.Unlock()
}

// FailEvents makes the next event read fail with err and wakes the reader.
func (c *HostapConn) FailEvents(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventErr = err
	if !c.closed {
		c.waker.Signal('e')
	}
}

// Commands returns the commands received so far.
func (c *HostapConn) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Closed reports whether Close or Abort was called.
func (c *HostapConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Aborted reports whether the connection was aborted rather than detached.
func (c *HostapConn) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// EventFD implements transport.HostapConn.
func (c *HostapConn) EventFD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1
	}
	return c.waker.Fd()
}

// NextEvent implements transport.HostapConn.
func (c *HostapConn) NextEvent() (transport.HostapEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.HostapEvent{}, transport.ErrClosed
	}
	c.waker.Read()
	if err := c.eventErr; err != nil {
		c.eventErr = nil
		return transport.HostapEvent{}, err
	}
	if len(c.events) == 0 {
		return transport.HostapEvent{}, transport.ErrNoEvent
	}
	ev := c.events[0]
	c.events = c.events[1:]
	if len(c.events) > 0 {
		c.waker.Signal('e')
	}
	return ev, nil
}

// Command implements transport.HostapConn.
func (c *HostapConn) Command(cmd string, reply []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, transport.ErrClosed
	}
	c.commands = append(c.commands, cmd)
	err := c.cmdErr
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	r := c.dialer.reply(c.name, cmd)
	if len(r) > len(reply) {
		return 0, fmt.Errorf("%q: %w", cmd, transport.ErrReplyTooLarge)
	}
	return copy(reply, r), nil
}

// Close implements transport.HostapConn.
func (c *HostapConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.waker.Close()
}

// Abort implements transport.HostapConn.
func (c *HostapConn) Abort() error {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
	return c.Close()
}
