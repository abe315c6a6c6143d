package transporttest

import (
	"sync"

	"grimm.is/apmux/internal/poll"
	"grimm.is/apmux/internal/transport"
)

// Responder produces the command socket traffic for a request.
type Responder func(req transport.DriverRequest, seq uint32) ([]transport.DriverMessage, error)

// DriverDialer hands out DriverConns.
type DriverDialer struct {
	mu        sync.Mutex
	attachErr error
	respond   Responder
	conns     []*DriverConn
}

// NewDriverDialer returns a dialer whose connections answer requests with
// respond. A nil respond acknowledges every request with no data.
func NewDriverDialer(respond Responder) *DriverDialer {
	return &DriverDialer{respond: respond}
}

// FailAttach makes Attach fail with err; nil clears it.
func (d *DriverDialer) FailAttach(err error) {
	d.mu.Lock()
	d.attachErr = err
	d.mu.Unlock()
}

// SetResponder replaces the responder for later requests.
func (d *DriverDialer) SetResponder(r Responder) {
	d.mu.Lock()
	d.respond = r
	d.mu.Unlock()
}

// Attach implements transport.DriverDialer.
func (d *DriverDialer) Attach() (transport.DriverConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attachErr != nil {
		return nil, d.attachErr
	}
	cw, err := poll.NewWaker()
	if err != nil {
		return nil, err
	}
	ew, err := poll.NewWaker()
	if err != nil {
		cw.Close()
		return nil, err
	}
	c := &DriverConn{dialer: d, cmdWaker: cw, evWaker: ew}
	d.conns = append(d.conns, c)
	return c, nil
}

// Conns returns every connection handed out, oldest first.
func (d *DriverDialer) Conns() []*DriverConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*DriverConn(nil), d.conns...)
}

// Last returns the newest connection.
func (d *DriverDialer) Last() *DriverConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *DriverDialer) responder() Responder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.respond
}

type pending struct {
	msgs []transport.DriverMessage
	err  error
}

// DriverConn is a scripted nl80211 connection.
type DriverConn struct {
	dialer   *DriverDialer
	cmdWaker *poll.Waker
	evWaker  *poll.Waker

	mu       sync.Mutex
	seq      uint32
	cmdQueue []pending
	evQueue  [][]transport.DriverMessage
	requests []transport.DriverRequest
	closed   bool
}

// PushCommand queues traffic on the command socket as if left over from an
// earlier exchange.
func (c *DriverConn) PushCommand(msgs []transport.DriverMessage, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmdQueue = append(c.cmdQueue, pending{msgs: msgs, err: err})
	if !c.closed {
		c.cmdWaker.Signal('c')
	}
}

// PushEvent queues unsolicited messages on the event socket.
func (c *DriverConn) PushEvent(msgs ...transport.DriverMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evQueue = append(c.evQueue, msgs)
	if !c.closed {
		c.evWaker.Signal('e')
	}
}

// Requests returns every request sent so far.
func (c *DriverConn) Requests() []transport.DriverRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.DriverRequest(nil), c.requests...)
}

// Pending reports how many command socket reads are queued.
func (c *DriverConn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cmdQueue)
}

// Closed reports whether Close was called.
func (c *DriverConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// EventFD implements transport.DriverConn.
func (c *DriverConn) EventFD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1
	}
	return c.evWaker.Fd()
}

// CommandFD implements transport.DriverConn.
func (c *DriverConn) CommandFD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1
	}
	return c.cmdWaker.Fd()
}

// Send implements transport.DriverConn.
func (c *DriverConn) Send(req transport.DriverRequest, ack bool) (uint32, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, transport.ErrClosed
	}
	c.seq++
	seq := c.seq
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	respond := c.dialer.responder()
	var msgs []transport.DriverMessage
	var err error
	if respond != nil {
		msgs, err = respond(req, seq)
	}
	if respond == nil && ack {
		msgs = []transport.DriverMessage{{Seq: seq, Done: true}}
	}
	if len(msgs) > 0 || err != nil {
		c.PushCommand(msgs, err)
	}
	return seq, nil
}

// ReadCommand implements transport.DriverConn.
func (c *DriverConn) ReadCommand() ([]transport.DriverMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	c.cmdWaker.Read()
	if len(c.cmdQueue) == 0 {
		return nil, nil
	}
	p := c.cmdQueue[0]
	c.cmdQueue = c.cmdQueue[1:]
	if len(c.cmdQueue) > 0 {
		c.cmdWaker.Signal('c')
	}
	return p.msgs, p.err
}

// ReadEvent implements transport.DriverConn.
func (c *DriverConn) ReadEvent() ([]transport.DriverMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	c.evWaker.Read()
	if len(c.evQueue) == 0 {
		return nil, transport.ErrNoEvent
	}
	msgs := c.evQueue[0]
	c.evQueue = c.evQueue[1:]
	if len(c.evQueue) > 0 {
		c.evWaker.Signal('e')
	}
	return msgs, nil
}

// Close implements transport.DriverConn.
func (c *DriverConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cmdWaker.Close()
	return c.evWaker.Close()
}
