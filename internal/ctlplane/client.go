package ctlplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"grimm.is/apmux/internal/brand"
	"grimm.is/apmux/internal/protocol"
)

// ErrClientClosed is returned for requests pending when the connection ends.
var ErrClientClosed = errors.New("control plane connection closed")

// eventBuffer is the capacity of the Events channel. Events arriving while
// it is full are dropped and counted.
const eventBuffer = 256

// Client talks to the daemon over its IPC socket.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint16
	pending map[uint16]chan protocol.Response
	err     error
	dropped uint64

	events chan protocol.Event
	done   chan struct{}
}

// NewClient connects to the default socket.
func NewClient() (*Client, error) {
	return Dial(brand.GetSocketPath())
}

// Dial connects to the daemon listening on path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control plane at %s: %w", path, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint16]chan protocol.Response),
		events:  make(chan protocol.Event, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the connection. Pending requests fail with ErrClientClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Events delivers the events of every registered opcode. The channel is
// closed when the connection ends.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// Dropped returns the number of events discarded because Events was not
// drained.
func (c *Client) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Command sends a raw hostapd command to iface and returns the reply.
func (c *Client) Command(ctx context.Context, iface, command string) (string, error) {
	h, payload, err := protocol.HostapCommand{Name: iface, Command: command}.Encode()
	if err != nil {
		return "", err
	}
	resp, err := c.roundTrip(ctx, protocol.Frame{Header: h, Payload: payload})
	if err != nil {
		return "", err
	}
	return string(resp.Reply), nil
}

// DriverCommand sends an nl80211 command. The reply is empty unless
// cmd.WantReply is set.
func (c *Client) DriverCommand(ctx context.Context, cmd protocol.DriverCommand) ([]byte, error) {
	h, payload, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, protocol.Frame{Header: h, Payload: payload})
	if err != nil {
		return nil, err
	}
	return resp.Reply, nil
}

// Register subscribes to opcodes on iface. Lifecycle opcodes are always
// added by the daemon.
func (c *Client) Register(ctx context.Context, t protocol.IfType, iface string, opcodes ...string) error {
	list, err := protocol.EncodeOpcodes(opcodes)
	if err != nil {
		return err
	}
	return c.named(ctx, protocol.NamedRequest{Class: protocol.ClassRegister, IfType: t, Name: iface, Body: list})
}

// Unregister drops every subscription on iface, or on all interfaces when
// iface is empty.
func (c *Client) Unregister(ctx context.Context, t protocol.IfType, iface string) error {
	return c.named(ctx, protocol.NamedRequest{Class: protocol.ClassUnregister, IfType: t, Name: iface})
}

// Attach asks the daemon to connect to iface.
func (c *Client) Attach(ctx context.Context, t protocol.IfType, iface string) error {
	return c.named(ctx, protocol.NamedRequest{Class: protocol.ClassAttach, IfType: t, Name: iface})
}

// Detach asks the daemon to disconnect from iface.
func (c *Client) Detach(ctx context.Context, t protocol.IfType, iface string) error {
	return c.named(ctx, protocol.NamedRequest{Class: protocol.ClassDetach, IfType: t, Name: iface})
}

// Status returns the daemon's interface listing.
func (c *Client) Status(ctx context.Context) (string, error) {
	resp, err := c.roundTrip(ctx, protocol.Frame{Header: protocol.NewHeader(protocol.ClassStatus, protocol.IfHostap)})
	if err != nil {
		return "", err
	}
	return string(resp.Reply), nil
}

func (c *Client) named(ctx context.Context, req protocol.NamedRequest) error {
	f, err := req.Frame(0)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, f)
	return err
}

// roundTrip sends f with a fresh sequence number and waits for its
// response. A non-success status is returned as *protocol.StatusError.
func (c *Client) roundTrip(ctx context.Context, f protocol.Frame) (protocol.Response, error) {
	ch := make(chan protocol.Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Response{}, err
	}
	c.seq++
	if c.seq == 0 {
		c.seq = 1
	}
	f.Seq = c.seq
	c.pending[f.Seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := protocol.WriteFrame(c.conn, f)
	c.writeMu.Unlock()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to send %s request: %w", f.Header.Class(), err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.Response{}, ErrClientClosed
		}
		return resp, resp.Status.Err()
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	var err error
	for {
		var f protocol.Frame
		if f, err = protocol.ReadFrame(c.conn); err != nil {
			break
		}
		switch f.Header.Class() {
		case protocol.ClassEvent:
			ev, derr := protocol.DecodeEvent(f.Header, f.Payload)
			if derr != nil {
				continue
			}
			select {
			case c.events <- ev:
			default:
				c.mu.Lock()
				c.dropped++
				c.mu.Unlock()
			}
		case protocol.ClassResponse:
			resp, derr := protocol.DecodeResponse(f)
			if derr != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[f.Seq]
			c.mu.Unlock()
			if ch != nil {
				ch <- resp
			}
		}
	}

	c.mu.Lock()
	c.err = ErrClientClosed
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()
}
