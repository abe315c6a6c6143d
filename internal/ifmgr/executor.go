package ifmgr

import (
	"context"
	"fmt"
	"time"

	"grimm.is/apmux/internal/connmgr"
	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/protocol"
	"grimm.is/apmux/internal/transport"
)

// Handle executes one request frame received from sub and returns the
// response to send back.
func (m *Manager) Handle(ctx context.Context, sub events.Subscriber, f protocol.Frame) protocol.Response {
	t := f.Header.IfType()
	resp := protocol.Response{IfType: t}

	var err error
	switch c := f.Header.Class(); c {
	case protocol.ClassCommand:
		switch t {
		case protocol.IfHostap:
			resp.Reply, err = m.hostapCommand(ctx, f)
		case protocol.IfDriver:
			resp.Reply, err = m.driverCommand(ctx, f)
		default:
			err = m.badHeader(sub, f, fmt.Errorf("%s: %w", t, protocol.ErrMalformed))
		}
	case protocol.ClassRegister:
		var req protocol.NamedRequest
		if req, err = m.decodeNamed(sub, f, false); err == nil {
			err = m.Register(ctx, sub, t, req.Name, req.Body)
		}
	case protocol.ClassUnregister:
		var req protocol.NamedRequest
		if req, err = m.decodeNamed(sub, f, true); err == nil {
			err = m.Unregister(ctx, sub, t, req.Name)
		}
	case protocol.ClassAttach:
		var req protocol.NamedRequest
		if req, err = m.decodeNamed(sub, f, false); err == nil {
			if t == protocol.IfDriver {
				err = m.AttachDriver(ctx)
			} else {
				err = m.Attach(ctx, req.Name)
			}
		}
	case protocol.ClassDetach:
		var req protocol.NamedRequest
		if req, err = m.decodeNamed(sub, f, false); err == nil {
			name := req.Name
			if t == protocol.IfDriver {
				name = connmgr.DriverName
			}
			err = m.Detach(ctx, t, name)
		}
	case protocol.ClassStatus:
		resp.Reply = []byte(FormatStatus(m.Status()))
	default:
		m.log.Warn("unknown request class", "class", c.String(), "subscriber", sub.Name())
		err = fmt.Errorf("%s: %w", c, protocol.ErrMalformed)
	}

	resp.Status = StatusOf(err)
	if err != nil {
		m.log.Debug("request failed", "class", f.Header.Class().String(), "status", resp.Status.String(), "error", err)
	}
	return resp
}

// badHeader reports a request whose header contradicts its payload. A
// client library builds these, so it is logged as a bug.
func (m *Manager) badHeader(sub events.Subscriber, f protocol.Frame, err error) error {
	m.log.Bug("malformed request header", "class", f.Header.Class().String(), "subscriber", sub.Name(), "error", err)
	return err
}

func (m *Manager) decodeNamed(sub events.Subscriber, f protocol.Frame, allowEmpty bool) (protocol.NamedRequest, error) {
	t := f.Header.IfType()
	if !t.Valid() && !(allowEmpty && t == 0) {
		return protocol.NamedRequest{}, m.badHeader(sub, f, fmt.Errorf("%s: %w", t, protocol.ErrMalformed))
	}
	req, err := protocol.DecodeNamedRequest(f, allowEmpty)
	if err != nil {
		return req, m.badHeader(sub, f, err)
	}
	return req, nil
}

// hostapCommand runs a raw hostapd command and returns its reply.
func (m *Manager) hostapCommand(ctx context.Context, f protocol.Frame) ([]byte, error) {
	c, err := protocol.DecodeHostapCommand(f.Header, f.Payload)
	if err != nil {
		m.log.Bug("malformed hostap command header", "error", err)
		return nil, err
	}

	reply := make([]byte, protocol.MaxReply)
	start := m.cfg.Clock.Now()
	n, err := m.sup.HostapCommand(ctx, c.Name, c.Command, reply)
	m.observe(protocol.IfHostap, c.Name, c.Command, start, err)
	if err != nil {
		return nil, err
	}
	return reply[:n], nil
}

// driverCommand runs an nl80211 command, waiting for its reply when the
// client asked for one.
func (m *Manager) driverCommand(ctx context.Context, f protocol.Frame) ([]byte, error) {
	c, err := protocol.DecodeDriverCommand(f.Header, f.Payload)
	if err != nil {
		m.log.Bug("malformed driver command header", "error", err)
		return nil, err
	}

	req := transport.DriverRequest{
		IfName:     c.Name,
		Command:    c.Command,
		IDType:     c.IDType,
		Subcommand: c.Subcommand,
		Data:       c.Data,
	}
	if c.Name == connmgr.DriverName {
		req.IfName = ""
	}

	start := m.cfg.Clock.Now()
	var reply []byte
	if c.WantReply {
		reply, err = m.sup.DriverGet(ctx, req)
	} else {
		err = m.sup.DriverSend(ctx, req)
	}
	m.observe(protocol.IfDriver, c.Name, fmt.Sprintf("nl80211 %d/%d", c.Command, c.Subcommand), start, err)
	return reply, err
}

// observe records command metrics and warns about slow commands.
func (m *Manager) observe(kind protocol.IfType, name, cmd string, start time.Time, err error) {
	elapsed := m.cfg.Clock.Since(start)
	if elapsed > m.cfg.SlowCommand {
		m.log.Warn("slow command", "interface", name, "command", cmd, "duration", elapsed)
	}
	reg := m.cfg.Metrics
	if reg == nil {
		return
	}
	reg.Commands.WithLabelValues(kind.String(), StatusOf(err).String()).Inc()
	reg.CommandLatency.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
	if elapsed > m.cfg.SlowCommand {
		reg.SlowCommands.WithLabelValues(kind.String()).Inc()
	}
}
