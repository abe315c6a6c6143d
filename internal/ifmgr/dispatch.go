package ifmgr

import (
	"context"
	"encoding/hex"

	"grimm.is/apmux/internal/connmgr"
	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/network"
	"grimm.is/apmux/internal/protocol"
	"grimm.is/apmux/internal/transport"
)

// onHostapEvent is the connection manager callback for hostap interfaces.
func (m *Manager) onHostapEvent(ctx context.Context, name, opcode string, msg []byte) error {
	env, err := events.NewEnvelope(opcode, msg)
	if err != nil {
		m.log.Warn("dropping event", "interface", name, "opcode", opcode, "error", err)
		return err
	}
	return m.Dispatch(protocol.IfHostap, name, name, env)
}

// onDriverEvent is the connection manager callback for driver messages.
// The event is named after the interface index it carries, if any, while
// subscriptions are looked up in the driver table.
func (m *Manager) onDriverEvent(ctx context.Context, msg transport.DriverMessage) {
	name := connmgr.DriverName
	if msg.IfIndex > 0 && m.cfg.Links != nil {
		if n, err := network.IfName(m.cfg.Links, msg.IfIndex); err == nil && protocol.ValidName(n) {
			name = n
		} else {
			m.log.Debug("unresolved ifindex", "ifindex", msg.IfIndex, "error", err)
		}
	}
	env, err := events.NewEnvelope(connmgr.DriverOpcode(msg), msg.Data)
	if err != nil {
		m.log.Warn("dropping driver event", "command", msg.Command, "error", err)
		return
	}
	m.Dispatch(protocol.IfDriver, connmgr.DriverName, name, env)
}

// Dispatch delivers one event received on the interface (kind, table).
// Lifecycle opcodes update the interface state and every event passes the
// hook before it is framed once and sent to each subscriber of its opcode.
// A failed send is logged and does not stop delivery to the others.
func (m *Manager) Dispatch(kind protocol.IfType, table, name string, env *events.Envelope) error {
	opcode := env.Opcode()
	msg := env.Message()
	if reg := m.cfg.Metrics; reg != nil {
		reg.EventsReceived.WithLabelValues(kind.String(), opcode).Inc()
	}

	i := m.lookup(kind, table, false)
	if i == nil {
		m.log.Debug("event for unknown interface", "interface", table, "opcode", opcode)
		return nil
	}

	switch opcode {
	case events.OpConnected, events.OpReconnected:
		m.setState(i, StateConnected)
	case events.OpDisconnected:
		m.setState(i, StateDisconnected)
	}

	if m.cfg.Hook != nil && kind == protocol.IfHostap {
		if err := m.cfg.Hook.HandleEvent(name, opcode, string(msg)); err != nil {
			m.log.Warn("event hook failed", "interface", name, "opcode", opcode, "error", err)
		}
	}

	subs := i.table.Subscribers(opcode)
	delivered := 0
	if len(subs) > 0 {
		f, err := protocol.Event{IfType: kind, Name: name, Opcode: opcode, Msg: msg}.Frame()
		var b []byte
		if err == nil {
			b, err = f.MarshalBinary()
		}
		if err != nil {
			m.log.Bug("event framing failed", "interface", name, "opcode", opcode, "error", err)
			return err
		}
		for _, sub := range subs {
			if err := sub.Send(b); err != nil {
				if ok, suppressed := m.warnLimit.Allow(sub.Name()); ok {
					m.log.Warn("event not delivered", "interface", name, "opcode", opcode,
						"subscriber", sub.Name(), "error", err, "suppressed", suppressed)
				}
				m.countDelivery("failed")
				continue
			}
			delivered++
			m.countDelivery("ok")
		}
	}

	if m.cfg.Hub != nil {
		ev := events.Event{
			Timestamp:   m.cfg.Clock.Now(),
			Kind:        kind.String(),
			Interface:   name,
			Opcode:      opcode,
			Subscribers: delivered,
		}
		if kind == protocol.IfDriver {
			ev.Message = hex.EncodeToString(msg)
		} else {
			ev.Message = string(msg)
		}
		m.cfg.Hub.Publish(ev)
	}
	return nil
}

func (m *Manager) setState(i *iface, s State) {
	m.mu.Lock()
	prev := i.state
	i.state = s
	m.mu.Unlock()
	if prev != s {
		m.log.Info("interface state changed", "interface", i.name, "state", s.String())
	}
}

func (m *Manager) countDelivery(result string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.EventDeliveries.WithLabelValues(result).Inc()
	}
}
