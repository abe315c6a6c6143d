package connmgr

import (
	"context"
	"strings"
	"time"

	"grimm.is/apmux/internal/clock"
	"grimm.is/apmux/internal/events"
)

const pingReplySize = 64

// runMonitor pings every hostap interface each PingInterval and retries
// dropped interfaces each RecoveryInterval. A wake byte of 'R' forces a
// ping check; any other byte stops the loop.
func (m *Manager) runMonitor(ctx context.Context, t *task) {
	m.log.Debug("monitor started")
	defer m.log.Debug("monitor stopped")

	lastPing := m.cfg.Clock.Now()
	lastRecovery := lastPing

	for !t.stopping.Load() {
		force := false
		ready, err := m.readable([]int{t.waker.Fd()}, m.cfg.PollTimeout)
		if err != nil {
			m.log.Warn("monitor wait failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if len(ready) > 0 {
			b, ok, err := t.waker.Read()
			if err != nil {
				m.log.Error("monitor wake pipe failed", "error", err)
				return
			}
			if ok && b != wakeRecheck {
				return
			}
			force = ok
		}
		if t.stopping.Load() {
			return
		}

		now := m.cfg.Clock.Now()
		if force || clock.Due(m.cfg.Clock, lastPing, m.cfg.PingInterval) {
			lastPing = now
			m.pingCheck(ctx)
		}
		if clock.Due(m.cfg.Clock, lastRecovery, m.cfg.RecoveryInterval) {
			lastRecovery = now
			m.recoverInterfaces(ctx)
		}
	}
}

// pingCheck pings every hostap entry with a live descriptor through the
// regular command path. An entry whose ping fails without the command path
// having marked it is detached here and reported disconnected once.
func (m *Manager) pingCheck(ctx context.Context) {
	m.mu.Lock()
	var names []string
	for _, e := range m.reg.slots {
		if e != nil && e.kind == KindHostap && e.hostap != nil && e.fd > 0 {
			names = append(names, e.name)
		}
	}
	m.mu.Unlock()

	reply := make([]byte, pingReplySize)
	for _, name := range names {
		n, err := m.HostapCommand(ctx, name, events.OpPing, reply)
		if err == nil && strings.HasPrefix(string(reply[:n]), "PONG") {
			continue
		}
		if err == ErrStopping {
			return
		}
		m.log.Warn("ping failed", "interface", name, "error", err)
		if m.metrics != nil {
			m.metrics.PingFailures.WithLabelValues(name).Inc()
		}

		m.mu.Lock()
		idx, ok := m.reg.find(KindHostap, name)
		if !ok {
			m.mu.Unlock()
			continue
		}
		e := m.reg.slots[idx]
		e.fd = -1
		if e.needsReconnect {
			m.mu.Unlock()
			continue
		}
		e.needsReconnect = true
		if e.hostap != nil {
			e.hostap.Close()
			e.hostap = nil
		}
		cb := e.onEvent
		m.mu.Unlock()

		m.markDisconnected(ctx, name, cb)
	}
}

// recoverInterfaces reattaches every entry marked for reconnection and
// emits INTERFACE_RECONNECTED_OK for every recovered entry. The pending
// flag is cleared only once that event was delivered, so a failed emission
// is retried on the next pass.
func (m *Manager) recoverInterfaces(ctx context.Context) {
	if m.hostapDialer == nil {
		return
	}

	m.mu.Lock()
	var pending []string
	for _, e := range m.reg.slots {
		if e == nil || e.kind != KindHostap {
			continue
		}
		if e.needsReconnect {
			if e.hostap != nil {
				e.hostap.Close()
				e.hostap = nil
			}
			conn, err := m.hostapDialer.Attach(e.name)
			if err == nil {
				e.hostap = conn
				e.fd = conn.EventFD()
				e.needsReconnect = false
				e.pendingReconnect = true
				m.log.Info("interface recovered", "interface", e.name)
				if m.metrics != nil {
					m.metrics.Reconnects.WithLabelValues(e.name).Inc()
				}
			}
		}
		if e.pendingReconnect {
			pending = append(pending, e.name)
		}
	}
	m.mu.Unlock()

	for _, name := range pending {
		if err := m.emitStatusEvent(ctx, name, events.OpReconnected); err != nil {
			m.log.Debug("reconnected event deferred", "interface", name, "error", err)
			continue
		}
		m.mu.Lock()
		if idx, ok := m.reg.find(KindHostap, name); ok {
			m.reg.slots[idx].pendingReconnect = false
		}
		m.mu.Unlock()
		m.setUp(name, KindHostap, true)
	}
}
