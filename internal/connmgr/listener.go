package connmgr

import (
	"context"
	"errors"
	"time"

	"grimm.is/apmux/internal/poll"
	"grimm.is/apmux/internal/transport"
)

// watch is one descriptor the listener waits on, captured under mu so the
// connection can be used after the lock is released.
type watch struct {
	name        string
	kind        Kind
	fd          int
	hostap      transport.HostapConn
	driver      transport.DriverConn
	onEvent     HostapCallback
	onVendor    DriverCallback
	onNonVendor DriverCallback
}

func (m *Manager) watches() []watch {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ws []watch
	for _, e := range m.reg.slots {
		if e == nil || !e.hasContext() {
			continue
		}
		w := watch{name: e.name, kind: e.kind}
		switch e.kind {
		case KindHostap:
			w.hostap, w.onEvent = e.hostap, e.onEvent
			w.fd = e.hostap.EventFD()
		case KindDriver:
			w.driver, w.onVendor, w.onNonVendor = e.driver, e.onVendor, e.onNonVendor
			w.fd = e.driver.EventFD()
		}
		e.fd = w.fd
		if w.fd > 0 {
			ws = append(ws, w)
		}
	}
	return ws
}

// runListener waits on the wake pipe and every live event descriptor. A
// hostap read failure asks the monitor for an immediate ping check; the
// listener itself never changes reconnection state.
func (m *Manager) runListener(ctx context.Context, t *task, monitor *poll.Waker) {
	m.log.Debug("listener started")
	defer m.log.Debug("listener stopped")

	for !t.stopping.Load() {
		ws := m.watches()
		fds := make([]int, 0, len(ws)+1)
		fds = append(fds, t.waker.Fd())
		for _, w := range ws {
			fds = append(fds, w.fd)
		}

		ready, err := m.readable(fds, m.cfg.PollTimeout)
		if err != nil {
			m.log.Warn("listener wait failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if poll.Contains(ready, t.waker.Fd()) {
			t.waker.Read()
			return
		}

		for _, w := range ws {
			if !poll.Contains(ready, w.fd) {
				continue
			}
			switch w.kind {
			case KindHostap:
				m.readHostap(ctx, t, w, monitor)
			case KindDriver:
				m.readDriver(ctx, t, w)
			}
		}
	}
}

func (m *Manager) readHostap(ctx context.Context, t *task, w watch, monitor *poll.Waker) {
	ev, err := w.hostap.NextEvent()
	if errors.Is(err, transport.ErrNoEvent) {
		return
	}
	if err != nil {
		m.log.Warn("event read failed", "interface", w.name, "error", err)
		if monitor != nil {
			monitor.Signal(wakeRecheck)
		}
		return
	}
	// The stop flag may have been raised while we waited.
	if t.stopping.Load() || ev.Opcode == "" {
		return
	}
	if err := w.onEvent(ctx, w.name, ev.Opcode, []byte(ev.Msg)); err != nil {
		m.log.Debug("event not processed", "interface", w.name, "opcode", ev.Opcode, "error", err)
	}
}

func (m *Manager) readDriver(ctx context.Context, t *task, w watch) {
	msgs, err := w.driver.ReadEvent()
	if errors.Is(err, transport.ErrNoEvent) {
		return
	}
	if err != nil {
		m.log.Warn("driver event read failed", "error", err)
		return
	}
	for _, msg := range msgs {
		if t.stopping.Load() {
			return
		}
		cb := w.onNonVendor
		if msg.Vendor {
			cb = w.onVendor
		}
		if cb != nil {
			cb(ctx, msg)
		}
	}
}
