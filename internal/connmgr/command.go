package connmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/protocol"
	"grimm.is/apmux/internal/transport"
)

// HostapCommand sends cmd to the hostapd control interface of name and
// copies the reply into reply. A transport failure marks the interface for
// reconnection, closes the connection and emits INTERFACE_DISCONNECTED to
// the interface callback. A reply too large for reply is returned as
// ErrReplyTooLarge and leaves the interface up.
func (m *Manager) HostapCommand(ctx context.Context, name, cmd string, reply []byte) (int, error) {
	if m.stoppingFor(ctx) {
		m.log.Debug("refusing command from stopping task", "interface", name, "command", cmd)
		return 0, ErrStopping
	}

	m.mu.Lock()
	idx, ok := m.reg.find(KindHostap, name)
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", name, ErrInterfaceDown)
	}
	e := m.reg.slots[idx]
	if e.needsReconnect {
		m.mu.Unlock()
		return 0, fmt.Errorf("%s: reconnect pending: %w", name, ErrInterfaceDown)
	}
	if e.hostap == nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", name, ErrNoContext)
	}

	n, err := e.hostap.Command(cmd, reply)
	if err == nil {
		m.mu.Unlock()
		return n, nil
	}
	if errors.Is(err, transport.ErrReplyTooLarge) {
		m.mu.Unlock()
		return 0, fmt.Errorf("%s %q: %w: %w", name, cmd, ErrReplyTooLarge, err)
	}

	m.log.Warn("command failed, interface needs recovery", "interface", name, "command", cmd, "error", err)
	e.needsReconnect = true
	if errors.Is(err, transport.ErrSocket) {
		e.hostap.Abort()
	} else {
		e.hostap.Close()
	}
	e.hostap = nil
	e.fd = -1
	cb := e.onEvent
	m.mu.Unlock()

	m.markDisconnected(ctx, name, cb)
	return 0, fmt.Errorf("%s %q: %w", name, cmd, err)
}

// ActiveVAPs returns the VAP snapshot carried by the connected events:
// "vaps=" followed by " <name>" for every bss[N] of the STATUS reply, or an
// empty string when hostapd reports none.
func (m *Manager) ActiveVAPs(ctx context.Context, name string) (string, error) {
	buf := make([]byte, protocol.MaxReply)
	n, err := m.HostapCommand(ctx, name, "STATUS", buf)
	if err != nil {
		return "", err
	}
	return ParseVAPs(string(buf[:n])), nil
}

// ParseVAPs builds the VAP list from a STATUS reply. bss indices are read
// in order and the list stops at the first missing index.
func ParseVAPs(status string) string {
	fields := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(status))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok {
			fields[k] = strings.TrimSpace(v)
		}
	}

	var b strings.Builder
	for i := 0; ; i++ {
		vap, ok := fields[fmt.Sprintf("bss[%d]", i)]
		if !ok || vap == "" {
			break
		}
		if b.Len() == 0 {
			b.WriteString("vaps=")
		}
		b.WriteString(" ")
		b.WriteString(vap)
	}
	return b.String()
}

// emitStatusEvent takes a VAP snapshot and delivers opcode with it to the
// interface callback.
func (m *Manager) emitStatusEvent(ctx context.Context, name, opcode string) error {
	vaps, err := m.ActiveVAPs(ctx, name)
	if err != nil {
		return fmt.Errorf("vap snapshot: %w", err)
	}
	cb := m.callbackOf(name)
	if cb == nil {
		return fmt.Errorf("%s: %w", name, ErrInterfaceDown)
	}
	var msg []byte
	if vaps != "" {
		msg = []byte(vaps)
	}
	return cb(ctx, name, opcode, msg)
}

// markDisconnected emits INTERFACE_DISCONNECTED. Called without mu held.
func (m *Manager) markDisconnected(ctx context.Context, name string, cb HostapCallback) {
	m.setUp(name, KindHostap, false)
	if m.metrics != nil {
		m.metrics.Disconnects.WithLabelValues(name).Inc()
	}
	if cb == nil {
		return
	}
	if err := cb(ctx, name, events.OpDisconnected, nil); err != nil {
		m.log.Warn("disconnected event not delivered", "interface", name, "error", err)
	}
}

func (m *Manager) callbackOf(name string) HostapCallback {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.reg.find(KindHostap, name); ok {
		return m.reg.slots[i].onEvent
	}
	return nil
}
