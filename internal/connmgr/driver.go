package connmgr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/apmux/internal/transport"
)

const (
	// MaxDriverReply bounds a solicited driver reply.
	MaxDriverReply = 8 * 1024
	// drainRetries is how many readiness errors in a row abort a drain.
	drainRetries = 3
	// reattachTries bounds the attempts of a request that hit ENOENT.
	reattachTries = 2
)

// DriverOpcode names a driver message for subscriptions: VENDOR-<subcmd>
// for vendor messages, NL80211-<cmd> for everything else.
func DriverOpcode(msg transport.DriverMessage) string {
	if msg.Vendor {
		return "VENDOR-" + strconv.FormatUint(uint64(msg.Subcommand), 10)
	}
	return "NL80211-" + strconv.FormatUint(uint64(msg.Command), 10)
}

// DriverGet sends req and waits for its reply data. Only one solicited
// exchange is in flight at a time; stale replies of abandoned exchanges are
// drained first. A request failing with ENOENT reattaches the driver once
// and is retried.
func (m *Manager) DriverGet(ctx context.Context, req transport.DriverRequest) ([]byte, error) {
	if m.stoppingFor(ctx) {
		return nil, ErrStopping
	}
	m.nlMu.Lock()
	defer m.nlMu.Unlock()

	var data []byte
	err := m.withReattach(func(conn transport.DriverConn) error {
		var err error
		data, err = m.exchange(conn, req)
		return err
	})
	return data, err
}

// DriverSend issues req without waiting for a reply.
func (m *Manager) DriverSend(ctx context.Context, req transport.DriverRequest) error {
	if m.stoppingFor(ctx) {
		return ErrStopping
	}
	m.nlMu.Lock()
	defer m.nlMu.Unlock()

	return m.withReattach(func(conn transport.DriverConn) error {
		_, err := conn.Send(req, false)
		return err
	})
}

// withReattach runs fn against the current driver connection, replacing
// the connection and retrying when fn fails with ENOENT. Called with nlMu
// held.
func (m *Manager) withReattach(fn func(transport.DriverConn) error) error {
	tries := reattachTries
	for {
		conn, err := m.driverConn()
		if err != nil {
			return err
		}
		err = fn(conn)
		if !errors.Is(err, unix.ENOENT) {
			return err
		}
		tries--
		if tries == 0 {
			return err
		}
		if rerr := m.reattachDriver(conn); rerr != nil {
			m.log.Warn("driver reattach failed", "error", rerr)
			return err
		}
		m.log.Info("driver connection recovered, retrying request")
	}
}

func (m *Manager) driverConn() (transport.DriverConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.reg.find(KindDriver, DriverName)
	if !ok {
		return nil, fmt.Errorf("driver: %w", ErrInterfaceDown)
	}
	conn := m.reg.slots[idx].driver
	if conn == nil {
		return nil, fmt.Errorf("driver: %w", ErrNoContext)
	}
	return conn, nil
}

// reattachDriver replaces old with a fresh connection. The listener picks
// up the new event descriptor on its next pass.
func (m *Manager) reattachDriver(old transport.DriverConn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.reg.find(KindDriver, DriverName)
	if !ok {
		return ErrInterfaceDown
	}
	e := m.reg.slots[idx]
	if e.driver != old {
		// Someone else already replaced it.
		return nil
	}
	if e.driver != nil {
		if err := e.driver.Close(); err != nil {
			m.log.Warn("driver detach failed", "error", err)
		}
		e.driver = nil
	}
	conn, err := m.driverDialer.Attach()
	if err != nil {
		e.fd = -1
		return err
	}
	e.driver = conn
	e.fd = conn.EventFD()
	return nil
}

// exchange performs one solicited round trip. Called with nlMu held.
func (m *Manager) exchange(conn transport.DriverConn, req transport.DriverRequest) ([]byte, error) {
	if err := m.drain(conn); err != nil {
		return nil, err
	}
	seq, err := conn.Send(req, true)
	if err != nil {
		return nil, err
	}

	fd := conn.CommandFD()
	deadline := m.cfg.Clock.Now().Add(m.cfg.ReplyTimeout)
	for {
		wait := deadline.Sub(m.cfg.Clock.Now())
		if wait <= 0 {
			return nil, fmt.Errorf("seq %d: %w", seq, ErrTimeout)
		}
		ready, err := m.readable([]int{fd}, wait)
		if err != nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if len(ready) == 0 {
			continue
		}

		msgs, err := conn.ReadCommand()
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			if msg.Seq != seq {
				m.log.Debug("ignoring reply of another request", "seq", msg.Seq, "want", seq)
				continue
			}
			if msg.Done {
				return nil, fmt.Errorf("seq %d: %w", seq, ErrNoReply)
			}
			if len(msg.Data) == 0 {
				continue
			}
			if len(msg.Data) > MaxDriverReply {
				return nil, fmt.Errorf("%d bytes: %w", len(msg.Data), ErrReplyTooLarge)
			}
			return append([]byte(nil), msg.Data...), nil
		}
	}
}

// drain discards whatever is pending on the command socket. Three readiness
// errors in a row abort with ErrDesync.
func (m *Manager) drain(conn transport.DriverConn) error {
	fd := conn.CommandFD()
	if fd <= 0 {
		return fmt.Errorf("command descriptor %d: %w", fd, ErrDesync)
	}

	failures := 0
	for {
		ready, err := m.readable([]int{fd}, 0)
		if err != nil {
			failures++
			if failures >= drainRetries {
				m.log.Error("driver command socket wait failed repeatedly", "error", err)
				return fmt.Errorf("%v: %w", err, ErrDesync)
			}
			time.Sleep(time.Millisecond)
			continue
		}
		failures = 0
		if len(ready) == 0 {
			return nil
		}

		msgs, err := conn.ReadCommand()
		if errors.Is(err, transport.ErrSocket) || errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("drain: %v: %w", err, ErrDesync)
		}
		if err != nil {
			m.log.Debug("discarded stale driver error", "error", err)
		}
		if m.metrics != nil && len(msgs) > 0 {
			m.metrics.DriverDrained.Add(float64(len(msgs)))
		}
	}
}
