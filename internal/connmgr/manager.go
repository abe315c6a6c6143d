// Package connmgr owns the transport connections behind every attached
// interface: the slot registry, attach and detach, the listener that reads
// events off every live descriptor, and the monitor that pings hostapd and
// re-establishes dropped connections.
//
// Lock order is attachMu before mu, and nlMu before mu. The attach lock is
// never held across a command path call.
package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grimm.is/apmux/internal/clock"
	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/logging"
	"grimm.is/apmux/internal/metrics"
	"grimm.is/apmux/internal/poll"
	"grimm.is/apmux/internal/protocol"
	"grimm.is/apmux/internal/transport"
)

// Config tunes the background loops and the driver correlator.
type Config struct {
	// PingInterval is how often every hostap interface is pinged.
	PingInterval time.Duration
	// RecoveryInterval is how often dropped interfaces are reattached.
	RecoveryInterval time.Duration
	// PollTimeout bounds every readiness wait of the background loops.
	PollTimeout time.Duration
	// ReplyTimeout bounds the wait for a solicited driver reply.
	ReplyTimeout time.Duration

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// DefaultConfig returns the intervals the daemon runs with.
func DefaultConfig() Config {
	return Config{
		PingInterval:     3 * time.Second,
		RecoveryInterval: time.Second,
		PollTimeout:      time.Second,
		ReplyTimeout:     2 * time.Second,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = def.RecoveryInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = def.ReplyTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.Real
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// Manager supervises every attached interface.
type Manager struct {
	hostapDialer transport.HostapDialer
	driverDialer transport.DriverDialer
	cfg          Config
	log          *logging.Logger
	metrics      *metrics.Registry

	// attachMu serializes attach and detach and guards the task handles.
	attachMu sync.Mutex
	listener *task
	monitor  *task
	closed   bool

	// mu guards the registry and every entry in it.
	mu  sync.Mutex
	reg registry

	// nlMu serializes solicited driver exchanges.
	nlMu sync.Mutex

	readable func(fds []int, timeout time.Duration) ([]int, error)
}

// New creates a manager. Either dialer may be nil when that transport is
// not used.
func New(hostap transport.HostapDialer, driver transport.DriverDialer, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		hostapDialer: hostap,
		driverDialer: driver,
		cfg:          cfg,
		log:          cfg.Logger.WithComponent("connmgr"),
		metrics:      cfg.Metrics,
		readable:     poll.Readable,
	}
}

// AttachHostap connects to the hostapd control interface of name and routes
// its events to cb. If hostapd cannot be reached the entry is kept, the
// monitor retries in the background and ErrInterfaceDown is returned.
// Attaching a live interface succeeds without side effects.
func (m *Manager) AttachHostap(ctx context.Context, name string, cb HostapCallback) error {
	if cb == nil {
		return fmt.Errorf("attach %s: nil callback", name)
	}
	if err := validName(name); err != nil {
		return err
	}
	if m.hostapDialer == nil {
		return fmt.Errorf("attach %s: hostap transport disabled: %w", name, ErrInterfaceDown)
	}
	if IsListenerContext(ctx) {
		m.log.Bug("attach called from listener", "interface", name)
		return ErrSelfCancel
	}

	m.attachMu.Lock()
	if m.closed {
		m.attachMu.Unlock()
		return ErrClosed
	}

	m.mu.Lock()
	if i, ok := m.reg.find(KindHostap, name); ok && m.reg.slots[i].hostap != nil {
		m.mu.Unlock()
		m.attachMu.Unlock()
		m.log.Info("interface already up", "interface", name, "index", i)
		return nil
	}
	m.mu.Unlock()

	m.stopTasks(ctx)

	m.mu.Lock()
	idx, err := m.reg.create(KindHostap, name)
	if err != nil {
		m.mu.Unlock()
		m.startTasksLocked()
		m.attachMu.Unlock()
		if err == ErrAlreadyUp {
			return nil
		}
		return fmt.Errorf("attach %s: %w", name, err)
	}

	e := m.reg.slots[idx]
	e.needsReconnect = false
	conn, attachErr := m.hostapDialer.Attach(name)
	if attachErr != nil {
		e.needsReconnect = true
	} else {
		e.hostap = conn
		e.fd = conn.EventFD()
	}
	// The callback is registered whether or not the transport came up.
	e.onEvent = cb
	m.mu.Unlock()

	m.startTasksLocked()
	m.attachMu.Unlock()

	if attachErr != nil {
		m.log.Warn("hostapd not reachable, will retry", "interface", name, "error", attachErr)
		m.setUp(name, KindHostap, false)
		return fmt.Errorf("attach %s: %v: %w", name, attachErr, ErrInterfaceDown)
	}

	m.log.Info("interface attached", "interface", name, "index", idx)
	m.setUp(name, KindHostap, true)
	if err := m.emitStatusEvent(ctx, name, events.OpConnected); err != nil {
		m.log.Warn("connected event not delivered", "interface", name, "error", err)
	}
	return nil
}

// DetachHostap frees the entry of name and closes its connection.
func (m *Manager) DetachHostap(ctx context.Context, name string) error {
	if IsListenerContext(ctx) {
		m.log.Bug("detach called from listener", "interface", name)
		return ErrSelfCancel
	}

	m.attachMu.Lock()
	defer m.attachMu.Unlock()

	m.mu.Lock()
	if _, ok := m.reg.find(KindHostap, name); !ok {
		m.mu.Unlock()
		return fmt.Errorf("detach %s: %w", name, ErrInterfaceDown)
	}
	m.mu.Unlock()

	m.stopTasks(ctx)
	defer m.startTasksLocked()

	m.mu.Lock()
	idx, ok := m.reg.find(KindHostap, name)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("detach %s: %w", name, ErrInterfaceDown)
	}
	conn := m.reg.slots[idx].hostap
	m.reg.free(idx)
	m.mu.Unlock()

	m.setUp(name, KindHostap, false)
	m.log.Info("interface detached", "interface", name, "index", idx)
	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("detach %s: %w", name, err)
		}
	}
	return nil
}

// AttachDriver opens the nl80211 connection. Vendor events go to onVendor
// and every other unsolicited message to onNonVendor; either may be nil.
func (m *Manager) AttachDriver(ctx context.Context, onVendor, onNonVendor DriverCallback) error {
	if m.driverDialer == nil {
		return fmt.Errorf("attach driver: transport disabled: %w", ErrInterfaceDown)
	}
	if IsListenerContext(ctx) {
		m.log.Bug("driver attach called from listener")
		return ErrSelfCancel
	}

	m.attachMu.Lock()
	defer m.attachMu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.mu.Lock()
	if i, ok := m.reg.find(KindDriver, DriverName); ok && m.reg.slots[i].driver != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.stopTasks(ctx)
	defer m.startTasksLocked()

	m.mu.Lock()
	defer m.mu.Unlock()
	idx, err := m.reg.create(KindDriver, DriverName)
	if err == ErrAlreadyUp {
		return nil
	}
	if err != nil {
		return fmt.Errorf("attach driver: %w", err)
	}

	conn, err := m.driverDialer.Attach()
	if err != nil {
		m.reg.free(idx)
		return fmt.Errorf("attach driver: %w", err)
	}
	e := m.reg.slots[idx]
	e.driver = conn
	e.fd = conn.EventFD()
	e.onVendor = onVendor
	e.onNonVendor = onNonVendor

	m.log.Info("driver attached", "index", idx)
	m.setUp(DriverName, KindDriver, true)
	return nil
}

// DetachDriver closes the nl80211 connection.
func (m *Manager) DetachDriver(ctx context.Context) error {
	if IsListenerContext(ctx) {
		m.log.Bug("driver detach called from listener")
		return ErrSelfCancel
	}

	m.attachMu.Lock()
	defer m.attachMu.Unlock()

	m.mu.Lock()
	if _, ok := m.reg.find(KindDriver, DriverName); !ok {
		m.mu.Unlock()
		return fmt.Errorf("detach driver: %w", ErrInterfaceDown)
	}
	m.mu.Unlock()

	m.stopTasks(ctx)
	defer m.startTasksLocked()

	m.mu.Lock()
	idx, ok := m.reg.find(KindDriver, DriverName)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("detach driver: %w", ErrInterfaceDown)
	}
	conn := m.reg.slots[idx].driver
	m.reg.free(idx)
	m.mu.Unlock()

	m.setUp(DriverName, KindDriver, false)
	m.log.Info("driver detached", "index", idx)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Close stops the background tasks and closes every connection.
func (m *Manager) Close() error {
	m.attachMu.Lock()
	defer m.attachMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.stopTasks(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.reg.slots {
		if e == nil {
			continue
		}
		if e.hostap != nil {
			e.hostap.Close()
		}
		if e.driver != nil {
			e.driver.Close()
		}
		m.reg.free(i)
	}
	return nil
}

// IndexOf returns the slot of an entry.
func (m *Manager) IndexOf(kind Kind, name string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.find(kind, name)
}

// InterfaceState is a snapshot of one entry.
type InterfaceState struct {
	Index            int
	Name             string
	Kind             Kind
	Connected        bool
	NeedsReconnect   bool
	PendingReconnect bool
}

// Interfaces returns a snapshot of every entry in slot order.
func (m *Manager) Interfaces() []InterfaceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []InterfaceState
	for i, e := range m.reg.slots {
		if e == nil {
			continue
		}
		out = append(out, InterfaceState{
			Index:            i,
			Name:             e.name,
			Kind:             e.kind,
			Connected:        e.hasContext() && !e.needsReconnect,
			NeedsReconnect:   e.needsReconnect,
			PendingReconnect: e.pendingReconnect,
		})
	}
	return out
}

// Running reports whether the background tasks are up.
func (m *Manager) Running() bool {
	m.attachMu.Lock()
	defer m.attachMu.Unlock()
	return m.listener != nil
}

// stopTasks stops both background tasks. Called with attachMu held. A task
// is never asked to stop itself.
func (m *Manager) stopTasks(ctx context.Context) {
	self := taskFrom(ctx)
	for _, t := range []**task{&m.listener, &m.monitor} {
		if *t == nil {
			continue
		}
		if *t == self {
			m.log.Bug("task asked to stop itself", "task", self.role.String())
			continue
		}
		(*t).stop()
		*t = nil
	}
}

// startTasksLocked starts whatever task is missing if any entry exists.
// Called with attachMu held.
func (m *Manager) startTasksLocked() {
	if m.closed {
		return
	}
	m.mu.Lock()
	active := m.reg.hasAnyActive()
	m.mu.Unlock()
	if !active {
		return
	}

	if m.monitor == nil {
		t, err := startTask(roleMonitor, m.runMonitor)
		if err != nil {
			m.log.Error("failed to start monitor", "error", err)
		} else {
			m.monitor = t
		}
	}
	if m.listener == nil {
		var mw *poll.Waker
		if m.monitor != nil {
			mw = m.monitor.waker
		}
		t, err := startTask(roleListener, func(ctx context.Context, t *task) {
			m.runListener(ctx, t, mw)
		})
		if err != nil {
			m.log.Error("failed to start listener", "error", err)
		} else {
			m.listener = t
		}
	}
}

// stoppingFor reports whether ctx belongs to a background task that is
// being stopped. Such callers must not issue new requests.
func (m *Manager) stoppingFor(ctx context.Context) bool {
	t := taskFrom(ctx)
	return t != nil && t.stopping.Load()
}

func (m *Manager) setUp(name string, kind Kind, up bool) {
	if m.metrics == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.metrics.InterfaceUp.WithLabelValues(name, kind.String()).Set(v)
}

func validName(name string) error {
	if !protocol.ValidName(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}
