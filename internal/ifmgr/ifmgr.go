// Package ifmgr sits between IPC clients and the connection manager. It
// keeps one subscription table per interface, turns received events into
// event frames for the subscribers of their opcode, executes client
// commands and attaches interfaces on start or on request.
package ifmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"grimm.is/apmux/internal/clock"
	"grimm.is/apmux/internal/connmgr"
	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/logging"
	"grimm.is/apmux/internal/metrics"
	"grimm.is/apmux/internal/network"
	"grimm.is/apmux/internal/protocol"
	"grimm.is/apmux/internal/ratelimit"
	"grimm.is/apmux/internal/transport"
)

// DefaultSlowCommand is the command latency above which a warning is logged.
const DefaultSlowCommand = 200 * time.Millisecond

// Failed deliveries are logged at most deliveryWarnings times per window
// for each subscriber.
const (
	deliveryWarnings      = 5
	deliveryWarningWindow = time.Minute
)

// Supervisor is the part of the connection manager ifmgr drives.
type Supervisor interface {
	AttachHostap(ctx context.Context, name string, cb connmgr.HostapCallback) error
	DetachHostap(ctx context.Context, name string) error
	AttachDriver(ctx context.Context, onVendor, onNonVendor connmgr.DriverCallback) error
	DetachDriver(ctx context.Context) error
	HostapCommand(ctx context.Context, name, cmd string, reply []byte) (int, error)
	DriverGet(ctx context.Context, req transport.DriverRequest) ([]byte, error)
	DriverSend(ctx context.Context, req transport.DriverRequest) error
	Interfaces() []connmgr.InterfaceState
}

// EventHook runs side effects for events as they are dispatched.
type EventHook interface {
	HandleEvent(ifname, opcode, msg string) error
}

// State is the interface state as seen through lifecycle events.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Config configures a Manager.
type Config struct {
	// SlowCommand is the latency warning threshold.
	SlowCommand time.Duration

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// Hub, when set, receives a copy of every dispatched event.
	Hub *events.Hub
	// Hook, when set, runs before fan-out.
	Hook EventHook
	// Links resolves driver event interface indices. Without it driver
	// events are named after the driver entry.
	Links network.Netlinker
}

type key struct {
	kind protocol.IfType
	name string
}

// iface is the ifmgr side of one interface.
type iface struct {
	name  string
	kind  protocol.IfType
	table *events.Table
	state State
	// attached is set while the connection manager has an entry for it.
	attached bool
	// onRequest marks interfaces attached because a client subscribed.
	// They are detached when their last subscriber leaves.
	onRequest bool
}

// Manager tracks interfaces and their subscribers.
type Manager struct {
	sup Supervisor
	cfg Config
	log *logging.Logger

	// lifeMu serializes attach and detach decisions. It is never taken
	// from the dispatch path, which the connection manager calls while
	// attaching.
	lifeMu sync.Mutex

	mu     sync.Mutex
	ifaces map[key]*iface

	warnLimit *ratelimit.Limiter
}

// New creates a manager driving sup.
func New(sup Supervisor, cfg Config) *Manager {
	if cfg.SlowCommand <= 0 {
		cfg.SlowCommand = DefaultSlowCommand
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Manager{
		sup:       sup,
		cfg:       cfg,
		log:       cfg.Logger.WithComponent("ifmgr"),
		ifaces:    make(map[key]*iface),
		warnLimit: ratelimit.NewLimiter(deliveryWarnings, deliveryWarningWindow, cfg.Clock),
	}
}

// lookup returns the interface, creating it when create is set.
func (m *Manager) lookup(kind protocol.IfType, name string, create bool) *iface {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{kind, name}
	if i, ok := m.ifaces[k]; ok {
		return i
	}
	if !create {
		return nil
	}
	i := &iface{name: name, kind: kind, table: events.NewTable()}
	m.ifaces[k] = i
	return i
}

// Start attaches the interfaces configured to come up with the daemon.
// Interfaces whose hostapd is not running yet are retried in the
// background and do not make Start fail.
func (m *Manager) Start(ctx context.Context, names []string, driver bool) error {
	var errs []error
	for _, name := range names {
		if err := m.Attach(ctx, name); err != nil && !errors.Is(err, connmgr.ErrInterfaceDown) {
			errs = append(errs, fmt.Errorf("attach %s: %w", name, err))
		}
	}
	if driver {
		if err := m.AttachDriver(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Attach attaches a hostap interface. Interfaces attached this way stay
// attached until Detach, whatever their subscribers do.
func (m *Manager) Attach(ctx context.Context, name string) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	i := m.lookup(protocol.IfHostap, name, true)
	m.mu.Lock()
	i.onRequest = false
	m.mu.Unlock()
	return m.attachLocked(ctx, i)
}

// AttachDriver attaches the nl80211 driver entry.
func (m *Manager) AttachDriver(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	i := m.lookup(protocol.IfDriver, connmgr.DriverName, true)
	m.mu.Lock()
	i.onRequest = false
	m.mu.Unlock()
	return m.attachLocked(ctx, i)
}

// attachLocked attaches i unless it already is. An interface whose
// hostapd is not up yet still counts as attached: the connection manager
// keeps retrying it. Called with lifeMu held.
func (m *Manager) attachLocked(ctx context.Context, i *iface) error {
	m.mu.Lock()
	attached := i.attached
	m.mu.Unlock()
	if attached {
		return nil
	}

	var err error
	if i.kind == protocol.IfDriver {
		err = m.sup.AttachDriver(ctx, m.onDriverEvent, m.onDriverEvent)
		if err == nil {
			m.mu.Lock()
			i.state = StateConnected
			m.mu.Unlock()
		}
	} else {
		err = m.sup.AttachHostap(ctx, i.name, m.onHostapEvent)
	}
	if err != nil && !(i.kind == protocol.IfHostap && errors.Is(err, connmgr.ErrInterfaceDown)) {
		return err
	}

	m.mu.Lock()
	i.attached = true
	m.mu.Unlock()
	if err != nil {
		m.log.Info("interface attached, waiting for hostapd", "interface", i.name)
	}
	return err
}

// Detach detaches an interface. Its subscribers stay registered and see
// events again once it is attached anew.
func (m *Manager) Detach(ctx context.Context, kind protocol.IfType, name string) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	i := m.lookup(kind, name, false)
	if i == nil {
		return fmt.Errorf("detach %s: %w", name, connmgr.ErrInterfaceDown)
	}
	return m.detachLocked(ctx, i)
}

// Called with lifeMu held.
func (m *Manager) detachLocked(ctx context.Context, i *iface) error {
	var err error
	if i.kind == protocol.IfDriver {
		err = m.sup.DetachDriver(ctx)
	} else {
		err = m.sup.DetachHostap(ctx, i.name)
	}
	m.mu.Lock()
	i.attached = false
	i.onRequest = false
	i.state = StateDisconnected
	m.mu.Unlock()
	return err
}

// Register subscribes sub to the opcodes of list on an interface,
// attaching the interface if nobody did yet. The subscription is recorded
// before the attach so the connected event reaches sub.
func (m *Manager) Register(ctx context.Context, sub events.Subscriber, kind protocol.IfType, name string, list []byte) error {
	if kind == protocol.IfDriver {
		name = connmgr.DriverName
	}
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	i := m.lookup(kind, name, true)
	registered, err := i.table.RegisterMany(sub, list)
	m.log.Debug("registered", "interface", name, "subscriber", sub.Name(), "opcodes", strings.Join(registered, ","))
	m.updateSubscribers(i)
	if err != nil {
		return err
	}

	m.mu.Lock()
	attached := i.attached
	if !attached {
		i.onRequest = true
	}
	m.mu.Unlock()
	if attached {
		return nil
	}

	err = m.attachLocked(ctx, i)
	if err != nil && kind == protocol.IfHostap && errors.Is(err, connmgr.ErrInterfaceDown) {
		// Still attached; the subscriber sees the reconnected event later.
		return nil
	}
	if err != nil {
		m.log.Warn("attach on request failed", "interface", name, "error", err)
	}
	return err
}

// Unregister removes sub from one interface, or from every interface when
// name is empty. Interfaces attached on request are detached once their
// last subscriber is gone.
func (m *Manager) Unregister(ctx context.Context, sub events.Subscriber, kind protocol.IfType, name string) error {
	if kind == protocol.IfDriver && name != "" {
		name = connmgr.DriverName
	}
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	var targets []*iface
	if name == "" {
		targets = m.snapshot()
	} else {
		i := m.lookup(kind, name, false)
		if i == nil {
			return fmt.Errorf("unregister %s: %w", name, ErrNotFound)
		}
		targets = []*iface{i}
	}
	for _, i := range targets {
		if n := i.table.UnregisterAll(sub); n > 0 {
			m.log.Debug("unregistered", "interface", i.name, "subscriber", sub.Name(), "opcodes", n)
		}
		m.updateSubscribers(i)
		m.release(ctx, i)
	}
	return nil
}

// Forget drops sub from every table. The IPC server calls it when a client
// goes away.
func (m *Manager) Forget(ctx context.Context, sub events.Subscriber) {
	if err := m.Unregister(ctx, sub, 0, ""); err != nil {
		m.log.Warn("failed to forget subscriber", "subscriber", sub.Name(), "error", err)
	}
	m.warnLimit.Forget(sub.Name())
}

// release detaches an on-request interface that has no subscribers left.
// Called with lifeMu held.
func (m *Manager) release(ctx context.Context, i *iface) {
	m.mu.Lock()
	idle := i.onRequest && i.attached && i.table.Len() == 0
	m.mu.Unlock()
	if !idle {
		return
	}
	m.log.Info("last subscriber gone, detaching", "interface", i.name)
	if err := m.detachLocked(ctx, i); err != nil {
		m.log.Warn("detach failed", "interface", i.name, "error", err)
	}
}

// Close detaches every interface.
func (m *Manager) Close(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	for _, i := range m.snapshot() {
		m.mu.Lock()
		attached := i.attached
		m.mu.Unlock()
		if attached {
			if err := m.detachLocked(ctx, i); err != nil {
				m.log.Debug("detach on close", "interface", i.name, "error", err)
			}
		}
	}
}

// snapshot returns every interface sorted by kind and name.
func (m *Manager) snapshot() []*iface {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*iface, 0, len(m.ifaces))
	for _, i := range m.ifaces {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].kind != out[b].kind {
			return out[a].kind < out[b].kind
		}
		return out[a].name < out[b].name
	})
	return out
}

func (m *Manager) updateSubscribers(i *iface) {
	if m.cfg.Metrics == nil {
		return
	}
	m.cfg.Metrics.Subscribers.WithLabelValues(i.name).Set(float64(i.table.SubscriberCount()))
}

// InterfaceStatus describes one interface for status queries.
type InterfaceStatus struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	State       string `json:"state"`
	Index       int    `json:"index"` // -1 when not attached
	Subscribers int    `json:"subscribers"`
	OnRequest   bool   `json:"on_request,omitempty"`
	// Reconnecting is set while the connection manager retries hostapd.
	Reconnecting bool `json:"reconnecting,omitempty"`
}

// Status lists every known interface.
func (m *Manager) Status() []InterfaceStatus {
	slots := make(map[key]connmgr.InterfaceState)
	for _, s := range m.sup.Interfaces() {
		kind := protocol.IfHostap
		if s.Kind == connmgr.KindDriver {
			kind = protocol.IfDriver
		}
		slots[key{kind, s.Name}] = s
	}

	var out []InterfaceStatus
	for _, i := range m.snapshot() {
		m.mu.Lock()
		st := InterfaceStatus{
			Name:        i.name,
			Kind:        i.kind.String(),
			State:       i.state.String(),
			Index:       -1,
			Subscribers: i.table.SubscriberCount(),
			OnRequest:   i.onRequest,
		}
		m.mu.Unlock()
		if s, ok := slots[key{i.kind, i.name}]; ok {
			st.Index = s.Index
			st.Reconnecting = s.NeedsReconnect
		}
		out = append(out, st)
	}
	return out
}

// FormatStatus renders a status list as "name=state key=value" lines.
func FormatStatus(list []InterfaceStatus) string {
	var b strings.Builder
	for _, s := range list {
		fmt.Fprintf(&b, "%s=%s kind=%s index=%d subscribers=%d", s.Name, s.State, s.Kind, s.Index, s.Subscribers)
		if s.Reconnecting {
			b.WriteString(" reconnecting=1")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
