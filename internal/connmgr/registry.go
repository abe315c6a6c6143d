package connmgr

import (
	"context"

	"grimm.is/apmux/internal/transport"
)

// MaxInterfaces bounds the registry. Hostap and driver entries share the
// slots.
const MaxInterfaces = 65

// DriverName is the name of the single driver entry.
const DriverName = "ALL"

// Kind is the transport kind of an interface entry.
type Kind uint8

const (
	KindHostap Kind = iota + 1
	KindDriver
)

func (k Kind) String() string {
	switch k {
	case KindHostap:
		return "hostap"
	case KindDriver:
		return "driver"
	default:
		return "unknown"
	}
}

// HostapCallback receives hostap events for one interface, both those read
// from the transport and the synthesized lifecycle events. A non-nil error
// means the event could not be processed.
type HostapCallback func(ctx context.Context, name, opcode string, msg []byte) error

// DriverCallback receives unsolicited driver messages.
type DriverCallback func(ctx context.Context, msg transport.DriverMessage)

type entry struct {
	name string
	kind Kind

	hostap transport.HostapConn
	driver transport.DriverConn

	// fd is the last known event descriptor, -1 once the connection failed.
	fd int

	needsReconnect   bool
	pendingReconnect bool

	onEvent     HostapCallback
	onVendor    DriverCallback
	onNonVendor DriverCallback
}

func (e *entry) hasContext() bool {
	switch e.kind {
	case KindHostap:
		return e.hostap != nil
	case KindDriver:
		return e.driver != nil
	}
	return false
}

// registry is the slot table. It is guarded by Manager.mu.
type registry struct {
	slots [MaxInterfaces]*entry
}

func (r *registry) find(kind Kind, name string) (int, bool) {
	for i, e := range r.slots {
		if e != nil && e.kind == kind && e.name == name {
			return i, true
		}
	}
	return -1, false
}

// create reserves a slot for (kind, name). An existing entry without a
// transport is handed back for reuse.
func (r *registry) create(kind Kind, name string) (int, error) {
	if i, ok := r.find(kind, name); ok {
		if r.slots[i].hasContext() {
			return i, ErrAlreadyUp
		}
		return i, nil
	}
	for i, e := range r.slots {
		if e == nil {
			r.slots[i] = &entry{name: name, kind: kind, fd: -1}
			return i, nil
		}
	}
	return -1, ErrFull
}

func (r *registry) get(i int) *entry {
	if i < 0 || i >= len(r.slots) {
		return nil
	}
	return r.slots[i]
}

func (r *registry) free(i int) {
	if i >= 0 && i < len(r.slots) {
		r.slots[i] = nil
	}
}

func (r *registry) hasAnyActive() bool {
	for _, e := range r.slots {
		if e != nil {
			return true
		}
	}
	return false
}

func (r *registry) hasKind(kind Kind) bool {
	for _, e := range r.slots {
		if e != nil && e.kind == kind {
			return true
		}
	}
	return false
}
