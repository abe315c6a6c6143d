package ctlplane

import (
	"context"

	"grimm.is/apmux/internal/protocol"
)

// ControlPlaneClient defines the interface for communicating with the daemon.
// This interface enables mocking in unit tests.
type ControlPlaneClient interface {
	Close() error
	Events() <-chan protocol.Event

	// --- Commands ---
	Command(ctx context.Context, iface, command string) (string, error)
	DriverCommand(ctx context.Context, cmd protocol.DriverCommand) ([]byte, error)

	// --- Subscriptions ---
	Register(ctx context.Context, t protocol.IfType, iface string, opcodes ...string) error
	Unregister(ctx context.Context, t protocol.IfType, iface string) error

	// --- Interface management ---
	Attach(ctx context.Context, t protocol.IfType, iface string) error
	Detach(ctx context.Context, t protocol.IfType, iface string) error
	Status(ctx context.Context) (string, error)
}

var _ ControlPlaneClient = (*Client)(nil)
