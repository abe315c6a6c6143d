// Package events holds the per-interface subscription tables, the envelope
// that carries a received event to the dispatcher, and an in-process hub
// that taps every dispatched event for observers such as the websocket
// stream.
package events

import "time"

// Lifecycle opcodes synthesized by the connection manager. Every subscriber
// receives them whether or not it asked.
const (
	OpConnected    = "INTERFACE_CONNECTED_OK"
	OpReconnected  = "INTERFACE_RECONNECTED_OK"
	OpDisconnected = "INTERFACE_DISCONNECTED"
)

// Opcodes with side effects in the bridge hook.
const (
	OpAPEnabled      = "AP-ENABLED"
	OpWDSStaIfaceAdd = "WDS-STA-INTERFACE-ADDED"
	OpPing           = "PING"
)

// LifecycleOpcodes lists the forced subscriptions in registration order.
var LifecycleOpcodes = [...]string{OpConnected, OpReconnected, OpDisconnected}

// IsLifecycle reports whether opcode is one of the lifecycle opcodes.
func IsLifecycle(opcode string) bool {
	for _, op := range LifecycleOpcodes {
		if op == opcode {
			return true
		}
	}
	return false
}

// Event is what the hub publishes for every dispatched interface event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"` // "hostap" or "driver"
	Interface string    `json:"interface"`
	Opcode    string    `json:"opcode"`
	Message   string    `json:"message,omitempty"`
	// Subscribers is how many IPC clients the event was delivered to.
	Subscribers int `json:"subscribers"`
}
