package ifmgr

import (
	"errors"

	"grimm.is/apmux/internal/connmgr"
	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/protocol"
)

// ErrNotFound is returned for interfaces nobody attached or subscribed to.
var ErrNotFound = errors.New("ifmgr: no such interface")

// StatusOf maps an error to the status of an IPC response.
func StatusOf(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusSuccess
	case errors.Is(err, ErrNotFound):
		return protocol.StatusNotFound
	case errors.Is(err, protocol.ErrMalformed),
		errors.Is(err, protocol.ErrTooLong),
		errors.Is(err, protocol.ErrShortBuffer),
		errors.Is(err, events.ErrOpcodeTooLong):
		return protocol.StatusFraming
	default:
		return connmgr.Status(err)
	}
}
