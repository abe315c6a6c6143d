package connmgr

import (
	"errors"

	"grimm.is/apmux/internal/protocol"
)

var (
	// ErrInterfaceDown is returned for interfaces that are unknown or
	// waiting to be reconnected. Callers may retry later.
	ErrInterfaceDown = errors.New("connmgr: interface is down")
	// ErrAlreadyUp is returned by the registry when a live entry exists.
	ErrAlreadyUp = errors.New("connmgr: interface already up")
	// ErrFull is returned when every registry slot is taken.
	ErrFull = errors.New("connmgr: interface table full")
	// ErrNoContext is returned when an entry exists without a transport.
	ErrNoContext = errors.New("connmgr: no transport context")
	// ErrSelfCancel is returned when the listener tries to attach or detach,
	// which would require it to stop itself.
	ErrSelfCancel = errors.New("connmgr: called from listener")
	// ErrStopping is returned to background tasks that are being stopped.
	ErrStopping = errors.New("connmgr: task is stopping")
	// ErrDesync is returned when the driver command socket cannot be drained.
	ErrDesync = errors.New("connmgr: driver command socket desync")
	// ErrTimeout is returned when a solicited driver reply never arrived.
	ErrTimeout = errors.New("connmgr: timed out waiting for reply")
	// ErrNoReply is returned when the driver acknowledged a request without
	// the data it was asked for.
	ErrNoReply = errors.New("connmgr: driver sent no reply data")
	// ErrReplyTooLarge is returned for replies that do not fit the caller's
	// buffer.
	ErrReplyTooLarge = errors.New("connmgr: reply too large")
	// ErrInvalidName is returned for empty or oversized interface names.
	ErrInvalidName = errors.New("connmgr: invalid interface name")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connmgr: manager closed")
)

// Status maps an error from this package to the status carried in an IPC
// response header.
func Status(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusSuccess
	case errors.Is(err, ErrInterfaceDown):
		return protocol.StatusInterfaceDown
	case errors.Is(err, ErrAlreadyUp):
		return protocol.StatusAlreadyUp
	case errors.Is(err, ErrFull):
		return protocol.StatusFull
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrReplyTooLarge):
		return protocol.StatusFraming
	case errors.Is(err, ErrStopping):
		return protocol.StatusBusy
	case errors.Is(err, ErrTimeout):
		return protocol.StatusTimeout
	default:
		return protocol.StatusFailure
	}
}
