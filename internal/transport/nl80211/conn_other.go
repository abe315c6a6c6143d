//go:build !linux

package nl80211

import (
	"errors"

	"grimm.is/apmux/internal/transport"
)

// Resolver maps interface names to indices.
type Resolver func(name string) (int, error)

// Config configures the driver transport.
type Config struct {
	VendorOUI uint32
	Groups    []string
	Resolve   Resolver
}

// Dialer is unavailable off Linux.
type Dialer struct{}

// NewDialer returns a dialer that always fails.
func NewDialer(Config) *Dialer { return &Dialer{} }

// Attach always fails.
func (d *Dialer) Attach() (transport.DriverConn, error) {
	return nil, errors.New("nl80211: not supported on this platform")
}
