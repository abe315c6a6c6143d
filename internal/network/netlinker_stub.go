//go:build !linux
// +build !linux

package network

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// DefaultNetlinker is the default RealNetlinker instance (stub).
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker is a stub implementation of Netlinker.
type RealNetlinker struct{}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return nil, fmt.Errorf("LinkByName not supported on this platform")
}

func (r *RealNetlinker) LinkByIndex(index int) (netlink.Link, error) {
	return nil, fmt.Errorf("LinkByIndex not supported on this platform")
}

func (r *RealNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	return fmt.Errorf("LinkSetMTU not supported on this platform")
}

func (r *RealNetlinker) LinkSetMaster(slave, master netlink.Link) error {
	return fmt.Errorf("LinkSetMaster not supported on this platform")
}
