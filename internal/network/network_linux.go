//go:build linux
// +build linux

package network

import (
	"github.com/vishvananda/netlink"
)

// DefaultNetlinker is the default RealNetlinker instance.
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker is a concrete implementation of Netlinker that uses the actual netlink package.
type RealNetlinker struct{}

// LinkByName retrieves a link by name.
func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

// LinkByIndex retrieves a link by index.
func (r *RealNetlinker) LinkByIndex(index int) (netlink.Link, error) {
	return netlink.LinkByIndex(index)
}

// LinkSetMTU sets the MTU of the link.
func (r *RealNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	return netlink.LinkSetMTU(link, mtu)
}

// LinkSetMaster sets the master of a slave link.
func (r *RealNetlinker) LinkSetMaster(slave, master netlink.Link) error {
	return netlink.LinkSetMaster(slave, master)
}
