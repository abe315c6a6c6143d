package network

import (
	"github.com/vishvananda/netlink"
)

// Netlinker is an interface that abstracts netlink interactions.
// This allows for mocking netlink calls during unit testing.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkByIndex(index int) (netlink.Link, error)
	LinkSetMTU(link netlink.Link, mtu int) error
	LinkSetMaster(slave, master netlink.Link) error
}

// IfName resolves an interface index to its name.
func IfName(nl Netlinker, index int) (string, error) {
	link, err := nl.LinkByIndex(index)
	if err != nil {
		return "", err
	}
	return link.Attrs().Name, nil
}
