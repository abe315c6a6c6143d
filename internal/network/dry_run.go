package network

import (
	"fmt"
	"sync"

	"github.com/vishvananda/netlink"
)

// DryRunNetlinker records link operations instead of applying them.
type DryRunNetlinker struct {
	mu  sync.Mutex
	Ops []string
}

// NewDryRunNetlinker creates a new dry run netlinker.
func NewDryRunNetlinker() *DryRunNetlinker {
	return &DryRunNetlinker{}
}

func (n *DryRunNetlinker) log(op string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Ops = append(n.Ops, fmt.Sprintf("ip %s", op))
}

// Operations returns the recorded operations.
func (n *DryRunNetlinker) Operations() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.Ops...)
}

func (n *DryRunNetlinker) LinkByName(name string) (netlink.Link, error) {
	return &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: name}}, nil
}

func (n *DryRunNetlinker) LinkByIndex(index int) (netlink.Link, error) {
	return &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: index, Name: fmt.Sprintf("if%d", index)}}, nil
}

func (n *DryRunNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	n.log(fmt.Sprintf("link set %s mtu %d", link.Attrs().Name, mtu))
	return nil
}

func (n *DryRunNetlinker) LinkSetMaster(slave, master netlink.Link) error {
	n.log(fmt.Sprintf("link set %s master %s", slave.Attrs().Name, master.Attrs().Name))
	return nil
}
