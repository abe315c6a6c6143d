package network

import (
	"errors"
	"fmt"
	"strings"

	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/logging"
)

// MTU bounds accepted for VAP links.
const (
	MinMTU = 68
	MaxMTU = 65535
)

// ErrMalformedEvent is returned for hook events missing a required field.
var ErrMalformedEvent = errors.New("network: malformed event")

// LinkConfig is the link setup wanted for one VAP.
type LinkConfig struct {
	Bridge string
	MTU    int // 0 leaves the MTU alone
}

// LinkConfigFunc returns the link setup of a VAP, if any.
type LinkConfigFunc func(vap string) (LinkConfig, bool)

// IsVAP reports whether name is a VAP rather than a radio.
func IsVAP(name string) bool {
	return strings.Contains(name, ".")
}

// BridgeHook enslaves VAPs to their bridges as they come up.
type BridgeHook struct {
	nl     Netlinker
	lookup LinkConfigFunc
	log    *logging.Logger
}

// NewBridgeHook creates a hook applying lookup's settings through nl.
func NewBridgeHook(nl Netlinker, lookup LinkConfigFunc, logger *logging.Logger) *BridgeHook {
	if logger == nil {
		logger = logging.Default()
	}
	return &BridgeHook{nl: nl, lookup: lookup, log: logger.WithComponent("bridge")}
}

// HandleEvent applies the side effects of one event received on ifname.
// Opcodes the hook does not know are ignored.
func (h *BridgeHook) HandleEvent(ifname, opcode, msg string) error {
	switch opcode {
	case events.OpConnected, events.OpReconnected:
		return h.radioUp(ifname, msg)
	case events.OpAPEnabled:
		fields := strings.Fields(msg)
		if len(fields) < 2 {
			return fmt.Errorf("%s %q: %w", opcode, msg, ErrMalformedEvent)
		}
		return h.configure(fields[1])
	case events.OpWDSStaIfaceAdd:
		// WDS-STA-INTERFACE-ADDED <vap> ifname=<if> sta_addr=<mac>
		fields := strings.Fields(msg)
		if len(fields) < 3 {
			return fmt.Errorf("%s %q: %w", opcode, msg, ErrMalformedEvent)
		}
		vap := fields[1]
		for _, f := range fields[2:] {
			if ifname, ok := strings.CutPrefix(f, "ifname="); ok && ifname != "" {
				return h.enslave(ifname, vap)
			}
		}
		return fmt.Errorf("%s %q: no ifname: %w", opcode, msg, ErrMalformedEvent)
	}
	return nil
}

// radioUp configures every VAP of a radio's "vaps=" list.
func (h *BridgeHook) radioUp(ifname, msg string) error {
	if IsVAP(ifname) {
		return nil
	}
	_, list, ok := strings.Cut(msg, "vaps= ")
	if !ok {
		return nil
	}
	var errs []error
	for _, vap := range strings.Fields(list) {
		if IsVAP(vap) {
			errs = append(errs, h.configure(vap))
		}
	}
	return errors.Join(errs...)
}

// configure enslaves vap and then applies its MTU.
func (h *BridgeHook) configure(vap string) error {
	if err := h.enslave(vap, vap); err != nil {
		return err
	}
	return h.setMTU(vap)
}

// config looks name up, falling back to the VAP it belongs to for
// per-station interfaces such as wlan0.1.sta3.
func (h *BridgeHook) config(name, vap string) (LinkConfig, bool) {
	if h.lookup == nil {
		return LinkConfig{}, false
	}
	if c, ok := h.lookup(name); ok {
		return c, true
	}
	if base, _, found := strings.Cut(name, ".sta"); found {
		if c, ok := h.lookup(base); ok {
			return c, true
		}
	}
	if vap != name {
		return h.lookup(vap)
	}
	return LinkConfig{}, false
}

func (h *BridgeHook) enslave(name, vap string) error {
	c, ok := h.config(name, vap)
	if !ok || c.Bridge == "" {
		h.log.Debug("no bridge configured", "interface", name)
		return nil
	}
	link, err := h.nl.LinkByName(name)
	if err != nil {
		return fmt.Errorf("bridge add %s: %w", name, err)
	}
	br, err := h.nl.LinkByName(c.Bridge)
	if err != nil {
		return fmt.Errorf("bridge add %s: bridge %s: %w", name, c.Bridge, err)
	}
	if err := h.nl.LinkSetMaster(link, br); err != nil {
		return fmt.Errorf("bridge add %s to %s: %w", name, c.Bridge, err)
	}
	h.log.Info("interface added to bridge", "interface", name, "bridge", c.Bridge)
	return nil
}

func (h *BridgeHook) setMTU(vap string) error {
	c, ok := h.config(vap, vap)
	if !ok || c.MTU == 0 {
		return nil
	}
	if c.MTU < MinMTU || c.MTU > MaxMTU {
		return fmt.Errorf("invalid MTU %d for %s", c.MTU, vap)
	}
	link, err := h.nl.LinkByName(vap)
	if err != nil {
		return fmt.Errorf("set mtu %s: %w", vap, err)
	}
	if err := h.nl.LinkSetMTU(link, c.MTU); err != nil {
		// Usually AP-ENABLED has not been issued for the VAP yet.
		return fmt.Errorf("set mtu %s %d: %w", vap, c.MTU, err)
	}
	return nil
}
