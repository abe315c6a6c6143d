//go:build linux

// Package nl80211 is the driver transport: a generic netlink connection to
// the nl80211 family for commands and a second one joined to its multicast
// groups for unsolicited events.
package nl80211

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/apmux/internal/protocol"
	"grimm.is/apmux/internal/transport"
)

// ErrUnknownInterface is returned when a request names an interface that
// cannot be resolved.
var ErrUnknownInterface = errors.New("nl80211: unknown interface")

// Resolver maps interface names to indices.
type Resolver func(name string) (int, error)

// EncodeRequest builds the attribute block of req. Vendor commands carry
// the vendor OUI, subcommand and data attributes; any other command sends
// Data as preencoded attributes after the identifier.
func EncodeRequest(req transport.DriverRequest, oui uint32, resolve Resolver) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	if req.IfName != "" {
		switch req.IDType {
		case protocol.IDPhy:
			n, err := strconv.ParseUint(strings.TrimPrefix(req.IfName, "phy"), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", req.IfName, ErrUnknownInterface)
			}
			ae.Uint32(unix.NL80211_ATTR_WIPHY, uint32(n))
		default:
			if resolve == nil {
				return nil, fmt.Errorf("%s: no resolver: %w", req.IfName, ErrUnknownInterface)
			}
			idx, err := resolve(req.IfName)
			if err != nil {
				return nil, fmt.Errorf("%s: %v: %w", req.IfName, err, ErrUnknownInterface)
			}
			ae.Uint32(unix.NL80211_ATTR_IFINDEX, uint32(idx))
		}
	}

	if req.Command == unix.NL80211_CMD_VENDOR {
		ae.Uint32(unix.NL80211_ATTR_VENDOR_ID, oui)
		ae.Uint32(unix.NL80211_ATTR_VENDOR_SUBCMD, req.Subcommand)
		if len(req.Data) > 0 {
			ae.Bytes(unix.NL80211_ATTR_VENDOR_DATA, req.Data)
		}
		return ae.Encode()
	}

	b, err := ae.Encode()
	if err != nil {
		return nil, err
	}
	return append(b, req.Data...), nil
}

// DecodeMessage turns an nl80211 message into a DriverMessage.
func DecodeMessage(seq uint32, m genetlink.Message) (transport.DriverMessage, error) {
	out := transport.DriverMessage{Seq: seq, Command: m.Header.Command}
	ad, err := netlink.NewAttributeDecoder(m.Data)
	if err != nil {
		return out, err
	}

	vendor := m.Header.Command == unix.NL80211_CMD_VENDOR
	for ad.Next() {
		switch ad.Type() {
		case unix.NL80211_ATTR_IFINDEX:
			out.IfIndex = int(ad.Uint32())
		case unix.NL80211_ATTR_VENDOR_ID:
			out.VendorID = ad.Uint32()
		case unix.NL80211_ATTR_VENDOR_SUBCMD:
			out.Subcommand = ad.Uint32()
		case unix.NL80211_ATTR_VENDOR_DATA:
			if vendor {
				out.Data = ad.Bytes()
			}
		}
	}
	if err := ad.Err(); err != nil {
		return out, err
	}
	out.Vendor = vendor
	if !vendor && len(m.Data) > 0 {
		out.Data = append([]byte(nil), m.Data...)
	}
	return out, nil
}
