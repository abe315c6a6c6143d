package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"grimm.is/apmux/internal/ctlplane"
	"grimm.is/apmux/internal/protocol"
)

// nl80211CmdVendor is NL80211_CMD_VENDOR.
const nl80211CmdVendor = 103

// RunCommand sends a hostapd command to iface and prints the reply.
func RunCommand(ctx context.Context, c ctlplane.ControlPlaneClient, w io.Writer, iface string, args []string) error {
	if iface == "" || len(args) == 0 {
		return fmt.Errorf("usage: cmd <interface> <command...>")
	}
	reply, err := c.Command(ctx, iface, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("%s: %w", iface, err)
	}
	if reply != "" && !strings.HasSuffix(reply, "\n") {
		reply += "\n"
	}
	_, err = io.WriteString(w, reply)
	return err
}

// RunVendor sends a vendor command to the driver. data is hex encoded.
// With wantReply set the daemon waits for the driver's answer, which is
// printed as hex.
func RunVendor(ctx context.Context, c ctlplane.ControlPlaneClient, w io.Writer, iface, subcmd, data string, wantReply bool) error {
	sub, err := strconv.ParseUint(subcmd, 0, 32)
	if err != nil {
		return fmt.Errorf("vendor subcommand %q: %w", subcmd, err)
	}
	payload, err := hex.DecodeString(data)
	if err != nil {
		return fmt.Errorf("vendor data: %w", err)
	}

	idType := protocol.IDNetdev
	if strings.HasPrefix(iface, "phy") {
		idType = protocol.IDPhy
	}
	reply, err := c.DriverCommand(ctx, protocol.DriverCommand{
		Name:       iface,
		Command:    nl80211CmdVendor,
		IDType:     idType,
		Subcommand: uint32(sub),
		Data:       payload,
		WantReply:  wantReply,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", iface, err)
	}
	if wantReply {
		Printer.Fprintf(w, "%s\n", hex.EncodeToString(reply))
	}
	return nil
}

// RunEvents subscribes to opcodes on iface and prints events until ctx is
// done or the daemon goes away. Without opcodes only lifecycle events are
// delivered.
func RunEvents(ctx context.Context, c ctlplane.ControlPlaneClient, w io.Writer, t protocol.IfType, iface string, opcodes []string) error {
	if iface == "" {
		return fmt.Errorf("usage: events <interface> [opcode...]")
	}
	if err := c.Register(ctx, t, iface, opcodes...); err != nil {
		return fmt.Errorf("register %s: %w", iface, err)
	}

	evs := c.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evs:
			if !ok {
				return ctlplane.ErrClientClosed
			}
			Printer.Fprintf(w, "%s %s %s\n", ev.Name, ev.Opcode, formatMsg(ev))
		}
	}
}

func formatMsg(ev protocol.Event) string {
	if ev.IfType == protocol.IfDriver {
		return hex.EncodeToString(ev.Msg)
	}
	return string(ev.Msg)
}

// RunStatus prints the daemon's interface listing.
func RunStatus(ctx context.Context, c ctlplane.ControlPlaneClient, w io.Writer) error {
	status, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if status == "" {
		Printer.Fprintln(w, "No interfaces")
		return nil
	}
	_, err = io.WriteString(w, status)
	return err
}

// RunAttach asks the daemon to attach iface.
func RunAttach(ctx context.Context, c ctlplane.ControlPlaneClient, w io.Writer, t protocol.IfType, iface string) error {
	if err := c.Attach(ctx, t, iface); err != nil {
		return fmt.Errorf("attach %s: %w", iface, err)
	}
	Printer.Fprintf(w, "%s attached\n", iface)
	return nil
}

// RunDetach asks the daemon to detach iface.
func RunDetach(ctx context.Context, c ctlplane.ControlPlaneClient, w io.Writer, t protocol.IfType, iface string) error {
	if err := c.Detach(ctx, t, iface); err != nil {
		return fmt.Errorf("detach %s: %w", iface, err)
	}
	Printer.Fprintf(w, "%s detached\n", iface)
	return nil
}

// ParseIfType maps the -driver flag to an interface type.
func ParseIfType(driver bool) protocol.IfType {
	if driver {
		return protocol.IfDriver
	}
	return protocol.IfHostap
}
