package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"grimm.is/apmux/internal/clock"
	"grimm.is/apmux/internal/ifmgr"
	"grimm.is/apmux/internal/network"
)

// InterfaceSource lists the interfaces the daemon manages.
// *ifmgr.Manager implements it.
type InterfaceSource interface {
	Status() []ifmgr.InterfaceStatus
}

// CheckInterfaces reports degraded while any managed interface is
// disconnected or reconnecting, and unhealthy when none is connected.
func CheckInterfaces(src InterfaceSource) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{LastChecked: start, Status: StatusHealthy}

		var up int
		var down []string
		all := src.Status()
		for _, s := range all {
			if s.State == ifmgr.StateConnected.String() && !s.Reconnecting {
				up++
			} else {
				down = append(down, s.Name)
			}
		}

		switch {
		case len(all) == 0:
			check.Message = "no interfaces"
		case up == 0:
			check.Status = StatusUnhealthy
			check.Message = "no interface connected"
		case len(down) > 0:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d/%d connected, down: %s", up, len(all), strings.Join(down, ","))
		default:
			check.Message = fmt.Sprintf("%d interfaces connected", up)
		}

		check.Duration = time.Since(start)
		return check
	}
}

// CheckSocket verifies that the IPC socket accepts connections.
func CheckSocket(path string) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{LastChecked: start}

		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("dial %s: %v", path, err)
		} else {
			conn.Close()
			check.Status = StatusHealthy
			check.Message = "accepting connections"
		}

		check.Duration = time.Since(start)
		return check
	}
}

// CheckHostapdDir counts the control sockets hostapd has created.
func CheckHostapdDir(dir string) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{LastChecked: start}

		entries, err := os.ReadDir(dir)
		if err != nil {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("cannot read %s: %v", dir, err)
		} else {
			n := 0
			for _, e := range entries {
				if e.Type()&os.ModeSocket != 0 {
					n++
				}
			}
			check.Status = StatusHealthy
			check.Message = fmt.Sprintf("%d control sockets", n)
		}

		check.Duration = time.Since(start)
		return check
	}
}

// CheckLinks verifies that every named network interface exists.
func CheckLinks(nl network.Netlinker, names func() []string) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{LastChecked: start, Status: StatusHealthy}

		var missing []string
		all := names()
		for _, name := range all {
			if _, err := nl.LinkByName(name); err != nil {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("missing links: %s", strings.Join(missing, ","))
		} else {
			check.Message = fmt.Sprintf("%d links present", len(all))
		}

		check.Duration = time.Since(start)
		return check
	}
}
