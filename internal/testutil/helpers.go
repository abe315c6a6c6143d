package testutil

import (
	"os"
	"testing"
)

// RequireRoot skips the test unless it runs as root with APMUX_NETLINK_TEST set.
// Tests that touch real netlink sockets or hostapd control sockets need both.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
	if os.Getenv("APMUX_NETLINK_TEST") == "" {
		t.Skip("Skipping test: requires APMUX_NETLINK_TEST environment")
	}
}
