package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/apmux/internal/api"
	"grimm.is/apmux/internal/config"
	"grimm.is/apmux/internal/ctlplane"
	"grimm.is/apmux/internal/logging"
	"grimm.is/apmux/internal/metrics"
	"grimm.is/apmux/internal/network"
	"grimm.is/apmux/internal/protocol"
	"grimm.is/apmux/internal/transport/transporttest"
)

type daemonFixture struct {
	d     *Daemon
	hd    *transporttest.HostapDialer
	links *network.DryRunNetlinker
	cfg   *config.Config
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.SocketPath = filepath.Join(dir, "apmux.sock")
	cfg.Hostapd.CtrlDir = dir
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Monitor.PingInterval = "1h"
	cfg.Bridge.Enabled = true
	cfg.Bridge.DefaultBridge = "br-lan"
	cfg.Interfaces = []config.InterfaceConfig{
		{Name: "wlan0", AttachOnStart: true},
		{Name: "wlan0.1", Bridge: "br-guest", MTU: 1400},
	}
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) *daemonFixture {
	t.Helper()
	f := &daemonFixture{
		hd:    transporttest.NewHostapDialer(),
		links: network.NewDryRunNetlinker(),
		cfg:   cfg,
	}
	f.hd.SetStatus("wlan0", "wlan0.1")

	d, err := NewDaemon(cfg, DaemonOptions{
		Hostap: f.hd,
		Links:  f.links,
		Logger: logging.New(logging.Config{Level: logging.LevelInfo, Output: io.Discard}),
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Shutdown)
	f.d = d
	return f
}

func (f *daemonFixture) dial(t *testing.T) *ctlplane.Client {
	t.Helper()
	c, err := ctlplane.Dial(f.cfg.SocketPath)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitEvent(t *testing.T, c *ctlplane.Client, opcode string) protocol.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "client closed")
			if ev.Opcode == opcode {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", opcode)
		}
	}
}

func TestDaemon_CommandAndEvents(t *testing.T) {
	f := startDaemon(t, testConfig(t))
	c := f.dial(t)
	ctx := context.Background()

	require.Eventually(t, func() bool { return f.hd.Attaches("wlan0") == 1 }, 2*time.Second, 5*time.Millisecond)

	f.hd.SetReply("GET_CONFIG", "ssid=test\n")
	reply, err := c.Command(ctx, "wlan0", "GET_CONFIG")
	require.NoError(t, err)
	assert.Equal(t, "ssid=test\n", reply)

	received := metrics.Get().EventsReceived.WithLabelValues("hostap", "AP-STA-CONNECTED")
	before := promtest.ToFloat64(received)

	require.NoError(t, c.Register(ctx, protocol.IfHostap, "wlan0", "AP-STA-CONNECTED"))
	f.hd.Conn("wlan0").Push("AP-STA-CONNECTED", "AP-STA-CONNECTED 00:11:22:33:44:55")
	ev := waitEvent(t, c, "AP-STA-CONNECTED")
	assert.Equal(t, "wlan0", ev.Name)
	assert.Equal(t, "AP-STA-CONNECTED 00:11:22:33:44:55", string(ev.Msg))
	assert.Equal(t, before+1, promtest.ToFloat64(received))

	require.Eventually(t, func() bool {
		status, err := c.Status(ctx)
		return err == nil && strings.Contains(status, "wlan0=connected")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDaemon_BridgeHookRunsOnAPEnabled(t *testing.T) {
	f := startDaemon(t, testConfig(t))
	setMTU := func() int {
		n := 0
		for _, op := range f.links.Operations() {
			if op == "ip link set wlan0.1 mtu 1400" {
				n++
			}
		}
		return n
	}

	// The connected snapshot already lists wlan0.1.
	require.Eventually(t, func() bool { return setMTU() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.links.Operations(), "ip link set wlan0.1 master br-guest")

	f.hd.Conn("wlan0").Push("AP-ENABLED", "AP-ENABLED wlan0.1")
	require.Eventually(t, func() bool { return setMTU() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDaemon_BridgeDisabledByReload(t *testing.T) {
	cfg := testConfig(t)
	f := startDaemon(t, cfg)

	next := testConfig(t)
	next.SocketPath = cfg.SocketPath
	next.Bridge.Enabled = false
	require.NoError(t, f.d.Reload(context.Background(), next))

	_, ok := f.d.linkConfig("wlan0.1")
	assert.False(t, ok)
}

func TestDaemon_ReloadAttachesNewInterfaces(t *testing.T) {
	cfg := testConfig(t)
	f := startDaemon(t, cfg)

	next := testConfig(t)
	next.SocketPath = cfg.SocketPath
	next.Interfaces = append(next.Interfaces, config.InterfaceConfig{Name: "wlan1", AttachOnStart: true})
	next.LogLevel = "debug"
	require.NoError(t, f.d.Reload(context.Background(), next))

	assert.Equal(t, 1, f.hd.Attaches("wlan1"))
	assert.Equal(t, 1, f.hd.Attaches("wlan0"))
	assert.Same(t, next, f.d.Config())
	assert.Equal(t, logging.LevelDebug, f.d.log.GetLevel())
}

func TestDaemon_ReloadRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	f := startDaemon(t, cfg)

	bad := testConfig(t)
	bad.SocketPath = "relative.sock"
	err := f.d.Reload(context.Background(), bad)
	var verrs config.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Same(t, cfg, f.d.Config())
}

func TestDaemon_HTTPStatus(t *testing.T) {
	f := startDaemon(t, testConfig(t))
	require.Eventually(t, func() bool { return f.hd.Attaches("wlan0") == 1 }, 2*time.Second, 5*time.Millisecond)

	base := fmt.Sprintf("http://%s", f.d.http.Addr())
	resp, err := http.Get(base + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report api.StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Len(t, report.Interfaces, 1)
	assert.Equal(t, "wlan0", report.Interfaces[0].Name)

	live, err := http.Get(base + "/livez")
	require.NoError(t, err)
	live.Body.Close()
	assert.Equal(t, http.StatusOK, live.StatusCode)
}

func TestNewDaemon_BadSocketMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.SocketMode = "rw"
	_, err := NewDaemon(cfg, DaemonOptions{Hostap: transporttest.NewHostapDialer()})
	assert.Error(t, err)
}
