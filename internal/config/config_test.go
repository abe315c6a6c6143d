package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
socket_path = "/run/apmux.sock"
log_level   = "debug"

monitor {
  ping_interval = "5s"
}

driver {
  enabled    = true
  vendor_oui = 11311766
  groups     = ["vendor", "mlme"]
}

bridge {
  enabled        = true
  default_bridge = "br-lan"
}

interface "wlan0" {
  attach_on_start = true
}

interface "wlan0.1" {
  bridge = "br-guest"
  mtu    = 1400
}
`

func TestLoadHCL(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "test.hcl")
	require.NoError(t, err)

	assert.Equal(t, "/run/apmux.sock", cfg.SocketPath)
	assert.Equal(t, "0660", cfg.SocketMode)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Ping())
	assert.Equal(t, time.Second, cfg.Monitor.Recovery())
	assert.Equal(t, 2*time.Second, cfg.Hostapd.Timeout())
	assert.True(t, cfg.Driver.Enabled)
	assert.Equal(t, 0xAC9A96, cfg.Driver.VendorOUI)
	assert.Equal(t, []string{"vendor", "mlme"}, cfg.Driver.Groups)
	assert.Equal(t, []string{"wlan0"}, cfg.AttachOnStart())

	mode, err := cfg.Mode()
	require.NoError(t, err)
	assert.Equal(t, uint32(0o660), mode)

	br, mtu, ok := cfg.BridgeFor("wlan0.1")
	assert.True(t, ok)
	assert.Equal(t, "br-guest", br)
	assert.Equal(t, 1400, mtu)

	br, mtu, ok = cfg.BridgeFor("wlan2.0")
	assert.True(t, ok)
	assert.Equal(t, "br-lan", br)
	assert.Zero(t, mtu)
}

func TestLoadYAML(t *testing.T) {
	data := []byte(`
socket_path: /run/apmux.sock
monitor:
  ping_interval: 10s
interfaces:
  - name: wlan1
    attach_on_start: true
    mtu: 1500
`)
	cfg, err := LoadYAML(data)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Monitor.Ping())
	assert.Equal(t, []string{"wlan1"}, cfg.AttachOnStart())

	_, err = LoadYAML([]byte("socket_pth: /x\n"))
	assert.Error(t, err)
}

func TestLoadFile_ByExtension(t *testing.T) {
	dir := t.TempDir()
	hclPath := filepath.Join(dir, "apmux.hcl")
	yamlPath := filepath.Join(dir, "apmux.yml")
	require.NoError(t, os.WriteFile(hclPath, []byte(sampleHCL), 0o644))
	require.NoError(t, os.WriteFile(yamlPath, []byte("log_json: true\n"), 0o644))

	cfg, err := LoadFile(hclPath)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)

	cfg, err = LoadFile(yamlPath)
	require.NoError(t, err)
	assert.True(t, cfg.LogJSON)

	_, err = LoadFile(filepath.Join(dir, "missing.hcl"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.Empty(t, cfg.Validate())

	cfg.SocketPath = "relative.sock"
	cfg.SocketMode = "rw"
	cfg.LogLevel = "chatty"
	cfg.Monitor.PingInterval = "soon"
	cfg.Monitor.PollTimeout = "0s"
	cfg.Driver.VendorOUI = 0x1000000
	cfg.Metrics.Listen = "9310"
	cfg.Syslog = &SyslogConfig{Enabled: true, Network: "sctp"}
	cfg.Interfaces = []InterfaceConfig{
		{Name: "wlan0", MTU: 40},
		{Name: "wlan0"},
		{Name: "an-interface-name-too-long", Bridge: "br"},
	}

	errs := cfg.Validate()
	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, f := range []string{
		"socket_path", "socket_mode", "log_level", "monitor.ping_interval",
		"monitor.poll_timeout", "driver.vendor_oui", "metrics.listen", "syslog.network",
		"interface.wlan0.mtu", "interface.wlan0", "interface.an-interface-name-too-long",
	} {
		assert.True(t, fields[f], "expected an error for %s", f)
	}
	assert.Contains(t, errs.Error(), "must be within 68-65535")
}

func TestLoadHCL_Errors(t *testing.T) {
	_, err := LoadHCL([]byte(`socket_path = `), "bad.hcl")
	assert.ErrorContains(t, err, "parse error")

	_, err = LoadHCL([]byte(`unknown_key = 1`), "bad.hcl")
	assert.ErrorContains(t, err, "decode error")

	_, err = LoadHCL([]byte("interface \"wlan0\" {\n  mtu = 70000\n}\n"), "bad.hcl")
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "interface.wlan0.mtu", verrs[0].Field)
}

func TestMarshalLoadsBack(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "test.hcl")
	require.NoError(t, err)

	again, err := LoadHCL(Marshal(cfg), "marshal.hcl")
	require.NoError(t, err)
	assert.Equal(t, cfg, again)

	def, err := LoadHCL(Marshal(Default()), "default.hcl")
	require.NoError(t, err)
	assert.Equal(t, Default(), def)
}
