// Package config loads the daemon configuration. HCL is the native format;
// files ending in .yaml or .yml are read as YAML into the same structure.
package config

import (
	"fmt"
	"strconv"
	"time"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/apmux/apmux.hcl"

// Config is the daemon configuration.
type Config struct {
	SocketPath string `hcl:"socket_path,optional" yaml:"socket_path"`
	// SocketMode is the octal permission of the IPC socket, e.g. "0660".
	SocketMode string `hcl:"socket_mode,optional" yaml:"socket_mode"`

	LogLevel string        `hcl:"log_level,optional" yaml:"log_level"`
	LogJSON  bool          `hcl:"log_json,optional" yaml:"log_json"`
	Syslog   *SyslogConfig `hcl:"syslog,block" yaml:"syslog"`

	Hostapd *HostapdConfig `hcl:"hostapd,block" yaml:"hostapd"`
	Monitor *MonitorConfig `hcl:"monitor,block" yaml:"monitor"`
	Driver  *DriverConfig  `hcl:"driver,block" yaml:"driver"`
	Bridge  *BridgeConfig  `hcl:"bridge,block" yaml:"bridge"`
	Metrics *MetricsConfig `hcl:"metrics,block" yaml:"metrics"`

	Interfaces []InterfaceConfig `hcl:"interface,block" yaml:"interfaces"`
}

// SyslogConfig enables logging to syslog in addition to stderr.
type SyslogConfig struct {
	Enabled bool   `hcl:"enabled,optional" yaml:"enabled"`
	Network string `hcl:"network,optional" yaml:"network"` // "", "udp" or "tcp"
	Address string `hcl:"address,optional" yaml:"address"`
	Tag     string `hcl:"tag,optional" yaml:"tag"`
}

// HostapdConfig locates hostapd's control sockets.
type HostapdConfig struct {
	CtrlDir        string `hcl:"ctrl_dir,optional" yaml:"ctrl_dir"`
	LocalDir       string `hcl:"local_dir,optional" yaml:"local_dir"`
	CommandTimeout string `hcl:"command_timeout,optional" yaml:"command_timeout"`
}

// MonitorConfig tunes the liveness monitor.
type MonitorConfig struct {
	PingInterval     string `hcl:"ping_interval,optional" yaml:"ping_interval"`
	RecoveryInterval string `hcl:"recovery_interval,optional" yaml:"recovery_interval"`
	PollTimeout      string `hcl:"poll_timeout,optional" yaml:"poll_timeout"`
}

// DriverConfig enables the nl80211 transport.
type DriverConfig struct {
	Enabled       bool `hcl:"enabled,optional" yaml:"enabled"`
	AttachOnStart bool `hcl:"attach_on_start,optional" yaml:"attach_on_start"`
	// VendorOUI is the OUI sent with vendor commands.
	VendorOUI    int      `hcl:"vendor_oui,optional" yaml:"vendor_oui"`
	Groups       []string `hcl:"groups,optional" yaml:"groups"`
	ReplyTimeout string   `hcl:"reply_timeout,optional" yaml:"reply_timeout"`
}

// BridgeConfig controls the bridge and MTU side effects.
type BridgeConfig struct {
	Enabled       bool   `hcl:"enabled,optional" yaml:"enabled"`
	DefaultBridge string `hcl:"default_bridge,optional" yaml:"default_bridge"`
}

// MetricsConfig configures the HTTP listener for metrics, health and the
// event stream.
type MetricsConfig struct {
	Listen      string `hcl:"listen,optional" yaml:"listen"`
	EventStream bool   `hcl:"event_stream,optional" yaml:"event_stream"`
}

// InterfaceConfig describes one hostap interface or VAP.
type InterfaceConfig struct {
	Name          string `hcl:"name,label" yaml:"name"`
	AttachOnStart bool   `hcl:"attach_on_start,optional" yaml:"attach_on_start"`
	Bridge        string `hcl:"bridge,optional" yaml:"bridge"`
	MTU           int    `hcl:"mtu,optional" yaml:"mtu"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = "/var/run/apmux/apmux.sock"
	}
	if c.SocketMode == "" {
		c.SocketMode = "0660"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Syslog == nil {
		c.Syslog = &SyslogConfig{}
	}
	if c.Syslog.Tag == "" {
		c.Syslog.Tag = "apmux"
	}
	if c.Hostapd == nil {
		c.Hostapd = &HostapdConfig{}
	}
	if c.Hostapd.CtrlDir == "" {
		c.Hostapd.CtrlDir = "/var/run/hostapd"
	}
	if c.Hostapd.LocalDir == "" {
		c.Hostapd.LocalDir = "/var/run/apmux"
	}
	if c.Hostapd.CommandTimeout == "" {
		c.Hostapd.CommandTimeout = "2s"
	}
	if c.Monitor == nil {
		c.Monitor = &MonitorConfig{}
	}
	if c.Monitor.PingInterval == "" {
		c.Monitor.PingInterval = "3s"
	}
	if c.Monitor.RecoveryInterval == "" {
		c.Monitor.RecoveryInterval = "1s"
	}
	if c.Monitor.PollTimeout == "" {
		c.Monitor.PollTimeout = "1s"
	}
	if c.Driver == nil {
		c.Driver = &DriverConfig{}
	}
	if c.Driver.ReplyTimeout == "" {
		c.Driver.ReplyTimeout = "2s"
	}
	if c.Bridge == nil {
		c.Bridge = &BridgeConfig{}
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9310"
	}
	if len(c.Interfaces) == 0 {
		c.Interfaces = nil
	}
}

// Mode returns the socket permission bits.
func (c *Config) Mode() (uint32, error) {
	v, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("socket_mode %q: %w", c.SocketMode, err)
	}
	return uint32(v), nil
}

// Interface returns the block for name.
func (c *Config) Interface(name string) (InterfaceConfig, bool) {
	for _, i := range c.Interfaces {
		if i.Name == name {
			return i, true
		}
	}
	return InterfaceConfig{}, false
}

// AttachOnStart lists the interfaces to attach when the daemon starts.
func (c *Config) AttachOnStart() []string {
	var names []string
	for _, i := range c.Interfaces {
		if i.AttachOnStart {
			names = append(names, i.Name)
		}
	}
	return names
}

// BridgeFor returns the bridge and MTU configured for a VAP. Interfaces
// without their own bridge use the default bridge.
func (c *Config) BridgeFor(name string) (bridge string, mtu int, ok bool) {
	i, found := c.Interface(name)
	if found {
		bridge, mtu = i.Bridge, i.MTU
	}
	if bridge == "" && c.Bridge != nil {
		bridge = c.Bridge.DefaultBridge
	}
	return bridge, mtu, bridge != "" || mtu != 0
}

// Durations parsed from the configuration. Validate reports malformed
// values; these accessors fall back to zero for them.

func (m *MonitorConfig) Ping() time.Duration { return dur(m.PingInterval) }
func (m *MonitorConfig) Recovery() time.Duration { return dur(m.RecoveryInterval) }
func (m *MonitorConfig) Poll() time.Duration { return dur(m.PollTimeout) }
func (h *HostapdConfig) Timeout() time.Duration { return dur(h.CommandTimeout) }
func (d *DriverConfig) Timeout() time.Duration { return dur(d.ReplyTimeout) }

func dur(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
