package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"grimm.is/apmux/internal/logging"
	"grimm.is/apmux/internal/protocol"
)

// MTU bounds for interface blocks.
const (
	MinMTU = 68
	MaxMTU = 65535
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !filepath.IsAbs(c.SocketPath) {
		add("socket_path", "must be absolute, got %q", c.SocketPath)
	}
	if _, err := c.Mode(); err != nil {
		add("socket_mode", "not an octal mode: %q", c.SocketMode)
	}
	if lvl := strings.ToLower(c.LogLevel); logging.ParseLevel(lvl) == logging.LevelInfo && lvl != "info" {
		add("log_level", "unknown level %q", c.LogLevel)
	}
	if s := c.Syslog; s != nil && s.Enabled {
		switch s.Network {
		case "":
		case "udp", "tcp":
			if _, _, err := net.SplitHostPort(s.Address); err != nil {
				add("syslog.address", "%q: %v", s.Address, err)
			}
		default:
			add("syslog.network", "must be udp or tcp, got %q", s.Network)
		}
	}

	positive := func(field, v string) {
		d, err := time.ParseDuration(v)
		if err != nil {
			add(field, "not a duration: %q", v)
		} else if d <= 0 {
			add(field, "must be positive, got %s", v)
		}
	}
	positive("hostapd.command_timeout", c.Hostapd.CommandTimeout)
	positive("monitor.ping_interval", c.Monitor.PingInterval)
	positive("monitor.recovery_interval", c.Monitor.RecoveryInterval)
	positive("monitor.poll_timeout", c.Monitor.PollTimeout)
	positive("driver.reply_timeout", c.Driver.ReplyTimeout)

	if c.Driver.VendorOUI < 0 || c.Driver.VendorOUI > 0xFFFFFF {
		add("driver.vendor_oui", "must fit 24 bits, got %#x", c.Driver.VendorOUI)
	}
	if c.Bridge.DefaultBridge != "" && !protocol.ValidName(c.Bridge.DefaultBridge) {
		add("bridge.default_bridge", "invalid interface name %q", c.Bridge.DefaultBridge)
	}
	if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
		add("metrics.listen", "%q: %v", c.Metrics.Listen, err)
	}

	seen := make(map[string]bool)
	for _, i := range c.Interfaces {
		field := fmt.Sprintf("interface.%s", i.Name)
		if !protocol.ValidName(i.Name) {
			add(field, "invalid interface name")
		}
		if seen[i.Name] {
			add(field, "declared more than once")
		}
		seen[i.Name] = true
		if i.Bridge != "" && !protocol.ValidName(i.Bridge) {
			add(field+".bridge", "invalid interface name %q", i.Bridge)
		}
		if i.MTU != 0 && (i.MTU < MinMTU || i.MTU > MaxMTU) {
			add(field+".mtu", "must be within %d-%d, got %d", MinMTU, MaxMTU, i.MTU)
		}
	}
	return errs
}
