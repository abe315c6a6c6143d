package logging

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// SyslogConfig holds syslog configuration. An empty Address means the local
// syslog socket (/dev/log).
type SyslogConfig struct {
	Enabled  bool
	Network  string // unixgram, udp or tcp
	Address  string
	Tag      string
	Facility int // default 3 = daemon
}

// DefaultSyslogConfig returns sensible defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Network:  "unixgram",
		Address:  "/dev/log",
		Tag:      "apmux",
		Facility: 3, // LOG_DAEMON
	}
}

// SyslogWriter implements io.Writer and forwards each line to syslog.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	config   SyslogConfig
	hostname string
}

// NewSyslogWriter creates a new syslog writer.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	def := DefaultSyslogConfig()
	if cfg.Network == "" {
		cfg.Network = def.Network
	}
	if cfg.Address == "" {
		if cfg.Network != "unixgram" {
			return nil, fmt.Errorf("syslog address is required for %s", cfg.Network)
		}
		cfg.Address = def.Address
	}
	if cfg.Tag == "" {
		cfg.Tag = def.Tag
	}
	if cfg.Facility == 0 {
		cfg.Facility = def.Facility
	}

	conn, err := net.DialTimeout(cfg.Network, cfg.Address, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog %s %s: %w", cfg.Network, cfg.Address, err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	return &SyslogWriter{
		conn:     conn,
		config:   cfg,
		hostname: hostname,
	}, nil
}

// Write implements io.Writer for syslog.
// Formats message in RFC 3164 format: <priority>timestamp hostname tag[pid]: message
func (w *SyslogWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return 0, fmt.Errorf("syslog connection closed")
	}

	_, err = w.conn.Write(w.format(p))
	if err != nil {
		w.reconnect()
		return 0, err
	}

	return len(p), nil
}

func (w *SyslogWriter) format(p []byte) []byte {
	// severity 6 = info; the line itself carries the daemon's own class
	priority := w.config.Facility*8 + 6
	timestamp := time.Now().Format(time.Stamp)
	return []byte(fmt.Sprintf("<%d>%s %s %s[%d]: %s", priority, timestamp, w.hostname, w.config.Tag, os.Getpid(), string(p)))
}

// reconnect attempts to re-establish the syslog connection.
func (w *SyslogWriter) reconnect() {
	if w.conn != nil {
		w.conn.Close()
	}

	conn, err := net.DialTimeout(w.config.Network, w.config.Address, 5*time.Second)
	if err != nil {
		log.Printf("[syslog] Failed to reconnect: %v", err)
		w.conn = nil
		return
	}
	w.conn = conn
}

// Close closes the syslog connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// MultiWriter combines multiple io.Writers (e.g., stderr + syslog).
func MultiWriter(writers ...io.Writer) io.Writer {
	return io.MultiWriter(writers...)
}
