package logging

import (
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultSyslogConfig(t *testing.T) {
	cfg := DefaultSyslogConfig()

	if cfg.Enabled {
		t.Error("Default should be disabled")
	}
	if cfg.Network != "unixgram" || cfg.Address != "/dev/log" {
		t.Errorf("Expected local syslog socket, got %s %s", cfg.Network, cfg.Address)
	}
	if cfg.Tag != "apmux" {
		t.Errorf("Expected tag apmux, got %s", cfg.Tag)
	}
	if cfg.Facility != 3 {
		t.Errorf("Expected facility 3, got %d", cfg.Facility)
	}
}

func TestNewSyslogWriter_MissingAddress(t *testing.T) {
	_, err := NewSyslogWriter(SyslogConfig{Enabled: true, Network: "udp"})
	if err == nil {
		t.Error("Expected error for missing remote address")
	}
}

func TestSyslogWriter_LocalSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.sock")
	srv, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	w, err := NewSyslogWriter(SyslogConfig{Network: "unixgram", Address: path, Tag: "apmux-test"})
	if err != nil {
		t.Fatalf("NewSyslogWriter: %v", err)
	}
	defer w.Close()

	n, err := w.Write([]byte("hello syslog\n"))
	if err != nil || n != len("hello syslog\n") {
		t.Fatalf("Write returned n=%d err=%v", n, err)
	}

	buf := make([]byte, 512)
	srv.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = srv.ReadFromUnix(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(buf[:n])
	if !strings.HasPrefix(got, "<30>") {
		t.Errorf("Expected daemon.info priority <30>, got %q", got)
	}
	if !strings.Contains(got, "apmux-test[") || !strings.Contains(got, "hello syslog") {
		t.Errorf("Unexpected syslog line %q", got)
	}
}

func TestSyslogWriter_WriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.sock")
	srv, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	w, err := NewSyslogWriter(SyslogConfig{Address: path})
	if err != nil {
		t.Fatalf("NewSyslogWriter: %v", err)
	}
	w.Close()

	if _, err := w.Write([]byte("x")); err == nil {
		t.Error("Expected error writing to a closed syslog writer")
	}
}
