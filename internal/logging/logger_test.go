package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{
		Level:      LevelDebug,
		Output:     &buf,
		JSON:       true,
		TimeFormat: time.RFC3339,
	}

	logger := New(cfg)
	if logger == nil {
		t.Fatal("New logger should not be nil")
	}

	t.Run("Levels", func(t *testing.T) {
		for _, tc := range []struct {
			log  func(string, ...any)
			msg  string
			want string
		}{
			{logger.Debug, "debug msg", "debug"},
			{logger.Info, "info msg", "info"},
			{logger.Warn, "warn msg", "warn"},
			{logger.Error, "error msg", "error"},
			{logger.Bug, "bug msg", "bug"},
		} {
			buf.Reset()
			tc.log(tc.msg)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("Failed to parse JSON log %q: %v", buf.String(), err)
			}
			if entry["msg"] != tc.msg {
				t.Errorf("Expected msg %q, got %v", tc.msg, entry["msg"])
			}
			if entry["level"] != tc.want {
				t.Errorf("Expected level %q, got %v", tc.want, entry["level"])
			}
		}
	})

	t.Run("DynamicLevel", func(t *testing.T) {
		logger.SetLevel(LevelError)
		if logger.GetLevel() != LevelError {
			t.Error("SetLevel failed")
		}

		buf.Reset()
		logger.Info("should not appear")
		if buf.Len() > 0 {
			t.Error("Logged info message when level was Error")
		}

		logger.Bug("always appears")
		if !strings.Contains(buf.String(), "always appears") {
			t.Error("Bug records must pass an error threshold")
		}

		logger.SetLevel(LevelDebug)
	})

	t.Run("WithComponent", func(t *testing.T) {
		buf.Reset()
		logger.WithComponent("test-comp").Info("msg")
		if !strings.Contains(buf.String(), "test-comp") {
			t.Error("WithComponent missing component field")
		}
	})

	t.Run("WithFields", func(t *testing.T) {
		buf.Reset()
		logger.WithFields(map[string]any{"foo": "bar"}).Info("msg")
		if !strings.Contains(buf.String(), "foo") || !strings.Contains(buf.String(), "bar") {
			t.Error("WithFields missing fields")
		}
	})
}

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.WithComponent("ConnMgr").Info("interface recovered", "iface", "wlan0", "note", "two words")
	line := buf.String()

	for _, want := range []string{"apmux[", "[info] ", "connmgr: ", "interface recovered", "iface=wlan0", `note="two words"`} {
		if !strings.Contains(line, want) {
			t.Errorf("Console line %q missing %q", line, want)
		}
	}
	if strings.Count(line, "component=") != 0 {
		t.Errorf("Component should be promoted to the header, got %q", line)
	}
}

func TestConsoleHandlerBugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelError, Output: &buf})

	logger.Bug("self-cancel attempted")
	if !strings.Contains(buf.String(), "[bug] self-cancel attempted") {
		t.Errorf("Expected bug class in output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"err":     LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDefaultLogger(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(New(Config{Level: LevelDebug, Output: &buf}))

	Info("package level")
	Errorf("formatted %d", 42)
	if !strings.Contains(buf.String(), "package level") || !strings.Contains(buf.String(), "formatted 42") {
		t.Errorf("Package-level helpers did not use the default logger: %q", buf.String())
	}
}
