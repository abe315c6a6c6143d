package cmd

import (
	"os"
	"strings"

	"grimm.is/apmux/internal/config"
	"grimm.is/apmux/internal/logging"
)

// configureLogging builds the daemon logger from cfg and installs it as the
// default. With syslog enabled, records go to stderr and syslog; the
// returned writer is nil otherwise.
func configureLogging(cfg *config.Config) (*logging.Logger, *logging.SyslogWriter) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(strings.ToLower(cfg.LogLevel))
	logCfg.JSON = cfg.LogJSON

	var syslogWriter *logging.SyslogWriter
	if s := cfg.Syslog; s != nil && s.Enabled {
		syslogCfg := logging.DefaultSyslogConfig()
		syslogCfg.Enabled = true
		if s.Network != "" {
			syslogCfg.Network = s.Network
			syslogCfg.Address = s.Address
		}
		if s.Tag != "" {
			syslogCfg.Tag = s.Tag
		}

		writer, err := logging.NewSyslogWriter(syslogCfg)
		if err != nil {
			logging.Error("Failed to initialize syslog", "error", err)
		} else {
			logCfg.Output = logging.MultiWriter(os.Stderr, writer)
			syslogWriter = writer
		}
	}

	logger := logging.New(logCfg)
	logging.SetDefault(logger)
	return logger, syslogWriter
}
