package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/apmux/internal/brand"
	"grimm.is/apmux/internal/config"
	"grimm.is/apmux/internal/logging"
)

// RunStart loads configFile and runs the daemon until SIGINT or SIGTERM.
// SIGHUP reloads the configuration. A missing default config file starts
// the daemon with built-in defaults.
func RunStart(configFile string, dryRun bool) error {
	cfg, err := loadStartConfig(configFile)
	if err != nil {
		return err
	}

	logger, syslogWriter := configureLogging(cfg)
	if syslogWriter != nil {
		defer syslogWriter.Close()
	}
	logger.Info(fmt.Sprintf("Starting %s", brand.Name), "version", brand.Version, "config", configFile, "dry_run", dryRun)

	d, err := NewDaemon(cfg, DaemonOptions{DryRun: dryRun, Logger: logger})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		d.Shutdown()
		return err
	}

	runMainEventLoop(ctx, d, configFile)
	d.Shutdown()
	return nil
}

func loadStartConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		configFile = brand.GetConfigPath()
	}
	cfg, err := config.LoadFile(configFile)
	if errors.Is(err, fs.ErrNotExist) && configFile == brand.GetConfigPath() {
		logging.Warn("No configuration file, using defaults", "path", configFile)
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

// runMainEventLoop handles signals until the daemon should stop.
func runMainEventLoop(ctx context.Context, d *Daemon, configFile string) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logging.Info("Received SIGHUP, reloading configuration...")
				reload(ctx, d, configFile)
			case os.Interrupt, syscall.SIGTERM:
				logging.Info("Received signal, shutting down...", "signal", sig)
				return
			}
		}
	}
}

func reload(ctx context.Context, d *Daemon, configFile string) {
	cfg, err := loadStartConfig(configFile)
	if err != nil {
		logging.Error("Failed to reload configuration", "error", err)
		d.Collector().IncrementConfigReload(false)
		return
	}
	if err := d.Reload(ctx, cfg); err != nil {
		logging.Error("Failed to apply reloaded configuration", "error", err)
		d.Collector().IncrementConfigReload(false)
		return
	}
	d.Collector().IncrementConfigReload(true)
}
