package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/apmux/internal/api"
	"grimm.is/apmux/internal/config"
	"grimm.is/apmux/internal/connmgr"
	"grimm.is/apmux/internal/ctlplane"
	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/health"
	"grimm.is/apmux/internal/ifmgr"
	"grimm.is/apmux/internal/logging"
	"grimm.is/apmux/internal/metrics"
	"grimm.is/apmux/internal/network"
	"grimm.is/apmux/internal/protocol"
	"grimm.is/apmux/internal/transport"
	"grimm.is/apmux/internal/transport/hostapd"
	"grimm.is/apmux/internal/transport/nl80211"
)

const (
	collectInterval = 15 * time.Second
	healthTTL       = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// DaemonOptions overrides the parts of the daemon that touch the system.
type DaemonOptions struct {
	// DryRun logs bridge and MTU changes instead of applying them.
	DryRun bool
	// Hostap and Driver replace the real transports when set.
	Hostap transport.HostapDialer
	Driver transport.DriverDialer
	// Links replaces the netlink backend when set.
	Links  network.Netlinker
	Logger *logging.Logger
}

// Daemon wires the connection manager, interface manager, IPC server and
// HTTP surfaces together.
type Daemon struct {
	cfg    atomic.Pointer[config.Config]
	log    *logging.Logger
	links  network.Netlinker
	hub    *events.Hub
	conn   *connmgr.Manager
	ifm    *ifmgr.Manager
	ipc    *ctlplane.Server
	http   *api.Server
	stats  *metrics.Collector
	health *health.Checker

	stopOnce sync.Once
}

// NewDaemon builds a daemon for cfg. Nothing is started.
func NewDaemon(cfg *config.Config, opts DaemonOptions) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		log:   logger.WithComponent("daemon"),
		links: opts.Links,
		hub:   events.NewHub(),
	}
	d.cfg.Store(cfg)
	if d.links == nil {
		if opts.DryRun {
			d.links = network.NewDryRunNetlinker()
		} else {
			d.links = network.DefaultNetlinker
		}
	}

	hostap := opts.Hostap
	if hostap == nil {
		hostap = hostapd.NewDialer(hostapd.Config{
			CtrlDir:  cfg.Hostapd.CtrlDir,
			LocalDir: cfg.Hostapd.LocalDir,
			Timeout:  cfg.Hostapd.Timeout(),
		})
	}
	// A nil *nl80211.Dialer must not end up inside the interface.
	var driver transport.DriverDialer
	switch {
	case opts.Driver != nil:
		driver = opts.Driver
	case cfg.Driver.Enabled:
		driver = nl80211.NewDialer(nl80211.Config{
			VendorOUI: uint32(cfg.Driver.VendorOUI),
			Groups:    cfg.Driver.Groups,
			Resolve:   d.resolveIndex,
		})
	}

	reg := metrics.Get()
	d.conn = connmgr.New(hostap, driver, connmgr.Config{
		PingInterval:     cfg.Monitor.Ping(),
		RecoveryInterval: cfg.Monitor.Recovery(),
		PollTimeout:      cfg.Monitor.Poll(),
		ReplyTimeout:     cfg.Driver.Timeout(),
		Logger:           logger,
		Metrics:          reg,
	})
	d.ifm = ifmgr.New(d.conn, ifmgr.Config{
		Logger:  logger,
		Metrics: reg,
		Hub:     d.hub,
		Hook:    network.NewBridgeHook(d.links, d.linkConfig, logger),
		Links:   d.links,
	})
	d.ipc = ctlplane.NewServer(d.ifm, ctlplane.Config{
		SocketPath: cfg.SocketPath,
		SocketMode: os.FileMode(mode),
		Logger:     logger,
		Metrics:    reg,
	})

	d.stats = metrics.NewCollector(logger, collectInterval)
	d.stats.SetHub(d.hub)
	d.stats.SetInterfaceSource(d.hostapNames)

	d.health = health.NewChecker(healthTTL)
	d.health.Register("interfaces", health.CheckInterfaces(d.ifm))
	d.health.Register("ipc", health.CheckSocket(cfg.SocketPath))
	d.health.Register("hostapd", health.CheckHostapdDir(cfg.Hostapd.CtrlDir))
	d.health.Register("links", health.CheckLinks(d.links, d.hostapNames))

	d.http = api.NewServer(api.ServerOptions{
		Listen:      cfg.Metrics.Listen,
		Hub:         d.hub,
		EventStream: cfg.Metrics.EventStream,
		Status:      d.ifm,
		Health:      d.health,
		Collector:   d.stats,
		Logger:      logger,
	})
	return d, nil
}

// Config returns the configuration in effect.
func (d *Daemon) Config() *config.Config { return d.cfg.Load() }

// Collector returns the metrics collector.
func (d *Daemon) Collector() *metrics.Collector { return d.stats }

// Start opens the IPC socket, attaches the configured interfaces and starts
// the HTTP listener. Interfaces that fail to attach are logged and left to
// clients; everything else is fatal.
func (d *Daemon) Start(ctx context.Context) error {
	cfg := d.cfg.Load()
	if err := d.ipc.Start(); err != nil {
		return fmt.Errorf("start control plane: %w", err)
	}

	driver := cfg.Driver.Enabled && cfg.Driver.AttachOnStart
	if err := d.ifm.Start(ctx, cfg.AttachOnStart(), driver); err != nil {
		d.log.Error("Some interfaces failed to attach", "error", err)
	}

	if err := d.http.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	go d.stats.Start()

	d.log.Info("Daemon started",
		"socket", cfg.SocketPath,
		"http", d.http.Addr().String(),
		"interfaces", len(cfg.Interfaces))
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		d.Shutdown()
		return err
	}
	<-ctx.Done()
	d.Shutdown()
	return nil
}

// Shutdown stops the surfaces first so no new requests arrive, then
// detaches every interface.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := d.http.Shutdown(ctx); err != nil {
			d.log.Warn("HTTP shutdown", "error", err)
		}
		d.stats.Stop()
		if err := d.ipc.Close(); err != nil {
			d.log.Warn("Control plane shutdown", "error", err)
		}
		d.ifm.Close(ctx)
		if err := d.conn.Close(); err != nil {
			d.log.Warn("Connection manager shutdown", "error", err)
		}
		d.log.Info("Daemon stopped")
	})
}

// Reload applies a new configuration. The log level and the bridge map
// take effect at once and interfaces newly marked attach_on_start are
// attached. Socket, transport and listener settings need a restart.
func (d *Daemon) Reload(ctx context.Context, cfg *config.Config) error {
	if errs := cfg.Validate(); errs.HasErrors() {
		return errs
	}
	old := d.cfg.Swap(cfg)

	if cfg.LogLevel != old.LogLevel {
		// Component loggers share the level of the logger they came from.
		d.log.SetLevel(logging.ParseLevel(strings.ToLower(cfg.LogLevel)))
	}
	if cfg.SocketPath != old.SocketPath || cfg.Metrics.Listen != old.Metrics.Listen {
		d.log.Warn("Listener changes take effect after restart")
	}

	var errs []error
	for _, name := range cfg.AttachOnStart() {
		if err := d.ifm.Attach(ctx, name); err != nil && !errors.Is(err, connmgr.ErrInterfaceDown) {
			errs = append(errs, fmt.Errorf("attach %s: %w", name, err))
		}
	}
	d.log.Info("Configuration reloaded", "interfaces", len(cfg.Interfaces))
	return errors.Join(errs...)
}

// linkConfig feeds the bridge hook from the live configuration.
func (d *Daemon) linkConfig(vap string) (network.LinkConfig, bool) {
	cfg := d.cfg.Load()
	if cfg.Bridge == nil || !cfg.Bridge.Enabled {
		return network.LinkConfig{}, false
	}
	bridge, mtu, ok := cfg.BridgeFor(vap)
	return network.LinkConfig{Bridge: bridge, MTU: mtu}, ok
}

func (d *Daemon) resolveIndex(name string) (int, error) {
	link, err := d.links.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}

// hostapNames lists the hostap interfaces the daemon knows about.
func (d *Daemon) hostapNames() []string {
	var names []string
	for _, s := range d.ifm.Status() {
		if s.Kind == protocol.IfHostap.String() {
			names = append(names, s.Name)
		}
	}
	return names
}
