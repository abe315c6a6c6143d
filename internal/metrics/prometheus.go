package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all daemon metrics.
type Registry struct {
	// Event path
	EventsReceived  *prometheus.CounterVec
	EventDeliveries *prometheus.CounterVec
	HubDropped      prometheus.Gauge

	// Command path
	Commands       *prometheus.CounterVec
	CommandLatency *prometheus.HistogramVec
	SlowCommands   *prometheus.CounterVec
	DriverDrained  prometheus.Counter

	// Connection supervisor
	Disconnects  *prometheus.CounterVec
	Reconnects   *prometheus.CounterVec
	PingFailures *prometheus.CounterVec
	InterfaceUp  *prometheus.GaugeVec

	// Link counters sampled from sysfs
	InterfaceRxBytes *prometheus.GaugeVec
	InterfaceTxBytes *prometheus.GaugeVec
	InterfaceErrors  *prometheus.GaugeVec

	// IPC
	Subscribers *prometheus.GaugeVec
	IPCClients  prometheus.Gauge
	IPCRequests *prometheus.CounterVec

	// System metrics
	Uptime       prometheus.Gauge
	ConfigReload *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	// Event path
	r.EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apmux_events_received_total",
		Help: "Events received from hostapd and the driver",
	}, []string{"kind", "opcode"})

	r.EventDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apmux_event_deliveries_total",
		Help: "Event frames delivered to IPC subscribers",
	}, []string{"result"})

	r.HubDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apmux_event_tap_dropped",
		Help: "Events dropped by slow event stream observers",
	})

	// Command path
	r.Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apmux_commands_total",
		Help: "Commands executed, by transport kind and result status",
	}, []string{"kind", "status"})

	r.CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apmux_command_duration_seconds",
		Help:    "Command round trip latency",
		Buckets: []float64{.001, .005, .01, .05, .1, .2, .5, 1, 2, 5},
	}, []string{"kind"})

	r.SlowCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apmux_slow_commands_total",
		Help: "Commands that exceeded the latency warning threshold",
	}, []string{"kind"})

	r.DriverDrained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apmux_driver_stale_replies_total",
		Help: "Stale replies drained from the driver command socket",
	})

	// Connection supervisor
	r.Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apmux_interface_disconnects_total",
		Help: "Interfaces marked as needing reconnection",
	}, []string{"interface"})

	r.Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apmux_interface_reconnects_total",
		Help: "Successful interface recoveries",
	}, []string{"interface"})

	r.PingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apmux_ping_failures_total",
		Help: "Failed liveness pings",
	}, []string{"interface"})

	r.InterfaceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apmux_interface_up",
		Help: "1 when the interface is connected",
	}, []string{"interface", "kind"})

	r.InterfaceRxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apmux_interface_rx_bytes",
		Help: "Bytes received on a managed interface",
	}, []string{"interface"})

	r.InterfaceTxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apmux_interface_tx_bytes",
		Help: "Bytes transmitted on a managed interface",
	}, []string{"interface"})

	r.InterfaceErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apmux_interface_errors",
		Help: "Link errors on a managed interface",
	}, []string{"interface", "direction"})

	// IPC
	r.Subscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apmux_subscribers",
		Help: "Distinct IPC subscribers per interface",
	}, []string{"interface"})

	r.IPCClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apmux_ipc_clients",
		Help: "Connected IPC clients",
	})

	r.IPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apmux_ipc_requests_total",
		Help: "IPC requests by message class and response status",
	}, []string{"class", "status"})

	// System metrics
	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apmux_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	r.ConfigReload = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apmux_config_loads_total",
		Help: "Configuration loads",
	}, []string{"status"})

	return r
}
