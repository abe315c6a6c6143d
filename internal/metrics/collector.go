package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"grimm.is/apmux/internal/clock"
	"grimm.is/apmux/internal/logging"
)

// HubStats reports event tap counters. *events.Hub implements it.
type HubStats interface {
	Stats() (published, dropped uint64)
}

// Collector periodically samples values that are not updated on the hot
// path: uptime, event tap drops and link counters of managed interfaces.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	interval time.Duration
	clock    clock.Clock
	sysRoot  string
	stopCh   chan struct{}
	stopOnce sync.Once

	started    time.Time
	hub        HubStats
	interfaces func() []string

	// Cached metrics for the status API
	mu             sync.RWMutex
	lastUpdate     time.Time
	interfaceStats map[string]*InterfaceStats
	systemStats    *SystemStats

	reloadSuccess int64
	reloadFailure int64
}

// InterfaceStats holds traffic statistics for a managed interface.
type InterfaceStats struct {
	Name      string `json:"name"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
	LinkUp    bool   `json:"link_up"`
	Present   bool   `json:"present"`
}

// SystemStats holds daemon-level statistics.
type SystemStats struct {
	Uptime          int64  `json:"uptime_seconds"`
	EventsPublished uint64 `json:"events_published"`
	EventsDropped   uint64 `json:"events_dropped"`
}

// NewCollector creates a new metrics collector.
func NewCollector(logger *logging.Logger, interval time.Duration) *Collector {
	return &Collector{
		registry:       Get(),
		logger:         logger,
		interval:       interval,
		clock:          clock.RealClock{},
		sysRoot:        "/sys/class/net",
		stopCh:         make(chan struct{}),
		started:        clock.Now(),
		interfaceStats: make(map[string]*InterfaceStats),
		systemStats:    &SystemStats{},
	}
}

// SetHub attaches the event tap whose counters are exported.
func (c *Collector) SetHub(h HubStats) {
	c.mu.Lock()
	c.hub = h
	c.mu.Unlock()
}

// SetInterfaceSource sets the function listing the interfaces whose link
// counters are sampled.
func (c *Collector) SetInterfaceSource(fn func() []string) {
	c.mu.Lock()
	c.interfaces = fn
	c.mu.Unlock()
}

// Start runs the collection loop until Stop is called.
func (c *Collector) Start() {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the collection loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect takes one sample.
func (c *Collector) Collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	uptime := c.clock.Since(c.started)
	c.systemStats.Uptime = int64(uptime.Seconds())
	c.registry.Uptime.Set(uptime.Seconds())

	if c.hub != nil {
		published, dropped := c.hub.Stats()
		c.systemStats.EventsPublished = published
		c.systemStats.EventsDropped = dropped
		c.registry.HubDropped.Set(float64(dropped))
	}

	if c.interfaces != nil {
		seen := make(map[string]bool)
		for _, name := range c.interfaces() {
			seen[name] = true
			c.collectInterface(name)
		}
		for name := range c.interfaceStats {
			if !seen[name] {
				delete(c.interfaceStats, name)
				c.registry.InterfaceRxBytes.DeleteLabelValues(name)
				c.registry.InterfaceTxBytes.DeleteLabelValues(name)
				c.registry.InterfaceErrors.DeleteLabelValues(name, "rx")
				c.registry.InterfaceErrors.DeleteLabelValues(name, "tx")
			}
		}
	}

	c.lastUpdate = c.clock.Now()
}

// collectInterface reads the sysfs counters of one interface. An interface
// that does not exist yet is reported as absent.
func (c *Collector) collectInterface(name string) {
	stats, ok := c.interfaceStats[name]
	if !ok {
		stats = &InterfaceStats{Name: name}
		c.interfaceStats[name] = stats
	}

	dir := filepath.Join(c.sysRoot, name)
	if _, err := os.Stat(dir); err != nil {
		*stats = InterfaceStats{Name: name}
		return
	}
	stats.Present = true

	base := filepath.Join(dir, "statistics")
	stats.RxBytes = readSysUint64(filepath.Join(base, "rx_bytes"))
	stats.TxBytes = readSysUint64(filepath.Join(base, "tx_bytes"))
	stats.RxPackets = readSysUint64(filepath.Join(base, "rx_packets"))
	stats.TxPackets = readSysUint64(filepath.Join(base, "tx_packets"))
	stats.RxErrors = readSysUint64(filepath.Join(base, "rx_errors"))
	stats.TxErrors = readSysUint64(filepath.Join(base, "tx_errors"))

	operstate, _ := os.ReadFile(filepath.Join(dir, "operstate"))
	stats.LinkUp = strings.TrimSpace(string(operstate)) == "up"

	c.registry.InterfaceRxBytes.WithLabelValues(name).Set(float64(stats.RxBytes))
	c.registry.InterfaceTxBytes.WithLabelValues(name).Set(float64(stats.TxBytes))
	c.registry.InterfaceErrors.WithLabelValues(name, "rx").Set(float64(stats.RxErrors))
	c.registry.InterfaceErrors.WithLabelValues(name, "tx").Set(float64(stats.TxErrors))
}

// IncrementConfigReload increments the config load counter.
func (c *Collector) IncrementConfigReload(success bool) {
	status := "success"
	c.mu.Lock()
	if success {
		c.reloadSuccess++
	} else {
		status = "failure"
		c.reloadFailure++
	}
	c.mu.Unlock()
	c.registry.ConfigReload.WithLabelValues(status).Inc()
}

// GetReloadCounts returns the internal reload success/failure counts (for testing).
func (c *Collector) GetReloadCounts() (success, failure int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reloadSuccess, c.reloadFailure
}

// readSysUint64 reads a uint64 value from a sysfs file.
func readSysUint64(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	val, _ := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	return val
}

// GetInterfaceStats returns a copy of the current interface statistics.
func (c *Collector) GetInterfaceStats() map[string]*InterfaceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*InterfaceStats, len(c.interfaceStats))
	for k, v := range c.interfaceStats {
		copy := *v
		result[k] = &copy
	}
	return result
}

// GetSystemStats returns a copy of the daemon statistics.
func (c *Collector) GetSystemStats() *SystemStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	copy := *c.systemStats
	return &copy
}

// GetLastUpdate returns when the last sample was taken.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// String summarises the last sample for logs.
func (s *SystemStats) String() string {
	return fmt.Sprintf("uptime=%ds published=%d dropped=%d", s.Uptime, s.EventsPublished, s.EventsDropped)
}
