package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/apmux/internal/brand"
	"grimm.is/apmux/internal/clock"
	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/health"
	"grimm.is/apmux/internal/i18n"
	"grimm.is/apmux/internal/ifmgr"
	"grimm.is/apmux/internal/logging"
	"grimm.is/apmux/internal/metrics"
)

// StatusSource lists managed interfaces. *ifmgr.Manager implements it.
type StatusSource interface {
	Status() []ifmgr.InterfaceStatus
}

// ServerOptions holds dependencies for the HTTP server.
type ServerOptions struct {
	Listen string
	// Hub feeds the websocket tap. The tap is served only when EventStream
	// is set and Hub is non-nil.
	Hub         *events.Hub
	EventStream bool
	Status      StatusSource
	Health      *health.Checker
	Collector   *metrics.Collector
	Logger      *logging.Logger
}

// Server is the operational HTTP server.
type Server struct {
	opts      ServerOptions
	logger    *logging.Logger
	startTime time.Time
	wsManager *WSManager
	mux       *http.ServeMux

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer creates a server with the provided options.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker(5 * time.Second)
	}
	s := &Server{
		opts:      opts,
		logger:    logger.WithComponent("api"),
		startTime: clock.Now(),
	}
	if opts.EventStream && opts.Hub != nil {
		s.wsManager = NewWSManager(opts.Hub, s.logger)
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.opts.Health.Handler())
	mux.HandleFunc("GET /readyz", s.opts.Health.ReadinessHandler())
	mux.HandleFunc("GET /livez", health.LivenessHandler())
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEventsWS)
	s.mux = mux
}

// Handler returns the routed handler, localized by Accept-Language.
func (s *Server) Handler() http.Handler {
	return i18n.Middleware(s.mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv, s.listener = srv, l
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", "address", l.Addr().String())
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the server and disconnects event stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.wsManager != nil {
		s.wsManager.Stop()
	}
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// StatusReport is the /api/status document.
type StatusReport struct {
	Name       string                             `json:"name"`
	Version    string                             `json:"version"`
	Uptime     string                             `json:"uptime"`
	Interfaces []ifmgr.InterfaceStatus            `json:"interfaces"`
	Links      map[string]*metrics.InterfaceStats `json:"links,omitempty"`
	System     *metrics.SystemStats               `json:"system,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		WriteErrorCtx(w, r, http.StatusServiceUnavailable, "interface manager not running")
		return
	}
	report := StatusReport{
		Name:       brand.Name,
		Version:    brand.Version,
		Uptime:     clock.Since(s.startTime).Round(time.Second).String(),
		Interfaces: s.opts.Status.Status(),
	}
	if c := s.opts.Collector; c != nil {
		report.Links = c.GetInterfaceStats()
		report.System = c.GetSystemStats()
	}
	WriteJSON(w, http.StatusOK, report)
}
