package ctlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/logging"
	"grimm.is/apmux/internal/metrics"
	"grimm.is/apmux/internal/protocol"
)

// Handler executes requests on behalf of stations. *ifmgr.Manager
// implements it.
type Handler interface {
	Handle(ctx context.Context, sub events.Subscriber, f protocol.Frame) protocol.Response
	Forget(ctx context.Context, sub events.Subscriber)
}

// Config configures a Server.
type Config struct {
	SocketPath string
	SocketMode os.FileMode
	// QueueSize bounds the outgoing frames buffered per station.
	QueueSize int
	Logger    *logging.Logger
	Metrics   *metrics.Registry
}

// Server accepts IPC clients on a unix stream socket.
type Server struct {
	handler Handler
	cfg     Config
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	stations map[*station]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server dispatching requests to h.
func NewServer(h Handler, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0o660
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler:  h,
		cfg:      cfg,
		log:      cfg.Logger.WithComponent("ctlplane"),
		ctx:      ctx,
		cancel:   cancel,
		stations: make(map[*station]struct{}),
	}
}

// Start listens on the configured socket path, replacing a stale socket.
func (s *Server) Start() error {
	path := s.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, s.cfg.SocketMode); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on an existing listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("control plane listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.log.Error("accept failed", "error", err)
				}
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() {
					if r := recover(); r != nil {
						s.log.Bug("connection handler panicked", "panic", r)
					}
				}()
				s.serve(conn)
			}()
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

// Stations returns the number of connected clients.
func (s *Server) Stations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stations)
}

// Close stops accepting, disconnects every station and waits for their
// handlers to finish.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for st := range s.stations {
		st.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) serve(conn net.Conn) {
	st := newStation(conn, s.cfg.QueueSize, s.log)

	// Close cancels ctx before it walks the stations under mu.
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.stations[st] = struct{}{}
	s.mu.Unlock()
	s.gauge(1)
	st.log.Debug("station connected")

	go st.writeLoop()

	defer func() {
		s.handler.Forget(context.Background(), st)
		st.close()
		s.mu.Lock()
		delete(s.stations, st)
		s.mu.Unlock()
		s.gauge(-1)
		st.log.Debug("station disconnected")
	}()

	for {
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrTooLong):
				// The stream cannot be resynchronised after a bad length.
				st.log.Warn("dropping station", "error", err)
			default:
				st.log.Debug("read failed", "error", err)
			}
			return
		}

		resp := s.handler.Handle(s.ctx, st, f)
		if m := s.cfg.Metrics; m != nil {
			m.IPCRequests.WithLabelValues(f.Header.Class().String(), resp.Status.String()).Inc()
		}

		b, err := resp.Frame(f.Seq).MarshalBinary()
		if err != nil {
			s.log.Bug("response does not fit a frame", "class", f.Header.Class().String(), "error", err)
			b, _ = protocol.Response{IfType: resp.IfType, Status: protocol.StatusFailure}.Frame(f.Seq).MarshalBinary()
		}
		if err := st.reply(b); err != nil {
			return
		}
	}
}

func (s *Server) gauge(delta float64) {
	if m := s.cfg.Metrics; m != nil {
		m.IPCClients.Add(delta)
	}
}
