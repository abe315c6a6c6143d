package ctlplane

import (
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"

	"grimm.is/apmux/internal/logging"
)

// DefaultQueueSize is the number of outgoing frames buffered per station.
const DefaultQueueSize = 256

var (
	// ErrQueueFull is returned by Send when the station does not drain its
	// socket fast enough. The event is dropped for that station only.
	ErrQueueFull = errors.New("station queue full")
	// ErrStationClosed is returned by Send after the station went away.
	ErrStationClosed = errors.New("station closed")
)

// station is one connected client process.
type station struct {
	id   uuid.UUID
	conn net.Conn
	log  *logging.Logger

	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newStation(conn net.Conn, queue int, log *logging.Logger) *station {
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	id := uuid.New()
	return &station{
		id:   id,
		conn: conn,
		log:  log.WithFields(map[string]any{"station": id.String()}),
		out:  make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// Name identifies the station in logs and subscription tables.
func (s *station) Name() string { return s.id.String() }

// Send queues an event frame without blocking.
func (s *station) Send(frame []byte) error {
	select {
	case <-s.done:
		return ErrStationClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return ErrStationClosed
	default:
		return ErrQueueFull
	}
}

// reply queues a response frame. Responses are never dropped; the caller
// blocks until there is room or the station closes.
func (s *station) reply(frame []byte) error {
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return ErrStationClosed
	}
}

// writeLoop drains the queue onto the socket until the station closes.
func (s *station) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case b := <-s.out:
			if _, err := s.conn.Write(b); err != nil {
				s.log.Debug("write failed", "error", err)
				s.close()
				return
			}
		}
	}
}

func (s *station) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
