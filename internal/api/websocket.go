package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/logging"
)

const (
	wsSendBuffer = 256
	wsWriteWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Enforce same-origin for browser clients; tools without an Origin
	// header are accepted.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if rest, ok := strings.CutPrefix(origin, "http://"); ok {
			return rest == host
		}
		if rest, ok := strings.CutPrefix(origin, "https://"); ok {
			return rest == host
		}
		return false
	},
}

// WSMessage is the envelope written to event stream peers.
type WSMessage struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// wsClient is one event stream peer. topics holds opcodes; an empty set
// receives every event. ifaces narrows by interface name the same way.
type wsClient struct {
	id     uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	topics map[string]bool
	ifaces map[string]bool
}

func (c *wsClient) wants(e events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) > 0 && !c.topics[e.Opcode] {
		return false
	}
	if len(c.ifaces) > 0 && !c.ifaces[e.Interface] {
		return false
	}
	return true
}

// WSManager relays hub events to websocket peers.
type WSManager struct {
	hub    *events.Hub
	feed   <-chan events.Event
	log    *logging.Logger
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}
	mutex  sync.RWMutex
	peers  map[*wsClient]bool
	closed bool
}

// NewWSManager subscribes to every hub event and starts relaying.
func NewWSManager(hub *events.Hub, log *logging.Logger) *WSManager {
	m := &WSManager{
		hub:   hub,
		feed:  hub.Subscribe(wsSendBuffer),
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		peers: make(map[*wsClient]bool),
	}
	go m.run()
	return m
}

func (m *WSManager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case e := <-m.feed:
			m.Publish(e)
		}
	}
}

// Publish sends e to every peer whose filters match. Slow peers miss
// events rather than stall the relay.
func (m *WSManager) Publish(e events.Event) {
	msg, err := json.Marshal(WSMessage{Topic: e.Opcode, Data: e})
	if err != nil {
		return
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for c := range m.peers {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Peers returns the number of connected peers.
func (m *WSManager) Peers() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.peers)
}

// Stop detaches from the hub and disconnects every peer.
func (m *WSManager) Stop() {
	m.once.Do(func() {
		close(m.stop)
		<-m.done
		m.hub.Unsubscribe(m.feed)

		m.mutex.Lock()
		m.closed = true
		for c := range m.peers {
			delete(m.peers, c)
			close(c.send)
		}
		m.mutex.Unlock()
	})
}

func (m *WSManager) add(c *wsClient) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return false
	}
	m.peers[c] = true
	return true
}

func (m *WSManager) remove(c *wsClient) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.peers[c] {
		delete(m.peers, c)
		close(c.send)
	}
}

// readPump applies subscription changes sent by the peer:
//
//	{"action": "subscribe", "topics": ["AP-STA-CONNECTED"], "interfaces": ["wlan0"]}
func (c *wsClient) readPump(m *WSManager) {
	defer m.remove(c)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Action     string   `json:"action"`
			Topics     []string `json:"topics"`
			Interfaces []string `json:"interfaces"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		c.mu.Lock()
		switch msg.Action {
		case "subscribe":
			for _, t := range msg.Topics {
				c.topics[t] = true
			}
			for _, i := range msg.Interfaces {
				c.ifaces[i] = true
			}
		case "unsubscribe":
			for _, t := range msg.Topics {
				delete(c.topics, t)
			}
			for _, i := range msg.Interfaces {
				delete(c.ifaces, i)
			}
		}
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
}

// handleEventsWS upgrades to a websocket peer. Initial filters may be given
// as repeated ?opcode= and ?interface= query parameters.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.wsManager == nil {
		WriteErrorCtx(w, r, http.StatusNotFound, "event stream disabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		id:     uuid.New(),
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		topics: make(map[string]bool),
		ifaces: make(map[string]bool),
	}
	q := r.URL.Query()
	for _, op := range q["opcode"] {
		c.topics[op] = true
	}
	for _, i := range q["interface"] {
		c.ifaces[i] = true
	}

	if !s.wsManager.add(c) {
		conn.Close()
		return
	}
	s.logger.Debug("event stream peer connected", "peer", c.id.String(), "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump(s.wsManager)
}
