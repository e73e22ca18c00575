// Package monitor exposes a read-only WebSocket feed of MAC state
// transitions and frame events, for local operator tooling. It
// mirrors the envelope shape of the teacher's internal/cloud client
// (Message{Type, ID, Timestamp, Payload}) but runs the gorilla
// websocket side as a server accepting local viewers instead of a
// client dialing out to a cloud backend.
package monitor

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventType identifies the kind of event broadcast to viewers.
type EventType string

const (
	EventStateChange  EventType = "state_change"
	EventFrameSent    EventType = "frame_sent"
	EventFrameRecv    EventType = "frame_recv"
	EventJoined       EventType = "joined"
	EventSendFailed   EventType = "send_failed"
)

// Event is one message broadcast over the monitor WebSocket.
type Event struct {
	Type      EventType       `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server broadcasts Events to any number of connected viewers over a
// single /ws endpoint.
type Server struct {
	addr   string
	logger *log.Logger

	mu       sync.Mutex
	viewers  map[*viewer]struct{}
	http     *http.Server
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

// New constructs a Server that will listen on addr once Start is
// called.
func New(addr string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		addr:    addr,
		logger:  logger,
		viewers: make(map[*viewer]struct{}),
	}
}

// Start begins listening in a background goroutine. It returns
// immediately; call Stop to shut the listener down.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Addr: s.addr, Handler: mux}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("monitor: server error: %v", err)
		}
	}()
	return nil
}

// Stop closes the listener and disconnects all viewers.
func (s *Server) Stop() error {
	s.mu.Lock()
	for v := range s.viewers {
		close(v.send)
		v.conn.Close()
	}
	s.viewers = make(map[*viewer]struct{})
	s.mu.Unlock()

	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("monitor: upgrade failed: %v", err)
		return
	}
	v := &viewer{conn: conn, send: make(chan []byte, 32)}

	s.mu.Lock()
	s.viewers[v] = struct{}{}
	s.mu.Unlock()

	go s.writeLoop(v)
	s.readLoop(v)
}

func (s *Server) readLoop(v *viewer) {
	defer func() {
		s.mu.Lock()
		if _, ok := s.viewers[v]; ok {
			delete(s.viewers, v)
			close(v.send)
		}
		s.mu.Unlock()
		v.conn.Close()
	}()
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(v *viewer) {
	for msg := range v.send {
		v.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcast sends typ with payload marshaled as JSON to every
// connected viewer, tagging the event with a fresh correlation ID.
func (s *Server) Broadcast(typ EventType, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("monitor: marshal payload for %s: %v", typ, err)
		return
	}
	evt := Event{
		Type:      typ,
		ID:        uuid.New().String(),
		Timestamp: time.Now().Unix(),
		Payload:   body,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Printf("monitor: marshal event %s: %v", typ, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for v := range s.viewers {
		select {
		case v.send <- data:
		default:
			s.logger.Printf("monitor: dropping event for slow viewer")
		}
	}
}
