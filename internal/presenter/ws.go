package presenter

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-session/internal/events"
)

var ErrNoSession = errors.New("no ws session")

// Envelope is the wire form of a presentation event.
type Envelope struct {
	Type      string       `json:"type"`
	Payload   events.Event `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

// WSSession is one connected client. Writes happen on its own goroutine so
// a slow socket never stalls the session loop.
type WSSession struct {
	conn *websocket.Conn
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func (s *WSSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *WSSession) writeLoop(writeTimeout time.Duration, onExit func()) {
	defer onExit()
	for {
		select {
		case <-s.done:
			return
		case env := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

// WSRegistry holds client sessions and broadcasts every event to them.
type WSRegistry struct {
	mu           sync.RWMutex
	sessions     map[string]*WSSession
	buffer       int
	writeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{
		sessions:     make(map[string]*WSSession),
		buffer:       64,
		writeTimeout: 5 * time.Second,
		now:          time.Now,
		logger:       logger,
	}
}

// Add registers conn under clientID, replacing any previous connection.
func (r *WSRegistry) Add(clientID string, conn *websocket.Conn) {
	s := &WSSession{conn: conn, send: make(chan Envelope, r.buffer), done: make(chan struct{})}
	r.mu.Lock()
	old := r.sessions[clientID]
	r.sessions[clientID] = s
	r.mu.Unlock()
	if old != nil {
		old.close()
	}
	go s.writeLoop(r.writeTimeout, func() { r.remove(clientID, s) })
	// drain reads so close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.close()
				return
			}
		}
	}()
	r.logger.Info("ws client connected", "client_id", clientID)
}

func (r *WSRegistry) remove(clientID string, s *WSSession) {
	s.close()
	r.mu.Lock()
	if r.sessions[clientID] == s {
		delete(r.sessions, clientID)
	}
	r.mu.Unlock()
	r.logger.Info("ws client disconnected", "client_id", clientID)
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send queues ev for one client.
func (r *WSRegistry) Send(clientID string, ev events.Event) error {
	r.mu.RLock()
	s, ok := r.sessions[clientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	r.enqueue(clientID, s, Envelope{Type: ev.Kind(), Payload: ev, Timestamp: r.now()})
	return nil
}

// Emit broadcasts ev. A client whose buffer is full misses the event.
func (r *WSRegistry) Emit(ev events.Event) {
	env := Envelope{Type: ev.Kind(), Payload: ev, Timestamp: r.now()}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, s := range r.sessions {
		r.enqueue(id, s, env)
	}
}

func (r *WSRegistry) enqueue(clientID string, s *WSSession, env Envelope) {
	select {
	case s.send <- env:
	case <-s.done:
	default:
		r.logger.Warn("ws client too slow, event dropped", "client_id", clientID, "type", env.Type)
	}
}

// Close disconnects every client.
func (r *WSRegistry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*WSSession)
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
