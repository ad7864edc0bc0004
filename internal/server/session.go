package server

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/harmony-realtime/internal/auth"
	"github.com/Tyrowin/harmony-realtime/internal/logger"
	"github.com/Tyrowin/harmony-realtime/internal/protocol"
)

// SessionState is the lifecycle position of a Session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (st SessionState) String() string {
	switch st {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one authenticated websocket connection of one user. It owns a
// bounded outbound queue drained by its writer loop and its own set of
// subscribed channels.
//
// The subscription set and the closed flag share mu: the session's driver
// writes them through the Hub, the Dispatcher reads them before enqueueing.
type Session struct {
	id       uuid.UUID
	userID   uuid.UUID
	username string
	addr     string

	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	limiter *rate.Limiter

	mu            sync.RWMutex
	subscriptions map[uuid.UUID]struct{}
	closed        bool

	state   atomic.Int32
	dropped atomic.Uint64
}

// NewSession creates a session for an authenticated connection. conn may be
// nil for sessions that are never driven, such as in tests.
func (h *Hub) NewSession(conn *websocket.Conn, identity auth.Identity, addr string) *Session {
	if conn != nil {
		conn.SetReadLimit(h.config.MaxMessageSize)
	}
	return &Session{
		id:            uuid.New(),
		userID:        identity.UserID,
		username:      identity.Username,
		addr:          addr,
		conn:          conn,
		send:          make(chan []byte, h.config.SendBufferSize),
		hub:           h,
		limiter:       newRateLimiter(h.config.RateLimit.Burst, h.config.RateLimit.RefillInterval),
		subscriptions: make(map[uuid.UUID]struct{}),
	}
}

// ID returns the per-connection identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// UserID returns the owning user.
func (s *Session) UserID() uuid.UUID {
	return s.userID
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// GetSendChan returns the session's outbound queue for reading.
func (s *Session) GetSendChan() <-chan []byte {
	return s.send
}

// Dropped returns how many outbound frames were discarded because the queue
// was full.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

// IsSubscribed reports whether this session currently holds the channel.
func (s *Session) IsSubscribed(channelID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.subscriptions[channelID]
	return ok
}

// Subscriptions returns a snapshot of the session's channels.
func (s *Session) Subscriptions() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make([]uuid.UUID, 0, len(s.subscriptions))
	for channelID := range s.subscriptions {
		channels = append(channels, channelID)
	}
	return channels
}

func (s *Session) addSubscription(channelID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.subscriptions[channelID] = struct{}{}
	return true
}

func (s *Session) removeSubscription(channelID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[channelID]; !ok {
		return false
	}
	delete(s.subscriptions, channelID)
	return true
}

// close marks the session dead and hands back the channels it held. Later
// calls return nil.
func (s *Session) close() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	channels := make([]uuid.UUID, 0, len(s.subscriptions))
	for channelID := range s.subscriptions {
		channels = append(channels, channelID)
	}
	clear(s.subscriptions)
	return channels
}

// enqueue offers a frame to the outbound queue without blocking. The queue
// is never closed by producers, so a dead session is detected by the flag.
func (s *Session) enqueue(payload []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	return s.offer(payload)
}

// deliver enqueues a channel payload only if the session still holds the
// channel at this moment.
func (s *Session) deliver(channelID uuid.UUID, payload []byte) (subscribed, queued bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.subscriptions[channelID]; !ok || s.closed {
		return false, false
	}
	return true, s.offer(payload)
}

// offer must be called with mu held.
func (s *Session) offer(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		s.dropped.Add(1)
		if s.hub != nil {
			s.hub.dropped.Add(1)
		}
		logger.Warn("Outbound queue full; dropping frame", "session_id", s.id, "user_id", s.userID)
		return false
	}
}

// sendFrame encodes and enqueues an outbound frame for this session only.
func (s *Session) sendFrame(frame protocol.Outbound) bool {
	payload, err := protocol.Encode(frame)
	if err != nil {
		logger.Error("Encoding frame failed", "session_id", s.id, "error", err)
		return false
	}
	return s.enqueue(payload)
}

func (s *Session) sendError(message string) bool {
	return s.sendFrame(protocol.Error{Message: message})
}
