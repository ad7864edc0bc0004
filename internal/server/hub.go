// Package server coordinates session registration, channel subscriptions and
// connection cleanup for the realtime system via the Hub type.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/Tyrowin/harmony-realtime/internal/logger"
	"github.com/Tyrowin/harmony-realtime/internal/store"
)

// ErrHubClosed is returned by Serve once Shutdown has started.
var ErrHubClosed = errors.New("hub is shut down")

// MessageCreator persists messages submitted over a websocket.
type MessageCreator interface {
	CreateMessage(ctx context.Context, msg store.NewMessage) (store.Message, error)
}

// HubConfig holds the per-session limits applied by a Hub.
type HubConfig struct {
	MaxMessageSize int64
	SendBufferSize int
	RateLimit      RateLimitConfig
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
}

// Stats is a point-in-time view of the hub's indices and counters.
type Stats struct {
	Users     int    `json:"users"`
	Sessions  int    `json:"sessions"`
	Channels  int    `json:"channels"`
	Delivered uint64 `json:"delivered"`
	Missed    uint64 `json:"missed"`
	Dropped   uint64 `json:"dropped"`
}

// Hub is the shared context of the realtime subsystem: it owns the
// Connection Registry, the Subscription Index and the Dispatcher, and runs
// every session driver.
//
// Every mutation that touches more than one structure runs under membership,
// which fixes the lock order membership → registry → index and
// membership → session. Broadcasts only take the individual read locks.
type Hub struct {
	config     HubConfig
	registry   *Registry
	index      *SubscriptionIndex
	dispatcher *Dispatcher
	messages   MessageCreator

	membership sync.Mutex

	lifecycle sync.Mutex
	closing   bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	dropped atomic.Uint64
}

// NewHub creates a Hub. messages may be nil, in which case send_message
// frames are answered with an error frame.
func NewHub(config HubConfig, messages MessageCreator) *Hub {
	config = sanitizeHubConfig(config)
	registry := NewRegistry()
	index := NewSubscriptionIndex()
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		config:     config,
		registry:   registry,
		index:      index,
		dispatcher: NewDispatcher(registry, index),
		messages:   messages,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Index returns the hub's subscription index.
func (h *Hub) Index() *SubscriptionIndex {
	return h.index
}

// Dispatcher returns the fanout entry point used by message handlers.
func (h *Hub) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// Connect registers the session and makes it Active.
func (h *Hub) Connect(s *Session) {
	h.membership.Lock()
	h.registry.Register(s)
	s.setState(StateActive)
	h.membership.Unlock()

	logger.Info("Session registered",
		"user_id", s.userID, "session_id", s.id, "addr", s.addr,
		"sessions", h.registry.SessionCount())
}

// Subscribe adds the channel to the session's set and the user to the
// channel's subscribers. It returns false for a closed session.
func (h *Hub) Subscribe(s *Session, channelID uuid.UUID) bool {
	h.membership.Lock()
	defer h.membership.Unlock()

	if !s.addSubscription(channelID) {
		return false
	}
	h.index.Subscribe(channelID, s.userID)
	return true
}

// Unsubscribe removes the channel from the session's set, then drops the
// user from the channel unless another of the user's sessions still holds it.
func (h *Hub) Unsubscribe(s *Session, channelID uuid.UUID) {
	h.membership.Lock()
	defer h.membership.Unlock()

	s.removeSubscription(channelID)
	h.index.UnsubscribeIfNoOtherSession(channelID, s.userID, h.heldElsewhere(s, channelID))
}

// Disconnect closes the session, removes it from the registry and releases
// every channel it held. Repeated calls are no-ops.
func (h *Hub) Disconnect(s *Session) {
	h.membership.Lock()
	removed := h.registry.Deregister(s.userID, s.id)
	channels := s.close()
	for _, channelID := range channels {
		h.index.UnsubscribeIfNoOtherSession(channelID, s.userID, h.heldElsewhere(s, channelID))
	}
	h.membership.Unlock()

	if removed {
		logger.Info("Session unregistered",
			"user_id", s.userID, "session_id", s.id, "addr", s.addr,
			"channels", len(channels), "sessions", h.registry.SessionCount())
	}
}

// heldElsewhere reports whether another live session of the same user is
// subscribed to the channel. Callers hold membership.
func (h *Hub) heldElsewhere(s *Session, channelID uuid.UUID) bool {
	for _, other := range h.registry.SessionsFor(s.userID) {
		if other.id != s.id && other.IsSubscribed(channelID) {
			return true
		}
	}
	return false
}

// Serve registers the session and starts its driver. The driver tears the
// session down when its connection ends or the hub shuts down.
func (h *Hub) Serve(s *Session) error {
	h.lifecycle.Lock()
	if h.closing {
		h.lifecycle.Unlock()
		return ErrHubClosed
	}
	h.wg.Add(1)
	h.lifecycle.Unlock()

	h.Connect(s)
	go func() {
		defer h.wg.Done()
		s.run(h.ctx)
	}()
	return nil
}

// Publish is shorthand for Dispatcher().Publish.
func (h *Hub) Publish(channelID uuid.UUID, msg store.Message) (int, error) {
	return h.dispatcher.Publish(channelID, msg)
}

// Stats returns current index sizes and delivery counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Users:     h.registry.UserCount(),
		Sessions:  h.registry.SessionCount(),
		Channels:  h.index.ChannelCount(),
		Delivered: h.dispatcher.Delivered(),
		Missed:    h.dispatcher.Missed(),
		Dropped:   h.dropped.Load(),
	}
}

// Shutdown stops accepting sessions, cancels every session driver and waits
// for them to finish tearing down, or for the timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logger.Info("Initiating hub shutdown...")

	h.lifecycle.Lock()
	h.closing = true
	h.lifecycle.Unlock()

	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		logger.Warn("Hub shutdown timeout reached, some sessions may still be running",
			"sessions", len(h.registry.snapshot()))
		return context.DeadlineExceeded
	}
}
