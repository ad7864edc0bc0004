// Package server drives individual websocket sessions, handling read/write
// pumps, rate limiting, the subscribe protocol and teardown for each
// connection.
package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	perrors "github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/harmony-realtime/internal/logger"
	"github.com/Tyrowin/harmony-realtime/internal/protocol"
	"github.com/Tyrowin/harmony-realtime/internal/store"
)

// errConnectionClosed ends a pump. Both pumps always return an error so that
// the first one to stop cancels the other.
var errConnectionClosed = perrors.New("connection closed")

const createMessageTimeout = 5 * time.Second

// run drives the session until either pump stops, then tears it down. The
// teardown only starts after both pumps have returned.
func (s *Session) run(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.readPump(groupCtx)
	})
	group.Go(func() error {
		return s.writePump(groupCtx)
	})

	err := group.Wait()

	s.setState(StateClosing)
	s.hub.Disconnect(s)
	s.setState(StateClosed)
	logger.Debug("Session closed", "user_id", s.userID, "session_id", s.id, "reason", err)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	pongWait := s.hub.config.PongWait
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Warn("Error setting initial read deadline", "addr", s.addr, "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			logger.Warn("Error setting read deadline in pong handler", "addr", s.addr, "error", err)
		}
		return nil
	})
}

// logReadError logs the reason a read loop ended at a level matching how
// expected it was.
func (s *Session) logReadError(err error) {
	if errors.Is(err, websocket.ErrReadLimit) {
		logger.Warn("Frame exceeded maximum size", "addr", s.addr, "limit", s.hub.config.MaxMessageSize)
		return
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		logger.Info("Client disconnected", "addr", s.addr, "user_id", s.userID, "reason", err)
		return
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		logger.Info("Client connection closed", "addr", s.addr, "user_id", s.userID, "reason", err)
		return
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		logger.Warn("Unexpected WebSocket close", "addr", s.addr, "error", err)
		return
	}

	logger.Warn("WebSocket read error", "addr", s.addr, "error", err)
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (s *Session) checkRateLimit() bool {
	if s.limiter != nil && !s.limiter.Allow() {
		logger.Warn("Rate limit exceeded; discarding frame",
			"addr", s.addr, "burst", s.hub.config.RateLimit.Burst,
			"interval", s.hub.config.RateLimit.RefillInterval)
		return false
	}
	return true
}

func (s *Session) readPump(ctx context.Context) error {
	s.setupReadConnection()

	for {
		messageType, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return perrors.Annotate(errConnectionClosed, "read")
		}

		if !s.checkRateLimit() {
			s.sendError("rate limit exceeded")
			continue
		}

		if messageType != websocket.TextMessage {
			logger.Warn("Ignoring non-text frame", "addr", s.addr, "type", messageType)
			s.sendError("only text frames are supported")
			continue
		}

		s.handleFrame(ctx, raw)
	}
}

// handleFrame interprets one inbound frame. Protocol errors are reported to
// the client and never end the session.
func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	frame, err := protocol.DecodeInbound(raw)
	if err != nil {
		logger.Warn("Ignoring malformed frame", "addr", s.addr, "session_id", s.id, "error", err)
		s.sendError(err.Error())
		return
	}

	switch f := frame.(type) {
	case protocol.Subscribe:
		if s.hub.Subscribe(s, f.ChannelID) {
			logger.Debug("Subscribed", "user_id", s.userID, "session_id", s.id, "channel_id", f.ChannelID)
			s.sendFrame(protocol.Subscribed{ChannelID: f.ChannelID})
		}
	case protocol.Unsubscribe:
		s.hub.Unsubscribe(s, f.ChannelID)
		logger.Debug("Unsubscribed", "user_id", s.userID, "session_id", s.id, "channel_id", f.ChannelID)
		s.sendFrame(protocol.Unsubscribed{ChannelID: f.ChannelID})
	case protocol.SendMessage:
		s.createMessage(ctx, f)
	default:
		logger.Warn("Unhandled frame type", "addr", s.addr, "type", frame.Type())
		s.sendError("unsupported frame type")
	}
}

// createMessage hands a send_message frame to the message store and, once it
// is persisted, publishes it to the channel.
func (s *Session) createMessage(ctx context.Context, f protocol.SendMessage) {
	if s.hub.messages == nil {
		s.sendError("sending messages over the websocket is not supported")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, createMessageTimeout)
	defer cancel()

	msg, err := s.hub.messages.CreateMessage(ctx, store.NewMessage{
		ChannelID: f.ChannelID,
		UserID:    s.userID,
		Username:  s.username,
		Content:   f.Content,
	})
	if err != nil {
		if store.IsInvalid(err) {
			s.sendError(err.Error())
			return
		}
		logger.Error("Creating message failed", "user_id", s.userID, "channel_id", f.ChannelID, "error", err)
		s.sendError("failed to create message")
		return
	}

	if _, err := s.hub.Publish(f.ChannelID, msg); err != nil {
		logger.Error("Publishing message failed", "message_id", msg.ID, "error", err)
	}
}

func (s *Session) writePump(ctx context.Context) error {
	ticker := time.NewTicker(s.hub.config.PingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for {
		select {
		case <-ctx.Done():
			s.writeCloseMessage()
			return perrors.Annotate(errConnectionClosed, "cancelled")
		case message := <-s.send:
			if err := s.writeTextMessage(message); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.writePing(); err != nil {
				return err
			}
		}
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			logger.Warn("Error closing connection", "addr", s.addr, "error", err)
		}
	}
}

// writeCloseMessage tells the client the session is ending. A hub shutdown is
// reported as going away.
func (s *Session) writeCloseMessage() {
	code := websocket.CloseNormalClosure
	if s.hub.ctx.Err() != nil {
		code = websocket.CloseGoingAway
	}

	deadline := time.Now().Add(s.hub.config.WriteWait)
	err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	if err != nil && !isExpectedCloseError(err) {
		logger.Debug("Error writing close message", "addr", s.addr, "error", err)
	}
}

// writeTextMessage writes one queued frame.
func (s *Session) writeTextMessage(message []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.config.WriteWait)); err != nil {
		logger.Warn("Error setting write deadline", "addr", s.addr, "error", err)
		return perrors.Annotate(err, "set write deadline")
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			logger.Warn("Error writing message", "addr", s.addr, "error", err)
		}
		return perrors.Annotate(err, "write message")
	}
	return nil
}

// writePing sends a ping message to keep the connection alive
func (s *Session) writePing() error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.config.WriteWait)); err != nil {
		logger.Warn("Error setting write deadline for ping", "addr", s.addr, "error", err)
		return perrors.Annotate(err, "set write deadline")
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		logger.Warn("Error writing ping message", "addr", s.addr, "error", err)
		return perrors.Annotate(err, "write ping")
	}
	return nil
}
