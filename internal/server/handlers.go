// Package server exposes HTTP handlers, including WebSocket upgrades, the
// message API, health checks, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Tyrowin/harmony-realtime/internal/auth"
	"github.com/Tyrowin/harmony-realtime/internal/logger"
	"github.com/Tyrowin/harmony-realtime/internal/store"
)

// errorResponse is the JSON body of every API error.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type createMessageRequest struct {
	Content string `json:"content"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Error writing JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: http.StatusText(status), Message: message})
}

// WebSocketHandler authenticates the upgrade request and hands the
// connection to the hub. The token travels in the "token" query parameter;
// an invalid token is refused with 401 before any session exists.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		logger.Warn("Rejected WebSocket upgrade", "addr", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	session := s.hub.NewSession(conn, identity, r.RemoteAddr)
	if err := s.hub.Serve(session); err != nil {
		logger.Warn("Refusing session", "addr", r.RemoteAddr, "error", err)
		_ = conn.Close()
	}
}

// authenticate resolves the bearer token of an API request, writing a 401
// response when it is missing or invalid.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token, ok := auth.BearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
		return auth.Identity{}, false
	}

	identity, err := s.verifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return auth.Identity{}, false
	}
	return identity, true
}

func channelParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	channelID, err := uuid.Parse(chi.URLParam(r, "channelID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return uuid.Nil, false
	}
	return channelID, true
}

// CreateMessageHandler persists a message and then publishes it to every
// session subscribed to the channel.
func (s *Server) CreateMessageHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	channelID, ok := channelParam(w, r)
	if !ok {
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxMessageSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := s.messages.CreateMessage(r.Context(), store.NewMessage{
		ChannelID: channelID,
		UserID:    identity.UserID,
		Username:  identity.Username,
		Content:   req.Content,
	})
	if err != nil {
		if store.IsInvalid(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("Creating message failed", "channel_id", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	delivered, err := s.hub.Publish(channelID, msg)
	if err != nil {
		logger.Error("Publishing message failed", "message_id", msg.ID, "error", err)
	}
	logger.Debug("Message created", "message_id", msg.ID, "channel_id", channelID, "delivered", delivered)

	writeJSON(w, http.StatusCreated, msg)
}

// ListMessagesHandler returns a page of channel history, newest first.
func (s *Server) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	channelID, ok := channelParam(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	before := uuid.Nil
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = parsed
	}

	messages, err := s.messages.ListMessages(r.Context(), channelID, limit, before)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		logger.Error("Listing messages failed", "channel_id", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

// StatsHandler reports the hub's connection and delivery counters.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Harmony realtime server is running!")
}

// TestPageHandler serves an HTML page for exercising the subscribe protocol
// by hand. Paste a token, connect, then subscribe to a channel id.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Harmony Realtime Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #frames {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
    </style>
</head>
<body>
    <h1>Harmony Realtime Test</h1>

    <div><input type="text" id="token" placeholder="Bearer token"><button onclick="connect()">Connect</button></div>
    <div><input type="text" id="channel" placeholder="Channel id">
        <button onclick="send('subscribe')">Subscribe</button>
        <button onclick="send('unsubscribe')">Unsubscribe</button></div>
    <div><input type="text" id="content" placeholder="Message"><button onclick="send('send_message')">Send</button></div>

    <div id="frames"></div>

    <script>
        let ws = null;
        const frames = document.getElementById('frames');

        function log(text) {
            const line = document.createElement('div');
            line.textContent = text;
            frames.appendChild(line);
            frames.scrollTop = frames.scrollHeight;
        }

        function connect() {
            const token = encodeURIComponent(document.getElementById('token').value);
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);
            ws.onopen = () => log('connected');
            ws.onmessage = (event) => log('<- ' + event.data);
            ws.onclose = (event) => { log('closed ' + event.code); ws = null; };
        }

        function send(type) {
            if (!ws || ws.readyState !== WebSocket.OPEN) return;
            const frame = { type: type, channel_id: document.getElementById('channel').value };
            if (type === 'send_message') frame.content = document.getElementById('content').value;
            const text = JSON.stringify(frame);
            ws.send(text);
            log('-> ' + text);
        }
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		logger.Warn("Error writing HTML response", "error", err)
	}
}
