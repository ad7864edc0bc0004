// Package testhelpers provides common utilities and helper functions for testing the realtime server.
//
// It contains reusable helpers shared across package tests: issuing tokens,
// dialing authenticated WebSocket connections, exchanging protocol frames with
// timeouts, and asserting HTTP response properties.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/harmony-realtime/internal/auth"
	"github.com/Tyrowin/harmony-realtime/internal/protocol"
)

// TestOrigin is the Origin header sent by ConnectWebSocket. It matches the
// default allow-list.
const TestOrigin = "http://localhost:8080"

// TestSecret signs every token issued by IssueToken.
const TestSecret = "test-secret"

// DefaultTimeout bounds every frame read.
const DefaultTimeout = 2 * time.Second

// NewVerifier returns the verifier matching IssueToken.
func NewVerifier() *auth.JWTVerifier {
	return auth.NewJWTVerifier(TestSecret, time.Hour)
}

// IssueToken signs a token for the user with TestSecret.
func IssueToken(t *testing.T, userID uuid.UUID, username string) string {
	t.Helper()

	token, err := NewVerifier().Issue(userID, username)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

// WebSocketURL turns an httptest server URL into its /ws endpoint with the
// token attached.
func WebSocketURL(serverURL, token string) string {
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if token == "" {
		return wsURL
	}
	return wsURL + "?token=" + url.QueryEscape(token)
}

// ConnectWebSocket dials the URL with the test Origin header. The handshake
// response is returned so callers can inspect refused upgrades.
func ConnectWebSocket(wsURL string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials and fails the test on error. The connection is closed
// when the test ends.
func MustConnect(t *testing.T, serverURL, token string) *websocket.Conn {
	t.Helper()

	conn, _, err := ConnectWebSocket(WebSocketURL(serverURL, token))
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendFrame encodes and writes an inbound frame.
func SendFrame(t *testing.T, conn *websocket.Conn, frame protocol.Inbound) {
	t.Helper()

	data, err := protocol.EncodeInbound(frame)
	if err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
}

// SendRaw writes a raw text message.
func SendRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to send raw message: %v", err)
	}
}

// ReadFrame reads and decodes the next outbound frame within DefaultTimeout.
func ReadFrame(t *testing.T, conn *websocket.Conn) protocol.Outbound {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}

	frame, err := protocol.DecodeOutbound(data)
	if err != nil {
		t.Fatalf("Failed to decode frame %s: %v", data, err)
	}
	return frame
}

// ExpectNoFrame fails the test if any message arrives within wait. A timed
// out read poisons the connection, so call it last.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no frame, got %s", data)
	}
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// body is JSON-encoded when non-nil and token, when set, is sent as a bearer
// credential. The response body is closed when the test ends.
func MakeRequest(t *testing.T, method, target, token string, body any) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// DecodeJSON decodes the response body into v.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
}
