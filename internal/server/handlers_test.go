package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/harmony-realtime/internal/server"
	"github.com/Tyrowin/harmony-realtime/internal/store"
	"github.com/Tyrowin/harmony-realtime/internal/testhelpers"
)

type testEnv struct {
	server   *httptest.Server
	hub      *server.Hub
	messages *store.MemoryStore
}

// newTestEnv starts the full router on an httptest server backed by the
// in-memory store. mutate may adjust the configuration first.
func newTestEnv(t *testing.T, mutate func(*server.Config)) *testEnv {
	t.Helper()

	config := server.NewConfig()
	config.JWTSecret = testhelpers.TestSecret
	if mutate != nil {
		mutate(config)
	}
	sanitized := server.SanitizeConfig(*config)

	messages := store.NewMemoryStore()
	hub := server.NewHub(sanitized.HubConfig(), messages)
	srv := server.NewServer(sanitized, hub, testhelpers.NewVerifier(), messages)
	testServer := httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		testServer.Close()
	})

	return &testEnv{server: testServer, hub: hub, messages: messages}
}

func (e *testEnv) messagesURL(channelID uuid.UUID) string {
	return e.server.URL + "/api/channels/" + channelID.String() + "/messages"
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TestHealthHandler verifies both health routes respond with plain text.
func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/", "/health"} {
		resp := testhelpers.MakeRequest(t, http.MethodGet, env.server.URL+path, "", nil)
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		testhelpers.AssertContentType(t, resp, "text/plain")
	}
}

// TestHTTPMethods verifies that only GET reaches the read-only routes.
func TestHTTPMethods(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{http.MethodPut, "/", http.StatusMethodNotAllowed},
		{http.MethodPost, "/ws", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/ws", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp := testhelpers.MakeRequest(t, tt.method, env.server.URL+tt.path, "", nil)
			testhelpers.AssertStatusCode(t, resp, tt.want)
		})
	}
}

// TestTestPageHandler verifies the manual test page is served as HTML.
func TestTestPageHandler(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.server.URL+"/test", "", nil)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "text/html")
}

// TestCreateMessageRequiresAuth verifies the API refuses missing and forged
// credentials with a JSON error.
func TestCreateMessageRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	target := env.messagesURL(uuid.New())
	body := map[string]string{"content": "hello"}

	for _, token := range []string{"", "forged.token.value"} {
		resp := testhelpers.MakeRequest(t, http.MethodPost, target, token, body)
		testhelpers.AssertStatusCode(t, resp, http.StatusUnauthorized)
		testhelpers.AssertContentType(t, resp, "application/json")

		var payload apiError
		testhelpers.DecodeJSON(t, resp, &payload)
		if payload.Error == "" || payload.Message == "" {
			t.Errorf("Expected error body, got %+v", payload)
		}
	}
}

// TestCreateMessageValidation covers malformed ids and content.
func TestCreateMessageValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := testhelpers.IssueToken(t, uuid.New(), "alice")

	resp := testhelpers.MakeRequest(t, http.MethodPost, env.server.URL+"/api/channels/not-a-uuid/messages", token,
		map[string]string{"content": "hello"})
	testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)

	resp = testhelpers.MakeRequest(t, http.MethodPost, env.messagesURL(uuid.New()), token,
		map[string]string{"content": "   "})
	testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)

	var payload apiError
	testhelpers.DecodeJSON(t, resp, &payload)
	if payload.Message == "" {
		t.Error("Expected validation message")
	}
}

// TestCreateAndListMessages verifies persistence and newest-first paging.
func TestCreateAndListMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	userID := uuid.New()
	token := testhelpers.IssueToken(t, userID, "alice")
	channel := uuid.New()

	var created []store.Message
	for _, content := range []string{"first", "second", "third"} {
		resp := testhelpers.MakeRequest(t, http.MethodPost, env.messagesURL(channel), token,
			map[string]string{"content": content})
		testhelpers.AssertStatusCode(t, resp, http.StatusCreated)

		var msg store.Message
		testhelpers.DecodeJSON(t, resp, &msg)
		if msg.UserID != userID || msg.Username != "alice" || msg.ChannelID != channel {
			t.Fatalf("Created message has wrong author or channel: %+v", msg)
		}
		created = append(created, msg)
	}

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.messagesURL(channel)+"?limit=2", token, nil)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	var page []store.Message
	testhelpers.DecodeJSON(t, resp, &page)
	if len(page) != 2 || page[0].Content != "third" || page[1].Content != "second" {
		t.Fatalf("Unexpected first page %+v", page)
	}

	resp = testhelpers.MakeRequest(t, http.MethodGet, env.messagesURL(channel)+"?before="+created[1].ID.String(), token, nil)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	page = nil
	testhelpers.DecodeJSON(t, resp, &page)
	if len(page) != 1 || page[0].ID != created[0].ID {
		t.Errorf("Unexpected page before second message %+v", page)
	}
}

// TestListMessagesErrors covers bad query parameters and unknown cursors.
func TestListMessagesErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	token := testhelpers.IssueToken(t, uuid.New(), "alice")
	target := env.messagesURL(uuid.New())

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"bad limit", "?limit=abc", http.StatusBadRequest},
		{"bad cursor", "?before=xyz", http.StatusBadRequest},
		{"unknown cursor", "?before=" + uuid.NewString(), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := testhelpers.MakeRequest(t, http.MethodGet, target+tt.query, token, nil)
			testhelpers.AssertStatusCode(t, resp, tt.want)
		})
	}

	resp := testhelpers.MakeRequest(t, http.MethodGet, target, "", nil)
	testhelpers.AssertStatusCode(t, resp, http.StatusUnauthorized)
}

// TestStatsHandler verifies the counters endpoint reflects live sessions.
func TestStatsHandler(t *testing.T) {
	env := newTestEnv(t, nil)
	token := testhelpers.IssueToken(t, uuid.New(), "alice")
	testhelpers.MustConnect(t, env.server.URL, token)

	waitFor(t, func() bool { return env.hub.Stats().Sessions == 1 })

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.server.URL+"/stats", "", nil)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	var stats server.Stats
	testhelpers.DecodeJSON(t, resp, &stats)
	if stats.Sessions != 1 || stats.Users != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

// TestMessageAPIDisabledWithoutStore verifies the routes are not mounted
// when no store is configured.
func TestMessageAPIDisabledWithoutStore(t *testing.T) {
	config := server.SanitizeConfig(server.Config{JWTSecret: testhelpers.TestSecret})
	hub := server.NewHub(config.HubConfig(), nil)
	srv := server.NewServer(config, hub, testhelpers.NewVerifier(), nil)
	testServer := httptest.NewServer(srv.Routes())
	defer testServer.Close()

	token := testhelpers.IssueToken(t, uuid.New(), "alice")
	resp := testhelpers.MakeRequest(t, http.MethodGet,
		testServer.URL+"/api/channels/"+uuid.NewString()+"/messages", token, nil)
	testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testhelpers.DefaultTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
