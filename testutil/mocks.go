package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
)

// MockTwitchServer mocks the Helix and id.twitch.tv endpoints. Client returns
// an http.Client that sends every request to it regardless of host.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	requests atomic.Int64
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requests.Add(1)
		m.mu.RLock()
		handler, ok := m.handlers[r.URL.Path]
		m.mu.RUnlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers fn for path, replacing any earlier handler.
func (m *MockTwitchServer) Handle(path string, fn http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = fn
}

// Requests returns how many requests the server has seen.
func (m *MockTwitchServer) Requests() int64 { return m.requests.Load() }

// Client returns an http.Client whose requests all land on m.
func (m *MockTwitchServer) Client() *http.Client {
	u, _ := url.Parse(m.URL)
	return &http.Client{Transport: &hostRewriter{host: u.Host}}
}

type hostRewriter struct{ host string }

func (h *hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = h.host
	return http.DefaultTransport.RoundTrip(req)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []map[string]string{{"id": userID, "login": login}}})
	})
}

// MockStreamsResponse adds a handler for /helix/streams endpoint. An empty
// slice means the channel is offline.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	if streams == nil {
		streams = []map[string]any{}
	}
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": streams})
	})
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}
