package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/onnwee/stream-herald/twitchapi"
)

// HelixVideo is the wire form of an archive video served by HelixServer.
type HelixVideo struct {
	ID           string  `json:"id"`
	StreamID     *string `json:"stream_id"`
	UserID       string  `json:"user_id"`
	Title        string  `json:"title"`
	URL          string  `json:"url"`
	ThumbnailURL string  `json:"thumbnail_url"`
	CreatedAt    string  `json:"created_at"`
	Duration     string  `json:"duration"`
}

// HelixServer is an in-memory Helix serving users, streams and archive videos keyed by
// user id. Unknown paths return 404.
type HelixServer struct {
	*httptest.Server

	mu       sync.Mutex
	users    map[string]twitchapi.User
	streams  map[string]twitchapi.Stream
	videos   map[string][]HelixVideo
	requests map[string]int
}

// NewHelixServer starts a HelixServer that is closed with the test.
func NewHelixServer(t *testing.T) *HelixServer {
	t.Helper()
	m := &HelixServer{
		users:    make(map[string]twitchapi.User),
		streams:  make(map[string]twitchapi.Stream),
		videos:   make(map[string][]HelixVideo),
		requests: make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

func (m *HelixServer) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.URL.Path]++
	q := r.URL.Query()
	var data any
	switch r.URL.Path {
	case "/users":
		out := []twitchapi.User{}
		for _, u := range m.users {
			if u.ID == q.Get("id") || (q.Get("login") != "" && u.Login == q.Get("login")) {
				out = append(out, u)
			}
		}
		data = out
	case "/streams":
		out := []twitchapi.Stream{}
		if s, ok := m.streams[q.Get("user_id")]; ok {
			out = append(out, s)
		}
		data = out
	case "/videos":
		out := m.videos[q.Get("user_id")]
		if out == nil {
			out = []HelixVideo{}
		}
		data = out
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data, "pagination": map[string]string{}}) //nolint:errcheck // test server response
}

// SetUser registers u for id and login lookups.
func (m *HelixServer) SetUser(u twitchapi.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// SetStream marks s.UserID live with snapshot s.
func (m *HelixServer) SetStream(s twitchapi.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[s.UserID] = s
}

// EndStream marks userID offline.
func (m *HelixServer) EndStream(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, userID)
}

// SetVideos replaces the archive listing of userID.
func (m *HelixServer) SetVideos(userID string, videos ...HelixVideo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos[userID] = videos
}

// Requests returns how often path was requested.
func (m *HelixServer) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

// Client returns a HelixClient pointed at the server with static tokens.
func (m *HelixServer) Client() *twitchapi.HelixClient {
	return &twitchapi.HelixClient{
		AppTokens:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "app-token"}),
		UserTokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "user-token"}),
		ClientID:   "test-client",
		BaseURL:    m.URL,
		HTTPClient: m.Server.Client(),
	}
}
