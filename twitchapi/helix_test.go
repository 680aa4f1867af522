package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// rewriteTransport sends every request to the test server regardless of its host.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}

func newTestClient(server *httptest.Server) *HelixClient {
	return &HelixClient{
		AppTokens:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		UserTokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "user-token"}),
		ClientID:   "test-client-id",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{
				Transport: http.DefaultTransport,
				host:      server.URL,
			},
		},
	}
}

func TestHelixClient_GetUserByLogin(t *testing.T) {
	tests := []struct {
		response    interface{}
		name        string
		login       string
		wantUserID  string
		errContains string
		statusCode  int
		wantErr     bool
	}{
		{
			name:  "successful user lookup",
			login: "testuser",
			response: map[string]interface{}{
				"data": []map[string]string{
					{"id": "12345", "login": "testuser", "display_name": "TestUser", "profile_image_url": "https://img/p.png"},
				},
			},
			statusCode: http.StatusOK,
			wantUserID: "12345",
		},
		{
			name:  "user not found",
			login: "nonexistent",
			response: map[string]interface{}{
				"data": []map[string]string{},
			},
			statusCode:  http.StatusOK,
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "empty login",
			login:       "",
			wantErr:     true,
			errContains: "login empty",
		},
		{
			name:        "unauthorized",
			login:       "testuser",
			response:    map[string]string{"message": "Invalid OAuth token"},
			statusCode:  http.StatusUnauthorized,
			wantErr:     true,
			errContains: "Invalid OAuth token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if r.URL.Path != "/helix/users" {
					t.Errorf("path = %s, want /helix/users", r.URL.Path)
				}
				if tt.login != "" && r.URL.Query().Get("login") != tt.login {
					t.Errorf("login query param = %s, want %s", r.URL.Query().Get("login"), tt.login)
				}
				w.WriteHeader(tt.statusCode)
				if tt.response != nil {
					json.NewEncoder(w).Encode(tt.response)
				}
			}))
			defer server.Close()

			user, err := newTestClient(server).GetUserByLogin(context.Background(), tt.login)
			if tt.wantErr {
				if err == nil {
					t.Errorf("GetUserByLogin() error = nil, want error containing %q", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("GetUserByLogin() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetUserByLogin() unexpected error = %v", err)
			}
			if user.ID != tt.wantUserID {
				t.Errorf("GetUserByLogin() id = %s, want %s", user.ID, tt.wantUserID)
			}
			if user.ChannelURL() != "https://twitch.tv/testuser" {
				t.Errorf("ChannelURL() = %s", user.ChannelURL())
			}
		})
	}
}

func TestHelixClient_GetStream(t *testing.T) {
	t.Run("live", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("user_id") != "42" {
				t.Errorf("user_id = %s, want 42", r.URL.Query().Get("user_id"))
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{{
					"id": "1001", "user_id": "42", "user_login": "foo", "user_name": "Foo",
					"game_name": "Chess", "type": "live", "title": "Foo", "viewer_count": 17,
					"started_at":    "2024-01-01T10:00:00Z",
					"thumbnail_url": "https://static-cdn/previews-ttv/live_user_foo-{width}x{height}.jpg",
				}},
			})
		}))
		defer server.Close()

		s, err := newTestClient(server).GetStream(context.Background(), "42")
		if err != nil || s == nil {
			t.Fatalf("GetStream() = %v, %v", s, err)
		}
		if s.ID != "1001" || s.ViewerCount != 17 || s.GameName != "Chess" {
			t.Errorf("GetStream() = %+v", s)
		}
		if !s.StartedAt.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)) {
			t.Errorf("StartedAt = %v", s.StartedAt)
		}
		if got := s.Thumbnail(1280, 720); got != "https://static-cdn/previews-ttv/live_user_foo-1280x720.jpg" {
			t.Errorf("Thumbnail() = %s", got)
		}
	})

	t.Run("offline", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
		}))
		defer server.Close()

		s, err := newTestClient(server).GetStream(context.Background(), "42")
		if err != nil || s != nil {
			t.Errorf("GetStream() = %v, %v; want nil, nil", s, err)
		}
	})
}

func TestHelixClient_ListVideos(t *testing.T) {
	tests := []struct {
		response    interface{}
		name        string
		userID      string
		after       string
		wantCursor  string
		errContains string
		first       int
		wantFirst   string
		wantVideos  int
		wantErr     bool
	}{
		{
			name:      "successful video list",
			userID:    "12345",
			first:     20,
			wantFirst: "20",
			response: map[string]interface{}{
				"data": []map[string]interface{}{
					{"id": "v123", "stream_id": "1001", "title": "Test Video 1", "duration": "1h30m45s", "created_at": "2024-01-01T10:00:00Z"},
					{"id": "v124", "stream_id": nil, "title": "Test Video 2", "duration": "45m30s", "created_at": "2024-01-01T09:00:00Z"},
				},
				"pagination": map[string]string{"cursor": "next-cursor-123"},
			},
			wantVideos: 2,
			wantCursor: "next-cursor-123",
		},
		{
			name:      "default first",
			userID:    "12345",
			wantFirst: "20",
			response: map[string]interface{}{
				"data":       []map[string]string{},
				"pagination": map[string]string{},
			},
		},
		{
			name:      "first capped at 100",
			userID:    "12345",
			first:     500,
			wantFirst: "100",
			response: map[string]interface{}{
				"data":       []map[string]string{},
				"pagination": map[string]string{},
			},
		},
		{
			name:        "empty userID",
			userID:      "",
			wantErr:     true,
			errContains: "userID empty",
		},
		{
			name:      "with pagination cursor",
			userID:    "12345",
			after:     "cursor-abc",
			first:     50,
			wantFirst: "50",
			response: map[string]interface{}{
				"data": []map[string]string{
					{"id": "v125", "title": "Test Video 3", "duration": "2h", "created_at": "2024-01-01T08:00:00Z"},
				},
				"pagination": map[string]string{},
			},
			wantVideos: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if q.Get("user_id") != tt.userID {
					t.Errorf("user_id = %s, want %s", q.Get("user_id"), tt.userID)
				}
				if q.Get("type") != "archive" {
					t.Errorf("type = %s, want archive", q.Get("type"))
				}
				if q.Get("first") != tt.wantFirst {
					t.Errorf("first = %s, want %s", q.Get("first"), tt.wantFirst)
				}
				if q.Get("after") != tt.after {
					t.Errorf("after = %s, want %s", q.Get("after"), tt.after)
				}
				json.NewEncoder(w).Encode(tt.response)
			}))
			defer server.Close()

			videos, cursor, err := newTestClient(server).ListVideos(context.Background(), tt.userID, tt.after, tt.first)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("ListVideos() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("ListVideos() unexpected error = %v", err)
			}
			if len(videos) != tt.wantVideos {
				t.Errorf("ListVideos() returned %d videos, want %d", len(videos), tt.wantVideos)
			}
			if cursor != tt.wantCursor {
				t.Errorf("ListVideos() cursor = %s, want %s", cursor, tt.wantCursor)
			}
		})
	}
}

func TestHelixClient_ListArchiveVideosPaginates(t *testing.T) {
	pages := map[string]map[string]interface{}{
		"": {
			"data":       []map[string]interface{}{{"id": "3", "created_at": "2024-01-03T10:00:00Z"}},
			"pagination": map[string]string{"cursor": "p2"},
		},
		"p2": {
			"data":       []map[string]interface{}{{"id": "2", "created_at": "2024-01-02T10:00:00Z"}},
			"pagination": map[string]string{"cursor": "p3"},
		},
		"p3": {
			"data":       []map[string]interface{}{{"id": "1", "created_at": "2024-01-01T10:00:00Z"}},
			"pagination": map[string]string{"cursor": "p4"},
		},
	}
	var afters []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after := r.URL.Query().Get("after")
		afters = append(afters, after)
		json.NewEncoder(w).Encode(pages[after])
	}))
	defer server.Close()

	tests := []struct {
		name      string
		since     time.Time
		wantIDs   string
		wantPages string
	}{
		{"first page only without horizon", time.Time{}, "3", ""},
		{"stops at page older than horizon", time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), "3,2", ",p2"},
		{"reads until horizon covered", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), "3,2,1", ",p2,p3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			afters = nil
			videos, err := newTestClient(server).ListArchiveVideos(context.Background(), "42", 1, tt.since)
			if err != nil {
				t.Fatalf("ListArchiveVideos() error = %v", err)
			}
			ids := make([]string, 0, len(videos))
			for _, v := range videos {
				ids = append(ids, v.ID)
			}
			if got := strings.Join(ids, ","); got != tt.wantIDs {
				t.Errorf("ids = %s, want %s", got, tt.wantIDs)
			}
			if got := strings.Join(afters, ","); got != tt.wantPages {
				t.Errorf("cursors requested = %q, want %q", got, tt.wantPages)
			}
		})
	}
}

func TestHelixClient_ListVideosFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{
				"id": "555", "stream_id": "1001", "user_id": "42", "title": "Foo",
				"url": "https://www.twitch.tv/videos/555", "created_at": "2024-01-01T10:00:05Z",
				"thumbnail_url": "https://static-cdn/cf_vods/555/thumb-%{width}x%{height}.jpg",
				"duration":      "3h8m33s",
			}},
		})
	}))
	defer server.Close()

	videos, _, err := newTestClient(server).ListVideos(context.Background(), "42", "", 5)
	if err != nil || len(videos) != 1 {
		t.Fatalf("ListVideos() = %v, %v", videos, err)
	}
	v := videos[0]
	if v.StreamID != "1001" || v.URL != "https://www.twitch.tv/videos/555" {
		t.Errorf("video = %+v", v)
	}
	if v.Duration != 3*time.Hour+8*time.Minute+33*time.Second {
		t.Errorf("Duration = %v", v.Duration)
	}
	if got := v.Thumbnail(1280, 720); got != "https://static-cdn/cf_vods/555/thumb-1280x720.jpg" {
		t.Errorf("Thumbnail() = %s", got)
	}
}

func TestHelixClient_CreateEventSubSubscription(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantID     string
		wantErr    bool
	}{
		{name: "accepted", statusCode: http.StatusAccepted, wantID: "sub-1"},
		{name: "already exists", statusCode: http.StatusConflict},
		{name: "forbidden", statusCode: http.StatusForbidden, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/helix/eventsub/subscriptions" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				if r.Header.Get("Authorization") != "Bearer user-token" {
					t.Errorf("subscription must use the user token, got %q", r.Header.Get("Authorization"))
				}
				var body struct {
					Type      string            `json:"type"`
					Version   string            `json:"version"`
					Condition map[string]string `json:"condition"`
					Transport map[string]string `json:"transport"`
				}
				b, _ := io.ReadAll(r.Body)
				if err := json.Unmarshal(b, &body); err != nil {
					t.Fatalf("bad body: %v", err)
				}
				if body.Type != "stream.online" || body.Version != "1" || body.Condition["broadcaster_user_id"] != "42" ||
					body.Transport["method"] != "websocket" || body.Transport["session_id"] != "sess" {
					t.Errorf("body = %s", b)
				}
				w.WriteHeader(tt.statusCode)
				if tt.statusCode == http.StatusAccepted {
					json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]string{{"id": "sub-1", "status": "enabled"}}})
				} else {
					json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
				}
			}))
			defer server.Close()

			id, err := newTestClient(server).CreateEventSubSubscription(context.Background(), Subscription{
				Type: "stream.online", Version: "1", BroadcasterID: "42", SessionID: "sess",
			})
			if tt.wantErr {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.statusCode {
					t.Errorf("error = %v, want APIError %d", err, tt.statusCode)
				}
				return
			}
			if err != nil || id != tt.wantID {
				t.Errorf("CreateEventSubSubscription() = %q, %v; want %q", id, err, tt.wantID)
			}
		})
	}
}

func TestHelixClient_NoTokenSource(t *testing.T) {
	hc := &HelixClient{ClientID: "x"}
	if _, err := hc.GetStream(context.Background(), "42"); err == nil {
		t.Error("expected error without token source")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"3h8m33s", 3*time.Hour + 8*time.Minute + 33*time.Second},
		{"45m30s", 45*time.Minute + 30*time.Second},
		{"2h", 2 * time.Hour},
		{"59s", 59 * time.Second},
		{"", 0},
		{"abc", 0},
		{"12", 0},
		{"-5s", 0},
		{"1h2x", 0},
	}
	for _, tt := range tests {
		if got := ParseDuration(tt.in); got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
