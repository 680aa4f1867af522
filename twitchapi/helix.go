// Package twitchapi contains the Helix calls the relay needs: user lookup, live stream
// snapshots, archive video listing and EventSub subscription creation, plus the app and
// user token sources they authenticate with.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

// HelixClient calls Helix with an app access token; EventSub subscriptions for the
// WebSocket transport need the user token in UserTokens.
type HelixClient struct {
	AppTokens  oauth2.TokenSource
	UserTokens oauth2.TokenSource
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client
}

// APIError is a non-2xx Helix response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix: %d %s", e.StatusCode, e.Message)
}

// User is a Helix user.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// ChannelURL is the user's public channel page.
func (u User) ChannelURL() string { return "https://twitch.tv/" + u.Login }

// Stream is a live stream snapshot.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// Thumbnail returns the thumbnail template filled with the given size.
func (s Stream) Thumbnail(width, height int) string { return fillThumbnail(s.ThumbnailURL, width, height) }

// Video is an archive (VOD) video.
type Video struct {
	ID           string
	StreamID     string
	UserID       string
	Title        string
	URL          string
	ThumbnailURL string
	CreatedAt    time.Time
	Duration     time.Duration
}

// Thumbnail returns the thumbnail template filled with the given size.
func (v Video) Thumbnail(width, height int) string { return fillThumbnail(v.ThumbnailURL, width, height) }

func fillThumbnail(tpl string, width, height int) string {
	w, h := strconv.Itoa(width), strconv.Itoa(height)
	r := strings.NewReplacer("%{width}", w, "%{height}", h, "{width}", w, "{height}", h)
	return r.Replace(tpl)
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return defaultBaseURL
}

// do sends a Helix request authenticated by ts and decodes a JSON body into out (if non-nil).
func (hc *HelixClient) do(ctx context.Context, ts oauth2.TokenSource, method, path string, q url.Values, body, out any) error {
	if ts == nil {
		return errors.New("helix: no token source configured")
	}
	tok, err := ts.Token()
	if err != nil {
		return fmt.Errorf("helix token: %w", err)
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	u := hc.base() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(b, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(b))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (hc *HelixClient) getUser(ctx context.Context, key, value string) (*User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, hc.AppTokens, http.MethodGet, "/users", url.Values{key: {value}}, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &body.Data[0], nil
}

// GetUserByLogin resolves a login name to its user.
func (hc *HelixClient) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	return hc.getUser(ctx, "login", login)
}

// GetUserByID looks up a user by id.
func (hc *HelixClient) GetUserByID(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, fmt.Errorf("user id empty")
	}
	return hc.getUser(ctx, "id", id)
}

// GetStream returns the live snapshot for userID, or nil when the user is not live.
func (hc *HelixClient) GetStream(ctx context.Context, userID string) (*Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.do(ctx, hc.AppTokens, http.MethodGet, "/streams", url.Values{"user_id": {userID}}, nil, &body); err != nil {
		return nil, err
	}
	for i := range body.Data {
		if body.Data[i].Type == "" || body.Data[i].Type == "live" {
			return &body.Data[i], nil
		}
	}
	return nil, nil
}

// ListVideos lists a user's archive videos, newest first.
func (hc *HelixClient) ListVideos(ctx context.Context, userID, after string, first int) ([]Video, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID empty")
	}
	if first <= 0 {
		first = 20
	}
	if first > 100 {
		first = 100
	}
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("type", "archive")
	q.Set("first", strconv.Itoa(first))
	if after != "" {
		q.Set("after", after)
	}
	var body struct {
		Data []struct {
			ID           string  `json:"id"`
			StreamID     *string `json:"stream_id"`
			UserID       string  `json:"user_id"`
			Title        string  `json:"title"`
			URL          string  `json:"url"`
			ThumbnailURL string  `json:"thumbnail_url"`
			CreatedAt    string  `json:"created_at"`
			Duration     string  `json:"duration"`
		} `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.do(ctx, hc.AppTokens, http.MethodGet, "/videos", q, nil, &body); err != nil {
		return nil, "", err
	}
	out := make([]Video, 0, len(body.Data))
	for _, v := range body.Data {
		created, _ := time.Parse(time.RFC3339, v.CreatedAt)
		vid := Video{ID: v.ID, UserID: v.UserID, Title: v.Title, URL: v.URL, ThumbnailURL: v.ThumbnailURL, CreatedAt: created, Duration: ParseDuration(v.Duration)}
		if v.StreamID != nil {
			vid.StreamID = *v.StreamID
		}
		out = append(out, vid)
	}
	return out, body.Pagination.Cursor, nil
}

// Subscription is an EventSub subscription request for the WebSocket transport.
type Subscription struct {
	Type          string
	Version       string
	BroadcasterID string
	SessionID     string
}

// CreateEventSubSubscription registers sub on the given WebSocket session and returns the
// subscription id. An existing identical subscription is not an error.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, sub Subscription) (string, error) {
	if sub.BroadcasterID == "" || sub.SessionID == "" {
		return "", fmt.Errorf("broadcaster and session id required")
	}
	req := map[string]any{
		"type":      sub.Type,
		"version":   sub.Version,
		"condition": map[string]string{"broadcaster_user_id": sub.BroadcasterID},
		"transport": map[string]string{"method": "websocket", "session_id": sub.SessionID},
	}
	var body struct {
		Data []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	err := hc.do(ctx, hc.UserTokens, http.MethodPost, "/eventsub/subscriptions", nil, req, &body)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", nil
	}
	return body.Data[0].ID, nil
}

// maxArchivePages bounds how far back ListArchiveVideos follows the cursor.
const maxArchivePages = 10

// ListArchiveVideos returns the user's archive videos, newest first. It follows the
// pagination cursor until a page reaches videos created before since, the listing ends or
// maxArchivePages pages were read. A zero since reads only the first page.
func (hc *HelixClient) ListArchiveVideos(ctx context.Context, userID string, first int, since time.Time) ([]Video, error) {
	var all []Video
	after := ""
	for page := 0; page < maxArchivePages; page++ {
		videos, cursor, err := hc.ListVideos(ctx, userID, after, first)
		if err != nil {
			return nil, err
		}
		all = append(all, videos...)
		if since.IsZero() || cursor == "" || len(videos) == 0 {
			break
		}
		if oldest := videos[len(videos)-1].CreatedAt; !oldest.IsZero() && oldest.Before(since) {
			break
		}
		after = cursor
	}
	return all, nil
}
