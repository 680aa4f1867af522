package notify

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
	"strings"
)

// Discord posts to a Discord webhook. Message ids are Discord message snowflakes.
type Discord struct {
	WebhookURL string
	HTTPClient *http.Client
}

// NewDiscord returns a Discord sink for webhookURL.
func NewDiscord(webhookURL string, hc *http.Client) *Discord {
	return &Discord{WebhookURL: strings.TrimRight(webhookURL, "/"), HTTPClient: hc}
}

func (d *Discord) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

// Send posts msg with ?wait=true so Discord returns the created message.
func (d *Discord) Send(ctx context.Context, msg Message) (string, error) {
	u, err := url.Parse(d.WebhookURL)
	if err != nil {
		return "", fmt.Errorf("parse webhook url: %w", err)
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()

	var created struct {
		ID string `json:"id"`
	}
	if err := d.do(ctx, "discord send", http.MethodPost, u.String(), msg, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("discord send: response has no message id")
	}
	return created.ID, nil
}

// Edit patches the webhook message with the given id.
func (d *Discord) Edit(ctx context.Context, id string, msg Message) error {
	if id == "" {
		return errors.New("discord edit: empty message id")
	}
	u, err := url.Parse(d.WebhookURL)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/messages/" + url.PathEscape(id)
	return d.do(ctx, "discord edit", http.MethodPatch, u.String(), msg, nil)
}

func (d *Discord) do(ctx context.Context, op, method, target string, msg Message, out any) error {
	if msg.Embeds == nil {
		msg.Embeds = []Embed{}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b)), RetryAfter: parseRetryAfter(resp.Header)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
