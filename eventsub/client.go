// Package eventsub receives Twitch EventSub notifications over the WebSocket transport
// and hands them, one at a time, to a Handler.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitchapi"
)

// DefaultURL is the Twitch EventSub WebSocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	welcomeTimeout   = 10 * time.Second
	subscribeTimeout = 10 * time.Second
	keepaliveSlack   = 5 * time.Second
	drainTimeout     = time.Second
)

var errBadFrame = errors.New("eventsub: malformed frame")

// Handler receives decoded events. Calls are serial for the lifetime of the client.
type Handler interface {
	OnStreamOnline(ctx context.Context, ev StreamOnline) error
	OnChannelUpdate(ctx context.Context, ev ChannelUpdate) error
	OnStreamOffline(ctx context.Context, ev StreamOffline) error
}

// Subscriber creates EventSub subscriptions; *twitchapi.HelixClient satisfies it.
type Subscriber interface {
	CreateEventSubSubscription(ctx context.Context, sub twitchapi.Subscription) (string, error)
}

// Deduper reports whether a message id was already delivered.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
}

// Client is a single EventSub WebSocket session with automatic reconnection.
type Client struct {
	URL          string
	Broadcasters []string // broadcaster user ids
	Subscriber   Subscriber
	Handler      Handler
	Dedup        Deduper
	Dialer       *websocket.Dialer
	// Backoff paces reconnects after failures; nil uses an exponential backoff.
	Backoff backoff.BackOff

	mu        sync.Mutex
	sessionID string
	connected bool
}

// SessionID returns the id of the current session, empty when disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connected reports whether a welcomed and subscribed session is active.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) setSession(id string, up bool) {
	c.mu.Lock()
	c.sessionID, c.connected = id, up
	c.mu.Unlock()
	telemetry.SetConnected(up)
}

func (c *Client) logger() *slog.Logger {
	return slog.Default().With(slog.String("component", "eventsub"))
}

// Run connects, subscribes and dispatches notifications until ctx is cancelled. Lost
// connections are re-established with backoff and subscriptions are recreated on the
// new session.
func (c *Client) Run(ctx context.Context) error {
	if c.Handler == nil || c.Subscriber == nil {
		return errors.New("eventsub: handler and subscriber required")
	}
	bo := c.Backoff
	if bo == nil {
		eb := backoff.NewExponentialBackOff()
		eb.MaxInterval = 2 * time.Minute
		bo = eb
	}
	url := c.URL
	if url == "" {
		url = DefaultURL
	}
	log := c.logger()
	for {
		err := c.session(ctx, url, bo)
		c.setSession("", false)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("eventsub: giving up: %w", err)
		}
		log.Warn("eventsub connection lost, reconnecting", slog.Any("err", err), slog.Duration("wait", wait))
		telemetry.Inc(telemetry.EventSubReconnects)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection from dial to failure.
func (c *Client) session(ctx context.Context, url string, bo backoff.BackOff) error {
	conn, sess, err := c.dial(ctx, url)
	if err != nil {
		return err
	}
	if err := c.subscribe(ctx, sess.ID); err != nil {
		_ = conn.Close()
		return err
	}
	bo.Reset()
	c.setSession(sess.ID, true)
	c.logger().Info("eventsub session ready", slog.String("session_id", sess.ID), slog.Int("broadcasters", len(c.Broadcasters)))
	return c.serve(ctx, conn, sess)
}

// dial opens a connection and waits for its session_welcome.
func (c *Client) dial(ctx context.Context, url string) (*websocket.Conn, *session, error) {
	d := c.Dialer
	if d == nil {
		d = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("ws dial failed: %w", err)
	}
	msg, err := readMessage(conn, welcomeTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("reading welcome: %w", err)
	}
	if msg.Metadata.MessageType != "session_welcome" || msg.Payload.Session == nil || msg.Payload.Session.ID == "" {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("expected session_welcome, got %q", msg.Metadata.MessageType)
	}
	return conn, msg.Payload.Session, nil
}

func (c *Client) subscribe(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	for _, b := range c.Broadcasters {
		for _, st := range subscriptionTypes {
			if _, err := c.Subscriber.CreateEventSubSubscription(ctx, twitchapi.Subscription{
				Type:          st.typ,
				Version:       st.version,
				BroadcasterID: b,
				SessionID:     sessionID,
			}); err != nil {
				return fmt.Errorf("subscribe %s for %s: %w", st.typ, b, err)
			}
		}
	}
	return nil
}

// serve reads frames until the connection fails. It owns conn and closes it on return.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, sess *session) error {
	var mu sync.Mutex
	cur := conn
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		_ = cur.Close()
		mu.Unlock()
	})
	defer func() {
		stop()
		mu.Lock()
		_ = cur.Close()
		mu.Unlock()
	}()

	log := c.logger()
	timeout := keepaliveTimeout(sess)
	for {
		msg, err := readMessage(cur, timeout)
		if errors.Is(err, errBadFrame) {
			log.Warn("eventsub frame not json", slog.Any("err", err))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch msg.Metadata.MessageType {
		case "session_keepalive":
		case "notification":
			c.dispatch(ctx, msg)
		case "session_reconnect":
			if msg.Payload.Session == nil || msg.Payload.Session.ReconnectURL == "" {
				log.Warn("session_reconnect without reconnect_url")
				continue
			}
			next, nsess, err := c.dial(ctx, msg.Payload.Session.ReconnectURL)
			if err != nil {
				return fmt.Errorf("reconnect: %w", err)
			}
			c.drain(ctx, cur)
			mu.Lock()
			old := cur
			cur = next
			mu.Unlock()
			_ = old.Close()
			timeout = keepaliveTimeout(nsess)
			c.setSession(nsess.ID, true)
			telemetry.Inc(telemetry.EventSubReconnects)
			log.Info("eventsub session migrated", slog.String("session_id", nsess.ID))
		case "revocation":
			if s := msg.Payload.Subscription; s != nil {
				log.Warn("subscription revoked", slog.String("type", s.Type), slog.String("status", s.Status), slog.Any("condition", s.Condition))
			}
		default:
			log.Debug("ignoring eventsub message", slog.String("message_type", msg.Metadata.MessageType))
		}
	}
}

// drain delivers notifications still queued on a connection that is being replaced.
func (c *Client) drain(ctx context.Context, conn *websocket.Conn) {
	for {
		msg, err := readMessage(conn, drainTimeout)
		if err != nil {
			return
		}
		if msg.Metadata.MessageType == "notification" {
			c.dispatch(ctx, msg)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, msg *message) {
	typ := msg.Metadata.SubscriptionType
	id := msg.Metadata.MessageID
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "eventsub"), slog.String("type", typ), slog.String("message_id", id))
	telemetry.IncEvent(typ)

	if c.Dedup != nil && id != "" {
		dup, err := c.Dedup.Seen(ctx, id)
		if err != nil {
			log.Warn("dedup check failed", slog.Any("err", err))
		} else if dup {
			telemetry.Inc(telemetry.EventsDuplicate)
			log.Debug("dropping redelivered notification")
			return
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "eventsub", "eventsub."+typ)
	defer span.End()
	if err := c.safeRoute(ctx, typ, msg.Payload.Event); err != nil {
		telemetry.RecordError(span, err)
		log.Warn("event handler failed", slog.Any("err", err))
		return
	}
	telemetry.SetSpanSuccess(span)
}

// safeRoute turns a handler panic into an error so one bad event cannot end the session.
func (c *Client) safeRoute(ctx context.Context, typ string, raw json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", slog.Any("panic", r), slog.String("type", typ),
				slog.String("stack", string(debug.Stack())), slog.String("component", "eventsub"))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.route(ctx, typ, raw)
}

func (c *Client) route(ctx context.Context, typ string, raw json.RawMessage) error {
	switch typ {
	case TypeStreamOnline:
		var ev StreamOnline
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		return c.Handler.OnStreamOnline(ctx, ev)
	case TypeChannelUpdate:
		var ev ChannelUpdate
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		return c.Handler.OnChannelUpdate(ctx, ev)
	case TypeStreamOffline:
		var ev StreamOffline
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		return c.Handler.OnStreamOffline(ctx, ev)
	}
	slog.Debug("unhandled subscription type", slog.String("type", typ), slog.String("component", "eventsub"))
	return nil
}

func keepaliveTimeout(s *session) time.Duration {
	secs := 10
	if s != nil && s.KeepaliveTimeoutSeconds > 0 {
		secs = s.KeepaliveTimeoutSeconds
	}
	return time.Duration(secs)*time.Second + keepaliveSlack
}

func readMessage(conn *websocket.Conn, timeout time.Duration) (*message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return &msg, nil
}
