package eventsub

import (
	"encoding/json"
	"time"
)

// Subscription types and versions the client registers for every broadcaster.
const (
	TypeStreamOnline  = "stream.online"
	TypeChannelUpdate = "channel.update"
	TypeStreamOffline = "stream.offline"
)

var subscriptionTypes = []struct{ typ, version string }{
	{TypeStreamOnline, "1"},
	{TypeChannelUpdate, "2"},
	{TypeStreamOffline, "1"},
}

// Broadcaster identifies the channel an event is about.
type Broadcaster struct {
	UserID    string `json:"broadcaster_user_id"`
	UserLogin string `json:"broadcaster_user_login"`
	UserName  string `json:"broadcaster_user_name"`
}

// StreamOnline is the stream.online v1 event. ID is the stream (session) id.
type StreamOnline struct {
	Broadcaster
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

// ChannelUpdate is the channel.update v2 event.
type ChannelUpdate struct {
	Broadcaster
	Title        string `json:"title"`
	Language     string `json:"language"`
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
}

// StreamOffline is the stream.offline v1 event.
type StreamOffline struct {
	Broadcaster
}

type metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

type session struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url"`
}

type subscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
}

// message is one frame received on the EventSub WebSocket.
type message struct {
	Metadata metadata `json:"metadata"`
	Payload  struct {
		Session      *session        `json:"session,omitempty"`
		Subscription *subscription   `json:"subscription,omitempty"`
		Event        json.RawMessage `json:"event,omitempty"`
	} `json:"payload"`
}
