// Package notify posts and edits the notification message of a broadcast session on a
// chat service.
package notify

import "context"

// Sink is a messaging endpoint that can post a message and later edit it by id.
type Sink interface {
	// Send posts msg and returns the id the endpoint assigned to it.
	Send(ctx context.Context, msg Message) (string, error)
	// Edit replaces the message with the given id.
	Edit(ctx context.Context, id string, msg Message) error
}

// Message is a notification with optional rich embeds. An empty Content on Edit clears
// the previously posted text.
type Message struct {
	Content string  `json:"content"`
	Embeds  []Embed `json:"embeds"`
}

// Embed mirrors a Discord rich embed; other sinks render it in their own format.
type Embed struct {
	Title       string  `json:"title,omitempty"`
	URL         string  `json:"url,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color,omitempty"`
	Author      *Author `json:"author,omitempty"`
	Thumbnail   *Image  `json:"thumbnail,omitempty"`
	Image       *Image  `json:"image,omitempty"`
	Fields      []Field `json:"fields,omitempty"`
}

type Author struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type Image struct {
	URL string `json:"url"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}
