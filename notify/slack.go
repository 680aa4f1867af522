package notify

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/slack-go/slack"
)

// Slack posts through the Slack Web API. Message ids are message timestamps (ts).
type Slack struct {
	Client    *slack.Client
	ChannelID string
}

// NewSlack returns a Slack sink posting to channelID. apiURL overrides the Slack API
// base and is empty in production.
func NewSlack(token, channelID, apiURL string, hc *http.Client) *Slack {
	opts := []slack.Option{}
	if hc != nil {
		opts = append(opts, slack.OptionHTTPClient(hc))
	}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &Slack{Client: slack.New(token, opts...), ChannelID: channelID}
}

// Send posts msg to the channel.
func (s *Slack) Send(ctx context.Context, msg Message) (string, error) {
	_, ts, err := s.Client.PostMessageContext(ctx, s.ChannelID, s.options(msg)...)
	if err != nil {
		return "", fmt.Errorf("slack send: %w", err)
	}
	return ts, nil
}

// Edit updates the message posted at ts id.
func (s *Slack) Edit(ctx context.Context, id string, msg Message) error {
	if _, _, _, err := s.Client.UpdateMessageContext(ctx, s.ChannelID, id, s.options(msg)...); err != nil {
		return fmt.Errorf("slack edit: %w", err)
	}
	return nil
}

func (s *Slack) options(msg Message) []slack.MsgOption {
	atts := make([]slack.Attachment, 0, len(msg.Embeds))
	for _, e := range msg.Embeds {
		atts = append(atts, toAttachment(e))
	}
	return []slack.MsgOption{
		slack.MsgOptionText(mrkdwn(msg.Content), false),
		slack.MsgOptionAttachments(atts...),
	}
}

func toAttachment(e Embed) slack.Attachment {
	a := slack.Attachment{
		Color:     fmt.Sprintf("#%06x", e.Color),
		Title:     e.Title,
		TitleLink: e.URL,
		Text:      mrkdwn(e.Description),
	}
	if e.Author != nil {
		a.AuthorName = e.Author.Name
		a.AuthorLink = e.Author.URL
		a.AuthorIcon = e.Author.IconURL
	}
	if e.Thumbnail != nil {
		a.ThumbURL = e.Thumbnail.URL
	}
	if e.Image != nil {
		a.ImageURL = e.Image.URL
	}
	for _, f := range e.Fields {
		a.Fields = append(a.Fields, slack.AttachmentField{Title: f.Name, Value: mrkdwn(f.Value), Short: f.Inline})
	}
	return a
}

var (
	mdLink      = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	discordTime = regexp.MustCompile(`<t:(\d+)(?::[tTdDfFR])?>`)
)

// mrkdwn converts the Discord flavoured markup used in embeds to Slack mrkdwn.
func mrkdwn(s string) string {
	s = mdLink.ReplaceAllString(s, "<$2|$1>")
	return discordTime.ReplaceAllStringFunc(s, func(m string) string {
		unix, err := strconv.ParseInt(discordTime.FindStringSubmatch(m)[1], 10, 64)
		if err != nil {
			return m
		}
		fallback := time.Unix(unix, 0).UTC().Format(time.RFC1123)
		return fmt.Sprintf("<!date^%d^{date_long_pretty} {time}|%s>", unix, fallback)
	})
}
