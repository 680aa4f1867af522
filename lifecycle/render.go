package lifecycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/stream-herald/ledger"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/twitchapi"
)

const (
	embedColor  = 7419530
	thumbWidth  = 1280
	thumbHeight = 720

	statusLive     = "🔴 Live"
	statusAwaiting = "⏱️ Awaiting VOD"
	statusEnded    = "🔵 Ended"
)

func baseEmbed(u twitchapi.User) notify.Embed {
	e := notify.Embed{
		Color:  embedColor,
		Author: &notify.Author{Name: u.DisplayName, IconURL: u.ProfileImageURL},
	}
	if u.ProfileImageURL != "" {
		e.Thumbnail = &notify.Image{URL: u.ProfileImageURL}
	}
	if u.Login != "" {
		e.URL = u.ChannelURL()
	}
	return e
}

// cacheBust appends the render time so chat clients refetch the preview image.
func cacheBust(u string, now time.Time) string {
	if u == "" {
		return ""
	}
	return u + "?" + strconv.FormatInt(now.UnixMilli(), 10)
}

// Announcement fills %username% in the announcement template.
func Announcement(tpl, displayName string) string {
	return strings.ReplaceAll(tpl, "%username%", displayName)
}

// LiveMessage renders the notification for a live session. content is the already
// filled announcement line.
func LiveMessage(u twitchapi.User, s twitchapi.Stream, content string, now time.Time) notify.Message {
	e := baseEmbed(u)
	e.Title = s.Title
	if img := cacheBust(s.Thumbnail(thumbWidth, thumbHeight), now); img != "" {
		e.Image = &notify.Image{URL: img}
	}
	e.Fields = []notify.Field{
		{Name: "Status", Value: statusLive, Inline: true},
		{Name: "Viewers", Value: strconv.Itoa(s.ViewerCount), Inline: true},
	}
	if s.GameName != "" {
		e.Fields = append(e.Fields, notify.Field{Name: "Playing", Value: s.GameName, Inline: true})
	}
	return notify.Message{Content: content, Embeds: []notify.Embed{e}}
}

// AwaitingMessage renders an ended session whose archive video is not published yet.
func AwaitingMessage(u twitchapi.User, s ledger.Session) notify.Message {
	e := baseEmbed(u)
	e.Title = s.Title
	e.Fields = []notify.Field{{Name: "Status", Value: statusAwaiting, Inline: true}}
	return notify.Message{Embeds: []notify.Embed{e}}
}

// EndedMessage renders an ended session with its archive video.
func EndedMessage(u twitchapi.User, v twitchapi.Video, now time.Time) notify.Message {
	e := baseEmbed(u)
	e.Title = v.Title
	e.URL = v.URL
	if !v.CreatedAt.IsZero() {
		e.Description = fmt.Sprintf("Started: <t:%d:F>", v.CreatedAt.Unix())
	}
	if img := cacheBust(v.Thumbnail(thumbWidth, thumbHeight), now); img != "" {
		e.Image = &notify.Image{URL: img}
	}
	e.Fields = []notify.Field{
		{Name: "Status", Value: statusEnded, Inline: true},
		{Name: "VOD", Value: fmt.Sprintf("[Watch Here](%s)", v.URL), Inline: true},
		{Name: "Duration", Value: VerboseDuration(v.Duration), Inline: true},
	}
	return notify.Message{Embeds: []notify.Embed{e}}
}

// VerboseDuration spells out d, e.g. "1 hour 2 minutes 3 seconds".
func VerboseDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return "0 seconds"
	}
	units := []struct {
		name string
		size int64
	}{{"day", 86400}, {"hour", 3600}, {"minute", 60}, {"second", 1}}
	parts := make([]string, 0, len(units))
	for _, u := range units {
		n := secs / u.size
		secs %= u.size
		if n == 0 {
			continue
		}
		name := u.name
		if n != 1 {
			name += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, name))
	}
	return strings.Join(parts, " ")
}
