package session

import (
	"fmt"
	"time"

	"github.com/stewardhq/steward/internal/chat"
	"github.com/stewardhq/steward/internal/provider"
)

// formatIncoming renders an incoming message as user turn text. The
// timestamp and handle prefix lets the model track who said what when.
func formatIncoming(msg chat.IncomingMessage) string {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	text := fmt.Sprintf("[%s] @%s: %s", ts.Local().Format("2006-01-02 15:04"), msg.Username, msg.Text)
	for _, att := range msg.Attachments {
		text += fmt.Sprintf("\n(attachment: %s, %s)", att.Title, att.MediaType)
	}
	return text
}

// formatHistory renders a primed history message as turn text.
func formatHistory(msg chat.RoomMessage) string {
	return fmt.Sprintf("[%s] @%s: %s", msg.Timestamp.Local().Format("2006-01-02 15:04"), msg.Username, msg.Text)
}

// segments assembles the ordered prompt partitions: identity (stable
// across sessions), person (stable per sender), context (changes every
// round). Caching backends are charged once for each stable partition.
func segments(identity, person string, roomID string, now time.Time) []provider.Segment {
	segs := []provider.Segment{
		{Name: "identity", Text: identity, Cache: true},
	}
	if person != "" {
		segs = append(segs, provider.Segment{Name: "person", Text: person, Cache: true})
	}
	context := fmt.Sprintf("Current time: %s\nRoom: %s", now.Local().Format("Monday 2006-01-02 15:04 MST"), roomID)
	segs = append(segs, provider.Segment{Name: "context", Text: context})
	return segs
}
