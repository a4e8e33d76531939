package chat

import (
	"encoding/json"
	"time"
)

// RoomKind classifies a room.
type RoomKind string

const (
	RoomDirect  RoomKind = "direct"
	RoomGroup   RoomKind = "group"
	RoomPrivate RoomKind = "private"
	RoomPublic  RoomKind = "public"
)

// IsDM reports whether the room is a direct or group DM.
func (k RoomKind) IsDM() bool { return k == RoomDirect || k == RoomGroup }

// Attachment references an uploaded file in a message.
type Attachment struct {
	URL       string
	MediaType string
	Title     string
}

// IncomingMessage is the normalized view of a message-changed event.
// Derived from the wire payload; never persisted by the core.
type IncomingMessage struct {
	MessageID   string
	UserID      string
	Username    string
	DisplayName string
	Text        string
	RoomID      string
	Kind        RoomKind
	Direct      bool
	Timestamp   time.Time
	Attachments []Attachment
	ThreadID    string
}

// RoomMessage is one message fetched from room history.
type RoomMessage struct {
	MessageID   string
	Timestamp   time.Time
	Username    string
	DisplayName string
	Text        string
	Attachments []Attachment
	ThreadID    string
}

// RoomInfo describes a room the assistant belongs to.
type RoomInfo struct {
	RoomID  string
	Kind    RoomKind
	Name    string
	Members []string
}

// rawUser is the wire shape of a message author.
type rawUser struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// rawTimestamp handles the server's two timestamp encodings: an extended
// JSON {"$date": millis} object or an ISO 8601 string.
type rawTimestamp struct {
	t time.Time
}

func (r *rawTimestamp) UnmarshalJSON(data []byte) error {
	var ext struct {
		Date int64 `json:"$date"`
	}
	if err := json.Unmarshal(data, &ext); err == nil && ext.Date != 0 {
		r.t = time.UnixMilli(ext.Date).UTC()
		return nil
	}

	var iso string
	if err := json.Unmarshal(data, &iso); err == nil && iso != "" {
		if t, err := time.Parse(time.RFC3339, iso); err == nil {
			r.t = t.UTC()
		}
	}
	// Unrecognized forms leave the zero time; callers treat that as absent.
	return nil
}

// rawMessage is the wire shape of a chat message, from history fetches
// and subscription event args alike.
type rawMessage struct {
	ID          string          `json:"_id"`
	RoomID      string          `json:"rid"`
	Text        string          `json:"msg"`
	Type        string          `json:"t"`
	User        rawUser         `json:"u"`
	Sender      rawUser         `json:"sender"`
	TS          rawTimestamp    `json:"ts"`
	ThreadID    string          `json:"tmid"`
	Attachments []rawAttachment `json:"attachments"`
	Payload     *rawPayload     `json:"payload"`
}

// rawPayload appears on notification events that reference the full
// message rather than embedding it.
type rawPayload struct {
	ID     string  `json:"_id"`
	RoomID string  `json:"rid"`
	Sender rawUser `json:"sender"`
}

type rawAttachment struct {
	ImageURL  string `json:"image_url"`
	ImageType string `json:"image_type"`
	Title     string `json:"title"`
}

func parseAttachments(raw []rawAttachment) []Attachment {
	var out []Attachment
	for _, att := range raw {
		if att.ImageURL == "" {
			continue
		}
		mediaType := att.ImageType
		if mediaType == "" {
			mediaType = "image/png"
		}
		out = append(out, Attachment{URL: att.ImageURL, MediaType: mediaType, Title: att.Title})
	}
	return out
}

// eventFields is the fields payload of a stream-notify-user changed event.
type eventFields struct {
	Args []json.RawMessage `json:"args"`
}

// parseMessageEvent extracts a normalized message from a subscription
// event payload. Returns false for events that do not carry a user
// message (system messages, empty args, non-message payloads).
func parseMessageEvent(fields json.RawMessage) (IncomingMessage, bool) {
	var ef eventFields
	if err := json.Unmarshal(fields, &ef); err != nil || len(ef.Args) == 0 {
		return IncomingMessage{}, false
	}

	var raw rawMessage
	if err := json.Unmarshal(ef.Args[0], &raw); err != nil {
		return IncomingMessage{}, false
	}
	if raw.Type != "" {
		// System messages (joins, topic changes) carry a type tag.
		return IncomingMessage{}, false
	}

	msg := fromRawMessage(raw)
	if msg.MessageID == "" && raw.Payload != nil {
		msg.MessageID = raw.Payload.ID
	}
	if msg.RoomID == "" && raw.Payload != nil {
		msg.RoomID = raw.Payload.RoomID
	}
	if msg.Username == "" && raw.Payload != nil {
		msg.UserID = raw.Payload.Sender.ID
		msg.Username = raw.Payload.Sender.Username
		msg.DisplayName = displayName(raw.Payload.Sender)
	}
	if msg.MessageID == "" {
		return IncomingMessage{}, false
	}
	return msg, true
}

func fromRawMessage(raw rawMessage) IncomingMessage {
	user := raw.User
	if user.Username == "" {
		user = raw.Sender
	}
	return IncomingMessage{
		MessageID:   raw.ID,
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: displayName(user),
		Text:        raw.Text,
		RoomID:      raw.RoomID,
		Timestamp:   raw.TS.t,
		Attachments: parseAttachments(raw.Attachments),
		ThreadID:    raw.ThreadID,
	}
}

func displayName(u rawUser) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}
