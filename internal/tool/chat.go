package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SendMessageTool posts a message to any room the assistant belongs to.
type SendMessageTool struct{}

func (t *SendMessageTool) ID() string { return "send_message" }
func (t *SendMessageTool) Description() string {
	return "Send a message to a room. Defaults to the current room; pass room_id to reach another."
}

func (t *SendMessageTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "Message text"},
			"room_id": {"type": "string", "description": "Target room id, defaults to the current room"},
			"thread_id": {"type": "string", "description": "Thread to reply under"}
		},
		"required": ["text"]
	}`)
}

func (t *SendMessageTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Text     string `json:"text"`
		RoomID   string `json:"room_id"`
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if tc.Messenger == nil {
		return "", errors.New("chat unavailable")
	}
	roomID := in.RoomID
	if roomID == "" {
		roomID = tc.RoomID
	}
	if err := tc.Messenger.SendMessage(ctx, roomID, in.Text, in.ThreadID); err != nil {
		return "", err
	}
	return "Sent to " + roomID, nil
}

// ReactTool adds or removes an emoji reaction.
type ReactTool struct{}

func (t *ReactTool) ID() string { return "react" }
func (t *ReactTool) Description() string {
	return "React to a message with an emoji, e.g. \":thumbsup:\". Set remove to take a reaction back."
}

func (t *ReactTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message_id": {"type": "string", "description": "Message to react to"},
			"emoji": {"type": "string", "description": "Emoji shortcode, with or without colons"},
			"remove": {"type": "boolean", "description": "Remove the reaction instead of adding it"}
		},
		"required": ["message_id", "emoji"]
	}`)
}

func (t *ReactTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
		Remove    bool   `json:"remove"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if tc.Messenger == nil {
		return "", errors.New("chat unavailable")
	}
	emoji := in.Emoji
	if !strings.HasPrefix(emoji, ":") {
		emoji = ":" + emoji + ":"
	}
	if err := tc.Messenger.React(ctx, in.MessageID, emoji, !in.Remove); err != nil {
		return "", err
	}
	if in.Remove {
		return "Removed " + emoji, nil
	}
	return "Reacted with " + emoji, nil
}

// RoomMessagesTool fetches recent history from a room.
type RoomMessagesTool struct{}

func (t *RoomMessagesTool) ID() string { return "room_messages" }
func (t *RoomMessagesTool) Description() string {
	return "Fetch recent messages from a room, oldest first. Defaults to the current room."
}

func (t *RoomMessagesTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"room_id": {"type": "string", "description": "Room to read, defaults to the current room"},
			"days": {"type": "integer", "description": "How many days back to fetch, defaults to 1"}
		}
	}`)
}

func (t *RoomMessagesTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		RoomID string `json:"room_id"`
		Days   int    `json:"days"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if tc.Messenger == nil {
		return "", errors.New("chat unavailable")
	}
	roomID := in.RoomID
	if roomID == "" {
		roomID = tc.RoomID
	}
	days := in.Days
	if days <= 0 {
		days = 1
	}
	after := time.Now().AddDate(0, 0, -days)

	msgs, err := tc.Messenger.FetchMessages(ctx, roomID, after)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "No messages in the last " + fmt.Sprint(days) + " day(s)", nil
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), m.Username, m.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// ListRoomsTool enumerates rooms the assistant belongs to.
type ListRoomsTool struct{}

func (t *ListRoomsTool) ID() string { return "list_rooms" }
func (t *ListRoomsTool) Description() string {
	return "List rooms the assistant is a member of, with kind and members."
}

func (t *ListRoomsTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ListRoomsTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	if tc.Messenger == nil {
		return "", errors.New("chat unavailable")
	}
	rooms := tc.Messenger.ListRooms(ctx)
	if len(rooms) == 0 {
		return "No rooms", nil
	}
	var b strings.Builder
	for _, r := range rooms {
		name := r.Name
		if name == "" {
			name = strings.Join(r.Members, ", ")
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", r.RoomID, r.Kind, name)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// RemindTool schedules a one-shot reminder message back into a room.
type RemindTool struct{}

func (t *RemindTool) ID() string { return "remind" }
func (t *RemindTool) Description() string {
	return "Schedule a reminder delivered to the current room after a delay, e.g. \"45m\" or \"2h30m\"."
}

func (t *RemindTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"delay": {"type": "string", "description": "Go duration, e.g. 10m, 2h"},
			"text": {"type": "string", "description": "Reminder text to deliver"}
		},
		"required": ["delay", "text"]
	}`)
}

func (t *RemindTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Delay string `json:"delay"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if tc.Reminder == nil || tc.Messenger == nil {
		return "", errors.New("scheduling unavailable")
	}
	delay, err := time.ParseDuration(in.Delay)
	if err != nil || delay <= 0 {
		return "", fmt.Errorf("invalid delay %q", in.Delay)
	}

	messenger := tc.Messenger
	roomID := tc.RoomID
	text := in.Text
	tc.Reminder.After(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = messenger.SendMessage(ctx, roomID, text, "")
	})
	return fmt.Sprintf("Reminder set for %s from now", delay), nil
}
