// Package tool provides the assistant's tool framework: the Tool
// interface, a registry, and a dispatcher that audits every invocation.
package tool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stewardhq/steward/internal/chat"
	"github.com/stewardhq/steward/internal/workspace"
)

// Tool is one capability the model can invoke.
type Tool interface {
	// ID returns the tool identifier the model calls it by.
	ID() string

	// Description returns the tool description shown to the model.
	Description() string

	// Parameters returns the JSON Schema for the tool's arguments.
	Parameters() json.RawMessage

	// Execute runs the tool. A returned error becomes an error-tagged
	// result for the model; it never aborts the surrounding round.
	Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error)
}

// Messenger is the chat surface tools act through.
type Messenger interface {
	SendMessage(ctx context.Context, roomID, text, threadID string) error
	React(ctx context.Context, messageID, emoji string, on bool) error
	FetchMessages(ctx context.Context, roomID string, after time.Time) ([]chat.RoomMessage, error)
	ListRooms(ctx context.Context) []chat.RoomInfo
}

// Reminder schedules one-shot callbacks for the remind tool.
type Reminder interface {
	After(d time.Duration, fn func())
}

// Context carries per-invocation state into a tool.
type Context struct {
	// Username and RoomID identify who triggered the turn and where.
	Username string
	RoomID   string
	ThreadID string

	Store  *workspace.Store
	People *workspace.PersonIndex

	Messenger Messenger
	Reminder  Reminder
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Result is the outcome of one invocation, delivered back as a
// tool-result turn. IsError marks failures without aborting the round.
type Result struct {
	CallID  string
	Name    string
	Output  string
	IsError bool
}
