// Package session holds per-room conversation state and the turn
// orchestration loop that drives the reasoning backend.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/stewardhq/steward/internal/provider"
)

// Role tags one turn in a session's history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry in a session's chronological history.
type Turn struct {
	ID   string
	Role Role
	Text string
	Time time.Time

	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []provider.ToolCall

	// CallID and IsError are set on tool-result turns.
	CallID  string
	IsError bool

	// Summary marks a turn that replaced a compacted prefix.
	Summary bool
}

// NewTurnID returns a ULID for a turn.
func NewTurnID() string {
	return ulid.Make().String()
}

// Session is one room's conversation state. Access is serialized by the
// Manager's per-room lock; the session itself is not locked.
type Session struct {
	RoomID string

	// PersonHandle is the sender whose context currently occupies the
	// person prompt segment.
	PersonHandle string
	// PersonText is that segment's content.
	PersonText string

	turns []Turn
}

func NewSession(roomID string) *Session {
	return &Session{RoomID: roomID}
}

// Append adds a turn to the end of the history.
func (s *Session) Append(t Turn) {
	if t.ID == "" {
		t.ID = NewTurnID()
	}
	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	s.turns = append(s.turns, t)
}

// Turns returns a copy of the history.
func (s *Session) Turns() []Turn {
	return append([]Turn(nil), s.turns...)
}

// Len returns the number of turns.
func (s *Session) Len() int { return len(s.turns) }

// Replace swaps the entire history, used by compaction.
func (s *Session) Replace(turns []Turn) {
	s.turns = turns
}

// TokenEstimate recomputes the session's token estimate from scratch on
// every call; it is never cached or incremented.
func (s *Session) TokenEstimate() int {
	total := 0
	for _, t := range s.turns {
		total += len(t.Text) / 4
		for _, call := range t.ToolCalls {
			total += (len(call.Name) + len(call.Arguments)) / 4
		}
	}
	return total
}

// Messages converts the history to backend messages. Assistant turns
// carry their tool calls; tool-result turns become tool messages matched
// by call id.
func (s *Session) Messages() []*schema.Message {
	out := make([]*schema.Message, 0, len(s.turns))
	for _, t := range s.turns {
		switch t.Role {
		case RoleAssistant:
			msg := &schema.Message{Role: schema.Assistant, Content: t.Text}
			for _, call := range t.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
					ID: call.ID,
					Function: schema.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, msg)
		case RoleTool:
			out = append(out, &schema.Message{
				Role:       schema.Tool,
				ToolCallID: t.CallID,
				Content:    t.Text,
			})
		default:
			out = append(out, schema.UserMessage(t.Text))
		}
	}
	return out
}

// Transcript renders turns as plain text for summarization.
func Transcript(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		text := t.Text
		if text == "" && len(t.ToolCalls) > 0 {
			names := make([]string, 0, len(t.ToolCalls))
			for _, call := range t.ToolCalls {
				names = append(names, call.Name)
			}
			text = "(used tools: " + strings.Join(names, ", ") + ")"
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Role, text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Manager owns all sessions and serializes access per room. Acquire
// blocks while another orchestration or compaction holds the same room;
// different rooms proceed in parallel.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	sess *Session
	lock *sync.Mutex
}

func NewManager() *Manager {
	return &Manager{rooms: make(map[string]*roomState)}
}

// Acquire returns the room's session with its lock held. The release
// function must be called exactly once.
func (m *Manager) Acquire(roomID string) (*Session, func()) {
	m.mu.Lock()
	rs, ok := m.rooms[roomID]
	if !ok {
		rs = &roomState{sess: NewSession(roomID), lock: &sync.Mutex{}}
		m.rooms[roomID] = rs
	}
	m.mu.Unlock()

	rs.lock.Lock()
	return rs.sess, rs.lock.Unlock
}

// Peek returns the room's session without locking, for inspection only.
func (m *Manager) Peek(roomID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	return rs.sess, true
}
