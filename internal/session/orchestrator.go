package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/internal/chat"
	"github.com/stewardhq/steward/internal/event"
	"github.com/stewardhq/steward/internal/logging"
	"github.com/stewardhq/steward/internal/provider"
	"github.com/stewardhq/steward/internal/tool"
	"github.com/stewardhq/steward/internal/workspace"
)

// DefaultMaxRounds bounds tool-calling rounds per incoming message.
const DefaultMaxRounds = 10

const limitReply = "I ran out of tool rounds for this message before reaching a conclusion. " +
	"Here is where I stopped; ask me to continue if you want me to keep going."

// Presence signals the assistant's availability while it works.
type Presence interface {
	SendTyping(ctx context.Context, roomID string, typing bool)
	SetStatus(ctx context.Context, status, message string)
}

// Orchestrator turns one incoming message into at most one reply plus
// tool side effects, bounded by the round limit.
type Orchestrator struct {
	backend    provider.Backend
	registry   *tool.Registry
	dispatcher *tool.Dispatcher
	sessions   *Manager
	compactor  *Compactor
	store      *workspace.Store
	people     *workspace.PersonIndex
	bus        *event.Bus
	presence   Presence

	maxRounds int
	log       zerolog.Logger

	// ToolContext builds the per-invocation context for dispatched tools.
	ToolContext func(msg chat.IncomingMessage) *tool.Context
}

// Config wires an Orchestrator.
type Config struct {
	Backend    provider.Backend
	Registry   *tool.Registry
	Dispatcher *tool.Dispatcher
	Sessions   *Manager
	Compactor  *Compactor
	Store      *workspace.Store
	People     *workspace.PersonIndex
	Bus        *event.Bus
	Presence   Presence
	MaxRounds  int
}

func NewOrchestrator(cfg Config) *Orchestrator {
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Orchestrator{
		backend:    cfg.Backend,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		sessions:   cfg.Sessions,
		compactor:  cfg.Compactor,
		store:      cfg.Store,
		people:     cfg.People,
		bus:        cfg.Bus,
		presence:   cfg.Presence,
		maxRounds:  maxRounds,
		log:        logging.For("session"),
	}
}

// PrimeHistory seeds an empty session with fetched room history so the
// first live message arrives with context. Non-empty sessions are left
// alone.
func (o *Orchestrator) PrimeHistory(room chat.RoomInfo, messages []chat.RoomMessage, selfUsername string) {
	sess, release := o.sessions.Acquire(room.RoomID)
	defer release()

	if sess.Len() > 0 {
		return
	}
	for _, msg := range messages {
		role := RoleUser
		text := formatHistory(msg)
		if msg.Username == selfUsername {
			role = RoleAssistant
			text = msg.Text
		}
		sess.Append(Turn{Role: role, Text: text, Time: msg.Timestamp})
	}
}

// Process runs the turn loop for one incoming message and returns the
// reply text. A backend failure aborts the message but preserves the
// history up to and including the user turn.
func (o *Orchestrator) Process(ctx context.Context, msg chat.IncomingMessage) (string, error) {
	sess, release := o.sessions.Acquire(msg.RoomID)
	defer release()

	if o.bus != nil {
		o.bus.Publish(event.Event{
			Type: event.MessageReceived,
			Data: event.MessageReceivedData{RoomID: msg.RoomID, Username: msg.Username},
		})
	}

	sess.Append(Turn{Role: RoleUser, Text: formatIncoming(msg), Time: msg.Timestamp})

	o.refreshPersonContext(sess, msg.Username)

	if o.presence != nil {
		o.presence.SendTyping(ctx, msg.RoomID, true)
		o.presence.SetStatus(ctx, chat.StatusBusy, "working")
		defer func() {
			o.presence.SendTyping(ctx, msg.RoomID, false)
			o.presence.SetStatus(ctx, chat.StatusOnline, "")
		}()
	}

	identity, err := o.store.Identity()
	if err != nil {
		o.log.Warn().Err(err).Msg("identity unavailable")
	}

	var tc *tool.Context
	if o.ToolContext != nil {
		tc = o.ToolContext(msg)
	} else {
		tc = &tool.Context{Username: msg.Username, RoomID: msg.RoomID, Store: o.store, People: o.people}
	}

	reply := ""
	terminal := false
	rounds := 0

	for rounds < o.maxRounds {
		rounds++

		req := &provider.Request{
			Segments: segments(identity, sess.PersonText, msg.RoomID, time.Now()),
			History:  sess.Messages(),
			Tools:    o.registry.Defs(),
		}
		resp, err := o.backend.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("session: backend: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			sess.Append(Turn{Role: RoleAssistant, Text: resp.Text})
			reply = resp.Text
			terminal = true
			break
		}

		sess.Append(Turn{Role: RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls})
		for _, res := range o.dispatch(ctx, resp.ToolCalls, tc) {
			sess.Append(Turn{Role: RoleTool, CallID: res.CallID, Text: res.Output, IsError: res.IsError})
		}
	}

	if !terminal {
		// Round limit hit with tools still in flight conversationally;
		// report it instead of issuing another backend call.
		o.log.Warn().Str("room", msg.RoomID).Int("rounds", rounds).Msg("round limit reached")
		reply = limitReply
		sess.Append(Turn{Role: RoleAssistant, Text: reply})
	}

	estimate := sess.TokenEstimate()
	if o.compactor != nil {
		o.compactor.ScheduleIfNeeded(msg.RoomID, estimate)
	}

	if o.bus != nil {
		o.bus.Publish(event.Event{
			Type: event.ReplySent,
			Data: event.ReplySentData{RoomID: msg.RoomID, Rounds: rounds},
		})
	}
	o.log.Info().Str("room", msg.RoomID).Int("rounds", rounds).Int("tokens", estimate).Msg("turn complete")
	return reply, nil
}

// refreshPersonContext swaps the person segment when the sender changes.
func (o *Orchestrator) refreshPersonContext(sess *Session, username string) {
	if o.people == nil || username == "" || sess.PersonHandle == username {
		return
	}
	if text := o.people.Context(username, time.Now()); text != "" {
		sess.PersonHandle = username
		sess.PersonText = text
	}
}

// dispatch runs a round's tool calls concurrently and returns results
// sorted by call id, so appended order is deterministic regardless of
// completion order.
func (o *Orchestrator) dispatch(ctx context.Context, calls []provider.ToolCall, tc *tool.Context) []tool.Result {
	results := make([]tool.Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call provider.ToolCall) {
			defer wg.Done()
			results[i] = o.dispatcher.Invoke(ctx, tool.Call{ID: call.ID, Name: call.Name, Args: call.Arguments}, tc)
		}(i, call)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].CallID < results[j].CallID })
	return results
}
