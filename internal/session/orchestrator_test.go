package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/internal/audit"
	"github.com/stewardhq/steward/internal/chat"
	"github.com/stewardhq/steward/internal/provider"
	"github.com/stewardhq/steward/internal/tool"
	"github.com/stewardhq/steward/internal/workspace"
)

// slowTool records invocations; optional delay exercises concurrency.
type slowTool struct {
	mu     sync.Mutex
	id     string
	delay  time.Duration
	output string
	calls  int
}

func (s *slowTool) ID() string                  { return s.id }
func (s *slowTool) Description() string         { return "test tool" }
func (s *slowTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *slowTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (string, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.output, nil
}

func (s *slowTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakePresence struct {
	mu     sync.Mutex
	typing []bool
	status []string
}

func (f *fakePresence) SendTyping(ctx context.Context, roomID string, typing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
}

func (f *fakePresence) SetStatus(ctx context.Context, status, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, status)
}

type orchestratorFixture struct {
	backend *mockBackend
	orch    *Orchestrator
	manager *Manager
	store   *workspace.Store
	tools   []*slowTool
}

func newOrchestrator(t *testing.T, backend *mockBackend, tools ...*slowTool) *orchestratorFixture {
	t.Helper()
	store, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Write("SOUL.md", "You are a careful assistant."))

	registry := tool.NewRegistry()
	for _, tl := range tools {
		registry.Register(tl)
	}
	manager := NewManager()
	orch := NewOrchestrator(Config{
		Backend:    backend,
		Registry:   registry,
		Dispatcher: tool.NewDispatcher(registry, audit.New(t.TempDir()), nil),
		Sessions:   manager,
		Store:      store,
		People:     workspace.NewPersonIndex(store),
	})
	return &orchestratorFixture{backend: backend, orch: orch, manager: manager, store: store, tools: tools}
}

func incoming(text string) chat.IncomingMessage {
	return chat.IncomingMessage{
		MessageID: "m1",
		Username:  "chris",
		RoomID:    "room1",
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestProcessTextOnlyReply(t *testing.T) {
	backend := &mockBackend{responses: []*provider.Response{{Text: "hello chris"}}}
	f := newOrchestrator(t, backend)

	reply, err := f.orch.Process(context.Background(), incoming("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello chris", reply)
	assert.Equal(t, 1, backend.completeCalls())

	sess, _ := f.manager.Peek("room1")
	turns := sess.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Contains(t, turns[0].Text, "@chris: hi")
	assert.Equal(t, RoleAssistant, turns[1].Role)
}

func TestProcessToolRoundThenReply(t *testing.T) {
	tl := &slowTool{id: "read_file", output: "file contents"}
	backend := &mockBackend{responses: []*provider.Response{
		{ToolCalls: []provider.ToolCall{{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)}}},
		{Text: "the file says hi"},
	}}
	f := newOrchestrator(t, backend, tl)

	reply, err := f.orch.Process(context.Background(), incoming("read a for me"))
	require.NoError(t, err)
	assert.Equal(t, "the file says hi", reply)
	assert.Equal(t, 2, backend.completeCalls())
	assert.Equal(t, 1, tl.callCount())

	sess, _ := f.manager.Peek("room1")
	turns := sess.Turns()
	require.Len(t, turns, 4)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	require.Len(t, turns[1].ToolCalls, 1)
	assert.Equal(t, RoleTool, turns[2].Role)
	assert.Equal(t, "c1", turns[2].CallID)
	assert.Equal(t, "file contents", turns[2].Text)
}

func TestProcessRoundLimit(t *testing.T) {
	tl := &slowTool{id: "read_file", output: "x"}
	// Backend asks for a tool every round, forever.
	backend := &mockBackend{responses: []*provider.Response{
		{ToolCalls: []provider.ToolCall{{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{}`)}}},
	}}
	f := newOrchestrator(t, backend, tl)

	reply, err := f.orch.Process(context.Background(), incoming("loop forever"))
	require.NoError(t, err)
	assert.NotEmpty(t, reply)

	// Exactly the limit: the final round's tools still ran, but no
	// eleventh backend call was issued.
	assert.Equal(t, DefaultMaxRounds, backend.completeCalls())
	assert.Equal(t, DefaultMaxRounds, tl.callCount())

	sess, _ := f.manager.Peek("room1")
	turns := sess.Turns()
	last := turns[len(turns)-1]
	assert.Equal(t, RoleAssistant, last.Role)
	assert.Equal(t, reply, last.Text)
}

func TestProcessBackendErrorPreservesHistory(t *testing.T) {
	backend := &mockBackend{completeErr: errors.New("network down")}
	f := newOrchestrator(t, backend)

	_, err := f.orch.Process(context.Background(), incoming("hi"))
	require.Error(t, err)

	sess, _ := f.manager.Peek("room1")
	turns := sess.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, RoleUser, turns[0].Role)
}

func TestProcessUnknownToolContinuesRound(t *testing.T) {
	backend := &mockBackend{responses: []*provider.Response{
		{ToolCalls: []provider.ToolCall{{ID: "c1", Name: "no_such_tool", Arguments: json.RawMessage(`{}`)}}},
		{Text: "recovered"},
	}}
	f := newOrchestrator(t, backend)

	reply, err := f.orch.Process(context.Background(), incoming("try it"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)

	sess, _ := f.manager.Peek("room1")
	turns := sess.Turns()
	assert.Equal(t, RoleTool, turns[2].Role)
	assert.True(t, turns[2].IsError)
	assert.Contains(t, turns[2].Text, "unknown tool")
}

func TestProcessResultsSortedByCallID(t *testing.T) {
	slow := &slowTool{id: "slow_tool", output: "slow", delay: 30 * time.Millisecond}
	fast := &slowTool{id: "fast_tool", output: "fast"}
	backend := &mockBackend{responses: []*provider.Response{
		{ToolCalls: []provider.ToolCall{
			// c1 finishes last but must still be appended first.
			{ID: "c1", Name: "slow_tool", Arguments: json.RawMessage(`{}`)},
			{ID: "c2", Name: "fast_tool", Arguments: json.RawMessage(`{}`)},
		}},
		{Text: "done"},
	}}
	f := newOrchestrator(t, backend, slow, fast)

	_, err := f.orch.Process(context.Background(), incoming("go"))
	require.NoError(t, err)

	sess, _ := f.manager.Peek("room1")
	turns := sess.Turns()
	assert.Equal(t, "c1", turns[2].CallID)
	assert.Equal(t, "c2", turns[3].CallID)
}

func TestProcessPresenceClearedOnFailure(t *testing.T) {
	backend := &mockBackend{completeErr: errors.New("down")}
	f := newOrchestrator(t, backend)
	p := &fakePresence{}
	f.orch.presence = p

	_, err := f.orch.Process(context.Background(), incoming("hi"))
	require.Error(t, err)

	require.Equal(t, []bool{true, false}, p.typing)
	assert.Equal(t, []string{chat.StatusBusy, chat.StatusOnline}, p.status)
}

func TestProcessPersonSegmentRefreshed(t *testing.T) {
	backend := &mockBackend{responses: []*provider.Response{{Text: "hi"}}}
	f := newOrchestrator(t, backend)
	require.NoError(t, f.store.Write("people/chris/profile.md", "# Chris\n\n**Username:** @chris\n"))
	f.orch.people.Rebuild()

	_, err := f.orch.Process(context.Background(), incoming("hello"))
	require.NoError(t, err)

	req := backend.requests[0]
	var names []string
	for _, seg := range req.Segments {
		names = append(names, seg.Name)
	}
	assert.Equal(t, []string{"identity", "person", "context"}, names)
	assert.Contains(t, req.Segments[1].Text, "**Username:** @chris")
	assert.True(t, req.Segments[0].Cache)
	assert.True(t, req.Segments[1].Cache)
}

func TestProcessNoPersonSegmentForUnknownSender(t *testing.T) {
	backend := &mockBackend{responses: []*provider.Response{{Text: "hi"}}}
	f := newOrchestrator(t, backend)

	_, err := f.orch.Process(context.Background(), incoming("hello"))
	require.NoError(t, err)

	req := backend.requests[0]
	require.Len(t, req.Segments, 2)
	assert.Equal(t, "identity", req.Segments[0].Name)
	assert.Equal(t, "context", req.Segments[1].Name)
}

func TestPrimeHistory(t *testing.T) {
	backend := &mockBackend{responses: []*provider.Response{{Text: "hi"}}}
	f := newOrchestrator(t, backend)

	room := chat.RoomInfo{RoomID: "room1", Kind: chat.RoomDirect}
	f.orch.PrimeHistory(room, []chat.RoomMessage{
		{Username: "chris", Text: "hello", Timestamp: time.Now().Add(-time.Hour)},
		{Username: "steward", Text: "hi chris", Timestamp: time.Now().Add(-50 * time.Minute)},
	}, "steward")

	sess, _ := f.manager.Peek("room1")
	turns := sess.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Equal(t, "hi chris", turns[1].Text)

	// Priming a non-empty session is a no-op.
	f.orch.PrimeHistory(room, []chat.RoomMessage{{Username: "chris", Text: "again"}}, "steward")
	sess, _ = f.manager.Peek("room1")
	assert.Equal(t, 2, sess.Len())
}
