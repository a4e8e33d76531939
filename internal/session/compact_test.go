package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/internal/provider"
)

// mockBackend scripts Complete responses and records requests. Once the
// script runs out the last response repeats.
type mockBackend struct {
	mu          sync.Mutex
	requests    []*provider.Request
	responses   []*provider.Response
	completeErr error

	summary      string
	summarizeErr error
	summarized   []string
}

func (m *mockBackend) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	idx := len(m.requests) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	if idx < 0 {
		return &provider.Response{Text: "ok"}, nil
	}
	return m.responses[idx], nil
}

func (m *mockBackend) Summarize(ctx context.Context, transcript string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summarized = append(m.summarized, transcript)
	if m.summarizeErr != nil {
		return "", m.summarizeErr
	}
	return m.summary, nil
}

func (m *mockBackend) completeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func fillSession(s *Session, n int) {
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		s.Append(Turn{Role: role, Text: fmt.Sprintf("turn %d", i)})
	}
}

func TestCompactBelowKeepIsNoop(t *testing.T) {
	backend := &mockBackend{summary: "recap"}
	c := NewCompactor(backend, NewManager(), nil)

	s := NewSession("room1")
	fillSession(s, DefaultKeepRecentTurns)
	require.NoError(t, c.Compact(context.Background(), s))
	assert.Equal(t, DefaultKeepRecentTurns, s.Len())
	assert.Empty(t, backend.summarized)
}

func TestCompactOneOverKeepIsNoop(t *testing.T) {
	backend := &mockBackend{summary: "recap"}
	c := NewCompactor(backend, NewManager(), nil)

	// A single-turn prefix would be swapped for a single summary turn,
	// leaving the history the same length.
	s := NewSession("room1")
	fillSession(s, DefaultKeepRecentTurns+1)
	require.NoError(t, c.Compact(context.Background(), s))
	assert.Equal(t, DefaultKeepRecentTurns+1, s.Len())
	assert.Empty(t, backend.summarized)

	s.Append(Turn{Role: RoleUser, Text: "one more"})
	require.NoError(t, c.Compact(context.Background(), s))
	assert.Equal(t, DefaultKeepRecentTurns+1, s.Len())
	assert.True(t, s.Turns()[0].Summary)
}

func TestCompactReplacesPrefixWithSummary(t *testing.T) {
	backend := &mockBackend{summary: "they discussed the plan"}
	c := NewCompactor(backend, NewManager(), nil)

	s := NewSession("room1")
	fillSession(s, 20)
	require.NoError(t, c.Compact(context.Background(), s))

	turns := s.Turns()
	require.Len(t, turns, DefaultKeepRecentTurns+1)
	assert.True(t, turns[0].Summary)
	assert.Contains(t, turns[0].Text, "[Earlier conversation summary]")
	assert.Contains(t, turns[0].Text, "they discussed the plan")
	// Recent turns survive verbatim.
	assert.Equal(t, "turn 19", turns[len(turns)-1].Text)
	assert.Equal(t, "turn 14", turns[1].Text)
}

func TestCompactNeverStartsSuffixOnToolResult(t *testing.T) {
	backend := &mockBackend{summary: "recap"}
	c := NewCompactor(backend, NewManager(), nil)

	s := NewSession("room1")
	fillSession(s, 10)
	// A tool round straddling the would-be cut point.
	s.Append(Turn{Role: RoleAssistant, ToolCalls: []provider.ToolCall{{ID: "c1", Name: "read_file"}}})
	s.Append(Turn{Role: RoleTool, CallID: "c1", Text: "r1"})
	s.Append(Turn{Role: RoleTool, CallID: "c2", Text: "r2"})
	fillSession(s, 4)

	require.NoError(t, c.Compact(context.Background(), s))
	turns := s.Turns()
	assert.NotEqual(t, RoleTool, turns[1].Role)
}

func TestCompactSkippedOnSummarizeFailure(t *testing.T) {
	backend := &mockBackend{summarizeErr: errors.New("model down")}
	c := NewCompactor(backend, NewManager(), nil)

	s := NewSession("room1")
	fillSession(s, 20)
	err := c.Compact(context.Background(), s)
	require.Error(t, err)
	// History untouched; never silently truncated.
	assert.Equal(t, 20, s.Len())
}

func TestScheduleIfNeededOnlyAboveThreshold(t *testing.T) {
	backend := &mockBackend{summary: "recap"}
	m := NewManager()
	c := NewCompactor(backend, m, nil)
	c.SetThreshold(10)

	s, release := m.Acquire("room1")
	fillSession(s, 20)
	release()

	c.ScheduleIfNeeded("room1", 5)
	time.Sleep(50 * time.Millisecond)
	s, release = m.Acquire("room1")
	assert.Equal(t, 20, s.Len())
	release()

	c.ScheduleIfNeeded("room1", 100)
	require.Eventually(t, func() bool {
		sess, release := m.Acquire("room1")
		defer release()
		return sess.Len() == DefaultKeepRecentTurns+1
	}, 2*time.Second, 10*time.Millisecond)
}
