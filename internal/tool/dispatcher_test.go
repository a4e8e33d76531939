package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/internal/audit"
)

type stubTool struct {
	id     string
	output string
	err    error
	calls  int
}

func (s *stubTool) ID() string                   { return s.id }
func (s *stubTool) Description() string          { return "stub" }
func (s *stubTool) Parameters() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	s.calls++
	return s.output, s.err
}

func newTestDispatcher(t *testing.T, tools ...Tool) (*Dispatcher, *audit.Trail) {
	t.Helper()
	r := NewRegistry()
	for _, tl := range tools {
		r.Register(tl)
	}
	trail := audit.New(t.TempDir())
	return NewDispatcher(r, trail, nil), trail
}

func TestInvokeSuccess(t *testing.T) {
	stub := &stubTool{id: "echo", output: "hello"}
	d, _ := newTestDispatcher(t, stub)

	res := d.Invoke(context.Background(), Call{ID: "c1", Name: "echo", Args: json.RawMessage(`{}`)}, &Context{})
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, "hello", res.Output)
	assert.False(t, res.IsError)
	assert.Equal(t, 1, stub.calls)
}

func TestInvokeUnknownToolIsErrorResultNotCrash(t *testing.T) {
	d, _ := newTestDispatcher(t)

	res := d.Invoke(context.Background(), Call{ID: "c1", Name: "no_such_tool", Args: json.RawMessage(`{}`)}, &Context{})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "unknown tool: no_such_tool")
}

func TestInvokeToolErrorBecomesErrorResult(t *testing.T) {
	stub := &stubTool{id: "boom", err: errors.New("file missing")}
	d, _ := newTestDispatcher(t, stub)

	res := d.Invoke(context.Background(), Call{ID: "c1", Name: "boom", Args: json.RawMessage(`{}`)}, &Context{})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "file missing")
}

func TestInvokeWritesExactlyOneAuditRecord(t *testing.T) {
	stub := &stubTool{id: "echo", output: "ok"}
	d, trail := newTestDispatcher(t, stub)

	d.Invoke(context.Background(), Call{ID: "c1", Name: "echo", Args: json.RawMessage(`{"a":1}`)}, &Context{})

	recs, err := trail.Read(time.Now())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "echo", recs[0].Tool)
	assert.Equal(t, len("ok"), recs[0].ResultLen)
	assert.False(t, recs[0].IsError)
	assert.JSONEq(t, `{"a":1}`, string(recs[0].Args))
}

func TestInvokeAuditsFailuresToo(t *testing.T) {
	d, trail := newTestDispatcher(t)

	d.Invoke(context.Background(), Call{ID: "c1", Name: "ghost", Args: json.RawMessage(`{}`)}, &Context{})
	d.Invoke(context.Background(), Call{ID: "c2", Name: "ghost", Args: json.RawMessage(`{}`)}, &Context{})

	recs, err := trail.Read(time.Now())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].IsError)
	assert.True(t, recs[1].IsError)
}

func TestInvokeReadMissingFileAudited(t *testing.T) {
	d, trail := newTestDispatcher(t, &ReadFileTool{})
	tc := newToolContext(t)

	res := d.Invoke(context.Background(), Call{ID: "c1", Name: "read_file", Args: json.RawMessage(`{"path":"x"}`)}, tc)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "x")

	recs, err := trail.Read(time.Now())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].IsError)
}

func TestInvokeAuditRecordPerInvocation(t *testing.T) {
	stub := &stubTool{id: "echo", output: "ok"}
	d, trail := newTestDispatcher(t, stub)

	const n = 10
	for i := 0; i < n; i++ {
		d.Invoke(context.Background(), Call{ID: "c", Name: "echo", Args: json.RawMessage(`{}`)}, &Context{})
	}
	recs, err := trail.Read(time.Now())
	require.NoError(t, err)
	assert.Len(t, recs, n)
}
