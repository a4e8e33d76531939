// Package provider abstracts the reasoning backend behind a
// request/response interface built on Eino's message schema.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cloudwego/eino/schema"
)

// Segment is one named, independently cacheable slice of the prompt.
// Segments are ordered; a backend that supports prompt caching is charged
// once for the stable ones across rounds and sessions.
type Segment struct {
	// Name identifies the partition: "identity", "person", "context".
	Name string
	// Text is the segment content.
	Text string
	// Cache marks the segment as a cache partition boundary.
	Cache bool
}

// ToolCall is a backend request to invoke one tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDef declares one tool to the backend: name, description, and the
// raw JSON Schema for its input.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one completion request: the full turn history, the ordered
// prompt segments, and the declared tool set.
type Request struct {
	Model     string
	Segments  []Segment
	History   []*schema.Message
	Tools     []ToolDef
	MaxTokens int
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the backend's answer: text, tool calls, or both.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// ErrAuth marks authentication/permission failures; these are not retried
// and should surface to the operator.
var ErrAuth = errors.New("provider: authentication failed")

// Backend is the reasoning collaborator. Complete drives the tool-calling
// exchange; Summarize is the cheaper call used for history compaction.
type Backend interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Summarize(ctx context.Context, transcript string) (string, error)
}

