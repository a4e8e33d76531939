package ddp

import (
	"encoding/json"
	"fmt"
)

// protocolVersion is the DDP version this client speaks. The handshake
// offers no alternatives: a server that cannot serve it rejects us.
const protocolVersion = "1"

// frame is the wire representation of every DDP message, client and
// server side. Unused fields stay empty and are omitted on encode.
type frame struct {
	Msg string `json:"msg,omitempty"`
	ID  string `json:"id,omitempty"`

	// connect / connected / failed
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`
	Session string   `json:"session,omitempty"`

	// method / result
	Method string          `json:"method,omitempty"`
	Params []any           `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CallError      `json:"error,omitempty"`

	// sub / unsub / ready / nosub
	Name string   `json:"name,omitempty"`
	Subs []string `json:"subs,omitempty"`

	// collection change events
	Collection string          `json:"collection,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

// EventKind tags a collection change event.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventChanged EventKind = "changed"
	EventRemoved EventKind = "removed"
)

// Event is one server-pushed collection change, immutable once delivered.
type Event struct {
	Kind       EventKind
	Collection string
	ID         string
	Fields     json.RawMessage
}

// CallError is an application-level error returned in a result frame.
type CallError struct {
	ErrorCode any    `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ddp: method error: %s", e.Message)
	}
	if e.Reason != "" {
		return fmt.Sprintf("ddp: method error: %s", e.Reason)
	}
	return fmt.Sprintf("ddp: method error: %v", e.ErrorCode)
}

// HandshakeError is returned when the server rejects the declared
// protocol version. There is no renegotiation; callers must abort.
type HandshakeError struct {
	Supported []string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("ddp: handshake rejected, server supports %v", e.Supported)
}
