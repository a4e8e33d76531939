package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stewardhq/steward/internal/workspace"
)

// ReadFileTool reads a text file from the workspace.
type ReadFileTool struct{}

func (t *ReadFileTool) ID() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read contents of a text file in the workspace."
}

func (t *ReadFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Relative path to the file"}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	content, err := tc.Store.Read(in.Path)
	if err != nil {
		return "", err
	}
	return content, nil
}

// WriteFileTool writes a text file into the workspace.
type WriteFileTool struct{}

func (t *WriteFileTool) ID() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a text file in the workspace, creating parent directories as needed."
}

func (t *WriteFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Relative path to the file"},
			"content": {"type": "string", "description": "Text content to write"}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if err := tc.Store.Write(in.Path, in.Content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(in.Content), in.Path), nil
}

// DeleteFileTool removes a single file from the workspace.
type DeleteFileTool struct{}

func (t *DeleteFileTool) ID() string { return "delete_file" }
func (t *DeleteFileTool) Description() string {
	return "Delete a file from the workspace. Directories cannot be deleted."
}

func (t *DeleteFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Relative path to the file"}
		},
		"required": ["path"]
	}`)
}

func (t *DeleteFileTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	err := tc.Store.Delete(in.Path)
	if errors.Is(err, workspace.ErrNotFound) {
		return "File not found: " + in.Path, nil
	}
	if err != nil {
		return "", err
	}
	return "Deleted " + in.Path, nil
}

// ListFilesTool lists workspace files matching a glob pattern.
type ListFilesTool struct{}

func (t *ListFilesTool) ID() string { return "list_files" }
func (t *ListFilesTool) Description() string {
	return "List workspace files matching a glob pattern, e.g. \"people/**/*.md\". Defaults to everything."
}

func (t *ListFilesTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Glob pattern relative to the workspace root"}
		}
	}`)
}

func (t *ListFilesTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	paths, err := tc.Store.List(in.Pattern)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		if in.Pattern == "" {
			return "(empty workspace)", nil
		}
		return "No files match " + in.Pattern, nil
	}
	return strings.Join(paths, "\n"), nil
}

// SearchFilesTool searches workspace file contents.
type SearchFilesTool struct{}

func (t *SearchFilesTool) ID() string { return "search_files" }
func (t *SearchFilesTool) Description() string {
	return "Search workspace files for text (case-insensitive). Returns path:line:text matches."
}

func (t *SearchFilesTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Text to search for"}
		},
		"required": ["query"]
	}`)
}

const maxSearchHits = 50

func (t *SearchFilesTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	hits, err := tc.Store.Search("**/*", in.Query)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return fmt.Sprintf("No matches for %q", in.Query), nil
	}
	if len(hits) > maxSearchHits {
		hits = hits[:maxSearchHits]
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "%s:%d:%s\n", h.Path, h.Line, h.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// JournalAddTool appends a timestamped entry to today's journal.
type JournalAddTool struct{}

func (t *JournalAddTool) ID() string { return "journal_add" }
func (t *JournalAddTool) Description() string {
	return "Add a timestamped entry to today's journal. Use [[wikilinks]] to reference workspace files, e.g. [[people/chris]]."
}

func (t *JournalAddTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"entry": {"type": "string", "description": "Text to append"}
		},
		"required": ["entry"]
	}`)
}

func (t *JournalAddTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Entry string `json:"entry"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	now := time.Now()
	if err := tc.Store.JournalAppend(now, in.Entry); err != nil {
		return "", err
	}
	return "Added to journal at " + now.Format("2006-01-02 15:04"), nil
}

// JournalReadTool reads journal entries for a day, defaulting to today.
type JournalReadTool struct{}

func (t *JournalReadTool) ID() string { return "journal_read" }
func (t *JournalReadTool) Description() string {
	return "Read journal entries for a day (ISO date, e.g. 2026-02-05). Defaults to today."
}

func (t *JournalReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"date": {"type": "string", "description": "Day to read, ISO format"}
		}
	}`)
}

func (t *JournalReadTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Date string `json:"date"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	day := time.Now()
	if in.Date != "" {
		parsed, err := time.Parse("2006-01-02", in.Date)
		if err != nil {
			return "", fmt.Errorf("invalid date %q: %w", in.Date, err)
		}
		day = parsed
	}
	text, err := tc.Store.JournalRead(day)
	if errors.Is(err, workspace.ErrNotFound) {
		return "No journal entries for " + day.Format("2006-01-02"), nil
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// PersonLookupTool returns the assembled context for a known person.
type PersonLookupTool struct{}

func (t *PersonLookupTool) ID() string { return "person_lookup" }
func (t *PersonLookupTool) Description() string {
	return "Look up a person by chat handle: their profile plus recent journal mentions."
}

func (t *PersonLookupTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"handle": {"type": "string", "description": "Chat handle without the leading @"}
		},
		"required": ["handle"]
	}`)
}

func (t *PersonLookupTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if tc.People == nil {
		return "", errors.New("person index unavailable")
	}
	text := tc.People.Context(in.Handle, time.Now())
	if text == "" {
		return "No profile for @" + in.Handle, nil
	}
	return text, nil
}
