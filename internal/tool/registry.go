package tool

import (
	"sort"
	"sync"

	"github.com/stewardhq/steward/internal/provider"
)

// Registry manages tool registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same id.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.ID()] = t
}

// Get retrieves a tool by id.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// IDs returns all registered tool ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Defs returns tool declarations for the backend, in id order.
func (r *Registry) Defs() []provider.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	defs := make([]provider.ToolDef, 0, len(ids))
	for _, id := range ids {
		t := r.tools[id]
		defs = append(defs, provider.ToolDef{
			Name:        t.ID(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	return defs
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&ReadFileTool{})
	r.Register(&WriteFileTool{})
	r.Register(&DeleteFileTool{})
	r.Register(&ListFilesTool{})
	r.Register(&SearchFilesTool{})
	r.Register(&JournalAddTool{})
	r.Register(&JournalReadTool{})
	r.Register(&PersonLookupTool{})
	r.Register(NewWebFetchTool())
	r.Register(&SendMessageTool{})
	r.Register(&ReactTool{})
	r.Register(&RoomMessagesTool{})
	r.Register(&ListRoomsTool{})
	r.Register(&RemindTool{})
	return r
}
