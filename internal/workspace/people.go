package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stewardhq/steward/internal/logging"
)

var usernameRe = regexp.MustCompile(`\*\*Username:\*\*\s*@(\S+)`)

// PersonIndex maps chat handles to person profile directories. The map is
// rebuilt wholesale and swapped atomically whenever a profile is written,
// so readers never observe a partially updated index.
type PersonIndex struct {
	store *Store

	mu       sync.RWMutex
	byHandle map[string]string // handle -> "people/<name>"

	// OnRebuild, when set, is called after every successful rebuild.
	OnRebuild func()
}

// NewPersonIndex builds the initial index from people/*/profile.md.
func NewPersonIndex(store *Store) *PersonIndex {
	idx := &PersonIndex{store: store, byHandle: map[string]string{}}
	idx.Rebuild()
	return idx
}

// Rebuild scans every profile for a **Username:** line and swaps in a
// fresh map. Stale entries are simply replaced, never patched in place.
func (p *PersonIndex) Rebuild() {
	profiles, err := p.store.List("people/*/profile.md")
	if err != nil {
		log := logging.For("workspace")
		log.Warn().Err(err).Msg("person index rebuild failed")
		return
	}

	fresh := make(map[string]string, len(profiles))
	for _, rel := range profiles {
		content, err := p.store.Read(rel)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(content, "\n") {
			if m := usernameRe.FindStringSubmatch(line); m != nil {
				fresh[m[1]] = filepath.ToSlash(filepath.Dir(rel))
				break
			}
		}
	}

	p.mu.Lock()
	p.byHandle = fresh
	p.mu.Unlock()

	log := logging.For("workspace")
	log.Debug().Int("people", len(fresh)).Msg("person index rebuilt")
	if p.OnRebuild != nil {
		p.OnRebuild()
	}
}

// Lookup returns the profile directory for a handle, if known.
func (p *PersonIndex) Lookup(handle string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	dir, ok := p.byHandle[handle]
	return dir, ok
}

// Context builds the person-context block for a handle: the profile text
// plus journal mentions from the last week. Empty when the handle is
// unknown.
func (p *PersonIndex) Context(handle string, now time.Time) string {
	dir, ok := p.Lookup(handle)
	if !ok {
		return ""
	}

	var parts []string
	if profile, err := p.store.Read(dir + "/profile.md"); err == nil {
		parts = append(parts, strings.TrimRight(profile, "\n"))
	}

	if mentions := p.journalMentions(filepath.Base(dir), now); len(mentions) > 0 {
		parts = append(parts, "Recent journal mentions:\n"+strings.Join(mentions, "\n"))
	}

	return strings.Join(parts, "\n\n")
}

// journalMentions collects bullet lines from the last seven days of
// journal files that wikilink this person.
func (p *PersonIndex) journalMentions(name string, now time.Time) []string {
	link := strings.ToLower(fmt.Sprintf("[[people/%s]]", name))
	cutoff := now.AddDate(0, 0, -7).Format("2006-01-02")

	days, err := p.store.List("journal/*.md")
	if err != nil {
		return nil
	}

	var mentions []string
	for _, rel := range days {
		stem := strings.TrimSuffix(filepath.Base(rel), ".md")
		if stem < cutoff {
			continue
		}
		content, err := p.store.Read(rel)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(content, "\n") {
			if strings.HasPrefix(line, "- ") && strings.Contains(strings.ToLower(line), link) {
				mentions = append(mentions, fmt.Sprintf("[%s] %s", stem, line))
			}
		}
	}
	return mentions
}

// Watch rebuilds the index whenever a file under people/ changes, until
// the context is cancelled. Rebuilds are debounced briefly since editors
// and the write tool produce bursts of events.
func (p *PersonIndex) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("workspace: watcher: %w", err)
	}

	peopleDir := filepath.Join(p.store.Root(), "people")
	if err := watcher.Add(p.store.Root()); err != nil {
		watcher.Close()
		return fmt.Errorf("workspace: watch root: %w", err)
	}
	// people/ may not exist yet; the root watch catches its creation.
	_ = watcher.Add(peopleDir)

	go func() {
		defer watcher.Close()
		log := logging.For("workspace")

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(ev.Name, peopleDir) {
					continue
				}
				if ev.Op&fsnotify.Create != 0 {
					// New person directory: watch it for profile writes.
					_ = watcher.Add(ev.Name)
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, p.Rebuild)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("watcher error")
			}
		}
	}()
	return nil
}
