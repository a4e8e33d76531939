// Package workspace provides the durable, human-readable memory store:
// named text files under a single root, append-only dated journal entries,
// and the person-profile index.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	// ErrNotFound is returned for missing files.
	ErrNotFound = errors.New("workspace: not found")

	// ErrOutsideRoot is returned when a path escapes the workspace root.
	ErrOutsideRoot = errors.New("workspace: path outside root")
)

// Store is a file-backed text store rooted at a single directory. All
// writes are atomic (temp file + rename) and all paths are confined to
// the root.
type Store struct {
	root string
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string { return s.root }

// resolve maps a workspace-relative name to an absolute path, rejecting
// anything that escapes the root.
func (s *Store) resolve(name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	abs := filepath.Join(s.root, cleaned)
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return abs, nil
}

// Read returns the contents of a named file.
func (s *Store) Read(name string) (string, error) {
	path, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("workspace: read %s: %w", name, err)
	}
	return string(data), nil
}

// Write replaces the contents of a named file atomically.
func (s *Store) Write(name, content string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir for %s: %w", name, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("workspace: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("workspace: rename %s: %w", name, err)
	}
	return nil
}

// Delete removes a named file. Directories are refused.
func (s *Store) Delete(name string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("workspace: stat %s: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("workspace: %s is a directory", name)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("workspace: delete %s: %w", name, err)
	}
	return nil
}

// List returns workspace-relative paths matching a doublestar pattern,
// sorted. An empty pattern lists everything.
func (s *Store) List(pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "**/*"
	}

	var out []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		ok, err := doublestar.Match(pattern, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if ok {
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: list %q: %w", pattern, err)
	}
	sort.Strings(out)
	return out, nil
}

// SearchHit is one matching line from Search.
type SearchHit struct {
	Path string
	Line int
	Text string
}

// Search scans files matching pattern for a case-insensitive substring.
func (s *Store) Search(pattern, query string) ([]SearchHit, error) {
	paths, err := s.List(pattern)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)

	var hits []SearchHit
	for _, rel := range paths {
		content, err := s.Read(rel)
		if err != nil {
			continue
		}
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(strings.ToLower(line), needle) {
				hits = append(hits, SearchHit{Path: rel, Line: i + 1, Text: line})
			}
		}
	}
	return hits, nil
}

// JournalAppend adds a timestamped bullet to today's journal file. The
// journal is append-only; existing entries are never rewritten.
func (s *Store) JournalAppend(now time.Time, entry string) error {
	rel := filepath.Join("journal", now.Format("2006-01-02")+".md")
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir journal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workspace: open journal: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("- %s %s\n", now.Format("15:04"), strings.TrimSpace(entry))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("workspace: append journal: %w", err)
	}
	return nil
}

// JournalRead returns the journal for a given day, or empty if none.
func (s *Store) JournalRead(day time.Time) (string, error) {
	content, err := s.Read(filepath.Join("journal", day.Format("2006-01-02")+".md"))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return content, err
}

// Identity assembles the stable identity prompt from the workspace:
// SOUL.md plus PRACTICE.md when present. This text changes rarely and is
// the first prompt-cache partition.
func (s *Store) Identity() (string, error) {
	soul, err := s.Read("SOUL.md")
	if err != nil {
		return "", err
	}
	parts := []string{strings.TrimRight(soul, "\n")}
	if practice, err := s.Read("PRACTICE.md"); err == nil {
		parts = append(parts, strings.TrimRight(practice, "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}
