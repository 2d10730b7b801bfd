// Package store owns the data directory: atomic JSON writes, load-or-zero
// reads, append-only JSONL logs, and the cross-process file lock.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"steward/internal/logging"
)

// Store serializes file access under one data directory. Writes are atomic
// (temp sibling + rename) and serialized per path by an in-process mutex.
// Reads never fail: a missing or malformed file yields the zero value.
type Store struct {
	layout Layout
	logger logging.Logger

	mu    sync.Mutex
	paths map[string]*sync.Mutex
}

// New returns a store rooted at baseDir, creating the directory if needed.
func New(baseDir string, logger logging.Logger) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("store: base directory is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{
		layout: NewLayout(baseDir),
		logger: logging.OrNop(logger),
		paths:  make(map[string]*sync.Mutex),
	}, nil
}

// Layout exposes the path layout rooted at this store's data directory.
func (s *Store) Layout() Layout { return s.layout }

func (s *Store) pathMutex(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.paths[path]
	if !ok {
		m = &sync.Mutex{}
		s.paths[path] = m
	}
	return m
}

// ReadJSON loads the file at path into out. It returns false when the file is
// absent or unreadable; out keeps its zero value in that case. Malformed JSON
// is logged and treated as absent.
func (s *Store) ReadJSON(path string, out any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("read %s: %v", path, err)
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("decode %s: %v (%s)", path, err, previewJSON(data))
		return false
	}
	return true
}

// WriteJSON serializes v and atomically replaces the file at path.
func (s *Store) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	m := s.pathMutex(path)
	m.Lock()
	defer m.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp for %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteText atomically replaces the file at path with the given text.
func (s *Store) WriteText(path, text string) error {
	m := s.pathMutex(path)
	m.Lock()
	defer m.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write temp for %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

// AppendJSONL appends v as one JSON line to the file at path.
func (s *Store) AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return s.AppendLine(path, string(data))
}

// AppendLine appends one line of text to the file at path, creating it and
// its directory as needed. Appends to the same path are serialized.
func (s *Store) AppendLine(path, line string) error {
	m := s.pathMutex(path)
	m.Lock()
	defer m.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	return nil
}

// List returns the names of entries in dir matching the suffix, sorted by
// filename for determinism. A missing directory is an empty listing.
func (s *Store) List(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if suffix != "" && !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ListDirs returns the names of subdirectories of dir, sorted by name.
func (s *Store) ListDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether a file exists at path.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes the file at path; a missing file is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

func previewJSON(data []byte) string {
	const max = 120
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) > max {
		return trimmed[:max] + "..."
	}
	return trimmed
}
