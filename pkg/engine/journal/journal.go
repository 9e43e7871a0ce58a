// Package journal holds the file-backed distillation log and dedup tracker
// used by consolidation.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/johncui/engram/pkg/model"
)

var (
	ErrInvalidKey     = errors.New("invalid journal key")
	ErrCorruptTracker = errors.New("dedup tracker file is corrupt")
)

// FileLog writes each payload as JSON to <root>/<key>.json.
type FileLog struct {
	root string
	mu   sync.Mutex
}

func NewFileLog(root string) *FileLog {
	return &FileLog{root: root}
}

// Write stores payload under key, replacing a previous payload atomically.
func (l *FileLog) Write(_ context.Context, key string, payload any) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal %s: %w", key, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("journal: mkdir for %s: %w", key, err)
	}
	return writeFileAtomic(path, data)
}

// Read loads the payload stored under key into v.
func (l *FileLog) Read(key string, v any) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("journal: read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("journal: decode %s: %w", key, err)
	}
	return nil
}

func (l *FileLog) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("journal: %q: %w", key, ErrInvalidKey)
	}
	return filepath.Join(l.root, clean+".json"), nil
}

// MarkerFile is a DedupTracker persisted as a sorted JSON array of keys. An
// empty path keeps markers in memory only.
type MarkerFile struct {
	path string
	mu   sync.Mutex
	keys map[string]struct{}
}

// OpenMarkerFile loads the markers at path. A file that exists but cannot be
// decoded is reported as ErrCorruptTracker, never reset.
func OpenMarkerFile(path string) (*MarkerFile, error) {
	m := &MarkerFile{path: path, keys: map[string]struct{}{}}
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: read markers: %w", err)
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("journal: %s: %w: %v", path, ErrCorruptTracker, err)
	}
	for _, k := range keys {
		m.keys[k] = struct{}{}
	}
	return m, nil
}

func (m *MarkerFile) Has(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

// Mark records key and persists the full set before returning.
func (m *MarkerFile) Mark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return nil
	}
	m.keys[key] = struct{}{}
	if m.path == "" {
		return nil
	}

	keys := make([]string, 0, len(m.keys))
	for k := range m.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		delete(m.keys, key)
		return fmt.Errorf("journal: mkdir for markers: %w", err)
	}
	if err := writeFileAtomic(m.path, data); err != nil {
		delete(m.keys, key)
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("journal: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("journal: rename %s: %w", path, err)
	}
	return nil
}

var (
	_ model.DistillationLog = (*FileLog)(nil)
	_ model.DedupTracker    = (*MarkerFile)(nil)
)
