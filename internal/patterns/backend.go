package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Backend persists pattern entries. Save is called with the full entry after
// every update; implementations overwrite by (site, intent).
type Backend interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, e Entry) error
	Close() error
}

// MemoryBackend keeps entries for the life of the process.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[key]Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[key]Entry)}
}

func (m *MemoryBackend) Load(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryBackend) Save(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key{e.Site, e.Intent}] = e
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// FileBackend stores all entries as one indented JSON array, rewritten on
// every save.
type FileBackend struct {
	path    string
	mu      sync.Mutex
	entries map[key]Entry
}

// NewFileBackend returns a backend persisting to path. A missing file is
// an empty store.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("pattern file path is required")
	}
	return &FileBackend{path: path, entries: make(map[key]Entry)}, nil
}

func (f *FileBackend) Load(ctx context.Context) ([]Entry, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		f.entries[key{e.Site, e.Intent}] = e
	}
	return entries, nil
}

func (f *FileBackend) Save(ctx context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[key{e.Site, e.Intent}] = e
	entries := make([]Entry, 0, len(f.entries))
	for _, v := range f.entries {
		entries = append(entries, v)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Site != entries[j].Site {
			return entries[i].Site < entries[j].Site
		}
		return entries[i].Intent < entries[j].Intent
	})

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileBackend) Close() error { return nil }
