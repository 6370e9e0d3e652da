package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type InMemoryEntryBackend struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewInMemoryEntryBackend() *InMemoryEntryBackend {
	return &InMemoryEntryBackend{entries: map[string][]byte{}}
}

func (b *InMemoryEntryBackend) Load(_ context.Context, callID string) (*CorrelationEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.entries[callID]
	if !ok {
		return nil, nil
	}
	var entry CorrelationEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *InMemoryEntryBackend) Save(_ context.Context, entry CorrelationEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.CallID] = data
	return nil
}

func (b *InMemoryEntryBackend) Prune(_ context.Context, updatedBefore time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for callID, data := range b.entries {
		var entry CorrelationEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return removed, err
		}
		if entry.UpdatedAt.Before(updatedBefore) {
			delete(b.entries, callID)
			removed++
		}
	}
	return removed, nil
}

// JSONFileEntryBackend keeps all entries in one JSON document, rewritten via
// a temp file and rename on every save.
type JSONFileEntryBackend struct {
	Path string
	mu   sync.Mutex
}

func NewJSONFileEntryBackend(path string) *JSONFileEntryBackend {
	return &JSONFileEntryBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileEntryBackend) Load(_ context.Context, callID string) (*CorrelationEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := b.readLocked()
	if err != nil {
		return nil, err
	}
	entry, ok := entries[callID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (b *JSONFileEntryBackend) Save(_ context.Context, entry CorrelationEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := b.readLocked()
	if err != nil {
		return err
	}
	entries[entry.CallID] = entry
	return b.writeLocked(entries)
}

func (b *JSONFileEntryBackend) Prune(_ context.Context, updatedBefore time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := b.readLocked()
	if err != nil {
		return 0, err
	}
	removed := 0
	for callID, entry := range entries {
		if entry.UpdatedAt.Before(updatedBefore) {
			delete(entries, callID)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, b.writeLocked(entries)
}

func (b *JSONFileEntryBackend) readLocked() (map[string]CorrelationEntry, error) {
	entries := map[string]CorrelationEntry{}
	if b.Path == "" {
		return entries, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *JSONFileEntryBackend) writeLocked(entries map[string]CorrelationEntry) error {
	if b.Path == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// BuildEntryBackendFromDSN picks a backend by DSN scheme. Registered
// factories win over the built-in schemes. An empty DSN yields memory.
func BuildEntryBackendFromDSN(dsn string) (EntryBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryEntryBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupEntryBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileEntryBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryEntryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresEntryBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteEntryBackend(path)
	case "redis", "rediss":
		return NewRedisEntryBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported entry backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := parsed.Host + parsed.Path
	if strings.TrimSpace(path) == "" {
		path = parsed.Opaque
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
