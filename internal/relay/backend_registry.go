package relay

import (
	"strings"
	"sync"
)

type EntryBackendFactory func(dsn string) (EntryBackend, error)

var entryBackendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]EntryBackendFactory
}{
	factories: map[string]EntryBackendFactory{},
}

// RegisterEntryBackendFactory overrides or adds a DSN scheme.
func RegisterEntryBackendFactory(scheme string, factory EntryBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	entryBackendRegistry.mu.Lock()
	defer entryBackendRegistry.mu.Unlock()
	entryBackendRegistry.factories[scheme] = factory
}

func unregisterEntryBackendFactory(scheme string) {
	scheme = normalizeBackendScheme(scheme)
	entryBackendRegistry.mu.Lock()
	defer entryBackendRegistry.mu.Unlock()
	delete(entryBackendRegistry.factories, scheme)
}

func lookupEntryBackendFactory(scheme string) (EntryBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	entryBackendRegistry.mu.RLock()
	defer entryBackendRegistry.mu.RUnlock()
	factory, ok := entryBackendRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
