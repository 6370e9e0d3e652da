package relay

import (
	"context"
	"strings"
	"sync"
	"time"
)

// CorrelationEntry accumulates both phases of one call. ActivityID is set at
// most once.
type CorrelationEntry struct {
	CallID     string        `json:"callId"`
	RecordID   string        `json:"recordId,omitempty"`
	ActivityID string        `json:"activityId,omitempty"`
	Ended      *EndedData    `json:"ended,omitempty"`
	Insights   *InsightsData `json:"insights,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

const (
	StateNew          = "new"
	StateEndedOnly    = "ended_only"
	StateInsightsOnly = "insights_only"
	StateComplete     = "complete"
)

func (e CorrelationEntry) State() string {
	switch {
	case e.Ended != nil && e.Insights != nil:
		return StateComplete
	case e.Ended != nil:
		return StateEndedOnly
	case e.Insights != nil:
		return StateInsightsOnly
	default:
		return StateNew
	}
}

// Clone returns a deep copy.
func (e CorrelationEntry) Clone() CorrelationEntry {
	out := e
	if e.Ended != nil {
		ended := *e.Ended
		ended.Recording = cloneMedia(e.Ended.Recording)
		ended.Voicemail = cloneMedia(e.Ended.Voicemail)
		out.Ended = &ended
	}
	if e.Insights != nil {
		insights := *e.Insights
		insights.Topics = append([]string(nil), e.Insights.Topics...)
		out.Insights = &insights
	}
	return out
}

// EntryBackend persists correlation entries keyed by call id. Load returns
// (nil, nil) when no entry exists.
type EntryBackend interface {
	Load(ctx context.Context, callID string) (*CorrelationEntry, error)
	Save(ctx context.Context, entry CorrelationEntry) error
}

// EntryPruner is implemented by backends that support the host retention sweep.
type EntryPruner interface {
	Prune(ctx context.Context, updatedBefore time.Time) (int, error)
}

type backendCloser interface {
	Close() error
}

type CallEventStoreOptions struct {
	Backend EntryBackend
	Now     func() time.Time
}

// CallEventStore serializes read-modify-write per call id. Different call ids
// never contend.
type CallEventStore struct {
	backend EntryBackend
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewCallEventStore(opts CallEventStoreOptions) *CallEventStore {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryEntryBackend()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CallEventStore{
		backend: backend,
		now:     now,
		locks:   map[string]*keyLock{},
	}
}

// EntryHandle is exclusive access to one call's entry until Release.
type EntryHandle struct {
	store    *CallEventStore
	callID   string
	lock     *keyLock
	entry    CorrelationEntry
	existed  bool
	released sync.Once
}

// Acquire returns the entry for callID, creating it in memory when absent.
// It blocks while another handle for the same id is held.
func (s *CallEventStore) Acquire(ctx context.Context, callID string) (*EntryHandle, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, ErrInvalidInput
	}
	lock := s.ref(callID)
	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		s.unref(callID, lock)
		return nil, ctx.Err()
	}
	handle := &EntryHandle{store: s, callID: callID, lock: lock}
	loaded, err := s.backend.Load(ctx, callID)
	if err != nil {
		handle.Release()
		return nil, err
	}
	if loaded != nil {
		handle.entry = loaded.Clone()
		handle.existed = true
	} else {
		now := s.now()
		handle.entry = CorrelationEntry{CallID: callID, CreatedAt: now, UpdatedAt: now}
	}
	return handle, nil
}

// Load reads an entry without taking the call lock.
func (s *CallEventStore) Load(ctx context.Context, callID string) (*CorrelationEntry, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, ErrInvalidInput
	}
	entry, err := s.backend.Load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// Sweep deletes entries untouched for longer than maxAge, when the backend
// supports it. It is a host concern; the engine never deletes entries.
func (s *CallEventStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	pruner, ok := s.backend.(EntryPruner)
	if !ok || maxAge <= 0 {
		return 0, nil
	}
	return pruner.Prune(ctx, s.now().Add(-maxAge))
}

func (s *CallEventStore) Close() error {
	if closer, ok := s.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *CallEventStore) ref(callID string) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[callID]
	if !ok {
		lock = &keyLock{sem: make(chan struct{}, 1)}
		s.locks[callID] = lock
	}
	lock.refs++
	return lock
}

func (s *CallEventStore) unref(callID string, lock *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.refs--
	if lock.refs <= 0 {
		delete(s.locks, callID)
	}
}

// Entry returns a copy of the current entry for modification.
func (h *EntryHandle) Entry() CorrelationEntry {
	return h.entry.Clone()
}

// Existed reports whether the entry was loaded from the backend.
func (h *EntryHandle) Existed() bool {
	return h.existed
}

// Save persists entry and makes it the handle's current state. It refuses to
// change the call id or an already assigned activity id.
func (h *EntryHandle) Save(ctx context.Context, entry CorrelationEntry) error {
	if entry.CallID != h.callID {
		return ErrInvalidInput
	}
	if h.entry.ActivityID != "" && entry.ActivityID != h.entry.ActivityID {
		return ErrInvalidInput
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = h.entry.CreatedAt
	}
	entry.UpdatedAt = h.store.now()
	if err := h.store.backend.Save(ctx, entry); err != nil {
		return err
	}
	h.entry = entry.Clone()
	h.existed = true
	return nil
}

// Release gives up the call lock. Safe to call more than once.
func (h *EntryHandle) Release() {
	h.released.Do(func() {
		<-h.lock.sem
		h.store.unref(h.callID, h.lock)
	})
}
