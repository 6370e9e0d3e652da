package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Shared fakes for the package tests.

type fakeLookup struct {
	mu      sync.Mutex
	byPhone map[string][]string
	err     error
	calls   int
	last    [2]string
}

func (f *fakeLookup) FindByPhone(_ context.Context, canonical, national string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = [2]string{canonical, national}
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.byPhone[canonical]...), nil
}

type resolverFunc func(ctx context.Context, raw string) (MatchedRecord, error)

func (f resolverFunc) Resolve(ctx context.Context, raw string) (MatchedRecord, error) {
	return f(ctx, raw)
}

type writeCall struct {
	op       string
	targetID string
	content  ActivityContent
}

type fakeWriter struct {
	mu        sync.Mutex
	calls     []writeCall
	nextID    int
	createErr []error
	updateErr []error
	findErr   []error
	finds     int
	contents  map[string]ActivityContent
	byCall    map[string]string
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{contents: map[string]ActivityContent{}, byCall: map[string]string{}}
}

func (w *fakeWriter) Create(_ context.Context, recordID string, content ActivityContent) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, writeCall{op: "create", targetID: recordID, content: content})
	if len(w.createErr) > 0 {
		err := w.createErr[0]
		w.createErr = w.createErr[1:]
		if err != nil {
			return "", err
		}
	}
	w.nextID++
	id := fmt.Sprintf("task_%d", w.nextID)
	w.contents[id] = content
	w.byCall[content.CallID] = id
	return id, nil
}

func (w *fakeWriter) FindByCallID(_ context.Context, callID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finds++
	if len(w.findErr) > 0 {
		err := w.findErr[0]
		w.findErr = w.findErr[1:]
		if err != nil {
			return "", err
		}
	}
	return w.byCall[callID], nil
}

func (w *fakeWriter) Update(_ context.Context, activityID string, content ActivityContent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, writeCall{op: "update", targetID: activityID, content: content})
	if len(w.updateErr) > 0 {
		err := w.updateErr[0]
		w.updateErr = w.updateErr[1:]
		if err != nil {
			return err
		}
	}
	w.contents[activityID] = content
	return nil
}

func (w *fakeWriter) count(op string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, call := range w.calls {
		if call.op == op {
			n++
		}
	}
	return n
}

func (w *fakeWriter) totalCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

func (w *fakeWriter) content(id string) ActivityContent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.contents[id]
}

type failingSaveBackend struct {
	*InMemoryEntryBackend
	failSaves int
}

func (b *failingSaveBackend) Save(ctx context.Context, entry CorrelationEntry) error {
	if b.failSaves > 0 {
		b.failSaves--
		return errors.New("disk full")
	}
	return b.InMemoryEntryBackend.Save(ctx, entry)
}

func endedEvent(callID string) CallEvent {
	return CallEvent{
		CallID:          callID,
		Phase:           PhaseEnded,
		Direction:       Inbound,
		CallerNumber:    "0612345678",
		Status:          StatusAnswered,
		DurationSeconds: 272,
		AgentName:       "Jan de Vries",
		Recording: &Media{
			URL:            "https://media.example.test/rec1",
			AvailableUntil: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func insightsEvent(callID string) CallEvent {
	return CallEvent{
		CallID:       callID,
		Phase:        PhaseInsightsReady,
		CallerNumber: "+31 6 12345678",
		Summary:      "Klant vraagt naar levertijd.",
		Sentiment:    SentimentPositive,
		Topics:       []string{"levering", "product"},
	}
}
