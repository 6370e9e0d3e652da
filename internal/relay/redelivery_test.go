package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedHandler struct {
	mu      sync.Mutex
	results []error
	calls   []CallEvent
}

func (h *scriptedHandler) Handle(_ context.Context, event CallEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, event)
	if len(h.results) == 0 {
		return nil
	}
	err := h.results[0]
	h.results = h.results[1:]
	return err
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func unavailable(callID string) error {
	return &Error{Kind: KindUpstreamUnavailable, CallID: callID, Msg: "salesforce down"}
}

func newTestRedeliverer(t *testing.T, handler EventHandler, opts ...func(*RedeliveryOptions)) *Redeliverer {
	t.Helper()
	options := RedeliveryOptions{
		Handler:     handler,
		Delay:       5 * time.Millisecond,
		MaxAttempts: 3,
		Workers:     1,
	}
	for _, opt := range opts {
		opt(&options)
	}
	r := NewRedeliverer(options)
	t.Cleanup(r.Close)
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestRedelivererRetriesUntilSuccess(t *testing.T) {
	handler := &scriptedHandler{results: []error{unavailable("c1"), nil}}
	r := newTestRedeliverer(t, handler)

	require.NoError(t, r.Defer(endedEvent("c1")))
	waitFor(t, func() bool { return handler.callCount() == 2 && r.Status().Pending == 0 })

	assert.Equal(t, 0, r.Status().DeadLetters)
}

func TestRedelivererDeadLettersAfterMaxAttempts(t *testing.T) {
	handler := &scriptedHandler{results: []error{unavailable("c1"), unavailable("c1"), unavailable("c1"), unavailable("c1")}}
	r := newTestRedeliverer(t, handler)

	require.NoError(t, r.Defer(endedEvent("c1")))
	waitFor(t, func() bool { return r.Status().DeadLetters == 1 })

	assert.Equal(t, 3, handler.callCount())
	feed, err := r.ListDeadLetters("", 10)
	require.NoError(t, err)
	require.Len(t, feed.Items, 1)
	item := feed.Items[0]
	assert.Equal(t, "c1", item.CallID)
	assert.Equal(t, PhaseEnded, item.Phase)
	assert.Equal(t, 3, item.AttemptCount)
	assert.Contains(t, item.LastError, "salesforce down")
	assert.Nil(t, feed.NextCursor)
}

func TestRedelivererDoesNotRetryNonRetryableErrors(t *testing.T) {
	rejected := &Error{Kind: KindUpstreamRejected, CallID: "c1", Msg: "invalid field"}
	handler := &scriptedHandler{results: []error{rejected}}
	r := newTestRedeliverer(t, handler)

	require.NoError(t, r.Defer(endedEvent("c1")))
	waitFor(t, func() bool { return r.Status().DeadLetters == 1 })
	assert.Equal(t, 1, handler.callCount())
}

func TestRedelivererNoMatchPolicy(t *testing.T) {
	noMatch := &Error{Kind: KindNoMatchingRecord, CallID: "c1"}

	handler := &scriptedHandler{results: []error{noMatch}}
	r := newTestRedeliverer(t, handler)
	require.NoError(t, r.Defer(endedEvent("c1")))
	waitFor(t, func() bool { return r.Status().DeadLetters == 1 })
	assert.Equal(t, 1, handler.callCount())

	retrying := &scriptedHandler{results: []error{noMatch, nil}}
	r2 := newTestRedeliverer(t, retrying, func(o *RedeliveryOptions) { o.RetryNoMatch = true })
	require.NoError(t, r2.Defer(endedEvent("c1")))
	waitFor(t, func() bool { return retrying.callCount() == 2 && r2.Status().Pending == 0 })
	assert.Equal(t, 0, r2.Status().DeadLetters)
}

func TestRedelivererQueueFull(t *testing.T) {
	handler := &scriptedHandler{}
	r := newTestRedeliverer(t, handler, func(o *RedeliveryOptions) {
		o.QueueSize = 1
		o.Delay = time.Hour
	})

	require.NoError(t, r.Defer(endedEvent("c1")))
	assert.ErrorIs(t, r.Defer(endedEvent("c2")), ErrQueueFull)
	assert.Equal(t, RedeliveryStatus{Pending: 1, Capacity: 1}, r.Status())
}

func TestRedelivererDeferAfterCloseFails(t *testing.T) {
	r := newTestRedeliverer(t, &scriptedHandler{})
	r.Close()
	assert.ErrorIs(t, r.Defer(endedEvent("c1")), ErrQueueFull)
}

func TestRedelivererCloseReleasesLateDeliveries(t *testing.T) {
	r := newTestRedeliverer(t, &scriptedHandler{}, func(o *RedeliveryOptions) {
		o.Delay = 20 * time.Millisecond
	})
	require.NoError(t, r.Defer(endedEvent("c1")))
	require.NoError(t, r.Defer(endedEvent("c2")))
	r.Close()

	// A timer that fires after Close must not leave a delivery in the queue.
	r.pending.Add(1)
	r.enqueue(delivery{id: "late", event: endedEvent("c3")})
	assert.Empty(t, r.queue)

	waitFor(t, func() bool { return r.Status().Pending == 0 })
}

func TestRedelivererReplayAndAcknowledge(t *testing.T) {
	rejected := &Error{Kind: KindUpstreamRejected, CallID: "c1", Msg: "invalid field"}
	handler := &scriptedHandler{results: []error{rejected, rejected}}
	r := newTestRedeliverer(t, handler)

	require.NoError(t, r.Defer(endedEvent("c1")))
	require.NoError(t, r.Defer(insightsEvent("c2")))
	waitFor(t, func() bool { return r.Status().DeadLetters == 2 })

	feed, err := r.ListDeadLetters("", 1)
	require.NoError(t, err)
	require.Len(t, feed.Items, 1)
	require.NotNil(t, feed.NextCursor)
	next, err := r.ListDeadLetters(*feed.NextCursor, 1)
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.NotEqual(t, feed.Items[0].ID, next.Items[0].ID)

	_, err = r.ListDeadLetters("missing", 1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	replayID := feed.Items[0].ID
	got, err := r.GetDeadLetter(replayID)
	require.NoError(t, err)
	assert.Equal(t, feed.Items[0].CallID, got.CallID)

	require.NoError(t, r.ReplayDeadLetter(replayID))
	waitFor(t, func() bool { return handler.callCount() == 3 && r.Status().Pending == 0 })
	_, err = r.GetDeadLetter(replayID)
	assert.ErrorIs(t, err, ErrNotFound)

	ackID := next.Items[0].ID
	require.NoError(t, r.AcknowledgeDeadLetter(ackID))
	assert.ErrorIs(t, r.AcknowledgeDeadLetter(ackID), ErrNotFound)
	assert.ErrorIs(t, r.ReplayDeadLetter(ackID), ErrNotFound)
	assert.Equal(t, 0, r.Status().DeadLetters)
}

func TestRedelivererCapsDeadLetters(t *testing.T) {
	handler := &scriptedHandler{results: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	r := newTestRedeliverer(t, handler, func(o *RedeliveryOptions) {
		o.MaxAttempts = 1
		o.MaxDeadLetters = 2
	})
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, r.Defer(endedEvent(id)))
	}
	waitFor(t, func() bool { return handler.callCount() == 3 && r.Status().Pending == 0 })
	assert.Equal(t, 2, r.Status().DeadLetters)
}
