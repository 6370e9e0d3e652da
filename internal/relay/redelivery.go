package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventHandler is the redelivery target; *Engine implements it.
type EventHandler interface {
	Handle(ctx context.Context, event CallEvent) error
}

type RedeliveryOptions struct {
	Handler     EventHandler
	QueueSize   int
	Workers     int
	MaxAttempts int
	Delay       time.Duration
	// RetryNoMatch also redelivers NoMatchingRecord failures, for records
	// that may appear downstream later.
	RetryNoMatch   bool
	MaxDeadLetters int
	Metrics        *Metrics
	Logger         *slog.Logger
}

type DeadLetter struct {
	ID           string    `json:"id"`
	CallID       string    `json:"callId"`
	Phase        Phase     `json:"phase"`
	FailedAt     string    `json:"failedAt"`
	AttemptCount int       `json:"attemptCount"`
	LastError    string    `json:"lastError"`
	Event        CallEvent `json:"event"`
}

type DeadLetterFeed struct {
	Items      []DeadLetter `json:"items"`
	NextCursor *string      `json:"nextCursor"`
}

type RedeliveryStatus struct {
	Pending     int `json:"pending"`
	Capacity    int `json:"capacity"`
	DeadLetters int `json:"deadLetters"`
}

// Fixed width so FailedAt sorts lexically.
const deadLetterTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type delivery struct {
	id       string
	event    CallEvent
	attempts int
}

// Redeliverer retries events that failed with a retryable error after a
// fixed delay, and dead-letters them once attempts run out.
type Redeliverer struct {
	handler        EventHandler
	queue          chan delivery
	capacity       int
	maxAttempts    int
	delay          time.Duration
	retryNoMatch   bool
	maxDeadLetters int
	metrics        *Metrics
	logger         *slog.Logger

	pending atomic.Int64

	// enqueueMu lets Close wait out in-flight enqueues before draining.
	enqueueMu sync.RWMutex
	shutdown  bool

	mu          sync.RWMutex
	deadLetters map[string]DeadLetter

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewRedeliverer(opts RedeliveryOptions) *Redeliverer {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = 30 * time.Second
	}
	maxDeadLetters := opts.MaxDeadLetters
	if maxDeadLetters <= 0 {
		maxDeadLetters = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redeliverer{
		handler:        opts.Handler,
		queue:          make(chan delivery, queueSize),
		capacity:       queueSize,
		maxAttempts:    maxAttempts,
		delay:          delay,
		retryNoMatch:   opts.RetryNoMatch,
		maxDeadLetters: maxDeadLetters,
		metrics:        opts.Metrics,
		logger:         logger,
		deadLetters:    map[string]DeadLetter{},
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Defer schedules event for redelivery after the configured delay. It fails
// with ErrQueueFull when the pending budget is used up.
func (r *Redeliverer) Defer(event CallEvent) error {
	return r.schedule(delivery{id: uuid.NewString(), event: event}, r.delay)
}

func (r *Redeliverer) schedule(d delivery, delay time.Duration) error {
	select {
	case <-r.closed:
		return ErrQueueFull
	default:
	}
	if r.pending.Add(1) > int64(r.capacity) {
		r.pending.Add(-1)
		return ErrQueueFull
	}
	if delay <= 0 {
		r.enqueue(d)
		return nil
	}
	time.AfterFunc(delay, func() {
		r.enqueue(d)
	})
	return nil
}

func (r *Redeliverer) enqueue(d delivery) {
	r.enqueueMu.RLock()
	defer r.enqueueMu.RUnlock()
	if r.shutdown || r.ctx.Err() != nil {
		r.pending.Add(-1)
		return
	}
	select {
	case r.queue <- d:
	case <-r.ctx.Done():
		r.pending.Add(-1)
	}
}

func (r *Redeliverer) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case d := <-r.queue:
			r.process(d)
			r.pending.Add(-1)
		}
	}
}

func (r *Redeliverer) process(d delivery) {
	d.attempts++
	err := r.handler.Handle(r.ctx, d.event)
	if err == nil {
		r.metrics.observeRedelivery("ok")
		r.logger.Info("redelivered call event", "callId", d.event.CallID, "phase", d.event.Phase, "attempt", d.attempts)
		return
	}
	if errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
		return
	}
	if r.retryable(err) && d.attempts < r.maxAttempts {
		r.metrics.observeRedelivery("retry")
		r.logger.Warn("redelivery failed, will retry",
			"callId", d.event.CallID,
			"phase", d.event.Phase,
			"attempt", d.attempts,
			"error", err,
		)
		next := d
		time.AfterFunc(r.delay, func() {
			select {
			case <-r.closed:
				return
			default:
			}
			if r.pending.Add(1) > int64(r.capacity) {
				r.pending.Add(-1)
				r.deadLetter(next, err)
				return
			}
			r.enqueue(next)
		})
		return
	}
	r.deadLetter(d, err)
}

func (r *Redeliverer) retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return true
	}
	if kind == KindNoMatchingRecord {
		return r.retryNoMatch
	}
	return kind.Retryable()
}

func (r *Redeliverer) deadLetter(d delivery, cause error) {
	r.metrics.observeRedelivery("dead_letter")
	r.logger.Error("call event dead-lettered",
		"callId", d.event.CallID,
		"phase", d.event.Phase,
		"attempts", d.attempts,
		"error", cause,
	)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLetters[d.id] = DeadLetter{
		ID:           d.id,
		CallID:       d.event.CallID,
		Phase:        d.event.Phase,
		FailedAt:     time.Now().UTC().Format(deadLetterTimeFormat),
		AttemptCount: d.attempts,
		LastError:    cause.Error(),
		Event:        d.event,
	}
	r.pruneDeadLettersLocked()
}

func (r *Redeliverer) pruneDeadLettersLocked() {
	if len(r.deadLetters) <= r.maxDeadLetters {
		return
	}
	items := make([]DeadLetter, 0, len(r.deadLetters))
	for _, item := range r.deadLetters {
		items = append(items, item)
	}
	sortDeadLetters(items)
	for _, item := range items[r.maxDeadLetters:] {
		delete(r.deadLetters, item.ID)
	}
}

// ListDeadLetters pages newest first; cursor is the last id of the previous
// page.
func (r *Redeliverer) ListDeadLetters(cursor string, limit int) (DeadLetterFeed, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	items := make([]DeadLetter, 0, len(r.deadLetters))
	for _, item := range r.deadLetters {
		items = append(items, item)
	}
	r.mu.RUnlock()
	sortDeadLetters(items)

	start := 0
	if cursor != "" {
		found := false
		for i := range items {
			if items[i].ID == cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return DeadLetterFeed{}, ErrInvalidInput
		}
	}
	if start >= len(items) {
		return DeadLetterFeed{Items: []DeadLetter{}}, nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	var next *string
	if end < len(items) {
		cursorValue := items[end-1].ID
		next = &cursorValue
	}
	return DeadLetterFeed{Items: append([]DeadLetter(nil), items[start:end]...), NextCursor: next}, nil
}

func (r *Redeliverer) GetDeadLetter(id string) (DeadLetter, error) {
	if id == "" {
		return DeadLetter{}, ErrInvalidInput
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.deadLetters[id]
	if !ok {
		return DeadLetter{}, ErrNotFound
	}
	return item, nil
}

func (r *Redeliverer) AcknowledgeDeadLetter(id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deadLetters[id]; !ok {
		return ErrNotFound
	}
	delete(r.deadLetters, id)
	return nil
}

// ReplayDeadLetter queues a dead letter immediately with a fresh attempt
// budget.
func (r *Redeliverer) ReplayDeadLetter(id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	item, ok := r.deadLetters[id]
	if ok {
		delete(r.deadLetters, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := r.schedule(delivery{id: item.ID, event: item.Event}, 0); err != nil {
		r.mu.Lock()
		r.deadLetters[id] = item
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Redeliverer) Status() RedeliveryStatus {
	r.mu.RLock()
	dead := len(r.deadLetters)
	r.mu.RUnlock()
	return RedeliveryStatus{
		Pending:     int(r.pending.Load()),
		Capacity:    r.capacity,
		DeadLetters: dead,
	}
}

// Close stops the workers. Deliveries still waiting are dropped and no
// longer count as pending.
func (r *Redeliverer) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.cancel()
		r.enqueueMu.Lock()
		r.shutdown = true
		r.enqueueMu.Unlock()
		r.wg.Wait()
		for {
			select {
			case <-r.queue:
				r.pending.Add(-1)
			default:
				return
			}
		}
	})
}

func sortDeadLetters(items []DeadLetter) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].FailedAt == items[j].FailedAt {
			return items[i].ID < items[j].ID
		}
		return items[i].FailedAt > items[j].FailedAt
	})
}
