package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Resolver maps a caller number to a downstream record. *PhoneMatcher
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (MatchedRecord, error)
}

// ActivityWriter writes the composed activity upstream.
type ActivityWriter interface {
	Create(ctx context.Context, recordID string, content ActivityContent) (string, error)
	Update(ctx context.Context, activityID string, content ActivityContent) error
}

// ActivityFinder looks up an activity already written for a call. It returns
// "" when there is none. The engine consults it before every create, so an
// entry lost after a successful create does not produce a second activity.
type ActivityFinder interface {
	FindByCallID(ctx context.Context, callID string) (string, error)
}

// Outcome describes one handled event for observers.
type Outcome struct {
	CallID     string    `json:"callId"`
	Phase      Phase     `json:"phase"`
	Result     string    `json:"result"`
	Message    string    `json:"message,omitempty"`
	RecordID   string    `json:"recordId,omitempty"`
	ActivityID string    `json:"activityId,omitempty"`
	Created    bool      `json:"created,omitempty"`
	State      string    `json:"state,omitempty"`
	At         time.Time `json:"at"`
}

type EngineOptions struct {
	Store    *CallEventStore
	Resolver Resolver
	Writer   ActivityWriter
	// Finder defaults to Writer when it implements ActivityFinder.
	Finder ActivityFinder

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Deadline bounds all upstream work for one event: resolve, find and
	// write share it.
	Deadline time.Duration

	Metrics  *Metrics
	Tracer   trace.Tracer
	Observer func(Outcome)
}

// Engine correlates call events to one activity per call.
type Engine struct {
	store       *CallEventStore
	resolver    Resolver
	writer      ActivityWriter
	finder      ActivityFinder
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	deadline    time.Duration
	metrics     *Metrics
	tracer      trace.Tracer
	observer    func(Outcome)
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Resolver == nil || opts.Writer == nil {
		return nil, fmt.Errorf("%w: engine requires a resolver and an activity writer", ErrInvalidInput)
	}
	store := opts.Store
	if store == nil {
		store = NewCallEventStore(CallEventStoreOptions{})
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = 20 * time.Second
	}
	finder := opts.Finder
	if finder == nil {
		finder, _ = opts.Writer.(ActivityFinder)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/agentworkforce/rinkelrelay/internal/relay")
	}
	return &Engine{
		store:       store,
		resolver:    opts.Resolver,
		writer:      opts.Writer,
		finder:      finder,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		deadline:    deadline,
		metrics:     opts.Metrics,
		tracer:      tracer,
		observer:    opts.Observer,
	}, nil
}

func (e *Engine) Store() *CallEventStore {
	return e.store
}

// Handle applies one event. It returns nil or a *Error whose Kind tells the
// caller whether redelivery can help.
func (e *Engine) Handle(ctx context.Context, event CallEvent) error {
	_, err := e.Apply(ctx, event)
	return err
}

// Apply is Handle that also reports what was written.
func (e *Engine) Apply(ctx context.Context, event CallEvent) (Outcome, error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "relay.Handle", trace.WithAttributes(
		attribute.String("call.id", event.CallID),
		attribute.String("call.phase", string(event.Phase)),
	))
	defer span.End()

	outcome, err := e.handle(ctx, event)
	e.metrics.observeEvent(event.Phase, err, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("activity.id", outcome.ActivityID))
	}
	outcome.CallID = event.CallID
	outcome.Phase = event.Phase
	outcome.Result = outcomeLabel(err)
	if err != nil {
		outcome.Message = err.Error()
	}
	outcome.At = time.Now().UTC()
	if e.observer != nil {
		e.observer(outcome)
	}
	return outcome, err
}

func (e *Engine) handle(ctx context.Context, event CallEvent) (Outcome, error) {
	var outcome Outcome
	if err := event.Validate(); err != nil {
		return outcome, err
	}

	handle, err := e.store.Acquire(ctx, event.CallID)
	if err != nil {
		return outcome, &Error{Kind: KindUpstreamUnavailable, CallID: event.CallID, Msg: "acquire correlation entry", Err: err}
	}
	defer handle.Release()

	upstreamCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	entry := handle.Entry()
	if entry.RecordID == "" {
		if strings.TrimSpace(event.CallerNumber) == "" {
			return outcome, malformed(event.CallID, "callerNumber is required while the call has no record")
		}
		var match MatchedRecord
		err := e.retry(upstreamCtx, "resolve", func(ctx context.Context) error {
			var resolveErr error
			match, resolveErr = e.resolver.Resolve(ctx, event.CallerNumber)
			return resolveErr
		})
		if err != nil {
			return outcome, upstreamFailure(event.CallID, "resolve record", err)
		}
		if !match.Matched() {
			return outcome, &Error{Kind: KindNoMatchingRecord, CallID: event.CallID, Msg: "caller number does not resolve to a single record"}
		}
		entry.RecordID = match.RecordID
	}
	outcome.RecordID = entry.RecordID

	merge(&entry, event)
	content := Compose(entry)

	decision := Decide(entry)
	if decision.Create && e.finder != nil {
		var existing string
		err := e.retry(upstreamCtx, "find", func(ctx context.Context) error {
			var findErr error
			existing, findErr = e.finder.FindByCallID(ctx, event.CallID)
			return findErr
		})
		if err != nil {
			return outcome, upstreamFailure(event.CallID, "find activity", err)
		}
		if existing = strings.TrimSpace(existing); existing != "" {
			entry.ActivityID = existing
			decision = Decide(entry)
		}
	}
	if decision.Create {
		var activityID string
		err := e.retry(upstreamCtx, "create", func(ctx context.Context) error {
			var createErr error
			activityID, createErr = e.writer.Create(ctx, entry.RecordID, content)
			return createErr
		})
		if err != nil {
			return outcome, upstreamFailure(event.CallID, "create activity", err)
		}
		if strings.TrimSpace(activityID) == "" {
			return outcome, &Error{Kind: KindUpstreamRejected, CallID: event.CallID, Msg: "create activity returned no id"}
		}
		entry.ActivityID = activityID
		outcome.Created = true
	} else {
		err := e.retry(upstreamCtx, "update", func(ctx context.Context) error {
			return e.writer.Update(ctx, decision.ActivityID, content)
		})
		if err != nil {
			return outcome, upstreamFailure(event.CallID, "update activity", err)
		}
	}
	outcome.ActivityID = entry.ActivityID

	if err := handle.Save(ctx, entry); err != nil {
		return outcome, &Error{Kind: KindUpstreamUnavailable, CallID: event.CallID, Msg: "persist correlation entry", Err: err}
	}
	outcome.State = entry.State()
	return outcome, nil
}

// merge overwrites the slot for the event's phase. A pending insights event
// never replaces insights that are already available.
func merge(entry *CorrelationEntry, event CallEvent) {
	switch event.Phase {
	case PhaseEnded:
		ended := event.endedData()
		entry.Ended = &ended
	case PhaseInsightsReady:
		if event.InsightsPending && entry.Insights != nil && !entry.Insights.Pending {
			return
		}
		insights := event.insightsData()
		entry.Insights = &insights
	}
}

// retry runs fn under the engine's backoff policy. ctx carries the event
// deadline.
func (e *Engine) retry(ctx context.Context, operation string, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.baseDelay
	policy.MaxInterval = e.maxDelay
	policy.MaxElapsedTime = 0
	policy.Reset()

	op := func() error {
		err := fn(ctx)
		e.metrics.observeAttempt(operation, err)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxAttempts-1)), ctx))
}

func upstreamFailure(callID, msg string, err error) *Error {
	if IsPermanent(err) {
		return &Error{Kind: KindUpstreamRejected, CallID: callID, Msg: msg, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		msg += " (deadline exceeded)"
	}
	return &Error{Kind: KindUpstreamUnavailable, CallID: callID, Msg: msg, Err: err}
}
