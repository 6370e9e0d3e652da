package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNoMatchingRecord    = errors.New("no matching record")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamRejected    = errors.New("upstream rejected")
	ErrMalformedEvent      = errors.New("malformed event")

	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrQueueFull    = errors.New("queue full")
)

// ErrorKind is the failure class returned by Engine.Handle.
type ErrorKind string

const (
	KindNoMatchingRecord    ErrorKind = "no_matching_record"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindUpstreamRejected    ErrorKind = "upstream_rejected"
	KindMalformedEvent      ErrorKind = "malformed_event"
)

// Retryable reports whether redelivering the same event may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindUpstreamUnavailable
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNoMatchingRecord:
		return ErrNoMatchingRecord
	case KindUpstreamUnavailable:
		return ErrUpstreamUnavailable
	case KindUpstreamRejected:
		return ErrUpstreamRejected
	case KindMalformedEvent:
		return ErrMalformedEvent
	default:
		return nil
	}
}

type Error struct {
	Kind   ErrorKind
	CallID string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.CallID != "" {
		msg += " callId=" + e.CallID
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel := e.Kind.sentinel()
	return sentinel != nil && target == sentinel
}

// KindOf returns the kind of a *Error anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind, true
	}
	return "", false
}

func malformed(callID, format string, args ...any) *Error {
	return &Error{Kind: KindMalformedEvent, CallID: callID, Msg: fmt.Sprintf(format, args...)}
}

type upstreamError struct {
	err       error
	permanent bool
}

func (e *upstreamError) Error() string {
	return e.err.Error()
}

func (e *upstreamError) Unwrap() error {
	return e.err
}

// Permanent marks a collaborator error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &upstreamError{err: err, permanent: true}
}

// Transient marks a collaborator error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &upstreamError{err: err}
}

// IsPermanent classifies a collaborator error. Errors marked with Permanent,
// or implementing Temporary() returning false, are permanent. Context and
// network errors and anything unclassified are transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var marked *upstreamError
	if errors.As(err, &marked) {
		return marked.permanent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return !temp.Temporary()
	}
	return false
}
