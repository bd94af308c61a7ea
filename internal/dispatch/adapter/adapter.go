// Package adapter defines the delivery adapter contract and ships the
// generic webhook adapter. An adapter receives the automation config plus the
// enriched transition event and either succeeds with a response snapshot or
// fails with a classified error: transient failures are retried by the
// dispatcher, permanent ones go straight to the dead letter queue.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request is the enriched event handed to an adapter.
type Request struct {
	AutomationID string
	Config       map[string]any

	EventType    string
	EventTs      time.Time
	DeviceID     string
	DeviceName   string
	GeofenceID   string
	GeofenceName string
	DwellSeconds int64
}

// Response is the snapshot stored on a successful delivery.
type Response struct {
	Status int
	Body   string
}

// Adapter delivers one event to an external sink.
type Adapter interface {
	Kind() string
	Deliver(ctx context.Context, req Request) (Response, error)
}

// PermanentError marks a failure that retrying cannot fix: bad configuration,
// a 4xx from the sink, a template that does not render to JSON.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is unrecoverable. Anything else is treated
// as transient and retried with backoff.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryAfterError wraps a transient failure where the sink asked for a
// minimum pause before the next attempt, typically via a Retry-After header.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfterHint extracts the sink-requested pause, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var re *RetryAfterError
	if errors.As(err, &re) && re.After > 0 {
		return re.After, true
	}
	return 0, false
}

// Registry maps automation kinds to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

func (r *Registry) Get(kind string) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}
