// Package backpressure names the ways ingestion can refuse an event and how a
// source reacts to it.
package backpressure

import (
	"errors"
	"fmt"
	"strings"
)

// Reason explains why an event was not accepted. The zero value means the
// event was accepted.
type Reason int

const (
	None Reason = iota
	// EventsAccumulated means the ingestion buffer is full or the downstream
	// has not requested more events.
	EventsAccumulated
	// MaxConcurrencyExceeded means the in-flight limit is reached.
	MaxConcurrencyExceeded
	// RequiredPoolBusy means a pool kept rejecting the event after retries.
	RequiredPoolBusy
)

func (r Reason) String() string {
	switch r {
	case None:
		return "NONE"
	case EventsAccumulated:
		return "EVENTS_ACCUMULATED"
	case MaxConcurrencyExceeded:
		return "MAX_CONCURRENCY_EXCEEDED"
	case RequiredPoolBusy:
		return "REQUIRED_POOL_BUSY"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Policy is how the event source reacts to backpressure.
type Policy int

const (
	// Wait blocks the source until the event is admitted.
	Wait Policy = iota
	// Fail rejects the event with an overload error.
	Fail
	// Drop rejects the event; the source discards it instead of redelivering.
	Drop
)

func (p Policy) String() string {
	switch p {
	case Wait:
		return "WAIT"
	case Fail:
		return "FAIL"
	case Drop:
		return "DROP"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts WAIT, FAIL or DROP in any case. The empty string is Wait.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "WAIT":
		return Wait, nil
	case "FAIL":
		return Fail, nil
	case "DROP":
		return Drop, nil
	default:
		return Wait, fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// ErrOverload matches every OverloadError via errors.Is.
var ErrOverload = errors.New("flowdispatch: flow overloaded")

// OverloadError is returned instead of a business error when an event could
// not be admitted or placed.
type OverloadError struct {
	Reason Reason
	// Flow is the strategy or flow that refused the event.
	Flow string
	// Pool is set for RequiredPoolBusy.
	Pool string
	Err  error
}

// NewOverload builds an OverloadError.
func NewOverload(flow string, reason Reason) *OverloadError {
	return &OverloadError{Flow: flow, Reason: reason}
}

func (e *OverloadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "flowdispatch: flow %q backpressure: %s", e.Flow, e.Reason)
	if e.Pool != "" {
		fmt.Fprintf(&b, " (pool %s)", e.Pool)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *OverloadError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrOverload and OverloadErrors with the same reason.
func (e *OverloadError) Is(target error) bool {
	if target == ErrOverload {
		return true
	}
	other, ok := target.(*OverloadError)
	return ok && other.Reason == e.Reason && other.Flow == "" && other.Pool == ""
}

// Sentinels for errors.Is checks against a specific reason.
var (
	ErrEventsAccumulated      = &OverloadError{Reason: EventsAccumulated}
	ErrMaxConcurrencyExceeded = &OverloadError{Reason: MaxConcurrencyExceeded}
	ErrRequiredPoolBusy       = &OverloadError{Reason: RequiredPoolBusy}
)

// ReasonOf returns the reason carried by err, or None for business errors.
func ReasonOf(err error) Reason {
	var overload *OverloadError
	if errors.As(err, &overload) {
		return overload.Reason
	}
	return None
}

// IsOverload reports whether err is backpressure rather than a business error.
func IsOverload(err error) bool {
	return errors.Is(err, ErrOverload)
}
