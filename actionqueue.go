// Package actionqueue provides a durable queue of side-effecting requests
// that must survive loss of connectivity, and the retry engine used to replay
// them. Actions are persisted on every mutation and drained in priority order
// whenever the network monitor reports connectivity.
package actionqueue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders actions within a drain pass.
type Priority string

// Action priorities, highest first.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank returns the processing rank of p; lower ranks are processed first.
// Unknown priorities rank as normal.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// Reasons an action can be permanently removed from the queue.
const (
	ReasonExhausted = "exhausted"
	ReasonRejected  = "rejected"
	ReasonEvicted   = "evicted"
)

// DefaultSubjectPrefix is the NATS subject prefix for dropped-action events.
const DefaultSubjectPrefix = "actionqueue.dropped"

// NATS subjects for dropped-action events under the default prefix.
const (
	SubjectDroppedExhausted = DefaultSubjectPrefix + "." + ReasonExhausted
	SubjectDroppedRejected  = DefaultSubjectPrefix + "." + ReasonRejected
	SubjectDroppedEvicted   = DefaultSubjectPrefix + "." + ReasonEvicted
)

// Action is a persisted, replayable request awaiting execution.
type Action struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Endpoint     string            `json:"endpoint"`
	Method       string            `json:"method"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	EnqueuedAt   int64             `json:"enqueued_at"` // unix milliseconds
	AttemptsMade int               `json:"attempts_made"`
	MaxAttempts  int               `json:"max_attempts"`
	Priority     Priority          `json:"priority"`
	LastError    string            `json:"last_error,omitempty"`
	// NotBefore holds back the next attempt until this unix millisecond
	// after a retryable failure. Zero means due now.
	NotBefore int64 `json:"not_before,omitempty"`
	// Seq is the insertion sequence; it breaks ties on EnqueuedAt.
	Seq uint64 `json:"seq"`
}

// Request builds the transport request that replays a.
func (a Action) Request() Request {
	return Request{
		Endpoint: a.Endpoint,
		Method:   a.Method,
		Payload:  a.Payload,
		Headers:  a.Headers,
	}
}

// Summary returns the observer view of a.
func (a Action) Summary() ActionSummary {
	s := ActionSummary{
		ID:           a.ID,
		Kind:         a.Kind,
		Endpoint:     a.Endpoint,
		Method:       a.Method,
		Priority:     a.Priority,
		AttemptsMade: a.AttemptsMade,
		MaxAttempts:  a.MaxAttempts,
		EnqueuedAt:   time.UnixMilli(a.EnqueuedAt).UTC(),
		LastError:    a.LastError,
	}
	if a.NotBefore > 0 {
		next := time.UnixMilli(a.NotBefore).UTC()
		s.NextAttemptAt = &next
	}
	return s
}

// due reports whether a may be attempted at now.
func (a Action) due(now time.Time) bool {
	return a.NotBefore <= now.UnixMilli()
}

// ActionSpec is what callers submit to AddToQueue.
type ActionSpec struct {
	Kind        string            `json:"kind" validate:"max=128"`
	Endpoint    string            `json:"endpoint" validate:"required,max=2048"`
	Method      string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty" validate:"gte=0,lte=100"`
	Priority    Priority          `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
}

// normalize upper-cases the method and trims the endpoint.
func (s ActionSpec) normalize() ActionSpec {
	s.Method = strings.ToUpper(strings.TrimSpace(s.Method))
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	return s
}

// ActionSummary is the read-only view of a queued action exposed to observers.
type ActionSummary struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	Priority     Priority  `json:"priority"`
	AttemptsMade int       `json:"attempts_made"`
	MaxAttempts  int       `json:"max_attempts"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	LastError    string    `json:"last_error,omitempty"`
	// NextAttemptAt is set while the action is backing off.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// DeadLetter describes an action permanently removed without succeeding.
type DeadLetter struct {
	DeadLetterID string    `json:"dead_letter_id"`
	ActionID     string    `json:"action_id"`
	Kind         string    `json:"kind"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	Priority     Priority  `json:"priority"`
	Reason       string    `json:"reason"`
	ReasonDetail string    `json:"reason_detail,omitempty"`
	AttemptsMade int       `json:"attempts_made"`
	MaxAttempts  int       `json:"max_attempts"`
	DroppedAt    time.Time `json:"dropped_at"`
}

func newDeadLetter(a Action, reason string, cause error) DeadLetter {
	dl := DeadLetter{
		DeadLetterID: uuid.New().String(),
		ActionID:     a.ID,
		Kind:         a.Kind,
		Endpoint:     a.Endpoint,
		Method:       a.Method,
		Priority:     a.Priority,
		Reason:       reason,
		AttemptsMade: a.AttemptsMade,
		MaxAttempts:  a.MaxAttempts,
		DroppedAt:    time.Now().UTC(),
	}
	if cause != nil {
		dl.ReasonDetail = cause.Error()
	}
	return dl
}

// SubjectForReason returns the NATS subject to publish a dropped action to.
func SubjectForReason(prefix, reason string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	switch reason {
	case ReasonExhausted, ReasonRejected, ReasonEvicted:
		return prefix + "." + reason
	default:
		return prefix + ".unknown"
	}
}
