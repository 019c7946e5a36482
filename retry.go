package actionqueue

import (
	"context"
	"fmt"
	"time"
)

// Policy configures one ExecuteWithRetry call.
type Policy struct {
	// MaxAttempts counts every attempt, including the first.
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// RetryableCodes are matched against an error's code or type name.
	RetryableCodes []string
	// ShouldRetry replaces the default retryability rules when set.
	ShouldRetry func(err error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error)
	Cancel  *CancelToken
}

// DefaultPolicy returns the queue-wide defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// NetworkPolicy retries network-class failures, 5xx, 408 and 429.
func NetworkPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      1 * time.Second,
		MaxDelay:       10 * time.Second,
		BackoffFactor:  2.0,
		RetryableCodes: []string{"ECONNRESET", "ECONNREFUSED", "ETIMEDOUT", "NETWORK_ERROR", "TIMEOUT"},
	}
}

// PaymentPolicy makes fewer, slower attempts and never retries card
// declines, insufficient funds or invalid cards.
func PaymentPolicy() Policy {
	p := Policy{
		MaxAttempts:    2,
		BaseDelay:      2 * time.Second,
		MaxDelay:       10 * time.Second,
		BackoffFactor:  2.0,
		RetryableCodes: []string{"NETWORK_ERROR", "TIMEOUT"},
	}
	p.ShouldRetry = PaymentRetryable(p.RetryableCodes)
	return p
}

// PaymentRetryable returns the payment retry predicate over codes: card
// declines, insufficient funds and invalid cards are never retried, anything
// else follows DefaultRetryable.
func PaymentRetryable(codes []string) func(err error) bool {
	return func(err error) bool {
		if isPaymentDecline(err) {
			return false
		}
		return DefaultRetryable(err, codes)
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	return p
}

// OutcomeKind is the terminal state of an ExecuteWithRetry call.
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota
	// OutcomeExhausted means every attempt failed with a retryable error.
	OutcomeExhausted
	// OutcomeNonRetryable means an attempt failed with a permanent error.
	OutcomeNonRetryable
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeNonRetryable:
		return "non_retryable"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of ExecuteWithRetry. Value is set when Succeeded,
// Err otherwise.
type Outcome[T any] struct {
	Succeeded    bool
	Value        T
	Err          error
	Kind         OutcomeKind
	AttemptsUsed int
	TotalDelay   time.Duration
}

// Cancelled reports whether the call was aborted by ctx or the policy token.
func (o Outcome[T]) Cancelled() bool { return o.Kind == OutcomeCancelled }

// Operation is a retryable unit of work.
type Operation[T any] func(ctx context.Context) (T, error)

// ExecuteWithRetry runs op until it succeeds, fails with a non-retryable
// error, runs out of attempts, or is cancelled through ctx or p.Cancel.
// It never panics on behalf of op; every result is reported in the Outcome.
func ExecuteWithRetry[T any](ctx context.Context, op Operation[T], p Policy) Outcome[T] {
	p = p.normalized()

	var out Outcome[T]
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if cancelled(ctx, p.Cancel) {
			return cancelledOutcome(ctx, out)
		}

		value, err := invoke(ctx, op)
		out.AttemptsUsed = attempt
		if err == nil {
			out.Succeeded = true
			out.Value = value
			out.Err = nil
			out.Kind = OutcomeSucceeded
			return out
		}
		out.Err = err

		if cancelled(ctx, p.Cancel) {
			return cancelledOutcome(ctx, out)
		}
		if !IsRetryable(err, p) {
			out.Kind = OutcomeNonRetryable
			return out
		}
		if attempt == p.MaxAttempts {
			out.Kind = OutcomeExhausted
			return out
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		delay := ComputeDelay(attempt, p)
		if err := sleep(ctx, p.Cancel, delay); err != nil {
			return cancelledOutcome(ctx, out)
		}
		out.TotalDelay += delay
	}

	// Unreachable: MaxAttempts >= 1 always returns inside the loop.
	out.Kind = OutcomeExhausted
	return out
}

// Do runs ExecuteWithRetry and returns the value or the final error.
func Do[T any](ctx context.Context, op Operation[T], p Policy) (T, error) {
	out := ExecuteWithRetry(ctx, op, p)
	if out.Succeeded {
		return out.Value, nil
	}
	var zero T
	return zero, out.Err
}

// WithTimeout bounds every attempt of op to d.
func WithTimeout[T any](op Operation[T], d time.Duration) Operation[T] {
	return func(ctx context.Context) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return op(ctx)
	}
}

func invoke[T any](ctx context.Context, op Operation[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()
	return op(ctx)
}

func cancelledOutcome[T any](ctx context.Context, out Outcome[T]) Outcome[T] {
	cause := ctx.Err()
	switch {
	case out.Err != nil && cause != nil:
		out.Err = fmt.Errorf("%w after %d attempts: %w", ErrCancelled, out.AttemptsUsed, cause)
	case out.Err != nil:
		out.Err = fmt.Errorf("%w after %d attempts: %w", ErrCancelled, out.AttemptsUsed, out.Err)
	case cause != nil:
		out.Err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	default:
		out.Err = ErrCancelled
	}
	out.Succeeded = false
	out.Kind = OutcomeCancelled
	return out
}
