package actionqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:   attempts,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func TestExecuteWithRetry_SucceedsFirstTry(t *testing.T) {
	out := ExecuteWithRetry(context.Background(), func(context.Context) (string, error) {
		return "ok", nil
	}, fastPolicy(3))

	assert.True(t, out.Succeeded)
	assert.Equal(t, "ok", out.Value)
	assert.NoError(t, out.Err)
	assert.Equal(t, OutcomeSucceeded, out.Kind)
	assert.Equal(t, 1, out.AttemptsUsed)
	assert.Zero(t, out.TotalDelay)
}

func TestExecuteWithRetry_PermanentFailureUsesEveryAttempt(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		var calls atomic.Int32
		out := ExecuteWithRetry(context.Background(), func(context.Context) (int, error) {
			calls.Add(1)
			return 0, networkErr("connection refused")
		}, fastPolicy(n))

		assert.False(t, out.Succeeded)
		assert.Equal(t, OutcomeExhausted, out.Kind)
		assert.Equal(t, n, out.AttemptsUsed)
		assert.EqualValues(t, n, calls.Load())
		assert.Error(t, out.Err)
	}
}

func TestExecuteWithRetry_FailsTwiceThenSucceeds(t *testing.T) {
	p := Policy{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
	}

	var calls atomic.Int32
	out := ExecuteWithRetry(context.Background(), func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", networkErr("network request failed")
		}
		return "done", nil
	}, p)

	require.True(t, out.Succeeded)
	assert.Equal(t, "done", out.Value)
	assert.Equal(t, 3, out.AttemptsUsed)
	// 100ms + 200ms before jitter.
	assert.GreaterOrEqual(t, out.TotalDelay, 300*time.Millisecond)
	assert.LessOrEqual(t, out.TotalDelay, 330*time.Millisecond)
}

func TestExecuteWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	out := ExecuteWithRetry(context.Background(), func(context.Context) (int, error) {
		calls.Add(1)
		return 0, &StatusError{StatusCode: 400}
	}, fastPolicy(5))

	assert.Equal(t, OutcomeNonRetryable, out.Kind)
	assert.Equal(t, 1, out.AttemptsUsed)
	assert.EqualValues(t, 1, calls.Load())

	var se *StatusError
	assert.ErrorAs(t, out.Err, &se)
}

func TestExecuteWithRetry_OnRetryObserved(t *testing.T) {
	var attempts []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error) {
		attempts = append(attempts, attempt)
		assert.Error(t, err)
	}

	ExecuteWithRetry(context.Background(), func(context.Context) (int, error) {
		return 0, &StatusError{StatusCode: 503}
	}, p)

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestExecuteWithRetry_PredicateOverridesDefaults(t *testing.T) {
	p := fastPolicy(4)
	p.ShouldRetry = func(err error) bool { return err.Error() == "try again" }

	var calls atomic.Int32
	out := ExecuteWithRetry(context.Background(), func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("try again")
	}, p)

	assert.Equal(t, OutcomeExhausted, out.Kind)
	assert.EqualValues(t, 4, calls.Load())

	// A 503 is retryable by default but not under this predicate.
	calls.Store(0)
	out = ExecuteWithRetry(context.Background(), func(context.Context) (int, error) {
		calls.Add(1)
		return 0, &StatusError{StatusCode: 503}
	}, p)
	assert.Equal(t, OutcomeNonRetryable, out.Kind)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecuteWithRetry_CancelledBeforeStart(t *testing.T) {
	token := NewCancelToken()
	token.Cancel()
	p := fastPolicy(3)
	p.Cancel = token

	var calls atomic.Int32
	out := ExecuteWithRetry(context.Background(), func(context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	}, p)

	assert.True(t, out.Cancelled())
	assert.Equal(t, 0, out.AttemptsUsed)
	assert.Zero(t, calls.Load())
	assert.ErrorIs(t, out.Err, ErrCancelled)
}

func TestExecuteWithRetry_CancelMidSleepReturnsPromptly(t *testing.T) {
	token := NewCancelToken()
	p := Policy{
		MaxAttempts:   3,
		BaseDelay:     10 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
		Cancel:        token,
	}

	time.AfterFunc(20*time.Millisecond, token.Cancel)

	start := time.Now()
	out := ExecuteWithRetry(context.Background(), func(context.Context) (int, error) {
		return 0, networkErr("timeout")
	}, p)

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, out.Cancelled())
	assert.False(t, out.Succeeded)
	assert.Equal(t, 1, out.AttemptsUsed)
	assert.ErrorIs(t, out.Err, ErrCancelled)
	assert.Zero(t, out.TotalDelay)
}

func TestExecuteWithRetry_ContextCancelMidSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 1}

	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	out := ExecuteWithRetry(ctx, func(context.Context) (int, error) {
		return 0, &StatusError{StatusCode: 502}
	}, p)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.ErrorIs(t, out.Err, ErrCancelled)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestExecuteWithRetry_PanicIsRecovered(t *testing.T) {
	out := ExecuteWithRetry(context.Background(), func(context.Context) (int, error) {
		panic("boom")
	}, fastPolicy(3))

	assert.False(t, out.Succeeded)
	assert.Equal(t, OutcomeNonRetryable, out.Kind)
	assert.Equal(t, 1, out.AttemptsUsed)
	assert.Contains(t, out.Err.Error(), "boom")
}

func TestExecuteWithRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls atomic.Int32
	out := ExecuteWithRetry(context.Background(), func(context.Context) (int, error) {
		calls.Add(1)
		return 0, networkErr("offline")
	}, Policy{})

	assert.Equal(t, 1, out.AttemptsUsed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDo_ReturnsFinalError(t *testing.T) {
	want := &StatusError{StatusCode: 404}
	_, err := Do(context.Background(), func(context.Context) (int, error) {
		return 0, want
	}, fastPolicy(3))
	assert.ErrorIs(t, err, want)

	v, err := Do(context.Background(), func(context.Context) (int, error) {
		return 7, nil
	}, fastPolicy(3))
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestWithTimeout_BoundsEachAttempt(t *testing.T) {
	op := WithTimeout(func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, 10*time.Millisecond)

	start := time.Now()
	out := ExecuteWithRetry(context.Background(), op, fastPolicy(2))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, OutcomeExhausted, out.Kind)
	assert.Equal(t, 2, out.AttemptsUsed)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestCancelToken(t *testing.T) {
	var nilToken *CancelToken
	assert.False(t, nilToken.Cancelled())
	nilToken.Cancel()

	token := NewCancelToken()
	assert.False(t, token.Cancelled())
	token.Cancel()
	token.Cancel()
	assert.True(t, token.Cancelled())

	select {
	case <-token.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestPolicyPresets(t *testing.T) {
	n := NetworkPolicy()
	assert.Equal(t, 3, n.MaxAttempts)

	p := PaymentPolicy()
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Greater(t, p.BaseDelay, n.BaseDelay)

	assert.Equal(t, 3, DefaultPolicy().MaxAttempts)
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "succeeded", OutcomeSucceeded.String())
	assert.Equal(t, "exhausted", OutcomeExhausted.String())
	assert.Equal(t, "non_retryable", OutcomeNonRetryable.String())
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
}
