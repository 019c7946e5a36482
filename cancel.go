package actionqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCancelled marks an outcome aborted through a CancelToken or context.
var ErrCancelled = errors.New("operation cancelled")

// CancelToken is a cooperative cancellation handle. The zero value is not
// usable; create one with NewCancelToken. A nil *CancelToken never fires.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken returns a token that has not been cancelled.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel requests cancellation. Safe to call more than once.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation. A nil token returns nil,
// which blocks forever in a select.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// cancelled reports whether either ctx or token has fired.
func cancelled(ctx context.Context, token *CancelToken) bool {
	return ctx.Err() != nil || token.Cancelled()
}

// sleep waits for d, returning early with an error if ctx or token fires.
func sleep(ctx context.Context, token *CancelToken, d time.Duration) error {
	if d <= 0 {
		if cancelled(ctx, token) {
			return ErrCancelled
		}
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return ErrCancelled
	}
}
