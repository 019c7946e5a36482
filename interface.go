package actionqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// ErrNotFound is returned by a Backend when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Backend is the key-value persistence the Store writes its snapshot to.
// Implementations: MemoryBackend, BoltBackend, SQLiteBackend, PostgresBackend.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Request is the replayable description of a side-effecting call.
type Request struct {
	Endpoint string
	Method   string
	Payload  json.RawMessage
	Headers  map[string]string
}

// Response is what a Transport returns on success.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport executes requests on behalf of the queue. Any returned error is
// classified for retry by IsRetryable.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

// Do calls f.
func (f TransportFunc) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// NetworkMonitor surfaces connectivity. Subscribers are called on every
// transition; the returned func removes the subscription.
type NetworkMonitor interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Reporter receives actions that were permanently removed without succeeding.
type Reporter interface {
	Report(ctx context.Context, dl DeadLetter)
}
