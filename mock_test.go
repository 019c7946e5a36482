package actionqueue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

// mockBackend is a thread-safe in-memory Backend with error injection.
type mockBackend struct {
	mu   sync.Mutex
	data map[string][]byte

	getErr    error
	setErr    error
	removeErr error

	setCalls    int
	removeCalls int
}

func newMockBackend() *mockBackend {
	return &mockBackend{data: make(map[string][]byte)}
}

func (m *mockBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *mockBackend) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = slices.Clone(value)
	return nil
}

func (m *mockBackend) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls++
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.data, key)
	return nil
}

func (m *mockBackend) failSets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

func (m *mockBackend) raw(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.data[key])
}

// mockTransport records requests and answers from a per-endpoint script.
// Endpoints without a script succeed.
type mockTransport struct {
	mu       sync.Mutex
	requests []Request
	results  map[string][]error
	// before runs ahead of every request, outside the lock.
	before func(req Request)
	block  chan struct{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{results: make(map[string][]error)}
}

// script queues errors for endpoint; a nil entry is a success.
func (m *mockTransport) script(endpoint string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[endpoint] = append(m.results[endpoint], errs...)
}

func (m *mockTransport) Do(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	before := m.before
	block := m.block
	m.mu.Unlock()

	if before != nil {
		before(req)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if queue := m.results[req.Endpoint]; len(queue) > 0 {
		err := queue[0]
		m.results[req.Endpoint] = queue[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Response{StatusCode: 200}, nil
}

func (m *mockTransport) endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.requests))
	for i, r := range m.requests {
		out[i] = r.Endpoint
	}
	return out
}

// mockReporter captures dead letters.
type mockReporter struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (m *mockReporter) Report(_ context.Context, dl DeadLetter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, dl)
}

func (m *mockReporter) reported() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.letters)
}

// mockNATS captures published messages for test assertions.
type mockNATS struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

func newMockNATS() *mockNATS {
	return &mockNATS{}
}

func (m *mockNATS) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (m *mockNATS) published() []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]publishedMsg, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// networkErr is classified as retryable by the default rules.
func networkErr(msg string) error {
	return NewCodedError("NETWORK_ERROR", fmt.Errorf("%s", msg))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// Verify interfaces at compile time.
var _ Backend = (*mockBackend)(nil)
var _ Transport = (*mockTransport)(nil)
var _ Reporter = (*mockReporter)(nil)
var _ NATSPublisher = (*mockNATS)(nil)
var _ Backend = (*MemoryBackend)(nil)
var _ Backend = (*BoltBackend)(nil)
var _ Backend = (*SQLiteBackend)(nil)
var _ Backend = (*PostgresBackend)(nil)
var _ NetworkMonitor = (*ManualMonitor)(nil)
var _ NetworkMonitor = (*ProbeMonitor)(nil)
var _ NetworkMonitor = (*NATSMonitor)(nil)
var _ Reporter = (*Publisher)(nil)
var _ Transport = (*HTTPTransport)(nil)
var _ Enqueuer = (*Queue)(nil)
