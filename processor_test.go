package actionqueue

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type processorFixture struct {
	proc      *Processor
	store     *Store
	monitor   *ManualMonitor
	transport *mockTransport
	reporter  *mockReporter
}

// fastPolicy is the network policy with millisecond backoff.
func fastPolicy() Policy {
	p := NetworkPolicy()
	p.BaseDelay = 5 * time.Millisecond
	p.MaxDelay = 20 * time.Millisecond
	return p
}

func newProcessorFixture(t *testing.T, online bool) *processorFixture {
	t.Helper()
	return newProcessorFixtureWith(t, online, ProcessorConfig{
		Policy:         fastPolicy(),
		InterPassDelay: 10 * time.Millisecond,
	})
}

func newProcessorFixtureWith(t *testing.T, online bool, cfg ProcessorConfig) *processorFixture {
	t.Helper()
	store, rep := newTestStore(newMockBackend(), 10)
	monitor := NewManualMonitor(online)
	transport := newMockTransport()
	proc := NewProcessor(store, transport, monitor, cfg)
	t.Cleanup(proc.Stop)
	return &processorFixture{proc: proc, store: store, monitor: monitor, transport: transport, reporter: rep}
}

func (f *processorFixture) idleAndEmpty() bool {
	return f.store.Len() == 0 && f.proc.State() == StateIdle && !f.store.Status().IsProcessing
}

func TestProcessor_DrainsInPriorityOrder(t *testing.T) {
	f := newProcessorFixture(t, true)
	mustEnqueue(t, f.store, Action{Kind: "A", Endpoint: "/a", Method: "POST", Priority: PriorityLow, EnqueuedAt: 1})
	mustEnqueue(t, f.store, Action{Kind: "B", Endpoint: "/b", Method: "POST", Priority: PriorityHigh, EnqueuedAt: 2})
	mustEnqueue(t, f.store, Action{Kind: "C", Endpoint: "/c", Method: "POST", Priority: PriorityNormal, EnqueuedAt: 3})

	f.proc.Start(context.Background())
	waitFor(t, f.idleAndEmpty)

	got := f.transport.endpoints()
	want := []string{"/b", "/c", "/a"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if len(f.reporter.reported()) != 0 {
		t.Error("expected no dropped actions")
	}
}

func TestProcessor_ConnectivityLossMidDrain(t *testing.T) {
	f := newProcessorFixture(t, true)
	mustEnqueue(t, f.store, Action{Kind: "A", Endpoint: "/a", Method: "POST", Priority: PriorityLow, EnqueuedAt: 1})
	mustEnqueue(t, f.store, Action{Kind: "B", Endpoint: "/b", Method: "POST", Priority: PriorityHigh, EnqueuedAt: 2})
	mustEnqueue(t, f.store, Action{Kind: "C", Endpoint: "/c", Method: "POST", Priority: PriorityNormal, EnqueuedAt: 3})

	// The network drops while the first action is in flight.
	f.transport.mu.Lock()
	f.transport.before = func(Request) { f.monitor.SetOnline(false) }
	f.transport.mu.Unlock()

	f.proc.Start(context.Background())
	waitFor(t, func() bool {
		return f.proc.State() == StateWaitingForConnectivity && !f.store.Status().IsProcessing
	})

	if got := f.transport.endpoints(); !reflect.DeepEqual(got, []string{"/b"}) {
		t.Fatalf("expected only /b executed, got %v", got)
	}
	if f.store.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", f.store.Len())
	}
	for _, a := range f.store.Snapshot() {
		if a.AttemptsMade != 0 {
			t.Errorf("remaining action %s should be untouched, got %d attempts", a.Kind, a.AttemptsMade)
		}
	}

	f.transport.mu.Lock()
	f.transport.before = nil
	f.transport.mu.Unlock()

	f.monitor.SetOnline(true)
	waitFor(t, f.idleAndEmpty)

	want := []string{"/b", "/c", "/a"}
	if got := f.transport.endpoints(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestProcessor_RetriesAcrossPasses(t *testing.T) {
	f := newProcessorFixture(t, true)
	f.transport.script("/flaky", networkErr("connection reset"), &StatusError{StatusCode: 503}, nil)
	mustEnqueue(t, f.store, Action{Kind: "flaky", Endpoint: "/flaky", Method: "POST", MaxAttempts: 3})

	f.proc.Start(context.Background())
	waitFor(t, f.idleAndEmpty)

	if n := len(f.transport.endpoints()); n != 3 {
		t.Errorf("expected 3 requests, got %d", n)
	}
	if len(f.reporter.reported()) != 0 {
		t.Error("successful action should not be reported")
	}
}

func TestProcessor_ExhaustedActionDroppedOnce(t *testing.T) {
	f := newProcessorFixture(t, true)
	f.transport.script("/down", networkErr("a"), networkErr("b"), networkErr("c"), networkErr("d"))
	id := mustEnqueue(t, f.store, Action{Kind: "down", Endpoint: "/down", Method: "POST", MaxAttempts: 3})

	f.proc.Start(context.Background())
	waitFor(t, f.idleAndEmpty)

	// Give a stray pass the chance to run.
	time.Sleep(50 * time.Millisecond)

	// One attempt per pass: the queue counter is the only budget.
	if n := len(f.transport.endpoints()); n != 3 {
		t.Errorf("expected exactly 3 requests, got %d", n)
	}
	letters := f.reporter.reported()
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].ActionID != id || letters[0].Reason != ReasonExhausted || letters[0].AttemptsMade != 3 {
		t.Errorf("unexpected dead letter: %+v", letters[0])
	}
}

func TestProcessor_NonRetryableRejected(t *testing.T) {
	f := newProcessorFixture(t, true)
	f.transport.script("/bad", &StatusError{StatusCode: 400})
	mustEnqueue(t, f.store, Action{Kind: "bad", Endpoint: "/bad", Method: "POST", MaxAttempts: 5})

	f.proc.Start(context.Background())
	waitFor(t, f.idleAndEmpty)

	if n := len(f.transport.endpoints()); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}
	letters := f.reporter.reported()
	if len(letters) != 1 || letters[0].Reason != ReasonRejected {
		t.Errorf("expected one rejected dead letter, got %+v", letters)
	}
}

func TestProcessor_WaitsWhileOffline(t *testing.T) {
	f := newProcessorFixture(t, false)
	mustEnqueue(t, f.store, Action{Kind: "k", Endpoint: "/x", Method: "POST"})

	f.proc.Start(context.Background())
	if f.proc.State() != StateWaitingForConnectivity {
		t.Errorf("expected waiting_for_connectivity, got %s", f.proc.State())
	}
	if f.proc.Trigger() {
		t.Error("trigger should not start a pass while offline")
	}
	if n := len(f.transport.endpoints()); n != 0 {
		t.Errorf("expected no requests while offline, got %d", n)
	}

	f.monitor.SetOnline(true)
	waitFor(t, f.idleAndEmpty)
}

func TestProcessor_SingleFlight(t *testing.T) {
	f := newProcessorFixture(t, true)
	block := make(chan struct{})
	f.transport.block = block
	mustEnqueue(t, f.store, Action{Kind: "k", Endpoint: "/x", Method: "POST"})

	f.proc.Start(context.Background())
	waitFor(t, func() bool { return f.proc.State() == StateDraining })

	if f.proc.Trigger() {
		t.Error("second trigger should be a no-op while draining")
	}

	close(block)
	waitFor(t, f.idleAndEmpty)
	if n := len(f.transport.endpoints()); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}
}

func TestProcessor_EnqueuedDuringDrainRunsNextPass(t *testing.T) {
	f := newProcessorFixture(t, true)
	block := make(chan struct{})
	f.transport.block = block
	mustEnqueue(t, f.store, Action{Kind: "first", Endpoint: "/first", Method: "POST"})

	f.proc.Start(context.Background())
	waitFor(t, func() bool { return f.proc.State() == StateDraining })

	mustEnqueue(t, f.store, Action{Kind: "second", Endpoint: "/second", Method: "POST", Priority: PriorityHigh})
	close(block)

	waitFor(t, f.idleAndEmpty)
	want := []string{"/first", "/second"}
	if got := f.transport.endpoints(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestProcessor_StopLeavesInFlightActionUntouched(t *testing.T) {
	f := newProcessorFixture(t, true)
	f.transport.block = make(chan struct{})
	id := mustEnqueue(t, f.store, Action{Kind: "k", Endpoint: "/x", Method: "POST"})

	f.proc.Start(context.Background())
	waitFor(t, func() bool { return f.proc.State() == StateDraining })

	done := make(chan struct{})
	go func() {
		f.proc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	a, ok := f.store.Get(id)
	if !ok {
		t.Fatal("action should remain queued")
	}
	if a.AttemptsMade != 0 {
		t.Errorf("expected 0 attempts, got %d", a.AttemptsMade)
	}
	if f.proc.State() != StateIdle {
		t.Errorf("expected idle after stop, got %s", f.proc.State())
	}
	if f.proc.Trigger() {
		t.Error("trigger after stop should be a no-op")
	}
}

func TestProcessor_SkipsActionsRemovedMidPass(t *testing.T) {
	f := newProcessorFixture(t, true)
	idA := mustEnqueue(t, f.store, Action{Kind: "A", Endpoint: "/a", Method: "POST", EnqueuedAt: 1})
	idB := mustEnqueue(t, f.store, Action{Kind: "B", Endpoint: "/b", Method: "POST", EnqueuedAt: 2})

	f.transport.mu.Lock()
	f.transport.before = func(req Request) {
		if req.Endpoint == "/a" {
			_ = f.store.Remove(context.Background(), idB)
		}
	}
	f.transport.mu.Unlock()

	f.proc.Start(context.Background())
	waitFor(t, f.idleAndEmpty)

	if got := f.transport.endpoints(); !reflect.DeepEqual(got, []string{"/a"}) {
		t.Errorf("expected only /a executed, got %v", got)
	}
	if _, ok := f.store.Get(idA); ok {
		t.Error("A should have succeeded")
	}
}

func (f *processorFixture) timerArmed() bool {
	f.proc.mu.Lock()
	defer f.proc.mu.Unlock()
	return f.proc.timer != nil
}

func TestProcessor_BackoffHoldsBackNextAttempt(t *testing.T) {
	policy := NetworkPolicy()
	policy.BaseDelay = time.Hour
	policy.MaxDelay = time.Hour

	var mu sync.Mutex
	var retried []int
	policy.OnRetry = func(attempt int, _ error) {
		mu.Lock()
		retried = append(retried, attempt)
		mu.Unlock()
	}

	f := newProcessorFixtureWith(t, true, ProcessorConfig{Policy: policy, InterPassDelay: 10 * time.Millisecond})
	f.transport.script("/down", networkErr("a"), networkErr("b"), networkErr("c"))
	id := mustEnqueue(t, f.store, Action{Kind: "down", Endpoint: "/down", Method: "POST", MaxAttempts: 3})

	f.proc.Start(context.Background())
	waitFor(t, func() bool {
		a, _ := f.store.Get(id)
		return a.AttemptsMade == 1 && f.proc.State() == StateIdle && !f.store.Status().IsProcessing
	})

	// Many inter-pass delays elapse; the action is still backing off.
	time.Sleep(100 * time.Millisecond)
	if f.proc.Trigger() {
		waitFor(t, func() bool { return !f.store.Status().IsProcessing })
	}

	if n := len(f.transport.endpoints()); n != 1 {
		t.Errorf("expected 1 request during backoff, got %d", n)
	}
	a, ok := f.store.Get(id)
	if !ok {
		t.Fatal("action should remain queued")
	}
	if earliest := time.Now().Add(59 * time.Minute).UnixMilli(); a.NotBefore < earliest {
		t.Errorf("expected next attempt about an hour away, got %s", time.UnixMilli(a.NotBefore))
	}
	if a.Summary().NextAttemptAt == nil {
		t.Error("summary should expose the next attempt time")
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(retried, []int{1}) {
		t.Errorf("expected OnRetry for attempt 1, got %v", retried)
	}
}

func TestProcessor_BackoffDueActionRuns(t *testing.T) {
	f := newProcessorFixture(t, true)
	f.transport.script("/flaky", networkErr("reset"), nil)
	id := mustEnqueue(t, f.store, Action{Kind: "flaky", Endpoint: "/flaky", Method: "POST", MaxAttempts: 3})

	f.proc.Start(context.Background())
	waitFor(t, f.idleAndEmpty)

	if n := len(f.transport.endpoints()); n != 2 {
		t.Errorf("expected 2 requests, got %d", n)
	}
	if _, ok := f.store.Get(id); ok {
		t.Error("action should have succeeded on its second attempt")
	}
}

func TestProcessor_RetriesCountedInMetric(t *testing.T) {
	policy := fastPolicy()
	policy.OnRetry = CountRetry
	f := newProcessorFixtureWith(t, true, ProcessorConfig{Policy: policy, InterPassDelay: 10 * time.Millisecond})
	f.transport.script("/flaky", networkErr("a"), &StatusError{StatusCode: 503}, nil)
	mustEnqueue(t, f.store, Action{Kind: "flaky", Endpoint: "/flaky", Method: "POST", MaxAttempts: 3})

	before := testutil.ToFloat64(retryAttempts)
	f.proc.Start(context.Background())
	waitFor(t, f.idleAndEmpty)

	if got := testutil.ToFloat64(retryAttempts) - before; got != 2 {
		t.Errorf("expected 2 retries counted, got %v", got)
	}
}

func TestDefaultProcessorConfig_CountsRetries(t *testing.T) {
	if DefaultProcessorConfig().Policy.OnRetry == nil {
		t.Error("default config should count retries")
	}
}

func TestProcessor_CancelledContextSchedulesNoPass(t *testing.T) {
	f := newProcessorFixture(t, true)
	f.transport.block = make(chan struct{})
	id := mustEnqueue(t, f.store, Action{Kind: "k", Endpoint: "/x", Method: "POST"})

	ctx, cancel := context.WithCancel(context.Background())
	f.proc.Start(ctx)
	waitFor(t, func() bool { return f.proc.State() == StateDraining })

	cancel()
	waitFor(t, func() bool { return f.proc.State() == StateIdle && !f.store.Status().IsProcessing })

	if f.timerArmed() {
		t.Error("no pass should be scheduled after the context is cancelled")
	}
	a, ok := f.store.Get(id)
	if !ok || a.AttemptsMade != 0 {
		t.Errorf("cancelled action should be left untouched: %+v", a)
	}
}

func TestProcessor_FiredCancelTokenSchedulesNoPass(t *testing.T) {
	policy := fastPolicy()
	policy.Cancel = NewCancelToken()
	policy.Cancel.Cancel()
	f := newProcessorFixtureWith(t, true, ProcessorConfig{Policy: policy, InterPassDelay: 10 * time.Millisecond})
	mustEnqueue(t, f.store, Action{Kind: "k", Endpoint: "/x", Method: "POST"})

	f.proc.Start(context.Background())
	waitFor(t, func() bool { return f.proc.State() == StateIdle && !f.store.Status().IsProcessing })
	time.Sleep(50 * time.Millisecond)

	if f.timerArmed() {
		t.Error("no pass should be scheduled once the cancel token fired")
	}
	if n := len(f.transport.endpoints()); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

func TestProcessor_ClearWhileOfflineReturnsToIdle(t *testing.T) {
	f := newProcessorFixture(t, false)
	mustEnqueue(t, f.store, Action{Kind: "k", Endpoint: "/x", Method: "POST"})

	f.proc.Start(context.Background())
	if f.proc.State() != StateWaitingForConnectivity {
		t.Fatalf("expected waiting_for_connectivity, got %s", f.proc.State())
	}

	if err := f.store.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	f.monitor.SetOnline(true)

	if f.proc.State() != StateIdle {
		t.Errorf("expected idle with an empty queue, got %s", f.proc.State())
	}
}

func TestProcessor_ClearDropsInterruptedPass(t *testing.T) {
	f := newProcessorFixture(t, true)
	mustEnqueue(t, f.store, Action{Kind: "A", Endpoint: "/a", Method: "POST", EnqueuedAt: 1})
	mustEnqueue(t, f.store, Action{Kind: "B", Endpoint: "/b", Method: "POST", EnqueuedAt: 2})

	f.transport.mu.Lock()
	f.transport.before = func(Request) { f.monitor.SetOnline(false) }
	f.transport.mu.Unlock()

	f.proc.Start(context.Background())
	waitFor(t, func() bool {
		return f.proc.State() == StateWaitingForConnectivity && !f.store.Status().IsProcessing
	})

	if err := f.store.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	f.monitor.SetOnline(true)

	f.proc.mu.Lock()
	pending := len(f.proc.pending)
	f.proc.mu.Unlock()
	if pending != 0 {
		t.Errorf("expected interrupted pass to be discarded, %d pending", pending)
	}
	if f.proc.State() != StateIdle {
		t.Errorf("expected idle, got %s", f.proc.State())
	}
	if got := f.transport.endpoints(); !reflect.DeepEqual(got, []string{"/a"}) {
		t.Errorf("expected only /a executed, got %v", got)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateDraining, "draining"},
		{StateWaitingForConnectivity, "waiting_for_connectivity"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}
