package actionqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrProcessorStopped is returned when work is requested after Stop.
var ErrProcessorStopped = errors.New("processor stopped")

// DefaultInterPassDelay spaces drain passes that leave actions behind.
const DefaultInterPassDelay = 5 * time.Second

// State is the processor's position in its drain lifecycle.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StateWaitingForConnectivity
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateWaitingForConnectivity:
		return "waiting_for_connectivity"
	default:
		return "unknown"
	}
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// Policy classifies failures and spaces retries of a queued action with
	// its backoff. Its attempt budget is ignored: each action gets one
	// attempt per pass and the queue counts attempts. OnRetry is called when
	// a failed action is kept for another attempt.
	Policy Policy
	// InterPassDelay is the minimum gap between passes that leave actions
	// behind.
	InterPassDelay time.Duration
}

// DefaultProcessorConfig returns the network policy, counting retries in
// the retry metric, and the default pass delay.
func DefaultProcessorConfig() ProcessorConfig {
	policy := NetworkPolicy()
	policy.OnRetry = CountRetry
	return ProcessorConfig{
		Policy:         policy,
		InterPassDelay: DefaultInterPassDelay,
	}
}

// Processor drains a Store through a Transport whenever the NetworkMonitor
// reports connectivity. At most one pass runs at a time and actions within
// a pass execute sequentially.
type Processor struct {
	store     *Store
	transport Transport
	monitor   NetworkMonitor
	cfg       ProcessorConfig

	mu          sync.Mutex
	state       State
	started     bool
	stopped     bool
	pending     []Action // rest of a pass interrupted by connectivity loss
	timer       *time.Timer
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewProcessor creates a processor. Call Start to begin reacting to
// connectivity.
func NewProcessor(store *Store, transport Transport, monitor NetworkMonitor, cfg ProcessorConfig) *Processor {
	if cfg.InterPassDelay <= 0 {
		cfg.InterPassDelay = DefaultInterPassDelay
	}
	return &Processor{
		store:     store,
		transport: transport,
		monitor:   monitor,
		cfg:       cfg,
	}
}

// Start subscribes to connectivity changes and runs a first pass if the
// queue has work. In-flight attempts are cancelled when ctx is.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	unsubscribe := p.monitor.Subscribe(p.onConnectivity)

	p.mu.Lock()
	p.unsubscribe = unsubscribe
	p.mu.Unlock()

	p.Trigger()
}

// Stop cancels any in-flight attempt and pending pass, then waits for the
// active pass to return. An interrupted action is left untouched.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.stopTimerLocked()
	if p.cancel != nil {
		p.cancel()
	}
	unsubscribe := p.unsubscribe
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.setStateLocked(StateIdle)
	p.mu.Unlock()
	slog.Info("actionqueue processor: stopped", "queue_length", p.store.Len())
}

// Stopped reports whether Stop has been called.
func (p *Processor) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// State returns the current state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Trigger starts a drain pass if the queue is non-empty, the monitor is
// online and no pass is running. It reports whether a pass was started.
func (p *Processor) Trigger() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.stopped {
		return false
	}
	if p.store.Len() == 0 {
		if p.state != StateDraining {
			p.pending = nil
			p.setStateLocked(StateIdle)
		}
		return false
	}
	if !p.monitor.Online() {
		if p.state != StateDraining {
			p.setStateLocked(StateWaitingForConnectivity)
		}
		return false
	}
	if !p.store.beginDrain() {
		return false
	}

	p.stopTimerLocked()
	batch := p.pending
	p.pending = nil
	if batch == nil {
		batch = p.store.Snapshot()
	}
	p.setStateLocked(StateDraining)

	p.wg.Add(1)
	go p.drain(p.ctx, batch)
	return true
}

func (p *Processor) onConnectivity(online bool) {
	if online {
		p.Trigger()
		return
	}
	p.mu.Lock()
	if p.state == StateIdle && p.store.Len() > 0 {
		p.setStateLocked(StateWaitingForConnectivity)
	}
	p.mu.Unlock()
}

type passStats struct {
	succeeded int
	failed    int
	dropped   int
	deferred  int
}

func (p *Processor) drain(ctx context.Context, batch []Action) {
	defer p.wg.Done()

	start := time.Now()
	slog.Debug("actionqueue processor: drain pass started", "actions", len(batch))

	var stats passStats
	remaining := batch
	lost := false
	for len(remaining) > 0 {
		if ctx.Err() != nil {
			break
		}
		a, ok := p.store.Get(remaining[0].ID)
		if !ok {
			// Removed since the snapshot was taken.
			remaining = remaining[1:]
			continue
		}
		if !a.due(time.Now()) {
			stats.deferred++
			remaining = remaining[1:]
			continue
		}
		if !p.execute(ctx, a, &stats) {
			break
		}
		remaining = remaining[1:]

		if !p.monitor.Online() {
			lost = true
			break
		}
	}

	recordDrainDuration(time.Since(start))
	slog.Info("actionqueue processor: drain pass complete",
		"succeeded", stats.succeeded,
		"failed", stats.failed,
		"dropped", stats.dropped,
		"deferred", stats.deferred,
		"remaining", len(remaining),
		"duration", time.Since(start),
	)
	p.finishPass(remaining, lost)
}

// execute makes one attempt at a and records the result in the store. It
// returns false if the attempt was cancelled, leaving a untouched.
func (p *Processor) execute(ctx context.Context, a Action, stats *passStats) bool {
	policy := p.cfg.Policy
	policy.MaxAttempts = 1
	policy.OnRetry = nil

	req := a.Request()
	out := ExecuteWithRetry(ctx, func(ctx context.Context) (*Response, error) {
		return p.transport.Do(ctx, req)
	}, policy)
	recordActionExecuted(a.Kind, out.Kind)

	// Results must be persisted even while shutting down.
	sctx := context.WithoutCancel(ctx)

	switch out.Kind {
	case OutcomeSucceeded:
		stats.succeeded++
		if err := p.store.RecordSuccess(sctx, a.ID); err != nil {
			slog.Error("actionqueue processor: failed to record success",
				"action_id", a.ID,
				"error", err,
			)
		}
		slog.Debug("actionqueue processor: action succeeded", "action_id", a.ID, "kind", a.Kind)

	case OutcomeCancelled:
		slog.Debug("actionqueue processor: attempt cancelled", "action_id", a.ID)
		return false

	case OutcomeNonRetryable:
		stats.failed++
		stats.dropped++
		if err := p.store.Reject(sctx, a.ID, out.Err); err != nil {
			slog.Error("actionqueue processor: failed to record rejection",
				"action_id", a.ID,
				"error", err,
			)
		}

	default:
		stats.failed++
		attempt := a.AttemptsMade + 1
		retryAfter := ComputeDelay(attempt, p.cfg.Policy)
		dropped, err := p.store.RecordFailure(sctx, a.ID, out.Err, retryAfter)
		if err != nil {
			slog.Error("actionqueue processor: failed to record failure",
				"action_id", a.ID,
				"error", err,
			)
			break
		}
		if dropped {
			stats.dropped++
			break
		}
		if p.cfg.Policy.OnRetry != nil {
			p.cfg.Policy.OnRetry(attempt, out.Err)
		}
		slog.Info("actionqueue processor: action failed, will retry",
			"action_id", a.ID,
			"kind", a.Kind,
			"attempt", attempt,
			"max_attempts", a.MaxAttempts,
			"retry_after", retryAfter,
			"error", out.Err,
		)
	}
	return true
}

func (p *Processor) finishPass(remaining []Action, lost bool) {
	p.mu.Lock()

	resume := false
	switch {
	case p.stopped:
		p.pending = nil
		p.setStateLocked(StateIdle)

	case p.ctx.Err() != nil || p.cfg.Policy.Cancel.Cancelled():
		// No pass can make progress once the context or token has fired.
		p.pending = nil
		p.stopTimerLocked()
		p.setStateLocked(StateIdle)

	case lost && len(remaining) > 0:
		p.pending = remaining
		p.setStateLocked(StateWaitingForConnectivity)
		slog.Warn("actionqueue processor: connectivity lost mid-drain", "remaining", len(remaining))
		resume = true

	case p.store.Len() == 0:
		p.setStateLocked(StateIdle)

	case lost:
		p.setStateLocked(StateWaitingForConnectivity)
		resume = true

	default:
		p.setStateLocked(StateIdle)
		p.stopTimerLocked()
		delay := p.cfg.InterPassDelay
		if wait, ok := p.store.untilNextDue(); ok {
			delay = max(delay, wait)
		}
		p.timer = time.AfterFunc(delay, func() { p.Trigger() })
	}
	p.store.endDrain()
	p.mu.Unlock()

	// Connectivity may have come back before endDrain, when Trigger was
	// still refused.
	if resume && p.monitor.Online() {
		p.Trigger()
	}
}

func (p *Processor) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Processor) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.state = s
	recordProcessorState(s)
}
