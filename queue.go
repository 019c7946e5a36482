package actionqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidAction is returned by AddToQueue when the ActionSpec fails validation.
var ErrInvalidAction = errors.New("invalid action")

// Options configures a Queue.
type Options struct {
	Store     StoreConfig
	Processor ProcessorConfig
	// Reporter receives dropped actions. Defaults to LogReporter.
	Reporter Reporter
}

// DefaultOptions returns the store and processor defaults.
func DefaultOptions() Options {
	return Options{
		Store: StoreConfig{
			Key:                DefaultStorageKey,
			MaxSize:            DefaultMaxQueueSize,
			DefaultMaxAttempts: DefaultMaxAttempts,
		},
		Processor: DefaultProcessorConfig(),
	}
}

// QueueStatus is the observer view returned by GetQueueStatus.
type QueueStatus struct {
	IsOnline     bool            `json:"is_online"`
	IsProcessing bool            `json:"is_processing"`
	QueueLength  int             `json:"queue_length"`
	State        string          `json:"state"`
	Queue        []ActionSummary `json:"queue"`
}

// Queue is the public facade over a Store and its Processor.
type Queue struct {
	store     *Store
	processor *Processor
	monitor   NetworkMonitor
	validate  *validator.Validate
}

// New wires a store over backend and a processor over transport and monitor.
func New(backend Backend, transport Transport, monitor NetworkMonitor, opts Options) *Queue {
	store := NewStore(backend, opts.Store, opts.Reporter)
	return &Queue{
		store:     store,
		processor: NewProcessor(store, transport, monitor, opts.Processor),
		monitor:   monitor,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Start loads the persisted queue and starts the processor.
func (q *Queue) Start(ctx context.Context) {
	n := q.store.Load(ctx)
	slog.Info("actionqueue: queue loaded", "actions", n)
	q.processor.Start(ctx)
}

// Stop stops the processor. The persisted queue is kept.
func (q *Queue) Stop() {
	q.processor.Stop()
}

// AddToQueue validates spec, persists it and triggers a drain when online.
func (q *Queue) AddToQueue(ctx context.Context, spec ActionSpec) (string, error) {
	spec = spec.normalize()
	if err := q.validate.Struct(spec); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAction, err)
	}

	id, err := q.store.Enqueue(ctx, Action{
		Kind:        spec.Kind,
		Endpoint:    spec.Endpoint,
		Method:      spec.Method,
		Payload:     spec.Payload,
		Headers:     spec.Headers,
		MaxAttempts: spec.MaxAttempts,
		Priority:    spec.Priority,
	})
	if err != nil {
		return "", err
	}
	slog.Info("actionqueue: action enqueued", "action_id", id, "kind", spec.Kind, "priority", spec.Priority)

	q.processor.Trigger()
	return id, nil
}

// RemoveFromQueue deletes a queued action.
func (q *Queue) RemoveFromQueue(ctx context.Context, id string) error {
	return q.store.Remove(ctx, id)
}

// ClearQueue deletes every queued action.
func (q *Queue) ClearQueue(ctx context.Context) error {
	return q.store.Clear(ctx)
}

// Get returns a queued action.
func (q *Queue) Get(id string) (Action, error) {
	a, ok := q.store.Get(id)
	if !ok {
		return Action{}, fmt.Errorf("get %s: %w", id, ErrActionNotFound)
	}
	return a, nil
}

// GetQueueStatus returns a point-in-time view with actions in processing
// order.
func (q *Queue) GetQueueStatus() QueueStatus {
	actions := q.store.Snapshot()
	summaries := make([]ActionSummary, len(actions))
	for i, a := range actions {
		summaries[i] = a.Summary()
	}
	st := q.store.Status()
	return QueueStatus{
		IsOnline:     q.monitor.Online(),
		IsProcessing: st.IsProcessing,
		QueueLength:  len(actions),
		State:        q.processor.State().String(),
		Queue:        summaries,
	}
}

// Drain requests a pass now. It reports whether one was started; a pass is
// not started while offline, already draining or with an empty queue.
func (q *Queue) Drain() (bool, error) {
	if q.processor.Stopped() {
		return false, ErrProcessorStopped
	}
	return q.processor.Trigger(), nil
}
