package actionqueue

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultStorageKey is the backend key the queue snapshot is stored under.
const DefaultStorageKey = "actionqueue:queue"

// Store defaults.
const (
	DefaultMaxQueueSize = 100
	DefaultMaxAttempts  = 3
)

const snapshotVersion = 1

// Store errors.
var (
	ErrActionNotFound = errors.New("action not found")
	ErrQueueFull      = errors.New("action queue is full")
)

// snapshot is the persisted form of the queue.
type snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Actions []Action  `json:"actions"`
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Key                string
	MaxSize            int
	DefaultMaxAttempts int
}

// StoreStatus is a point-in-time view of the store for observers.
type StoreStatus struct {
	QueueLength  int  `json:"queue_length"`
	IsProcessing bool `json:"is_processing"`
}

// Store is the durable, ordered collection of pending actions. Every
// mutation writes the full snapshot to the backend before it is applied in
// memory, so a failed write leaves the queue unchanged.
type Store struct {
	backend  Backend
	cfg      StoreConfig
	reporter Reporter
	now      func() time.Time

	mu      sync.Mutex
	actions []Action // insertion order
	seq     uint64

	processing atomic.Bool
}

// NewStore creates a store over backend. A nil reporter logs dropped actions.
func NewStore(backend Backend, cfg StoreConfig, reporter Reporter) *Store {
	if cfg.Key == "" {
		cfg.Key = DefaultStorageKey
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxQueueSize
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if reporter == nil {
		reporter = LogReporter{}
	}
	return &Store{
		backend:  backend,
		cfg:      cfg,
		reporter: reporter,
		now:      time.Now,
	}
}

// Load replaces the in-memory queue with the persisted snapshot. Missing or
// corrupt data degrades to an empty queue. It returns the number of actions
// loaded.
func (s *Store) Load(ctx context.Context) int {
	actions, err := s.read(ctx)
	if err != nil {
		slog.Warn("actionqueue store: discarding unreadable queue snapshot",
			"key", s.cfg.Key,
			"error", err,
		)
		actions = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.actions = actions
	s.seq = 0
	for _, a := range actions {
		s.seq = max(s.seq, a.Seq)
	}
	recordQueueLength(len(s.actions))
	return len(s.actions)
}

func (s *Store) read(ctx context.Context) ([]Action, error) {
	data, err := s.backend.Get(ctx, s.cfg.Key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func decodeSnapshot(data []byte) ([]Action, error) {
	if len(data) == 0 {
		return nil, nil
	}

	// Snapshots written as a bare array carry no version.
	if data[0] == '[' {
		var actions []Action
		if err := json.Unmarshal(data, &actions); err != nil {
			return nil, fmt.Errorf("decode queue snapshot: %w", err)
		}
		return sanitize(actions), nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode queue snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported queue snapshot version %d", snap.Version)
	}
	return sanitize(snap.Actions), nil
}

// sanitize drops entries that cannot be replayed and fills in defaults.
func sanitize(actions []Action) []Action {
	out := actions[:0]
	for i, a := range actions {
		if a.ID == "" || a.Endpoint == "" {
			continue
		}
		if !a.Priority.Valid() {
			a.Priority = PriorityNormal
		}
		if a.Seq == 0 {
			a.Seq = uint64(i + 1)
		}
		out = append(out, a)
	}
	return out
}

func (s *Store) persist(ctx context.Context, actions []Action) error {
	data, err := json.Marshal(snapshot{
		Version: snapshotVersion,
		SavedAt: s.now().UTC(),
		Actions: actions,
	})
	if err != nil {
		return fmt.Errorf("encode queue snapshot: %w", err)
	}
	if err := s.backend.Set(ctx, s.cfg.Key, data); err != nil {
		slog.Error("actionqueue store: failed to persist queue snapshot",
			"key", s.cfg.Key,
			"error", err,
		)
		return fmt.Errorf("persist queue snapshot: %w", err)
	}
	return nil
}

// Enqueue assigns an id to a, makes room by evicting when the queue is at
// capacity, persists, and returns the id. It returns ErrQueueFull when every
// queued action outranks a.
func (s *Store) Enqueue(ctx context.Context, a Action) (string, error) {
	a.ID = uuid.New().String()
	a.AttemptsMade = 0
	a.LastError = ""
	a.NotBefore = 0
	if a.EnqueuedAt == 0 {
		a.EnqueuedAt = s.now().UnixMilli()
	}
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = s.cfg.DefaultMaxAttempts
	}
	if !a.Priority.Valid() {
		a.Priority = PriorityNormal
	}

	s.mu.Lock()
	a.Seq = s.seq + 1

	next := slices.Clone(s.actions)
	var evicted []Action
	for len(next) >= s.cfg.MaxSize {
		idx := evictionCandidate(next, a.Priority)
		if idx < 0 {
			s.mu.Unlock()
			return "", ErrQueueFull
		}
		evicted = append(evicted, next[idx])
		next = slices.Delete(next, idx, idx+1)
	}
	next = append(next, a)

	if err := s.persist(ctx, next); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.actions = next
	s.seq = a.Seq
	length := len(next)
	s.mu.Unlock()

	recordQueueLength(length)
	recordActionEnqueued(a.Priority)
	for _, e := range evicted {
		slog.Warn("actionqueue store: evicted action to make room",
			"action_id", e.ID,
			"kind", e.Kind,
			"priority", e.Priority,
			"incoming_priority", a.Priority,
		)
		s.drop(ctx, e, ReasonEvicted, ErrQueueFull)
	}
	return a.ID, nil
}

// evictionCandidate returns the index of the oldest action of the lowest
// priority present, or -1 if that priority outranks incoming.
func evictionCandidate(actions []Action, incoming Priority) int {
	idx := -1
	for i, a := range actions {
		if idx < 0 || evictsBefore(a, actions[idx]) {
			idx = i
		}
	}
	if idx < 0 || actions[idx].Priority.rank() < incoming.rank() {
		return -1
	}
	return idx
}

// evictsBefore reports whether a should be evicted before b.
func evictsBefore(a, b Action) bool {
	if ra, rb := a.Priority.rank(), b.Priority.rank(); ra != rb {
		return ra > rb
	}
	if a.EnqueuedAt != b.EnqueuedAt {
		return a.EnqueuedAt < b.EnqueuedAt
	}
	return a.Seq < b.Seq
}

// compareProcessingOrder orders by priority, then age, then insertion.
func compareProcessingOrder(a, b Action) int {
	return cmp.Or(
		cmp.Compare(a.Priority.rank(), b.Priority.rank()),
		cmp.Compare(a.EnqueuedAt, b.EnqueuedAt),
		cmp.Compare(a.Seq, b.Seq),
	)
}

// Snapshot returns the queue in processing order. The store is not mutated.
func (s *Store) Snapshot() []Action {
	s.mu.Lock()
	out := make([]Action, len(s.actions))
	for i, a := range s.actions {
		a.Headers = maps.Clone(a.Headers)
		a.Payload = slices.Clone(a.Payload)
		out[i] = a
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, compareProcessingOrder)
	return out
}

// Get returns the action with id.
func (s *Store) Get(id string) (Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.actions[i], true
	}
	return Action{}, false
}

// Len returns the number of queued actions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

// untilNextDue returns how long until the earliest queued action may be
// attempted; zero when one is already due. ok is false for an empty queue.
func (s *Store) untilNextDue() (wait time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.actions) == 0 {
		return 0, false
	}
	earliest := s.actions[0].NotBefore
	for _, a := range s.actions[1:] {
		earliest = min(earliest, a.NotBefore)
	}
	return max(time.UnixMilli(earliest).Sub(s.now()), 0), true
}

// Status returns the observer snapshot.
func (s *Store) Status() StoreStatus {
	return StoreStatus{
		QueueLength:  s.Len(),
		IsProcessing: s.processing.Load(),
	}
}

// RecordSuccess removes a completed action.
func (s *Store) RecordSuccess(ctx context.Context, id string) error {
	_, err := s.remove(ctx, id)
	return err
}

// RecordFailure counts a failed attempt. Once the action reaches its
// attempt ceiling it is removed and reported; dropped reports that.
// Otherwise the next attempt is held back by retryAfter.
func (s *Store) RecordFailure(ctx context.Context, id string, cause error, retryAfter time.Duration) (dropped bool, err error) {
	return s.fail(ctx, id, cause, false, retryAfter)
}

// Reject counts a failed attempt and removes the action regardless of its
// remaining attempts. Used for errors that will never succeed on replay.
func (s *Store) Reject(ctx context.Context, id string, cause error) error {
	_, err := s.fail(ctx, id, cause, true, 0)
	return err
}

func (s *Store) fail(ctx context.Context, id string, cause error, permanent bool, retryAfter time.Duration) (bool, error) {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false, fmt.Errorf("record failure %s: %w", id, ErrActionNotFound)
	}

	next := slices.Clone(s.actions)
	a := next[i]
	a.AttemptsMade = min(a.AttemptsMade+1, a.MaxAttempts)
	if cause != nil {
		a.LastError = cause.Error()
	}

	drop := permanent || a.AttemptsMade >= a.MaxAttempts
	if drop {
		next = slices.Delete(next, i, i+1)
	} else {
		a.NotBefore = 0
		if retryAfter > 0 {
			a.NotBefore = s.now().Add(retryAfter).UnixMilli()
		}
		next[i] = a
	}

	if err := s.persist(ctx, next); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.actions = next
	length := len(next)
	s.mu.Unlock()

	recordQueueLength(length)
	if drop {
		reason := ReasonExhausted
		if permanent {
			reason = ReasonRejected
		}
		s.drop(ctx, a, reason, cause)
	}
	return drop, nil
}

// Remove deletes an action explicitly.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.remove(ctx, id)
	return err
}

func (s *Store) remove(ctx context.Context, id string) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return Action{}, fmt.Errorf("remove %s: %w", id, ErrActionNotFound)
	}
	removed := s.actions[i]
	next := slices.Delete(slices.Clone(s.actions), i, i+1)
	if err := s.persist(ctx, next); err != nil {
		return Action{}, err
	}
	s.actions = next
	recordQueueLength(len(next))
	return removed, nil
}

// Clear removes every action and the persisted snapshot.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Remove(ctx, s.cfg.Key); err != nil && !errors.Is(err, ErrNotFound) {
		slog.Error("actionqueue store: failed to clear queue snapshot", "key", s.cfg.Key, "error", err)
		return fmt.Errorf("clear queue snapshot: %w", err)
	}
	s.actions = nil
	recordQueueLength(0)
	return nil
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.actions, func(a Action) bool { return a.ID == id })
}

// beginDrain claims the single drain slot.
func (s *Store) beginDrain() bool {
	return s.processing.CompareAndSwap(false, true)
}

func (s *Store) endDrain() {
	s.processing.Store(false)
}

func (s *Store) drop(ctx context.Context, a Action, reason string, cause error) {
	recordActionDropped(reason)
	s.reporter.Report(ctx, newDeadLetter(a, reason, cause))
}
