package actionqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// DefaultIngestSubject is the NATS subject the daemon subscribes to for
// actions submitted by other services.
const DefaultIngestSubject = "actionqueue.enqueue.>"

// Enqueuer accepts new actions.
type Enqueuer interface {
	AddToQueue(ctx context.Context, spec ActionSpec) (string, error)
}

// Ingestor turns NATS messages into queued actions. On any
// actionqueue.enqueue.> message, call Process.
type Ingestor struct {
	queue Enqueuer
}

// NewIngestor creates an Ingestor that enqueues onto queue.
func NewIngestor(queue Enqueuer) *Ingestor {
	return &Ingestor{queue: queue}
}

// Process parses an ActionSpec payload and enqueues it. subject is the NATS
// subject (e.g. "actionqueue.enqueue.registration"); its last token names
// the kind when the payload does not.
func (i *Ingestor) Process(ctx context.Context, subject string, data []byte) {
	var spec ActionSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		slog.Warn("actionqueue ingestor: malformed action message",
			"subject", subject,
			"error", err,
		)
		return
	}

	if spec.Kind == "" {
		spec.Kind = inferKind(subject)
	}

	id, err := i.queue.AddToQueue(ctx, spec)
	if err != nil {
		slog.Error("actionqueue ingestor: failed to enqueue",
			"subject", subject,
			"kind", spec.Kind,
			"error", err,
		)
		return
	}
	slog.Debug("actionqueue ingestor: action enqueued", "action_id", id, "subject", subject)
}

func inferKind(subject string) string {
	const prefix = "actionqueue.enqueue."
	if rest, ok := strings.CutPrefix(subject, prefix); ok && rest != "" && !strings.ContainsAny(rest, "*>") {
		return rest
	}
	return "unknown"
}
