package actionqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// NATSPublisher is the interface for publishing messages to NATS.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// Publisher sends dead letters for dropped actions to NATS.
type Publisher struct {
	nc     NATSPublisher
	prefix string
}

// NewPublisher creates a dead-letter publisher. An empty prefix uses
// DefaultSubjectPrefix.
func NewPublisher(nc NATSPublisher, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// Publish sends dl to the subject for its reason.
func (p *Publisher) Publish(dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	subject := SubjectForReason(p.prefix, dl.Reason)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Report implements Reporter. Publish failures are logged; the action is
// already gone from the queue.
func (p *Publisher) Report(_ context.Context, dl DeadLetter) {
	if err := p.Publish(dl); err != nil {
		slog.Error("actionqueue publisher: failed to publish dead letter",
			"action_id", dl.ActionID,
			"reason", dl.Reason,
			"error", err,
		)
	}
}
