package actionqueue

import (
	"context"
	"log/slog"
)

// LogReporter writes dropped actions to the structured log.
type LogReporter struct{}

func (LogReporter) Report(_ context.Context, dl DeadLetter) {
	slog.Warn("actionqueue: action dropped",
		"action_id", dl.ActionID,
		"kind", dl.Kind,
		"reason", dl.Reason,
		"attempts_made", dl.AttemptsMade,
		"max_attempts", dl.MaxAttempts,
		"error", dl.ReasonDetail,
	)
}

// MultiReporter delivers to every reporter in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, dl DeadLetter) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, dl)
		}
	}
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, dl DeadLetter)

func (f ReporterFunc) Report(ctx context.Context, dl DeadLetter) { f(ctx, dl) }
