package auditlog

import (
	"context"
	"log/slog"
	"time"
)

// Recorder appends audit events. Implementations may fail; callers on
// the submission path use Sink.Record, which swallows the failure.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Sink is the database-backed Recorder. Each write runs in its own
// short-lived transaction context: an audit store outage degrades
// observability, never the primary operation.
type Sink struct {
	DB      QueryRower
	Logger  *slog.Logger
	Timeout time.Duration
}

func NewSink(db QueryRower, logger *slog.Logger) *Sink {
	return &Sink{
		DB:      db,
		Logger:  logger,
		Timeout: 750 * time.Millisecond,
	}
}

func (s *Sink) Record(ctx context.Context, event Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	_, err := Insert(writeCtx, s.DB, event)
	return err
}

// BestEffort records the event and logs the failure instead of
// returning it.
func (s *Sink) BestEffort(ctx context.Context, event Event) {
	if err := s.Record(ctx, event); err != nil && s.Logger != nil {
		s.Logger.Error("audit write failed",
			"action", event.Action,
			"kind", event.Kind,
			"sid", event.SubmissionID,
			"error", err,
		)
	}
}

func (s *Sink) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return 750 * time.Millisecond
}
