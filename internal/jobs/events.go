package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"scrapehub/internal/metrics"
)

// Publisher fans lifecycle events out to observers outside the store,
// for example a NATS subject that dashboards subscribe to.
type Publisher interface {
	PublishEvent(ctx context.Context, e Event) error
}

// EventLog appends lifecycle events. It is write-only from the engine's
// point of view: a failed write is logged and never interrupts a runner.
type EventLog struct {
	store  EventStore
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewEventLog(st EventStore, pub Publisher, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: st, pub: pub, logger: logger, now: time.Now}
}

// Record appends an event with a formatted message.
func (l *EventLog) Record(ctx context.Context, jobID uuid.UUID, typ EventType, format string, args ...any) {
	e := Event{
		JobID:     jobID,
		Type:      typ,
		Message:   fmt.Sprintf(format, args...),
		CreatedAt: l.now().UTC(),
	}

	if err := l.store.InsertEvent(ctx, e); err != nil {
		l.logger.Warn("job event write failed",
			"job_id", jobID.String(),
			"event", string(typ),
			"error", err,
		)
		return
	}
	metrics.RecordJobEvent(string(typ))

	if l.pub != nil {
		if err := l.pub.PublishEvent(ctx, e); err != nil {
			l.logger.Warn("job event publish failed",
				"job_id", jobID.String(),
				"event", string(typ),
				"error", err,
			)
		}
	}
}
