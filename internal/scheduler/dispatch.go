package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/prestalabs/prestapay/internal/events"
)

const dispatchBatchSize = 100

// DispatchEventsJob delivers undispatched outbox rows to the notifier in
// creation order. A row is marked dispatched only after the notifier accepts
// it, so delivery is at-least-once and consumers must dedupe on event id.
func (s *Scheduler) DispatchEventsJob(ctx context.Context) error {
	var pending []events.Record
	err := s.db.WithContext(ctx).
		Where("dispatched_at IS NULL").
		Order("created_at ASC").
		Limit(dispatchBatchSize).
		Find(&pending).Error
	if err != nil {
		return err
	}

	for _, record := range pending {
		if err := s.notifier.Notify(ctx, record.EventType, record.Payload); err != nil {
			s.log.Warn("event delivery failed, will retry",
				zap.String("event_id", record.ID.String()),
				zap.String("event_type", record.EventType),
				zap.Error(err))
			// Stop the batch to preserve ordering for this run.
			return err
		}
		now := s.clock.Now(ctx)
		if err := s.db.WithContext(ctx).Model(&events.Record{}).
			Where("id = ?", record.ID).
			Update("dispatched_at", now).Error; err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		s.log.Info("events dispatched", zap.Int("count", len(pending)))
	}
	return nil
}

// LogNotifier is the default notifier: it writes the event to the structured
// log. Deployments wire a real transport in its place.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) events.Notifier {
	return &LogNotifier{log: log.Named("notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, eventType string, payload []byte) error {
	n.log.Info("event", zap.String("event_type", eventType), zap.ByteString("payload", payload))
	return nil
}
