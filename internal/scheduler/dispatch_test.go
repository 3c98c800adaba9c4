package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/prestalabs/prestapay/internal/clock"
	"github.com/prestalabs/prestapay/internal/events"
)

type recordingNotifier struct {
	delivered []string
	failOn    string
}

func (n *recordingNotifier) Notify(_ context.Context, eventType string, _ []byte) error {
	if n.failOn != "" && eventType == n.failOn {
		return errors.New("transport down")
	}
	n.delivered = append(n.delivered, eventType)
	return nil
}

func newDispatchScheduler(t *testing.T, notifier events.Notifier) (*Scheduler, *gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&events.Record{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := NewScheduler(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    clock.SystemClock{},
		Notifier: notifier,
	})
	return s, db, node
}

func emitAt(t *testing.T, db *gorm.DB, node *snowflake.Node, eventType string, at time.Time) snowflake.ID {
	t.Helper()
	id := node.Generate()
	require.NoError(t, events.Emit(context.Background(), db, id, eventType, map[string]string{"k": "v"}, at))
	return id
}

func TestDispatchEventsJobDeliversInOrder(t *testing.T) {
	notifier := &recordingNotifier{}
	s, db, node := newDispatchScheduler(t, notifier)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	emitAt(t, db, node, events.EventSettlementCompleted, base)
	emitAt(t, db, node, events.EventPayoutCompleted, base.Add(time.Second))
	emitAt(t, db, node, events.EventRefundCompleted, base.Add(2*time.Second))

	require.NoError(t, s.DispatchEventsJob(context.Background()))
	assert.Equal(t, []string{
		events.EventSettlementCompleted,
		events.EventPayoutCompleted,
		events.EventRefundCompleted,
	}, notifier.delivered)

	var undispatched int64
	require.NoError(t, db.Model(&events.Record{}).
		Where("dispatched_at IS NULL").Count(&undispatched).Error)
	assert.Zero(t, undispatched)

	// Nothing left: a second run delivers nothing new.
	require.NoError(t, s.DispatchEventsJob(context.Background()))
	assert.Len(t, notifier.delivered, 3)
}

func TestDispatchEventsJobStopsBatchOnFailure(t *testing.T) {
	notifier := &recordingNotifier{failOn: events.EventPayoutCompleted}
	s, db, node := newDispatchScheduler(t, notifier)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	emitAt(t, db, node, events.EventSettlementCompleted, base)
	failing := emitAt(t, db, node, events.EventPayoutCompleted, base.Add(time.Second))
	emitAt(t, db, node, events.EventRefundCompleted, base.Add(2*time.Second))

	require.Error(t, s.DispatchEventsJob(context.Background()))
	// Only the first event made it; the failed one and everything after wait.
	assert.Equal(t, []string{events.EventSettlementCompleted}, notifier.delivered)

	var record events.Record
	require.NoError(t, db.First(&record, "id = ?", failing).Error)
	assert.Nil(t, record.DispatchedAt)

	// Transport recovers, the retry picks up where it stopped.
	notifier.failOn = ""
	require.NoError(t, s.DispatchEventsJob(context.Background()))
	assert.Equal(t, []string{
		events.EventSettlementCompleted,
		events.EventPayoutCompleted,
		events.EventRefundCompleted,
	}, notifier.delivered)
}
