package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/subsync/internal/eventlog"
	"github.com/jmehdipour/subsync/internal/health"
	"github.com/jmehdipour/subsync/internal/lock"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/projector"
	"github.com/jmehdipour/subsync/internal/provider"
	"github.com/jmehdipour/subsync/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)

type sink struct {
	mu     sync.Mutex
	events []model.WebhookEvent
}

func (s *sink) Add(ev model.WebhookEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

type fixture struct {
	store  *repository.MemoryStore
	prov   *provider.StaticClient
	locker *lock.MemoryLocker
	sink   *sink
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	f := &fixture{
		store:  repository.NewMemoryStore(),
		prov:   provider.NewStaticClient(),
		locker: lock.NewMemoryLocker(),
		sink:   &sink{},
	}
	f.store.SetClock(clock)
	el := eventlog.New(f.store.Events(), zap.NewNop(), 3).WithClock(clock)
	proj := projector.New(f.store.Statuses(), f.store.Subscriptions(), el, f.prov, time.Second, zap.NewNop()).WithClock(clock)
	f.svc = New(el, proj, f.store.Statuses(), f.locker, zap.NewNop(), 3).WithClock(clock).WithHistory(f.sink)
	return f
}

func (f *fixture) status(t *testing.T, owner string) *model.EnhancedSubscriptionStatus {
	t.Helper()
	st, err := f.store.Statuses().Get(context.Background(), owner)
	require.NoError(t, err)
	return st
}

const subActive = `{"object":"subscription","id":"sub_1","status":"active",
	"items":{"data":[{"price":{"id":"price_pro"},"current_period_end":1767225600}]}}`

func notificationA() model.Notification {
	return model.Notification{
		ProviderEventID: "evt_A",
		EventType:       "customer.subscription.updated",
		OwnerID:         "u1",
		Payload:         model.Payload(subActive),
	}
}

func TestIngest_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, notificationA())
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.IsDuplicate)
	assert.True(t, first.Processed)
	assert.Equal(t, model.ProcessingProcessed, first.Outcome)

	st := f.status(t, "u1")
	require.NotNil(t, st)
	assert.Equal(t, model.SyncSynced, st.SyncStatus)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, model.SubscriptionActive, st.SubscriptionStatus)
	before := st.Clone()

	again, err := f.svc.Ingest(ctx, notificationA())
	require.NoError(t, err)
	assert.True(t, again.IsDuplicate)
	assert.False(t, again.Processed)
	assert.Equal(t, first.EventID, again.EventID)
	assert.Equal(t, before, f.status(t, "u1"))

	require.Len(t, f.sink.events, 1)
	assert.Equal(t, model.ProcessingProcessed, f.sink.events[0].ProcessingStatus)
}

func TestIngest_InvalidNotification(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Ingest(context.Background(), model.Notification{EventType: "invoice.paid"})
	assert.ErrorIs(t, err, model.ErrInvalidNotification)
}

func TestIngest_FailedEventIsReprocessedOnRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := model.Notification{
		ProviderEventID: "evt_checkout",
		EventType:       "checkout.session.completed",
		OwnerID:         "u2",
		Payload:         model.Payload(`{"object":"checkout.session","id":"cs_1","subscription":"sub_2"}`),
	}
	f.prov.FailWith(errors.New("stripe unavailable"))

	res, err := f.svc.Ingest(ctx, n)
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, model.ProcessingFailed, res.Outcome)
	assert.Contains(t, res.Error, "stripe unavailable")
	assert.Equal(t, model.SyncRetryNeeded, f.status(t, "u2").SyncStatus)

	f.prov.FailWith(nil)
	f.prov.Put("u2", provider.Subscription{ExternalSubscriptionID: "sub_2", Status: model.SubscriptionActive})

	res, err = f.svc.Ingest(ctx, n)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.True(t, res.Processed)
	assert.Equal(t, model.SyncSynced, f.status(t, "u2").SyncStatus)
}

func TestSyncNow(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t)
		f.prov.Put("u1", provider.Subscription{ExternalSubscriptionID: "sub_1", Status: model.SubscriptionActive})

		out, err := f.svc.SyncNow(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, health.VerdictHealthy, out.Verdict)

		st := f.status(t, "u1")
		assert.Equal(t, "sub_1", st.ExternalID())
		assert.Equal(t, "manual", st.Metadata.String("sync_source"))
	})

	t.Run("provider down is still processing", func(t *testing.T) {
		f := newFixture(t)
		f.prov.FailWith(errors.New("timeout"))

		out, err := f.svc.SyncNow(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, health.VerdictProcessing, out.Verdict)
		assert.NotContains(t, out.Message, "timeout")
	})

	t.Run("no provider subscription", func(t *testing.T) {
		f := newFixture(t)

		out, err := f.svc.SyncNow(context.Background(), "ghost")
		require.NoError(t, err)
		assert.Equal(t, health.VerdictProcessing, out.Verdict)
		assert.Nil(t, f.status(t, "ghost"))
	})

	t.Run("already running", func(t *testing.T) {
		f := newFixture(t)
		release, err := f.locker.Acquire(context.Background(), lock.OwnerKey("u1"), time.Minute)
		require.NoError(t, err)
		defer release(context.Background())

		out, err := f.svc.SyncNow(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, health.VerdictProcessing, out.Verdict)
		assert.Empty(t, f.sink.events)
	})

	t.Run("each sync is a new event", func(t *testing.T) {
		f := newFixture(t)
		f.prov.Put("u1", provider.Subscription{ExternalSubscriptionID: "sub_1", Status: model.SubscriptionActive})
		for i := 0; i < 2; i++ {
			_, err := f.svc.SyncNow(context.Background(), "u1")
			require.NoError(t, err)
		}
		require.Len(t, f.sink.events, 2)
		assert.NotEqual(t, f.sink.events[0].ProviderEventID, f.sink.events[1].ProviderEventID)
		assert.Equal(t, model.EventTypeManualSync, f.sink.events[0].EventType)
	})
}

func TestGetSyncMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set := func(owner string, s model.SyncStatus) {
		_, err := f.store.Statuses().Mutate(ctx, owner, func(st *model.EnhancedSubscriptionStatus) error {
			st.SyncStatus = s
			return nil
		})
		require.NoError(t, err)
	}
	set("a", model.SyncSynced)
	set("b", model.SyncSynced)
	set("c", model.SyncFailed)
	set("d", model.SyncRetryNeeded)

	m, err := f.svc.GetSyncMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.SyncMetrics{
		Total: 4, Synced: 2, Failed: 1, RetryNeeded: 1, HealthyPercentage: 50,
	}, m)
}

func TestGetSyncMetrics_Empty(t *testing.T) {
	f := newFixture(t)
	m, err := f.svc.GetSyncMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.SyncMetrics{}, m)
}
