package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEvent(id, providerID string, at time.Time) *model.WebhookEvent {
	return &model.WebhookEvent{
		ID:              id,
		ProviderEventID: providerID,
		EventType:       "customer.subscription.updated",
		Payload:         model.Payload(`{"id":"sub_1"}`),
		CreatedAt:       at,
	}
}

func TestMemoryEvents_InsertIfAbsentConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Events()

	var created atomic.Int32
	var wg sync.WaitGroup
	ids := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, stored, err := repo.InsertIfAbsent(ctx, newEvent(fmt.Sprintf("e%02d", i), "evt_1", t0))
			require.NoError(t, err)
			if ok {
				created.Add(1)
			}
			ids <- stored.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	assert.Equal(t, int32(1), created.Load())
	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}
}

func TestMemoryEvents_UpdateStatusTerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Events()
	_, ev, err := repo.InsertIfAbsent(ctx, newEvent("e1", "evt_1", t0))
	require.NoError(t, err)

	ok, err := repo.UpdateStatus(ctx, ev.ID, StatusUpdate{Status: model.ProcessingProcessed, At: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateStatus(ctx, ev.ID, StatusUpdate{Status: model.ProcessingFailed, At: t0.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingProcessed, got.ProcessingStatus)
	require.NotNil(t, got.ProcessedAt)
	assert.Equal(t, t0.Add(time.Second), *got.ProcessedAt)
}

func TestMemoryEvents_UpdateStatusAttemptGuard(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Events()
	_, ev, _ := repo.InsertIfAbsent(ctx, newEvent("e1", "evt_1", t0))

	ok, err := repo.IncrementRetry(ctx, ev.ID, 0, t0)
	require.NoError(t, err)
	require.True(t, ok)

	stale := 0
	ok, err = repo.UpdateStatus(ctx, ev.ID, StatusUpdate{Status: model.ProcessingFailed, Attempt: &stale, At: t0})
	require.NoError(t, err)
	assert.False(t, ok)

	current := 1
	ok, err = repo.UpdateStatus(ctx, ev.ID, StatusUpdate{Status: model.ProcessingFailed, Attempt: &current, At: t0})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryEvents_IncrementRetryCAS(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Events()
	_, ev, _ := repo.InsertIfAbsent(ctx, newEvent("e1", "evt_1", t0))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.IncrementRetry(ctx, ev.ID, 0, t0)
			require.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, _ := repo.GetByID(ctx, ev.ID)
	assert.Equal(t, 1, got.RetryCount)
}

func TestMemoryEvents_ListRetryCandidates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Events()

	for i, at := range []time.Time{t0, t0.Add(time.Minute), t0.Add(2 * time.Minute)} {
		_, ev, _ := repo.InsertIfAbsent(ctx, newEvent(fmt.Sprintf("f%d", i), fmt.Sprintf("evt_f%d", i), at))
		_, _ = repo.UpdateStatus(ctx, ev.ID, StatusUpdate{Status: model.ProcessingFailed, At: at})
	}
	_, pending, _ := repo.InsertIfAbsent(ctx, newEvent("p0", "evt_p0", t0))
	_, done, _ := repo.InsertIfAbsent(ctx, newEvent("d0", "evt_d0", t0))
	_, _ = repo.UpdateStatus(ctx, done.ID, StatusUpdate{Status: model.ProcessingProcessed, At: t0})

	got, err := repo.ListRetryCandidates(ctx, RetryQuery{MaxRetryCount: 3, AttemptedBefore: t0.Add(time.Minute), Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "f0", got[0].ID)
	assert.Equal(t, "f1", got[1].ID)

	stale := t0
	got, err = repo.ListRetryCandidates(ctx, RetryQuery{
		MaxRetryCount: 3, AttemptedBefore: t0.Add(time.Minute), StalePendingBefore: &stale, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Contains(t, []string{got[0].ID, got[1].ID}, pending.ID)

	got, err = repo.ListRetryCandidates(ctx, RetryQuery{MaxRetryCount: 0, AttemptedBefore: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryEvents_ListRetryCandidatesCursor(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Events()

	// a and b share an attempt time, so the cursor falls back to the id
	for _, e := range []struct {
		id string
		at time.Time
	}{{"a", t0}, {"b", t0}, {"c", t0.Add(time.Minute)}} {
		_, ev, _ := repo.InsertIfAbsent(ctx, newEvent(e.id, "evt_"+e.id, e.at))
		_, _ = repo.UpdateStatus(ctx, ev.ID, StatusUpdate{Status: model.ProcessingFailed, At: e.at})
	}

	q := RetryQuery{MaxRetryCount: 3, AttemptedBefore: t0.Add(time.Hour), Limit: 1}
	var seen []string
	for {
		page, err := repo.ListRetryCandidates(ctx, q)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		require.Len(t, page, 1)
		seen = append(seen, page[0].ID)
		q.After = &RetryCursor{LastAttempt: page[0].LastAttempt(), ID: page[0].ID}
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestMemoryEvents_CountByStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Events()
	statuses := []model.ProcessingStatus{
		model.ProcessingProcessed, model.ProcessingProcessed, model.ProcessingFailed,
		model.ProcessingPending, model.ProcessingSkipped,
	}
	for i, st := range statuses {
		_, ev, _ := repo.InsertIfAbsent(ctx, newEvent(fmt.Sprintf("e%d", i), fmt.Sprintf("evt_%d", i), t0.Add(time.Duration(i)*time.Second)))
		for r := 0; r < i && r < 2; r++ {
			_, _ = repo.IncrementRetry(ctx, ev.ID, r, t0)
		}
		if st != model.ProcessingPending {
			_, _ = repo.UpdateStatus(ctx, ev.ID, StatusUpdate{Status: st, At: t0})
		}
	}

	counts, err := repo.CountByStatus(ctx, StatsQuery{MaxRetries: 2})
	require.NoError(t, err)
	byStatus := map[model.ProcessingStatus]model.StatusCount{}
	for _, c := range counts {
		byStatus[c.Status] = c
	}
	assert.Equal(t, 2, byStatus[model.ProcessingProcessed].Count)
	assert.Equal(t, 1, byStatus[model.ProcessingProcessed].RetrySum)
	assert.Equal(t, 1, byStatus[model.ProcessingFailed].Exhausted)

	to := t0.Add(2 * time.Second)
	counts, err = repo.CountByStatus(ctx, StatsQuery{To: &to})
	require.NoError(t, err)
	total := 0
	for _, c := range counts {
		total += c.Count
	}
	assert.Equal(t, 2, total)
}

func TestMemoryStatuses_MutateCreatesAndSerializes(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Statuses()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Mutate(ctx, "u1", func(st *model.EnhancedSubscriptionStatus) error {
				st.RetryCount++
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 20, st.RetryCount)
	assert.Equal(t, model.SyncPending, st.SyncStatus)
}

func TestMemoryStatuses_MutateNoChange(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Statuses()

	st, err := repo.Mutate(ctx, "u1", func(*model.EnhancedSubscriptionStatus) error { return ErrNoChange })
	require.NoError(t, err)
	assert.Nil(t, st)

	got, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStatuses_ReturnedValueIsACopy(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Statuses()
	st, err := repo.Mutate(ctx, "u1", func(st *model.EnhancedSubscriptionStatus) error {
		st.MergeMetadata(model.Metadata{"plan": "pro"})
		return nil
	})
	require.NoError(t, err)
	st.Metadata["plan"] = "free"

	got, _ := repo.Get(ctx, "u1")
	assert.Equal(t, "pro", got.Metadata.String("plan"))
}

func TestMemorySubscriptions_Lookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ext := "sub_9"
	store.PutSubscription(model.UserSubscription{OwnerID: "u2", Status: "active", ExternalSubscriptionID: &ext})
	store.PutSubscription(model.UserSubscription{OwnerID: "u1", Status: "canceled"})

	owner, err := store.Subscriptions().FindOwnerByExternalID(ctx, "sub_9")
	require.NoError(t, err)
	assert.Equal(t, "u2", owner)

	ids, err := store.Subscriptions().ListOwnerIDs(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)

	ids, err = store.Subscriptions().ListOwnerIDs(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, ids)
}

func TestMemoryHistory_LatestVersionWins(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryStore().History()
	owner := "u1"
	ev := model.WebhookEvent{ID: "e1", OwnerID: &owner, ProcessingStatus: model.ProcessingFailed, CreatedAt: t0, UpdatedAt: t0}
	later := ev
	later.ProcessingStatus = model.ProcessingProcessed
	later.UpdatedAt = t0.Add(time.Minute)

	require.NoError(t, h.InsertBatch(ctx, []model.WebhookEvent{later, ev}))

	rows, err := h.ListByOwner(ctx, owner, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ProcessingProcessed, rows[0].ProcessingStatus)

	rows, err = h.ListByOwner(ctx, owner, model.ProcessingFailed, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
