package repository

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmehdipour/subsync/internal/db"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/util"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mysqlIntegrationDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SUBSYNC_TEST_MYSQL_DSN"))
	if dsn == "" {
		t.Skip("set SUBSYNC_TEST_MYSQL_DSN to run MySQL integration tests")
	}
	conn, err := db.NewMySQLConnection(dsn, db.MySQLOpts{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	script, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.sql"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, db.ExecScript(ctx, conn, string(script)))
	return conn
}

func TestMySQLEvents_Lifecycle(t *testing.T) {
	conn := mysqlIntegrationDB(t)
	ctx := context.Background()
	repo := NewEventsRepository(conn)
	now := time.Now().UTC().Truncate(time.Microsecond)

	ev := &model.WebhookEvent{
		ID:              util.New(),
		ProviderEventID: "evt_integration_1",
		EventType:       "customer.subscription.updated",
		Payload:         model.Payload(`{"id":"sub_1","status":"active"}`),
		CreatedAt:       now,
	}
	created, stored, err := repo.InsertIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.ProcessingPending, stored.ProcessingStatus)

	dup := *ev
	dup.ID = util.New()
	created, stored, err = repo.InsertIfAbsent(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ev.ID, stored.ID)

	ok, err := repo.IncrementRetry(ctx, ev.ID, 0, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.IncrementRetry(ctx, ev.ID, 0, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.UpdateStatus(ctx, ev.ID, StatusUpdate{
		Status:  model.ProcessingFailed,
		Details: &model.ErrorDetails{Code: "provider_timeout", Message: "deadline exceeded", Attempt: 1},
		At:      now,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.ListRetryCandidates(ctx, RetryQuery{MaxRetryCount: 3, AttemptedBefore: now.Add(time.Second), Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].ErrorDetails)
	assert.Equal(t, "provider_timeout", got[0].ErrorDetails.Code)

	ok, err = repo.UpdateStatus(ctx, ev.ID, StatusUpdate{Status: model.ProcessingProcessed, At: now})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.UpdateStatus(ctx, ev.ID, StatusUpdate{Status: model.ProcessingFailed, At: now})
	require.NoError(t, err)
	assert.False(t, ok)

	counts, err := repo.CountByStatus(ctx, StatsQuery{MaxRetries: 3})
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, model.ProcessingProcessed, counts[0].Status)
	assert.Equal(t, 1, counts[0].RetrySum)
}

func TestMySQLStatuses_Mutate(t *testing.T) {
	conn := mysqlIntegrationDB(t)
	ctx := context.Background()
	repo := NewStatusRepository(conn)

	st, err := repo.Mutate(ctx, "owner_1", func(st *model.EnhancedSubscriptionStatus) error {
		st.SubscriptionStatus = model.SubscriptionActive
		st.SetExternalID("sub_1")
		st.MergeMetadata(model.Metadata{"plan_id": "pro"})
		st.MarkSynced(time.Now().UTC())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.SyncSynced, st.SyncStatus)

	_, err = repo.Mutate(ctx, "owner_1", func(st *model.EnhancedSubscriptionStatus) error {
		st.MergeMetadata(model.Metadata{"source": "webhook"})
		return nil
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "owner_1")
	require.NoError(t, err)
	assert.Equal(t, "pro", got.Metadata.String("plan_id"))
	assert.Equal(t, "webhook", got.Metadata.String("source"))
	assert.Equal(t, "sub_1", got.ExternalID())

	missing, err := repo.Mutate(ctx, "owner_2", func(*model.EnhancedSubscriptionStatus) error { return ErrNoChange })
	require.NoError(t, err)
	assert.Nil(t, missing)
}
