//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/infrastructure/postgres"
)

const testConsumer = "relay-service"

// seedEvent inserts one claimable pending row and returns it. occurred_at
// sits in the past so next_attempt_at is already due.
func seedEvent(t *testing.T, store *postgres.Store, age time.Duration, mutate func(*domain.Event)) *domain.Event {
	t.Helper()
	e := domain.Event{
		EventType:   "order.created",
		EventDomain: "orders",
		Payload:     []byte(`{"order_id":"o-1"}`),
		Exchange:    "relay.events",
		RoutingKey:  "order.created",
		OccurredAt:  time.Now().UTC().Add(-age),
	}
	if mutate != nil {
		mutate(&e)
	}
	row, err := domain.NewEvent(e, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), row))
	return row
}

func rowStatus(t *testing.T, db *sql.DB, rowID int64) (status string, attempts int) {
	t.Helper()
	err := db.QueryRow("SELECT status, attempts FROM event_outbox WHERE id = $1", rowID).
		Scan(&status, &attempts)
	require.NoError(t, err)
	return status, attempts
}

func TestStore_Integration(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	store := postgres.New(db)

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, store.Ping(ctx))
	})

	t.Run("claim_orders_by_priority_then_age", func(t *testing.T) {
		resetTables(t, db)
		low := seedEvent(t, store, time.Hour, func(e *domain.Event) { e.Priority = domain.PriorityLow })
		oldNormal := seedEvent(t, store, 2*time.Hour, nil)
		newNormal := seedEvent(t, store, time.Minute, nil)
		critical := seedEvent(t, store, time.Second, func(e *domain.Event) { e.Priority = domain.PriorityCritical })

		batch, err := store.ClaimBatch(ctx, 10, testConsumer, 3)
		require.NoError(t, err)
		require.Len(t, batch, 4)

		got := []string{batch[0].EventID, batch[1].EventID, batch[2].EventID, batch[3].EventID}
		want := []string{critical.EventID, oldNormal.EventID, newNormal.EventID, low.EventID}
		assert.Equal(t, want, got)

		for _, e := range batch {
			assert.Equal(t, 1, e.Attempts)
			assert.Equal(t, domain.StatusProcessing, e.Status)
			status, attempts := rowStatus(t, db, e.RowID)
			assert.Equal(t, "processing", status)
			assert.Equal(t, 1, attempts)
		}
	})

	t.Run("concurrent_claims_are_disjoint", func(t *testing.T) {
		resetTables(t, db)
		for i := 0; i < 40; i++ {
			seedEvent(t, store, time.Hour, nil)
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			claimed = map[int64]int{}
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				batch, err := store.ClaimBatch(ctx, 20, testConsumer, 3)
				assert.NoError(t, err)
				mu.Lock()
				for _, e := range batch {
					claimed[e.RowID]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, 40)
		for rowID, n := range claimed {
			assert.Equalf(t, 1, n, "row %d claimed %d times", rowID, n)
		}
	})

	t.Run("publish_settle_roundtrip", func(t *testing.T) {
		resetTables(t, db)
		seedEvent(t, store, time.Hour, nil)
		seedEvent(t, store, time.Hour, nil)

		batch, err := store.ClaimBatch(ctx, 10, testConsumer, 3)
		require.NoError(t, err)
		require.Len(t, batch, 2)

		settled := make([]postgres.SettledEvent, len(batch))
		for i, e := range batch {
			settled[i] = postgres.SettledEvent{
				RowID:      e.RowID,
				EventID:    e.EventID,
				Exchange:   e.Exchange,
				RoutingKey: e.RoutingKey,
				Duration:   12 * time.Millisecond,
			}
		}
		require.NoError(t, store.MarkPublished(ctx, testConsumer, settled))

		for _, e := range batch {
			var (
				status      string
				publishedAt sql.NullTime
			)
			err := db.QueryRow("SELECT status, published_at FROM event_outbox WHERE id = $1", e.RowID).
				Scan(&status, &publishedAt)
			require.NoError(t, err)
			assert.Equal(t, "published", status)
			assert.True(t, publishedAt.Valid)

			ok, err := store.AlreadyProcessed(ctx, testConsumer, e.EventID)
			require.NoError(t, err)
			assert.True(t, ok)

			var durationMS int64
			err = db.QueryRow(
				"SELECT processing_duration_ms FROM consumer_watermarks WHERE consumer_name = $1 AND event_id = $2",
				testConsumer, e.EventID,
			).Scan(&durationMS)
			require.NoError(t, err)
			assert.Equal(t, int64(12), durationMS)
		}

		again, err := store.ClaimBatch(ctx, 10, testConsumer, 3)
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("failed_rows_reclaim_when_due", func(t *testing.T) {
		resetTables(t, db)
		seeded := seedEvent(t, store, time.Hour, nil)

		batch, err := store.ClaimBatch(ctx, 1, testConsumer, 3)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		failed, discarded, err := store.MarkFailed(ctx, []int64{batch[0].RowID}, "dial tcp: refused", "broker_unavailable", 200*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 1, failed)
		assert.Equal(t, 0, discarded)

		var (
			status  string
			errMsg  sql.NullString
			errCode sql.NullString
		)
		err = db.QueryRow("SELECT status, error_message, error_code FROM event_outbox WHERE id = $1", batch[0].RowID).
			Scan(&status, &errMsg, &errCode)
		require.NoError(t, err)
		assert.Equal(t, "failed", status)
		assert.Equal(t, "dial tcp: refused", errMsg.String)
		assert.Equal(t, "broker_unavailable", errCode.String)

		// Not due yet.
		early, err := store.ClaimBatch(ctx, 1, testConsumer, 3)
		require.NoError(t, err)
		assert.Empty(t, early)

		time.Sleep(250 * time.Millisecond)

		due, err := store.ClaimBatch(ctx, 1, testConsumer, 3)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, seeded.EventID, due[0].EventID)
		assert.Equal(t, 2, due[0].Attempts)
	})

	t.Run("exhausted_rows_are_discarded", func(t *testing.T) {
		resetTables(t, db)
		seedEvent(t, store, time.Hour, func(e *domain.Event) { e.MaxAttempts = 1 })

		batch, err := store.ClaimBatch(ctx, 1, testConsumer, 3)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		require.True(t, batch[0].Exhausted())

		failed, discarded, err := store.MarkFailed(ctx, []int64{batch[0].RowID}, "no queue bound", "no_route", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 0, failed)
		assert.Equal(t, 1, discarded)

		var (
			status   string
			failedAt sql.NullTime
		)
		err = db.QueryRow("SELECT status, failed_at FROM event_outbox WHERE id = $1", batch[0].RowID).
			Scan(&status, &failedAt)
		require.NoError(t, err)
		assert.Equal(t, "discarded", status)
		assert.True(t, failedAt.Valid)

		again, err := store.ClaimBatch(ctx, 1, testConsumer, 3)
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("attempts_cap_excludes_spent_rows", func(t *testing.T) {
		resetTables(t, db)
		seeded := seedEvent(t, store, time.Hour, nil)
		_, err := db.Exec("UPDATE event_outbox SET status = 'failed', attempts = 3, next_attempt_at = NOW() - INTERVAL '1 minute' WHERE id = $1", seeded.RowID)
		require.NoError(t, err)

		batch, err := store.ClaimBatch(ctx, 1, testConsumer, 3)
		require.NoError(t, err)
		assert.Empty(t, batch)
	})

	t.Run("watermark_fences_claim_per_consumer", func(t *testing.T) {
		resetTables(t, db)
		seeded := seedEvent(t, store, time.Hour, nil)

		created, err := store.TryMarkProcessed(ctx, testConsumer, seeded.EventID)
		require.NoError(t, err)
		assert.True(t, created)

		fenced, err := store.ClaimBatch(ctx, 1, testConsumer, 3)
		require.NoError(t, err)
		assert.Empty(t, fenced)

		other, err := store.ClaimBatch(ctx, 1, "other-relay", 3)
		require.NoError(t, err)
		assert.Len(t, other, 1)
	})

	t.Run("watermark_insert_is_idempotent", func(t *testing.T) {
		resetTables(t, db)
		seeded := seedEvent(t, store, time.Hour, nil)

		created, err := store.TryMarkProcessed(ctx, testConsumer, seeded.EventID)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = store.TryMarkProcessed(ctx, testConsumer, seeded.EventID)
		require.NoError(t, err)
		assert.False(t, created)

		ok, err := store.AlreadyProcessed(ctx, testConsumer, seeded.EventID)
		require.NoError(t, err)
		assert.True(t, ok)

		// Settling through MarkPublished upserts over the existing row.
		_, err = db.Exec("UPDATE event_outbox SET status = 'processing', attempts = 1 WHERE id = $1", seeded.RowID)
		require.NoError(t, err)
		err = store.MarkPublished(ctx, testConsumer, []postgres.SettledEvent{{
			RowID:      seeded.RowID,
			EventID:    seeded.EventID,
			Exchange:   seeded.Exchange,
			RoutingKey: seeded.RoutingKey,
			Duration:   3 * time.Millisecond,
		}})
		require.NoError(t, err)

		var count int
		err = db.QueryRow("SELECT COUNT(*) FROM consumer_watermarks WHERE event_id = $1", seeded.EventID).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("settle_replay_is_noop", func(t *testing.T) {
		resetTables(t, db)
		seedEvent(t, store, time.Hour, nil)

		batch, err := store.ClaimBatch(ctx, 1, testConsumer, 3)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		settled := []postgres.SettledEvent{{
			RowID:      batch[0].RowID,
			EventID:    batch[0].EventID,
			Exchange:   batch[0].Exchange,
			RoutingKey: batch[0].RoutingKey,
		}}
		require.NoError(t, store.MarkPublished(ctx, testConsumer, settled))
		require.NoError(t, store.MarkPublished(ctx, testConsumer, settled))

		status, attempts := rowStatus(t, db, batch[0].RowID)
		assert.Equal(t, "published", status)
		assert.Equal(t, 1, attempts)

		// A late failure report cannot demote a published row.
		failed, discarded, err := store.MarkFailed(ctx, []int64{batch[0].RowID}, "late", "broker_unavailable", time.Second)
		require.NoError(t, err)
		assert.Zero(t, failed)
		assert.Zero(t, discarded)
		status, _ = rowStatus(t, db, batch[0].RowID)
		assert.Equal(t, "published", status)
	})

	t.Run("duplicate_event_id_rejected", func(t *testing.T) {
		resetTables(t, db)
		id := uuid.NewString()
		seedEvent(t, store, time.Hour, func(e *domain.Event) { e.EventID = id })

		dup, err := domain.NewEvent(domain.Event{
			EventID:    id,
			EventType:  "order.created",
			Exchange:   "relay.events",
			RoutingKey: "order.created",
		}, time.Now().UTC())
		require.NoError(t, err)
		err = store.Insert(ctx, dup)
		require.Error(t, err)
		assert.Equal(t, domain.KindStorageUnavailable, domain.KindOf(err))
	})

	t.Run("outbox_stats", func(t *testing.T) {
		resetTables(t, db)
		oldest := seedEvent(t, store, 3*time.Hour, nil)
		newest := seedEvent(t, store, time.Hour, nil)
		seedEvent(t, store, time.Hour, func(e *domain.Event) { e.MaxAttempts = 1 })

		batch, err := store.ClaimBatch(ctx, 1, testConsumer, 3)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		require.Equal(t, oldest.EventID, batch[0].EventID)

		stats, err := store.OutboxStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Counts[domain.StatusProcessing])
		assert.Equal(t, 2, stats.Counts[domain.StatusPending])
		require.NotNil(t, stats.OldestPending)
		require.NotNil(t, stats.NewestPending)
		assert.WithinDuration(t, newest.OccurredAt, *stats.NewestPending, time.Second)
	})
}
