package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/domain"
)

var claimColumns = []string{
	"id", "event_id", "event_type", "event_version", "event_domain",
	"source_service", "source_entity_type", "source_entity_id",
	"correlation_id", "causation_id", "parent_event_id",
	"payload", "metadata", "content_type", "priority",
	"exchange", "routing_key", "attempts", "max_attempts",
	"next_attempt_at", "occurred_at", "created_at",
}

func claimRow(rows *sqlmock.Rows, id int64, eventID string, priority string, attempts int) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(
		id, eventID, "order.created", "1.0", "orders",
		"order-service", "order", "o-1",
		"corr-1", "", "",
		[]byte(`{"k":"v"}`), []byte(`{}`), "application/json", priority,
		"orders", "order.created", attempts, 3,
		now, now, now,
	)
}

func TestStore_ClaimBatch(t *testing.T) {
	t.Run("claims_and_increments_attempts", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		rows := sqlmock.NewRows(claimColumns)
		rows = claimRow(rows, 1, "ev-1", "critical", 0)
		rows = claimRow(rows, 2, "ev-2", "normal", 1)

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE OF o SKIP LOCKED").
			WithArgs(5, 3, "relay-service").
			WillReturnRows(rows)
		mock.ExpectExec("SET status = 'processing'").
			WithArgs(pq.Array([]int64{1, 2})).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		batch, err := New(db).ClaimBatch(context.Background(), 5, "relay-service", 3)
		require.NoError(t, err)
		require.Len(t, batch, 2)

		assert.Equal(t, domain.StatusProcessing, batch[0].Status)
		assert.Equal(t, domain.PriorityCritical, batch[0].Priority)
		assert.Equal(t, 1, batch[0].Attempts) // post-claim value
		assert.Equal(t, 2, batch[1].Attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero_batch_size_touches_nothing", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		batch, err := New(db).ClaimBatch(context.Background(), 0, "relay-service", 3)
		assert.NoError(t, err)
		assert.Nil(t, batch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty_claim_commits_and_returns_nil", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE OF o SKIP LOCKED").
			WithArgs(10, 3, "relay-service").
			WillReturnRows(sqlmock.NewRows(claimColumns))
		mock.ExpectCommit()

		batch, err := New(db).ClaimBatch(context.Background(), 10, "relay-service", 3)
		assert.NoError(t, err)
		assert.Nil(t, batch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transport_error_is_storage_unavailable", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

		batch, err := New(db).ClaimBatch(context.Background(), 10, "relay-service", 3)
		assert.Nil(t, batch)
		require.Error(t, err)
		assert.Equal(t, domain.KindStorageUnavailable, domain.KindOf(err))
	})
}

func TestStore_MarkPublished(t *testing.T) {
	t.Run("settles_rows_and_writes_watermarks", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		settled := []SettledEvent{
			{RowID: 1, EventID: "ev-1", Exchange: "orders", RoutingKey: "order.created", Duration: 42 * time.Millisecond},
			{RowID: 2, EventID: "ev-2", Exchange: "orders", RoutingKey: "order.updated", Duration: 7 * time.Millisecond},
		}

		mock.ExpectBegin()
		mock.ExpectExec("SET status = 'published'").
			WithArgs(pq.Array([]int64{1, 2})).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec("INSERT INTO consumer_watermarks").
			WithArgs("relay-service", "ev-1", `{"exchange":"orders","routing_key":"order.created"}`, int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO consumer_watermarks").
			WithArgs("relay-service", "ev-2", `{"exchange":"orders","routing_key":"order.updated"}`, int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = New(db).MarkPublished(context.Background(), "relay-service", settled)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty_input_is_a_no_op", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		assert.NoError(t, New(db).MarkPublished(context.Background(), "relay-service", nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_MarkFailed(t *testing.T) {
	t.Run("splits_discarded_and_failed_counts", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		ids := []int64{1, 2, 3}
		mock.ExpectBegin()
		mock.ExpectExec("SET status = 'discarded'").
			WithArgs(pq.Array(ids), "no route to queue", "no_route").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("SET status = 'failed'").
			WithArgs(pq.Array(ids), sqlmock.AnyArg(), "no route to queue", "no_route").
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		failed, discarded, err := New(db).MarkFailed(context.Background(), ids, "no route to queue", "no_route", 500*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 2, failed)
		assert.Equal(t, 1, discarded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty_input_is_a_no_op", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		failed, discarded, err := New(db).MarkFailed(context.Background(), nil, "", "", 0)
		assert.NoError(t, err)
		assert.Zero(t, failed)
		assert.Zero(t, discarded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transport_error_is_storage_unavailable", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("SET status = 'discarded'").
			WillReturnError(errors.New("broken pipe"))

		_, _, err = New(db).MarkFailed(context.Background(), []int64{1}, "x", "y", time.Second)
		require.Error(t, err)
		assert.Equal(t, domain.KindStorageUnavailable, domain.KindOf(err))
	})
}

func TestStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	e, err := domain.NewEvent(domain.Event{
		EventType:  "order.created",
		Exchange:   "orders",
		RoutingKey: "order.created",
		Payload:    json.RawMessage(`{"order_id":"o-1"}`),
	}, now)
	require.NoError(t, err)

	mock.ExpectQuery("INSERT INTO event_outbox").
		WithArgs(
			e.EventID, e.EventType, e.EventVersion, e.EventDomain,
			e.SourceService, e.SourceEntityType, e.SourceEntityID,
			e.CorrelationID, e.CausationID, e.ParentEventID,
			string(e.Payload), `{}`, e.ContentType, string(e.Priority),
			e.Exchange, e.RoutingKey, e.MaxAttempts,
			e.NextAttemptAt, e.OccurredAt, e.CreatedAt,
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	require.NoError(t, New(db).Insert(context.Background(), e))
	assert.Equal(t, int64(7), e.RowID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	e, err := domain.NewEvent(domain.Event{
		EventType:  "order.created",
		Exchange:   "orders",
		RoutingKey: "order.created",
		Payload:    json.RawMessage(`{"order_id":"o-2"}`),
	}, now)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO event_outbox").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, New(db).InsertTx(context.Background(), tx, e))
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(9), e.RowID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_OutboxStats(t *testing.T) {
	t.Run("maps_counts_and_pending_window", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		oldest := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		newest := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		mock.ExpectQuery("GROUP BY status").
			WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
				AddRow("pending", 4).
				AddRow("published", 10).
				AddRow("discarded", 1))
		mock.ExpectQuery("WHERE status = 'pending'").
			WillReturnRows(sqlmock.NewRows([]string{"min", "max"}).AddRow(oldest, newest))

		stats, err := New(db).OutboxStats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 4, stats.Counts[domain.StatusPending])
		assert.Equal(t, 10, stats.Counts[domain.StatusPublished])
		assert.Equal(t, 1, stats.Counts[domain.StatusDiscarded])
		require.NotNil(t, stats.OldestPending)
		assert.Equal(t, oldest, *stats.OldestPending)
		assert.Equal(t, newest, *stats.NewestPending)
	})

	t.Run("empty_pending_window_is_nil", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("GROUP BY status").
			WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("published", 2))
		mock.ExpectQuery("WHERE status = 'pending'").
			WillReturnRows(sqlmock.NewRows([]string{"min", "max"}).AddRow(nil, nil))

		stats, err := New(db).OutboxStats(context.Background())
		require.NoError(t, err)
		assert.Nil(t, stats.OldestPending)
		assert.Nil(t, stats.NewestPending)
		assert.Zero(t, stats.Counts[domain.StatusPending])
	})
}

func TestStore_Ping(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection reset"))

	err = New(db).Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindStorageUnavailable, domain.KindOf(err))
}
