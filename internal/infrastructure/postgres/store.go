package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/domain"
)

// Store owns the outbox row state machine. Claim and settle are the only
// writers after insertion; terminal states are guarded in SQL, never in
// memory.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open dials postgres with the relay pool settings applied.
func Open(dsn string, poolSize int, idleTimeout, connectTimeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, domain.ErrStorageUnavailable("open postgres", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxIdleTime(idleTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.ErrStorageUnavailable("ping postgres", err)
	}
	return db, nil
}

// Rows awaiting publication: pending plus failed rows whose retry time has
// passed. Watermarked events are skipped so work acknowledged by the
// consumer identity is never re-claimed. SKIP LOCKED keeps concurrent
// relay instances on disjoint row sets.
const claimSelectSQL = `
SELECT o.id, o.event_id, o.event_type, o.event_version, o.event_domain,
       COALESCE(o.source_service, ''), COALESCE(o.source_entity_type, ''), COALESCE(o.source_entity_id, ''),
       COALESCE(o.correlation_id, ''), COALESCE(o.causation_id, ''), COALESCE(o.parent_event_id, ''),
       o.payload, o.metadata, o.content_type, o.priority,
       o.exchange, o.routing_key, o.attempts, o.max_attempts,
       o.next_attempt_at, o.occurred_at, o.created_at
FROM event_outbox o
WHERE o.status IN ('pending', 'failed')
  AND o.next_attempt_at <= NOW()
  AND o.attempts < $2
  AND NOT EXISTS (
    SELECT 1 FROM consumer_watermarks w
    WHERE w.consumer_name = $3
      AND w.event_id = o.event_id
      AND w.status = 'completed'
  )
ORDER BY CASE o.priority
           WHEN 'critical' THEN 4
           WHEN 'high' THEN 3
           WHEN 'normal' THEN 2
           ELSE 1
         END DESC,
         o.occurred_at ASC
LIMIT $1
FOR UPDATE OF o SKIP LOCKED
`

const claimMarkSQL = `
UPDATE event_outbox
SET status = 'processing',
    attempts = attempts + 1,
    updated_at = NOW()
WHERE id = ANY($1)
`

const markPublishedSQL = `
UPDATE event_outbox
SET status = 'published',
    published_at = NOW(),
    updated_at = NOW(),
    error_message = NULL,
    error_code = NULL
WHERE id = ANY($1) AND status = 'processing'
`

const markDiscardedSQL = `
UPDATE event_outbox
SET status = 'discarded',
    failed_at = NOW(),
    updated_at = NOW(),
    error_message = $2,
    error_code = $3
WHERE id = ANY($1) AND status = 'processing' AND attempts >= max_attempts
`

const markFailedSQL = `
UPDATE event_outbox
SET status = 'failed',
    next_attempt_at = $2,
    updated_at = NOW(),
    error_message = $3,
    error_code = $4
WHERE id = ANY($1) AND status = 'processing' AND attempts < max_attempts
`

const insertOutboxSQL = `
INSERT INTO event_outbox (
  event_id, event_type, event_version, event_domain,
  source_service, source_entity_type, source_entity_id,
  correlation_id, causation_id, parent_event_id,
  payload, metadata, content_type, priority,
  exchange, routing_key, status, attempts, max_attempts,
  next_attempt_at, occurred_at, created_at, updated_at
) VALUES (
  $1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
  NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''),
  $11::jsonb, $12::jsonb, $13, $14,
  $15, $16, 'pending', 0, $17, $18, $19, $20, $20
)
RETURNING id
`

const statsByStatusSQL = `
SELECT status, COUNT(*)
FROM event_outbox
GROUP BY status
`

const statsPendingAgeSQL = `
SELECT MIN(occurred_at), MAX(occurred_at)
FROM event_outbox
WHERE status = 'pending'
`

// SettledEvent carries what settle-success needs per row: the outbox key,
// the watermark identity and the broker destination for the audit record.
type SettledEvent struct {
	RowID      int64
	EventID    string
	Exchange   string
	RoutingKey string
	Duration   time.Duration
}

// Stats is the aggregate view served by the stats surface.
type Stats struct {
	Counts        map[domain.Status]int `json:"counts"`
	OldestPending *time.Time            `json:"oldest_pending,omitempty"`
	NewestPending *time.Time            `json:"newest_pending,omitempty"`
}

// ClaimBatch atomically moves up to batchSize due rows to processing and
// returns them with the post-claim attempts value. A non-positive
// batchSize returns nil without touching the store.
func (s *Store) ClaimBatch(ctx context.Context, batchSize int, consumerName string, maxAttemptsCap int) ([]*domain.Event, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, domain.ErrStorageUnavailable("begin claim tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, claimSelectSQL, batchSize, maxAttemptsCap, consumerName)
	if err != nil {
		return nil, domain.ErrStorageUnavailable("select claimable rows", err)
	}
	defer rows.Close()

	var batch []*domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			priority string
		)
		err := rows.Scan(
			&e.RowID, &e.EventID, &e.EventType, &e.EventVersion, &e.EventDomain,
			&e.SourceService, &e.SourceEntityType, &e.SourceEntityID,
			&e.CorrelationID, &e.CausationID, &e.ParentEventID,
			&e.Payload, &e.Metadata, &e.ContentType, &priority,
			&e.Exchange, &e.RoutingKey, &e.Attempts, &e.MaxAttempts,
			&e.NextAttemptAt, &e.OccurredAt, &e.CreatedAt,
		)
		if err != nil {
			return nil, domain.ErrStorageUnavailable("scan claimable row", err)
		}
		e.Status = domain.StatusProcessing
		e.Priority = domain.Priority(priority)
		batch = append(batch, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrStorageUnavailable("iterate claimable rows", err)
	}

	if len(batch) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, domain.ErrStorageUnavailable("commit empty claim", err)
		}
		return nil, nil
	}

	ids := make([]int64, len(batch))
	for i, e := range batch {
		ids[i] = e.RowID
	}
	if _, err := tx.ExecContext(ctx, claimMarkSQL, pq.Array(ids)); err != nil {
		return nil, domain.ErrStorageUnavailable("mark rows processing", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.ErrStorageUnavailable("commit claim", err)
	}

	// The update incremented attempts after the select snapshot.
	for _, e := range batch {
		e.Attempts++
	}
	return batch, nil
}

// MarkPublished settles successful rows and records the consumer watermark
// in the same transaction. Rows no longer in processing are skipped, which
// makes replaying the call a no-op.
func (s *Store) MarkPublished(ctx context.Context, consumerName string, settled []SettledEvent) error {
	if len(settled) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ErrStorageUnavailable("begin settle tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, len(settled))
	for i, ev := range settled {
		ids[i] = ev.RowID
	}
	if _, err := tx.ExecContext(ctx, markPublishedSQL, pq.Array(ids)); err != nil {
		return domain.ErrStorageUnavailable("mark rows published", err)
	}

	for _, ev := range settled {
		if err := upsertWatermarkTx(ctx, tx, consumerName, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.ErrStorageUnavailable("commit settle", err)
	}
	return nil
}

// MarkFailed settles failed rows in one transaction: rows whose attempt
// budget is spent become discarded, the rest become failed with the next
// retry time pushed out by retryAfter. Returns how many landed in each.
func (s *Store) MarkFailed(ctx context.Context, ids []int64, errMsg, errCode string, retryAfter time.Duration) (failed, discarded int, err error) {
	if len(ids) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, domain.ErrStorageUnavailable("begin settle tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, markDiscardedSQL, pq.Array(ids), errMsg, errCode)
	if err != nil {
		return 0, 0, domain.ErrStorageUnavailable("mark rows discarded", err)
	}
	n, _ := res.RowsAffected()
	discarded = int(n)

	retryAt := time.Now().UTC().Add(retryAfter)
	res, err = tx.ExecContext(ctx, markFailedSQL, pq.Array(ids), retryAt, errMsg, errCode)
	if err != nil {
		return 0, 0, domain.ErrStorageUnavailable("mark rows failed", err)
	}
	n, _ = res.RowsAffected()
	failed = int(n)

	if err := tx.Commit(); err != nil {
		return 0, 0, domain.ErrStorageUnavailable("commit settle", err)
	}
	return failed, discarded, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Insert writes one writer-side row. Used by seeding tools and tests; the
// relay itself never creates events.
func (s *Store) Insert(ctx context.Context, e *domain.Event) error {
	return insertRow(ctx, s.db, e)
}

// InsertTx writes the row inside the caller's transaction so the event
// commits atomically with the business mutation that produced it.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, e *domain.Event) error {
	return insertRow(ctx, tx, e)
}

func insertRow(ctx context.Context, q rowQuerier, e *domain.Event) error {
	metadata := e.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}
	err := q.QueryRowContext(ctx, insertOutboxSQL,
		e.EventID, e.EventType, e.EventVersion, e.EventDomain,
		e.SourceService, e.SourceEntityType, e.SourceEntityID,
		e.CorrelationID, e.CausationID, e.ParentEventID,
		string(e.Payload), string(metadata), e.ContentType, string(e.Priority),
		e.Exchange, e.RoutingKey, e.MaxAttempts,
		e.NextAttemptAt.UTC(), e.OccurredAt.UTC(), e.CreatedAt.UTC(),
	).Scan(&e.RowID)
	if err != nil {
		return domain.ErrStorageUnavailable("insert outbox row", err)
	}
	return nil
}

// OutboxStats aggregates row counts and the pending age window.
func (s *Store) OutboxStats(ctx context.Context) (*Stats, error) {
	out := &Stats{Counts: map[domain.Status]int{}}

	rows, err := s.db.QueryContext(ctx, statsByStatusSQL)
	if err != nil {
		return nil, domain.ErrStorageUnavailable("count rows by status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, domain.ErrStorageUnavailable("scan status count", err)
		}
		out.Counts[domain.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrStorageUnavailable("iterate status counts", err)
	}

	var oldest, newest sql.NullTime
	if err := s.db.QueryRowContext(ctx, statsPendingAgeSQL).Scan(&oldest, &newest); err != nil {
		return nil, domain.ErrStorageUnavailable("scan pending age", err)
	}
	if oldest.Valid {
		t := oldest.Time
		out.OldestPending = &t
	}
	if newest.Valid {
		t := newest.Time
		out.NewestPending = &t
	}
	return out, nil
}

// Ping reports store health for the readiness surface.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.ErrStorageUnavailable("ping postgres", err)
	}
	return nil
}
