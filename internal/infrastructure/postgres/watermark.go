package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/domain"
)

// consumer_watermarks is the idempotency fence: one row per
// (consumer_name, event_id), written when the event has been handled for
// that identity. The relay writes it on publish success; consumers use the
// same table to dedup deliveries.

const upsertWatermarkSQL = `
INSERT INTO consumer_watermarks (
  consumer_name, event_id, status, result, processing_duration_ms, processed_at
) VALUES ($1, $2, 'completed', $3::jsonb, $4, NOW())
ON CONFLICT (consumer_name, event_id) DO UPDATE
SET status = 'completed',
    result = EXCLUDED.result,
    processing_duration_ms = EXCLUDED.processing_duration_ms,
    error_message = NULL,
    error_code = NULL,
    processed_at = NOW()
`

const tryMarkProcessedSQL = `
INSERT INTO consumer_watermarks (consumer_name, event_id, status, processed_at)
VALUES ($1, $2, 'completed', NOW())
ON CONFLICT (consumer_name, event_id) DO NOTHING
`

const watermarkExistsSQL = `
SELECT 1 FROM consumer_watermarks
WHERE consumer_name = $1 AND event_id = $2 AND status = 'completed'
`

func upsertWatermarkTx(ctx context.Context, tx *sql.Tx, consumerName string, ev SettledEvent) error {
	result, err := json.Marshal(map[string]string{
		"exchange":    ev.Exchange,
		"routing_key": ev.RoutingKey,
	})
	if err != nil {
		return domain.ErrStorageUnavailable("encode watermark result", err)
	}
	_, err = tx.ExecContext(ctx, upsertWatermarkSQL,
		consumerName, ev.EventID, string(result), ev.Duration.Milliseconds(),
	)
	if err != nil {
		return domain.ErrStorageUnavailable("upsert consumer watermark", err)
	}
	return nil
}

// TryMarkProcessed inserts the watermark if absent. Returns true when this
// call created the row, false when another processing already did; that
// single bit is the at-most-once fence for a consumer identity.
func (s *Store) TryMarkProcessed(ctx context.Context, consumerName, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, tryMarkProcessedSQL, consumerName, eventID)
	if err != nil {
		return false, domain.ErrStorageUnavailable("mark processed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.ErrStorageUnavailable("mark processed rows affected", err)
	}
	return n == 1, nil
}

// AlreadyProcessed reports whether the event is watermarked completed for
// the consumer identity.
func (s *Store) AlreadyProcessed(ctx context.Context, consumerName, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, watermarkExistsSQL, consumerName, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, domain.ErrStorageUnavailable("lookup watermark", err)
	}
	return true, nil
}
