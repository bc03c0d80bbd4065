package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PublishChange writes one durable change-log row, to be replayed by other
// processes' pollers (see internal/event). It is intentionally a separate,
// non-transactional call from the entity mutations above: the event bus
// calls it after a local publish, not as part of every store write, so that
// callers who only want local in-process fan-out never pay for a row.
func (s *Store) PublishChange(ctx context.Context, originProcessID, channel, eventType, payloadJSON string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO change_log (origin_process_id, channel, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			originProcessID, channel, eventType, payloadJSON, nowMillis())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("publish change: %w", err)
	}
	return id, nil
}

// MaxChangeLogID returns the current maximum id in the change log, used by
// the poller to seed its "last seen" watermark at startup so old rows are
// never replayed.
func (s *Store) MaxChangeLogID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM change_log`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max change log id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// PollChanges returns every change-log row with id > afterID, in id order.
func (s *Store) PollChanges(ctx context.Context, afterID int64) ([]ChangeLogRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, origin_process_id, channel, event_type, payload, created_at
		 FROM change_log WHERE id > ? ORDER BY id ASC`, afterID)
	if err != nil {
		return nil, fmt.Errorf("poll changes: %w", err)
	}
	defer rows.Close()

	var out []ChangeLogRow
	for rows.Next() {
		var r ChangeLogRow
		if err := rows.Scan(&r.ID, &r.OriginProcessID, &r.Channel, &r.EventType, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change log row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SweepChangeLog deletes change-log rows older than olderThanMillis
// (an absolute epoch-millis cutoff), returning the number of rows removed.
func (s *Store) SweepChangeLog(ctx context.Context, olderThanMillis int64) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM change_log WHERE created_at < ?`, olderThanMillis)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sweep change log: %w", err)
	}
	return n, nil
}
