package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
)

// OutboxRow is one pending delivery.
type OutboxRow struct {
	Seq int64
	CID string
}

// MaxSeq returns the highest outbox sequence, 0 when the outbox is empty.
// New subscribers without a replay cursor start here.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM outbox`).Scan(&seq); err != nil {
		return 0, errors.Wrap(err, "failed to read outbox tail")
	}
	return seq.Int64, nil
}

// FetchAfter returns up to limit outbox rows with seq > after, in seq order.
func (s *Store) FetchAfter(ctx context.Context, after int64, limit int) ([]OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, cid FROM outbox WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		after, limit,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch outbox rows after %d", after)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.Seq, &r.CID); err != nil {
			return nil, errors.Wrap(err, "failed to scan outbox row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OutboxLen returns the total number of outbox rows.
func (s *Store) OutboxLen(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count outbox rows")
	}
	return n, nil
}

// SeqOf returns the outbox sequence for a CID, or errors.ErrNotFound.
// A CID enqueued more than once (impossible through Put, possible after
// manual DB surgery) resolves to its first sequence.
func (s *Store) SeqOf(ctx context.Context, cid string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM outbox WHERE cid = ? ORDER BY seq ASC LIMIT 1`, cid,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, errors.NewNotFoundError("CID %s not in outbox", cid)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to resolve outbox seq for %s", cid)
	}
	return seq, nil
}

// Cursor returns a subscriber's last acked sequence. ok is false when the
// subscriber has no persisted cursor.
func (s *Store) Cursor(ctx context.Context, subscriberID string) (seq int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT last_acked_seq FROM cursors WHERE subscriber_id = ?`, subscriberID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to read cursor for %s", subscriberID)
	}
	return seq, true, nil
}

// AdvanceCursor moves a subscriber's cursor forward. The cursor never
// moves backward: out-of-order ACK processing keeps the high-water mark.
func (s *Store) AdvanceCursor(ctx context.Context, subscriberID string, seq int64) error {
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cursors (subscriber_id, last_acked_seq, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(subscriber_id) DO UPDATE SET
				last_acked_seq = MAX(last_acked_seq, excluded.last_acked_seq),
				updated_at = excluded.updated_at
		`, subscriberID, seq, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to advance cursor for %s", subscriberID)
	}
	return nil
}
