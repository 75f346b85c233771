// Package store persists Knowledge Units and drives the outbox: a durable
// content-addressed KU table and an append-only delivery queue written in
// the same transaction, plus per-subscriber cursors. The single-transaction
// rule is what makes a publish crash-safe: after recovery either both the
// KU row and its outbox row exist or neither does.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
)

// Store is the durable KU map plus outbox. Writes are serialized by
// sqlite's single-writer model; readers run concurrently under WAL.
type Store struct {
	db      *sql.DB
	blobDir string // "" disables the blob sidecar
	logger  *zap.SugaredLogger
}

// New creates a Store. blobDir, when non-empty, receives one file per
// stored CID (written after commit, reconciled by Consistency).
func New(db *sql.DB, blobDir string, logger *zap.SugaredLogger) (*Store, error) {
	if blobDir != "" {
		if err := os.MkdirAll(blobDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create blob directory %s", blobDir)
		}
	}
	return &Store{db: db, blobDir: blobDir, logger: logger}, nil
}

// PutResult reports the outcome of a Put.
type PutResult struct {
	Stored bool  // false when the CID was already present
	Seq    int64 // outbox sequence of the enqueued row; 0 when not stored
}

// Put inserts a KU and enqueues it for delivery atomically. A duplicate
// CID is a no-op: the KU is not re-stored and, critically, NOT re-enqueued.
// That "enqueue iff stored" rule is the sole mechanism preventing infinite
// rebroadcast cycles between mutually subscribed daemons.
func (s *Store) Put(ctx context.Context, cid string, body []byte) (PutResult, error) {
	var res PutResult

	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC().Format(time.RFC3339Nano)

		ins, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO kus (cid, body, stored_at) VALUES (?, ?, ?)`,
			cid, string(body), now,
		)
		if err != nil {
			return err
		}
		n, err := ins.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			res = PutResult{Stored: false}
			return tx.Commit()
		}

		out, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (cid, enqueued_at) VALUES (?, ?)`,
			cid, now,
		)
		if err != nil {
			return err
		}
		seq, err := out.LastInsertId()
		if err != nil {
			return err
		}

		res = PutResult{Stored: true, Seq: seq}
		return tx.Commit()
	})
	if err != nil {
		return PutResult{}, errors.Wrapf(err, "failed to store KU %s", cid)
	}

	if res.Stored && s.blobDir != "" {
		if err := s.writeBlob(cid, body); err != nil {
			// DB row is the source of truth; a missing blob shows up in
			// the consistency report instead of failing the publish.
			s.logger.Warnw("Failed to write KU blob", "cid", cid, "error", err)
		}
	}
	return res, nil
}

func (s *Store) writeBlob(cid string, body []byte) error {
	return os.WriteFile(filepath.Join(s.blobDir, cid), body, 0o644)
}

// Get returns the raw KU JSON for a CID, or errors.ErrNotFound.
func (s *Store) Get(ctx context.Context, cid string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM kus WHERE cid = ?`, cid).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("KU %s not found", cid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read KU %s", cid)
	}
	return []byte(body), nil
}

// Exists reports whether a CID is already stored.
func (s *Store) Exists(ctx context.Context, cid string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM kus WHERE cid = ?`, cid).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check KU %s", cid)
	}
	return true, nil
}

// Count returns the number of stored KUs.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kus`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count KUs")
	}
	return n, nil
}

// ConsistencyReport compares the DB key set against the blob sidecar.
type ConsistencyReport struct {
	TotalDB    int64 `json:"total_db"`
	TotalFS    int64 `json:"total_fs"`
	Mismatches int64 `json:"mismatches"`
}

// Consistency reports DB/filesystem divergence without repairing it.
// Mismatches counts CIDs present on exactly one side.
func (s *Store) Consistency(ctx context.Context) (ConsistencyReport, error) {
	var report ConsistencyReport

	rows, err := s.db.QueryContext(ctx, `SELECT cid FROM kus`)
	if err != nil {
		return report, errors.Wrap(err, "failed to list stored CIDs")
	}
	defer rows.Close()

	dbCIDs := make(map[string]bool)
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return report, errors.Wrap(err, "failed to scan CID")
		}
		dbCIDs[cid] = true
	}
	if err := rows.Err(); err != nil {
		return report, errors.Wrap(err, "failed to iterate CIDs")
	}
	report.TotalDB = int64(len(dbCIDs))

	if s.blobDir == "" {
		return report, nil
	}

	entries, err := os.ReadDir(s.blobDir)
	if err != nil {
		return report, errors.Wrapf(err, "failed to read blob directory %s", s.blobDir)
	}

	fsCIDs := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			fsCIDs[e.Name()] = true
		}
	}
	report.TotalFS = int64(len(fsCIDs))

	for cid := range dbCIDs {
		if !fsCIDs[cid] {
			report.Mismatches++
		}
	}
	for cid := range fsCIDs {
		if !dbCIDs[cid] {
			report.Mismatches++
		}
	}
	return report, nil
}

// ProbeRead runs a timed read against the database, for readiness checks.
func (s *Store) ProbeRead(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := s.Count(ctx)
	return time.Since(start), err
}

// ProbeWrite runs a timed single-row write, for readiness checks.
func (s *Store) ProbeWrite(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE health_probe SET ts = ? WHERE id = 1`,
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	return time.Since(start), err
}
