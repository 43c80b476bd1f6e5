package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/checksum"
	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/store"
)

// collection stores reconciled records keyed by a fingerprint of their key
// fields. Two keys match when their canonical JSON encodings are equal.
type collection struct {
	db   *DB
	name string
}

var _ store.Collection = (*collection)(nil)

func (c *collection) Name() string { return c.name }

func keyHash(key models.Record) (string, string, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return "", "", err
	}
	return checksum.Sum(data), string(data), nil
}

func (c *collection) MarkRemoved(ctx context.Context, o models.Owner) (int64, error) {
	tx, err := c.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Store("mark removed", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	var n int64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT p.record_id) FROM provenance p
		JOIN records r ON r.id = p.record_id
		WHERE r.collection = ? AND p.task_id = ? AND p.unit_id = ?
	`, c.name, o.TaskID, o.UnitID).Scan(&n)
	if err != nil {
		return 0, apperr.Store("mark removed", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE provenance SET removed = 1
		WHERE task_id = ? AND unit_id = ?
		  AND record_id IN (SELECT id FROM records WHERE collection = ?)
	`, o.TaskID, o.UnitID, c.name)
	if err != nil {
		return 0, apperr.Store("mark removed", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.Store("mark removed", err)
	}
	return n, nil
}

func (c *collection) BulkUpsert(ctx context.Context, o models.Owner, ops []store.Upsert, scanned time.Time) (store.BulkResult, error) {
	var res store.BulkResult
	if len(ops) == 0 {
		return res, nil
	}

	tx, err := c.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, apperr.Store("bulk upsert", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO records (collection, key_hash, key, version, created, updated)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(collection, key_hash) DO UPDATE SET
			version = records.version + 1,
			updated = excluded.updated
		RETURNING id, version
	`)
	if err != nil {
		return res, apperr.Store("bulk upsert", err)
	}
	defer upsert.Close()

	push, err := tx.PrepareContext(ctx, `
		INSERT INTO provenance (record_id, task_id, unit_id, payload, scanned)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return res, apperr.Store("bulk upsert", err)
	}
	defer push.Close()

	for _, op := range ops {
		hash, key, err := keyHash(op.Key)
		if err != nil {
			return store.BulkResult{}, apperr.Store("bulk upsert", err)
		}
		payload, err := marshalJSON(op.Payload, "{}")
		if err != nil {
			return store.BulkResult{}, apperr.Store("bulk upsert", err)
		}

		var (
			id      int64
			version int64
		)
		if err := upsert.QueryRowContext(ctx, c.name, hash, key, scanned, scanned).Scan(&id, &version); err != nil {
			return store.BulkResult{}, apperr.Store("bulk upsert", err)
		}
		if version == 1 {
			res.Upserted++
		} else {
			res.Matched++
			res.Modified++
		}
		if _, err := push.ExecContext(ctx, id, o.TaskID, o.UnitID, payload, scanned); err != nil {
			return store.BulkResult{}, apperr.Store("bulk upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.BulkResult{}, apperr.Store("bulk upsert", err)
	}
	return res, nil
}

func (c *collection) ClearRemoved(ctx context.Context, o models.Owner, ops []store.Upsert) (store.BulkResult, error) {
	var res store.BulkResult
	if len(ops) == 0 {
		return res, nil
	}

	tx, err := c.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, apperr.Store("clear removed", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	unmark, err := tx.PrepareContext(ctx, `
		UPDATE provenance SET removed = 0
		WHERE task_id = ? AND unit_id = ? AND removed = 1 AND payload = ?
		  AND record_id = (SELECT id FROM records WHERE collection = ? AND key_hash = ?)
	`)
	if err != nil {
		return res, apperr.Store("clear removed", err)
	}
	defer unmark.Close()

	for _, op := range ops {
		hash, _, err := keyHash(op.Key)
		if err != nil {
			return store.BulkResult{}, apperr.Store("clear removed", err)
		}
		// Same encoding as BulkUpsert, so only entries with an unchanged
		// payload are cleared.
		payload, err := marshalJSON(op.Payload, "{}")
		if err != nil {
			return store.BulkResult{}, apperr.Store("clear removed", err)
		}
		r, err := unmark.ExecContext(ctx, o.TaskID, o.UnitID, payload, c.name, hash)
		if err != nil {
			return store.BulkResult{}, apperr.Store("clear removed", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			res.Matched++
			res.Modified++
		}
	}

	if err := tx.Commit(); err != nil {
		return store.BulkResult{}, apperr.Store("clear removed", err)
	}
	return res, nil
}

func (c *collection) InsertMany(ctx context.Context, records []models.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := c.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Store("insert many", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO appended (collection, doc, created) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, apperr.Store("insert many", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var n int64
	for _, rec := range records {
		doc, err := marshalJSON(rec, "{}")
		if err != nil {
			return 0, apperr.Store("insert many", err)
		}
		if _, err := stmt.ExecContext(ctx, c.name, doc, now); err != nil {
			return 0, apperr.Store("insert many", err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Store("insert many", err)
	}
	return n, nil
}

func (c *collection) Find(ctx context.Context, key models.Record) (*models.StoredRecord, error) {
	hash, _, err := keyHash(key)
	if err != nil {
		return nil, apperr.Store("find record", err)
	}

	var (
		id  int64
		raw string
		rec models.StoredRecord
	)
	err = c.db.conn.QueryRowContext(ctx, `
		SELECT id, key, version, created, updated FROM records
		WHERE collection = ? AND key_hash = ?
	`, c.name, hash).Scan(&id, &raw, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("find record", err)
	}
	if err := json.Unmarshal([]byte(raw), &rec.Key); err != nil {
		return nil, apperr.Store("find record", err)
	}

	rows, err := c.db.conn.QueryContext(ctx, `
		SELECT task_id, unit_id, payload, scanned, removed FROM provenance
		WHERE record_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, apperr.Store("find record", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e       models.ProvenanceEntry
			payload string
		)
		if err := rows.Scan(&e.TaskID, &e.UnitID, &payload, &e.Scanned, &e.Removed); err != nil {
			return nil, apperr.Store("find record", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, apperr.Store("find record", err)
		}
		rec.Provenance = append(rec.Provenance, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("find record", err)
	}
	return &rec, nil
}

func (c *collection) EstimatedCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.conn.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM records WHERE collection = ?)
		     + (SELECT COUNT(*) FROM appended WHERE collection = ?)
	`, c.name, c.name).Scan(&n)
	if err != nil {
		return 0, apperr.Store("count", err)
	}
	return n, nil
}
