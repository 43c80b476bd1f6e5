package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/models"
)

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func (db *DB) findID(ctx context.Context, table, fingerprint string) (string, error) {
	var id string
	err := db.conn.QueryRowContext(ctx,
		`SELECT id FROM `+table+` WHERE fingerprint = ? ORDER BY created LIMIT 1`, fingerprint).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.ErrNotFound
	}
	if err != nil {
		return "", apperr.Store("find "+table, err)
	}
	return id, nil
}

// FindTask returns the id of the task with the given fingerprint.
func (db *DB) FindTask(ctx context.Context, fingerprint string) (string, error) {
	return db.findID(ctx, "tasks", fingerprint)
}

// InsertTask stores a new task and returns its id.
func (db *DB) InsertTask(ctx context.Context, t *models.Task) (string, error) {
	keys, err := marshalJSON(t.PreferredKeys, "[]")
	if err != nil {
		return "", apperr.Store("insert task", err)
	}
	opts, err := marshalJSON(t.Options, "{}")
	if err != nil {
		return "", apperr.Store("insert task", err)
	}
	tags, err := marshalJSON(t.Tags, "{}")
	if err != nil {
		return "", apperr.Store("insert task", err)
	}

	id := uuid.NewString()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, fingerprint, name, build, rev, preferred_keys, options, tags, doc, package, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, t.Fingerprint, t.Name, t.Build, t.Rev, keys, opts, tags, t.Doc, t.Package, t.CreatedAt)
	if err != nil {
		return "", apperr.Store("insert task", err)
	}
	return id, nil
}

// GetTask loads a task by id.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var (
		t                models.Task
		keys, opts, tags string
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, fingerprint, name, build, rev, preferred_keys, options, tags, doc, package, created
		FROM tasks WHERE id = ?
	`, id).Scan(&t.ID, &t.Fingerprint, &t.Name, &t.Build, &t.Rev, &keys, &opts, &tags, &t.Doc, &t.Package, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("get task", err)
	}
	if err := unmarshalAll(jsonField{keys, &t.PreferredKeys}, jsonField{opts, &t.Options}, jsonField{tags, &t.Tags}); err != nil {
		return nil, apperr.Store("get task", err)
	}
	return &t, nil
}

// FindSourceUnit returns the id of the unit with the given fingerprint.
func (db *DB) FindSourceUnit(ctx context.Context, fingerprint string) (string, error) {
	return db.findID(ctx, "units", fingerprint)
}

// InsertSourceUnit stores a new source unit and returns its id.
func (db *DB) InsertSourceUnit(ctx context.Context, u *models.SourceUnit) (string, error) {
	source, err := marshalJSON(u.Source, "[]")
	if err != nil {
		return "", apperr.Store("insert unit", err)
	}
	tags, err := marshalJSON(u.Tags, "{}")
	if err != nil {
		return "", apperr.Store("insert unit", err)
	}
	var info sql.NullString
	if u.FileInfo != nil {
		data, err := json.Marshal(u.FileInfo)
		if err != nil {
			return "", apperr.Store("insert unit", err)
		}
		info = sql.NullString{String: string(data), Valid: true}
	}

	id := uuid.NewString()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO units (id, fingerprint, name, dirname, source, tags, file_info, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, u.Fingerprint, u.Name, u.Dir, source, tags, info, u.CreatedAt)
	if err != nil {
		return "", apperr.Store("insert unit", err)
	}
	return id, nil
}

// GetSourceUnit loads a source unit and its history by id.
func (db *DB) GetSourceUnit(ctx context.Context, id string) (*models.SourceUnit, error) {
	var (
		u            models.SourceUnit
		source, tags string
		info         sql.NullString
		updated      sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, fingerprint, name, dirname, source, tags, file_info, created, updated
		FROM units WHERE id = ?
	`, id).Scan(&u.ID, &u.Fingerprint, &u.Name, &u.Dir, &source, &tags, &info, &u.CreatedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("get unit", err)
	}
	if err := unmarshalAll(jsonField{source, &u.Source}, jsonField{tags, &u.Tags}); err != nil {
		return nil, apperr.Store("get unit", err)
	}
	if info.Valid {
		u.FileInfo = &models.FileInfo{}
		if err := json.Unmarshal([]byte(info.String), u.FileInfo); err != nil {
			return nil, apperr.Store("get unit", err)
		}
	}
	if updated.Valid {
		u.UpdatedAt = updated.Time
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT entry FROM unit_history WHERE unit_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, apperr.Store("get unit history", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, apperr.Store("get unit history", err)
		}
		var e models.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, apperr.Store("get unit history", err)
		}
		u.History = append(u.History, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("get unit history", err)
	}
	return &u, nil
}

// AppendHistory pushes one history entry onto a unit and bumps its update time.
func (db *DB) AppendHistory(ctx context.Context, unitID string, e models.HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return apperr.Store("append history", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Store("append history", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	res, err := tx.ExecContext(ctx, `UPDATE units SET updated = ? WHERE id = ?`, e.CreatedAt, unitID)
	if err != nil {
		return apperr.Store("append history", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unit %s: %w", unitID, apperr.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO unit_history (unit_id, entry, created) VALUES (?, ?, ?)`, unitID, string(data), e.CreatedAt); err != nil {
		return apperr.Store("append history", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Store("append history", err)
	}
	return nil
}

type jsonField struct {
	raw string
	dst any
}

// unmarshalAll decodes each JSON column into its target.
func unmarshalAll(fields ...jsonField) error {
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return err
		}
	}
	return nil
}
