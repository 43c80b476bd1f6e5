// Package store defines the backing-store boundary used by the registry,
// the reconciliation engine and the outcome recorder.
//
// Implementations must provide document-level atomicity for every call:
// a bulk call is applied as the store's own atomicity unit and no
// transaction ever spans two calls.
package store

import (
	"context"
	"time"

	"github.com/starford/sift/internal/models"
)

// Upsert is one conditional update: Key selects the record, Payload is the
// non-key part stored in the pushed provenance entry.
type Upsert struct {
	Key     models.Record
	Payload map[string]any
}

// BulkResult summarises one bulk call.
type BulkResult struct {
	Matched  int64
	Modified int64
	Upserted int64
}

// Backend is the persistent store holding tasks, source units and record
// collections.
type Backend interface {
	// FindTask returns the id of the task with the given fingerprint, or
	// apperr.ErrNotFound.
	FindTask(ctx context.Context, fingerprint string) (string, error)
	InsertTask(ctx context.Context, t *models.Task) (string, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)

	// FindSourceUnit returns the id of the unit with the given fingerprint,
	// or apperr.ErrNotFound.
	FindSourceUnit(ctx context.Context, fingerprint string) (string, error)
	InsertSourceUnit(ctx context.Context, u *models.SourceUnit) (string, error)
	GetSourceUnit(ctx context.Context, id string) (*models.SourceUnit, error)
	// AppendHistory pushes one immutable history entry onto a unit.
	AppendHistory(ctx context.Context, unitID string, e models.HistoryEntry) error

	// Collection returns a handle on a named record collection.
	Collection(name string) Collection

	// Describe returns a one-line description of the server for logs.
	Describe(ctx context.Context) string
	Close(ctx context.Context) error
}

// Collection is one record collection.
type Collection interface {
	Name() string

	// MarkRemoved sets the removed marker on every provenance entry owned by
	// o across the whole collection, returning the number of records touched.
	MarkRemoved(ctx context.Context, o models.Owner) (int64, error)

	// BulkUpsert applies one conditional update per op in a single call:
	// insert when no record matches Key, push a provenance entry owned by o,
	// increment the version counter and set the creation time only on insert.
	BulkUpsert(ctx context.Context, o models.Owner, ops []Upsert, scanned time.Time) (BulkResult, error)

	// ClearRemoved clears the removed marker on the entries owned by o of the
	// records selected by each op's Key. Entries of other owners are untouched.
	ClearRemoved(ctx context.Context, o models.Owner, ops []Upsert) (BulkResult, error)

	// InsertMany stores records as new documents without any key merge.
	InsertMany(ctx context.Context, records []models.Record) (int64, error)

	// Find returns the reconciled record whose key fields equal key, or
	// apperr.ErrNotFound.
	Find(ctx context.Context, key models.Record) (*models.StoredRecord, error)

	// EstimatedCount returns an estimate of the number of documents.
	EstimatedCount(ctx context.Context) (int64, error)
}

// Prune drops nil values and empty strings, lists and maps, mirroring how
// tags and history attributes are stored.
func Prune(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsEmpty(v) {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// IsEmpty reports whether v is nil or an empty string, list or map.
// Zero numbers and false are not empty.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case models.Record:
		return len(t) == 0
	}
	return false
}
