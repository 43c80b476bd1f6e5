package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/store"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sift-test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	for _, table := range []string{"tasks", "units", "unit_history", "records", "provenance", "appended"} {
		var count int
		if err := db.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
}

func TestTaskRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.FindTask(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("FindTask on empty store: err = %v, want ErrNotFound", err)
	}

	created := time.Date(2025, 10, 5, 12, 0, 0, 0, time.UTC)
	id, err := db.InsertTask(ctx, &models.Task{
		Fingerprint:   "fp1",
		Name:          "sheet",
		Build:         1,
		Rev:           20251005,
		PreferredKeys: []string{"_row", "_shid", "_r"},
		Options:       models.Options{"cname": "dump"},
		Tags:          map[string]any{"region": "eu"},
		CreatedAt:     created,
	})
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	found, err := db.FindTask(ctx, "fp1")
	if err != nil {
		t.Fatalf("FindTask: %v", err)
	}
	if found != id {
		t.Errorf("FindTask = %q, want %q", found, id)
	}

	got, err := db.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Name != "sheet" || got.Rev != 20251005 || !got.CreatedAt.Equal(created) {
		t.Errorf("GetTask = %+v", got)
	}
	if diff := cmp.Diff([]string{"_row", "_shid", "_r"}, got.PreferredKeys); diff != "" {
		t.Errorf("preferred keys (-want +got):\n%s", diff)
	}
	if got.Tags["region"] != "eu" {
		t.Errorf("tags = %v", got.Tags)
	}
}

func TestSourceUnitEmptyChainAndHistory(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := db.InsertSourceUnit(ctx, &models.SourceUnit{
		Fingerprint: "u1",
		Name:        "a.csv",
		Dir:         "/data",
		Source:      []string{},
		FileInfo:    &models.FileInfo{Size: 42, Timestamp: 1700000000},
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertSourceUnit: %v", err)
	}

	var raw string
	if err := db.conn.QueryRow(`SELECT source FROM units WHERE id = ?`, id).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if raw != "[]" {
		t.Errorf("stored source = %q, want []", raw)
	}

	total := 3
	if err := db.AppendHistory(ctx, id, models.HistoryEntry{Status: models.StatusCompleted, TaskID: "t1", Total: &total}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	if err := db.AppendHistory(ctx, id, models.HistoryEntry{Status: models.StatusSkipped, TaskID: "t1"}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	u, err := db.GetSourceUnit(ctx, id)
	if err != nil {
		t.Fatalf("GetSourceUnit: %v", err)
	}
	if u.Source == nil || len(u.Source) != 0 {
		t.Errorf("Source = %#v, want empty list", u.Source)
	}
	if u.FileInfo == nil || u.FileInfo.Size != 42 {
		t.Errorf("FileInfo = %+v", u.FileInfo)
	}
	if len(u.History) != 2 {
		t.Fatalf("history len = %d, want 2", len(u.History))
	}
	if u.History[0].Status != models.StatusCompleted || *u.History[0].Total != 3 {
		t.Errorf("history[0] = %+v", u.History[0])
	}
	if u.History[1].Status != models.StatusSkipped || u.History[1].Total != nil {
		t.Errorf("history[1] = %+v", u.History[1])
	}
	if u.UpdatedAt.IsZero() {
		t.Error("updated time not set after AppendHistory")
	}
}

func TestAppendHistoryUnknownUnit(t *testing.T) {
	db := testDB(t)
	err := db.AppendHistory(context.Background(), "missing", models.HistoryEntry{Status: models.StatusSkipped})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkUpsertClear(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := db.Collection("dump")
	a := models.Owner{TaskID: "t1", UnitID: "u1"}
	b := models.Owner{TaskID: "t1", UnitID: "u2"}

	ops := []store.Upsert{
		{Key: models.Record{"id": 1}, Payload: map[string]any{"v": "x"}},
		{Key: models.Record{"id": 2}, Payload: map[string]any{"v": "y"}},
	}
	res, err := c.BulkUpsert(ctx, a, ops, time.Now().UTC())
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if res.Upserted != 2 || res.Matched != 0 {
		t.Errorf("first upsert = %+v", res)
	}
	if _, err := c.BulkUpsert(ctx, b, ops[:1], time.Now().UTC()); err != nil {
		t.Fatalf("BulkUpsert other owner: %v", err)
	}

	n, err := c.MarkRemoved(ctx, a)
	if err != nil {
		t.Fatalf("MarkRemoved: %v", err)
	}
	if n != 2 {
		t.Errorf("MarkRemoved touched %d records, want 2", n)
	}

	// Second pass only sees id=1.
	res, err = c.BulkUpsert(ctx, a, ops[:1], time.Now().UTC())
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if res.Matched != 1 || res.Upserted != 0 {
		t.Errorf("second upsert = %+v", res)
	}
	res, err = c.ClearRemoved(ctx, a, ops[:1])
	if err != nil {
		t.Fatalf("ClearRemoved: %v", err)
	}
	if res.Modified != 1 {
		t.Errorf("ClearRemoved = %+v", res)
	}

	one, err := c.Find(ctx, models.Record{"id": 1})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if one.Version != 3 {
		t.Errorf("version = %d, want 3", one.Version)
	}
	if one.RemovedFor(a) || one.RemovedFor(b) {
		t.Errorf("record 1 still removed: %+v", one.Provenance)
	}
	if len(one.EntriesFor(a)) != 2 || len(one.EntriesFor(b)) != 1 {
		t.Errorf("entries = %+v", one.Provenance)
	}
	if one.Provenance[0].Payload["v"] != "x" {
		t.Errorf("payload = %v", one.Provenance[0].Payload)
	}

	two, err := c.Find(ctx, models.Record{"id": 2})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !two.RemovedFor(a) {
		t.Error("record 2 should be marked removed for its owner")
	}
	if two.Version != 1 {
		t.Errorf("version = %d, want 1", two.Version)
	}
}

func TestClearRemovedMatchesPayload(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := db.Collection("dump")
	o := models.Owner{TaskID: "t1", UnitID: "u1"}

	old := []store.Upsert{{Key: models.Record{"id": 1}, Payload: map[string]any{"v": "old", "n": 1}}}
	if _, err := c.BulkUpsert(ctx, o, old, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.MarkRemoved(ctx, o); err != nil {
		t.Fatal(err)
	}

	changed := []store.Upsert{{Key: models.Record{"id": 1}, Payload: map[string]any{"v": "new", "n": 1}}}
	if _, err := c.BulkUpsert(ctx, o, changed, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	res, err := c.ClearRemoved(ctx, o, changed)
	if err != nil {
		t.Fatal(err)
	}
	if res.Modified != 0 {
		t.Errorf("ClearRemoved cleared %d entries, want 0", res.Modified)
	}

	rec, err := c.Find(ctx, models.Record{"id": 1})
	if err != nil {
		t.Fatal(err)
	}
	if n := rec.LiveFor(o); n != 1 {
		t.Errorf("live entries = %d, want 1: %+v", n, rec.Provenance)
	}
	if !rec.Provenance[0].Removed {
		t.Error("superseded entry lost its removed marker")
	}
}

func TestClearRemovedLeavesOtherOwners(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := db.Collection("dump")
	a := models.Owner{TaskID: "t1", UnitID: "u1"}
	b := models.Owner{TaskID: "t2", UnitID: "u1"}
	ops := []store.Upsert{{Key: models.Record{"k": "same"}}}

	for _, o := range []models.Owner{a, b} {
		if _, err := c.BulkUpsert(ctx, o, ops, time.Now().UTC()); err != nil {
			t.Fatal(err)
		}
		if _, err := c.MarkRemoved(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.ClearRemoved(ctx, a, ops); err != nil {
		t.Fatal(err)
	}

	rec, err := c.Find(ctx, models.Record{"k": "same"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.RemovedFor(a) {
		t.Error("owner a should be cleared")
	}
	if !rec.RemovedFor(b) {
		t.Error("owner b should remain removed")
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	o := models.Owner{TaskID: "t", UnitID: "u"}
	ops := []store.Upsert{{Key: models.Record{"id": 1}}}

	if _, err := db.Collection("one").BulkUpsert(ctx, o, ops, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Collection("two").Find(ctx, models.Record{"id": 1}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertManyAndCount(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := db.Collection("log")
	recs := []models.Record{{"a": 1}, {"a": 1}}

	for range 2 {
		n, err := c.InsertMany(ctx, recs)
		if err != nil {
			t.Fatalf("InsertMany: %v", err)
		}
		if n != 2 {
			t.Errorf("inserted %d, want 2", n)
		}
	}
	count, err := c.EstimatedCount(ctx)
	if err != nil {
		t.Fatalf("EstimatedCount: %v", err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}
}

func TestDescribe(t *testing.T) {
	db := testDB(t)
	if got := db.Describe(context.Background()); got == "" {
		t.Error("Describe returned empty string")
	}
}
