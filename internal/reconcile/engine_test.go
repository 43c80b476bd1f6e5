package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/extract"
	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/outcome"
	"github.com/starford/sift/internal/registry"
	"github.com/starford/sift/internal/store"
	"github.com/starford/sift/internal/store/sqlitestore"
	"github.com/starford/sift/internal/testutil"
)

type fixture struct {
	db     *sqlitestore.DB
	engine *Engine
	owner  models.Owner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := testutil.TestBackend(t)
	reg := registry.New(db, nil)
	_, taskID, err := reg.RegisterTask(ctx, registry.TaskInfo{Name: "test"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, unitID, err := reg.RegisterSourceUnit(ctx, registry.UnitKey{Name: "a.csv"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		db:     db,
		engine: NewEngine(db, outcome.NewRecorder(db, nil), outcome.NewProcessSampler(), nil),
		owner:  models.Owner{TaskID: taskID, UnitID: unitID},
	}
}

func (f *fixture) run(t *testing.T, upsert bool, batches ...[]models.Record) Result {
	t.Helper()
	src := &extract.Slice{}
	for _, recs := range batches {
		src.Batches = append(src.Batches, models.Batch{Records: recs})
	}
	res, err := f.engine.Run(context.Background(), Run{
		Owner:      f.owner,
		Collection: "dump",
		Path:       "a.csv",
		UpsertMode: upsert,
		UpsertKeys: []string{"id"},
	}, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func (f *fixture) find(t *testing.T, id int) *models.StoredRecord {
	t.Helper()
	rec, err := f.db.Collection("dump").Find(context.Background(), models.Record{"id": id})
	if err != nil {
		t.Fatalf("Find(%d): %v", id, err)
	}
	return rec
}

func (f *fixture) count(t *testing.T) int64 {
	t.Helper()
	n, err := f.db.Collection("dump").EstimatedCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func (f *fixture) history(t *testing.T) []models.HistoryEntry {
	t.Helper()
	u, err := f.db.GetSourceUnit(context.Background(), f.owner.UnitID)
	if err != nil {
		t.Fatal(err)
	}
	return u.History
}

var (
	recA = models.Record{"id": 1, "v": "a"}
	recB = models.Record{"id": 2, "v": "b"}
)

func TestIdempotentRescan(t *testing.T) {
	f := newFixture(t)
	f.run(t, true, []models.Record{recA, recB})
	res := f.run(t, true, []models.Record{recA, recB})

	if res.State != StateCompleted || *res.Total != 2 {
		t.Errorf("result = %+v", res)
	}
	if n := f.count(t); n != 2 {
		t.Errorf("record count = %d, want 2", n)
	}
	for _, id := range []int{1, 2} {
		rec := f.find(t, id)
		if rec.Version != 2 {
			t.Errorf("record %d version = %d, want 2", id, rec.Version)
		}
		if rec.LiveFor(f.owner) != 2 {
			t.Errorf("record %d has removed entries: %+v", id, rec.Provenance)
		}
		if len(rec.EntriesFor(f.owner)) != 2 {
			t.Errorf("record %d entries = %d, want 2", id, len(rec.EntriesFor(f.owner)))
		}
	}
}

func TestRemovalDetection(t *testing.T) {
	f := newFixture(t)
	f.run(t, true, []models.Record{recA, recB})
	f.run(t, true, []models.Record{recA})

	if f.find(t, 1).RemovedFor(f.owner) {
		t.Error("A should not be removed")
	}
	if !f.find(t, 2).RemovedFor(f.owner) {
		t.Error("B should be removed")
	}
	if n := f.count(t); n != 2 {
		t.Errorf("record count = %d, want 2 (nothing deleted)", n)
	}
}

func TestReappearanceClearsRemoval(t *testing.T) {
	f := newFixture(t)
	f.run(t, true, []models.Record{recA})
	f.run(t, true, []models.Record{})
	if !f.find(t, 1).RemovedFor(f.owner) {
		t.Fatal("A should be removed after an empty pass")
	}
	f.run(t, true, []models.Record{recA})

	rec := f.find(t, 1)
	if rec.RemovedFor(f.owner) {
		t.Error("A still marked removed after reappearing")
	}
	// Passes 1 and 3 touched A.
	if rec.Version != 2 {
		t.Errorf("version = %d, want 2", rec.Version)
	}
	if n := f.count(t); n != 1 {
		t.Errorf("record count = %d, want 1", n)
	}
}

func TestChangedPayloadLeavesOneLiveEntry(t *testing.T) {
	f := newFixture(t)
	f.run(t, true, []models.Record{{"id": 1, "v": "old"}})
	f.run(t, true, []models.Record{{"id": 1, "v": "new"}})

	rec := f.find(t, 1)
	if n := rec.LiveFor(f.owner); n != 1 {
		t.Fatalf("live entries = %d, want 1: %+v", n, rec.Provenance)
	}
	entries := rec.EntriesFor(f.owner)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if !entries[0].Removed || entries[0].Payload["v"] != "old" {
		t.Errorf("superseded entry = %+v, want removed with v=old", entries[0])
	}
	if entries[1].Removed || entries[1].Payload["v"] != "new" {
		t.Errorf("current entry = %+v, want live with v=new", entries[1])
	}
	if rec.RemovedFor(f.owner) {
		t.Error("record reported removed although its key was re-observed")
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	f := newFixture(t)
	other := &fixture{db: f.db, engine: f.engine, owner: models.Owner{TaskID: f.owner.TaskID}}
	_, unitID, err := registry.New(f.db, nil).RegisterSourceUnit(context.Background(), registry.UnitKey{Name: "b.csv"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	other.owner.UnitID = unitID

	f.run(t, true, []models.Record{recA})
	other.run(t, true, []models.Record{recA})
	f.run(t, true, []models.Record{recB})

	rec := f.find(t, 1)
	if !rec.RemovedFor(f.owner) {
		t.Error("A should be removed for the first unit")
	}
	if rec.RemovedFor(other.owner) {
		t.Error("A should stay live for the second unit")
	}
}

func TestKeyPrecedenceInEngine(t *testing.T) {
	f := newFixture(t)
	recs := []models.Record{{"a": 1, "b": 2, "c": 3}}
	run := Run{Owner: f.owner, Collection: "dump", UpsertMode: true, PreferredKeys: []string{"b"}}

	if _, err := f.engine.Run(context.Background(), run, &extract.Slice{Batches: []models.Batch{{Records: recs}}}); err != nil {
		t.Fatal(err)
	}
	rec, err := f.db.Collection("dump").Find(context.Background(), models.Record{"b": 2})
	if err != nil {
		t.Fatalf("record not keyed on preferred key: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"a": float64(1), "c": float64(3)}, rec.Provenance[0].Payload); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}
}

func TestOutcomeStatuses(t *testing.T) {
	f := newFixture(t)

	f.run(t, true)
	res := f.run(t, true, []models.Record{})
	if res.Total == nil || *res.Total != 0 {
		t.Errorf("empty batch total = %v, want 0", res.Total)
	}
	f.run(t, true, []models.Record{recA})

	h := f.history(t)
	var got []models.Status
	for _, e := range h {
		got = append(got, e.Status)
	}
	want := []models.Status{models.StatusSkipped, models.StatusCompleted, models.StatusCompleted}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
	if h[0].Total != nil {
		t.Errorf("skipped total = %v, want nil", *h[0].Total)
	}
	if len(h[2].Consumption) != 1 || h[2].Consumption[0].Len != 1 {
		t.Errorf("consumption = %+v", h[2].Consumption)
	}
}

func TestExtractorErrorRecorded(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("decode failed")
	src := &extract.Slice{Batches: []models.Batch{{Records: []models.Record{recA}}}, Err: boom}
	run := Run{Owner: f.owner, Collection: "dump", Path: "a.csv", UpsertMode: true, UpsertKeys: []string{"id"}}

	res, err := f.engine.Run(context.Background(), run, src)
	if err != nil {
		t.Fatalf("Run returned %v, want swallowed error", err)
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}
	h := f.history(t)
	if len(h) != 1 || h[0].Status != models.StatusException {
		t.Fatalf("history = %+v", h)
	}
	if h[0].Error.Kind != "ExtractorError" || *h[0].Total != 1 {
		t.Errorf("entry = %+v, error = %+v", h[0], h[0].Error)
	}

	run.RaiseAfter = true
	src = &extract.Slice{Err: boom}
	if _, err := f.engine.Run(context.Background(), run, src); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if n := len(f.history(t)); n != 2 {
		t.Errorf("history len = %d, want 2 (recorded before re-raise)", n)
	}
}

func TestCancelledRunRecordsNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Run(ctx, Run{Owner: f.owner, Collection: "dump"}, &extract.Slice{Batches: []models.Batch{{}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if h := f.history(t); len(h) != 0 {
		t.Errorf("history = %+v, want none", h)
	}
}

// recording fakes

type fakeCollection struct {
	calls     []string
	markErr   error
	upsertErr error
	sweepErr  error
}

func (c *fakeCollection) Name() string { return "fake" }

func (c *fakeCollection) MarkRemoved(context.Context, models.Owner) (int64, error) {
	c.calls = append(c.calls, "mark")
	return 0, c.markErr
}

func (c *fakeCollection) BulkUpsert(_ context.Context, _ models.Owner, ops []store.Upsert, _ time.Time) (store.BulkResult, error) {
	c.calls = append(c.calls, "upsert")
	return store.BulkResult{Upserted: int64(len(ops))}, c.upsertErr
}

func (c *fakeCollection) ClearRemoved(context.Context, models.Owner, []store.Upsert) (store.BulkResult, error) {
	c.calls = append(c.calls, "sweep")
	return store.BulkResult{}, c.sweepErr
}

func (c *fakeCollection) InsertMany(_ context.Context, recs []models.Record) (int64, error) {
	c.calls = append(c.calls, "insert")
	return int64(len(recs)), nil
}

func (c *fakeCollection) Find(context.Context, models.Record) (*models.StoredRecord, error) {
	return nil, apperr.ErrNotFound
}

func (c *fakeCollection) EstimatedCount(context.Context) (int64, error) { return 0, nil }

type fakeBackend struct {
	store.Backend
	coll    *fakeCollection
	history []models.HistoryEntry
}

func (b *fakeBackend) Collection(string) store.Collection { return b.coll }

func (b *fakeBackend) AppendHistory(_ context.Context, _ string, e models.HistoryEntry) error {
	b.history = append(b.history, e)
	return nil
}

func newFake() (*fakeBackend, *Engine) {
	b := &fakeBackend{coll: &fakeCollection{}}
	return b, NewEngine(b, outcome.NewRecorder(b, nil), nil, nil)
}

func twoBatches() *extract.Slice {
	return &extract.Slice{Batches: []models.Batch{
		{Records: []models.Record{recA}},
		{Records: []models.Record{}},
		{Records: []models.Record{recB}},
	}}
}

func TestStoreCallOrdering(t *testing.T) {
	b, e := newFake()
	run := Run{Owner: models.Owner{TaskID: "t", UnitID: "u"}, UpsertMode: true}
	if _, err := e.Run(context.Background(), run, twoBatches()); err != nil {
		t.Fatal(err)
	}
	want := []string{"mark", "upsert", "sweep", "upsert", "sweep"}
	if diff := cmp.Diff(want, b.coll.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestAppendOnlySkipsMarkAndSweep(t *testing.T) {
	b, e := newFake()
	run := Run{Owner: models.Owner{TaskID: "t", UnitID: "u"}}
	for range 2 {
		if _, err := e.Run(context.Background(), run, twoBatches()); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"insert", "insert", "insert", "insert"}
	if diff := cmp.Diff(want, b.coll.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestAppendOnlyInsertsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.run(t, false, []models.Record{recA, recB})
	f.run(t, false, []models.Record{recA, recB})
	if n := f.count(t); n != 4 {
		t.Errorf("count = %d, want 4", n)
	}
	if _, err := f.db.Collection("dump").Find(context.Background(), models.Record{"id": 1}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("append-only run created a reconciled record: %v", err)
	}
}

func TestMarkFailurePropagatesWithoutOutcome(t *testing.T) {
	b, e := newFake()
	b.coll.markErr = apperr.Store("mark", errors.New("unreachable"))
	run := Run{Owner: models.Owner{TaskID: "t", UnitID: "u"}, UpsertMode: true}

	_, err := e.Run(context.Background(), run, twoBatches())
	var fatal *FatalError
	if !errors.As(err, &fatal) || fatal.Step != "mark" {
		t.Fatalf("err = %v, want mark FatalError", err)
	}
	if !apperr.IsStore(err) {
		t.Error("expected a StoreError in the chain")
	}
	if len(b.history) != 0 {
		t.Errorf("history = %+v, want none", b.history)
	}
	if diff := cmp.Diff([]string{"mark"}, b.coll.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestSweepFailurePropagatesWithoutOutcome(t *testing.T) {
	b, e := newFake()
	b.coll.sweepErr = apperr.Store("sweep", errors.New("unreachable"))
	run := Run{Owner: models.Owner{TaskID: "t", UnitID: "u"}, UpsertMode: true, RaiseAfter: false}

	if _, err := e.Run(context.Background(), run, twoBatches()); err == nil {
		t.Fatal("expected error")
	}
	if len(b.history) != 0 {
		t.Errorf("history = %+v, want none", b.history)
	}
}

func TestUpsertFailureRecordedAsException(t *testing.T) {
	b, e := newFake()
	b.coll.upsertErr = apperr.Store("bulk upsert", errors.New("write conflict"))
	run := Run{Owner: models.Owner{TaskID: "t", UnitID: "u"}, UpsertMode: true}

	if _, err := e.Run(context.Background(), run, twoBatches()); err != nil {
		t.Fatalf("err = %v, want swallowed", err)
	}
	if len(b.history) != 1 || b.history[0].Status != models.StatusException {
		t.Fatalf("history = %+v", b.history)
	}
	if b.history[0].Error.Kind != "StoreError" {
		t.Errorf("kind = %q", b.history[0].Error.Kind)
	}
	if diff := cmp.Diff([]string{"mark", "upsert"}, b.coll.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}
