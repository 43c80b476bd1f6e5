package index

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/extract"
	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/outcome"
	"github.com/starford/sift/internal/reconcile"
	"github.com/starford/sift/internal/registry"
	"github.com/starford/sift/internal/storage"
	"github.com/starford/sift/internal/store/sqlitestore"
	"github.com/starford/sift/internal/testutil"
)

const upsertCfg = `[DEFAULT]
upsert_mode = {{ BOOL }} true
`

type recorded struct {
	UnitID string
	Status models.Status
	Total  int
}

type env struct {
	db  *sqlitestore.DB
	ix  *Indexer
	mu  sync.Mutex
	got []recorded
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := testutil.TestBackend(t)
	rec := outcome.NewRecorder(db, logger)
	e := &env{db: db}
	rec.Subscribe(func(h models.HistoryEntry, unitID string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		r := recorded{UnitID: unitID, Status: h.Status}
		if h.Total != nil {
			r.Total = *h.Total
		}
		e.got = append(e.got, r)
	})
	engine := reconcile.NewEngine(db, rec, outcome.NewProcessSampler(), logger)
	e.ix = New(cfg, extract.Default(), registry.New(db, logger), engine, logger)
	return e
}

func (e *env) outcomes() []recorded {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recorded(nil), e.got...)
}

func (e *env) statuses() []models.Status {
	var out []models.Status
	for _, r := range e.outcomes() {
		out = append(out, r.Status)
	}
	return out
}

func (e *env) count(t *testing.T, coll string) int64 {
	t.Helper()
	n, err := e.db.Collection(coll).EstimatedCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func zipOf(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestRunSingleFile(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{
		"parser.cfg": upsertCfg,
		"a.csv":      "id\n1\n2\n",
		"b.csv":      "id\n3\n",
	})
	e := newEnv(t, Config{})

	if err := e.ix.Run(context.Background(), filepath.Join(root, "a.csv")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := e.outcomes()
	if len(got) != 1 || got[0].Status != models.StatusCompleted || got[0].Total != 3 {
		t.Fatalf("outcomes = %+v, want one completed with total 3", got)
	}
	if n := e.count(t, "dump"); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestRunDirectorySkipsOptionsFile(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{
		"parser.cfg":   upsertCfg,
		"a.csv":        "id\n1\n",
		"sub/b.csv":    "id\n2\n",
		"notes/readme": "unsupported",
	})
	e := newEnv(t, Config{})

	if err := e.ix.Run(context.Background(), root); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// a.csv and notes/readme and sub/b.csv in lexical order; the unknown
	// extension yields no batch.
	want := []models.Status{models.StatusCompleted, models.StatusSkipped, models.StatusCompleted}
	if diff := cmp.Diff(want, e.statuses()); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
}

func TestRescanIsIdempotent(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{
		"parser.cfg": upsertCfg,
		"a.csv":      "id\n1\n2\n",
	})
	e := newEnv(t, Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := e.ix.Run(ctx, root); err != nil {
			t.Fatalf("Run #%d: %v", i+1, err)
		}
	}
	if n := e.count(t, "dump"); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}

	got := e.outcomes()
	if len(got) != 2 || got[0].UnitID != got[1].UnitID {
		t.Fatalf("outcomes = %+v, want two on the same unit", got)
	}
	unit, err := e.db.GetSourceUnit(ctx, got[0].UnitID)
	if err != nil {
		t.Fatal(err)
	}
	if len(unit.History) != 2 {
		t.Errorf("history = %d entries, want 2", len(unit.History))
	}
}

func TestAppendOnlyDuplicates(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{
		"a.csv": "id\n1\n",
	})
	e := newEnv(t, Config{Collection: "raw"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := e.ix.Run(ctx, root); err != nil {
			t.Fatal(err)
		}
	}
	if n := e.count(t, "raw"); n != 4 {
		t.Errorf("count = %d, want 4", n)
	}
}

func TestOptionsCollectionOverride(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{
		"parser.cfg": upsertCfg + "cname = sales\n",
		"a.csv":      "id\n1\n",
	})
	e := newEnv(t, Config{})
	if err := e.ix.Run(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if n := e.count(t, "sales"); n != 2 {
		t.Errorf("sales count = %d, want 2", n)
	}
	if n := e.count(t, "dump"); n != 0 {
		t.Errorf("dump count = %d, want 0", n)
	}
}

func TestResolveOptionsPath(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{
		"parser.cfg": upsertCfg,
		"other.cfg":  upsertCfg,
	})

	t.Run("default", func(t *testing.T) {
		e := newEnv(t, Config{})
		got, err := e.ix.ResolveOptionsPath(root)
		if err != nil {
			t.Fatal(err)
		}
		if got != filepath.Join(root, DefaultOptionsFile) {
			t.Errorf("path = %q", got)
		}
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv(OptionsEnv, "other.cfg")
		e := newEnv(t, Config{})
		got, err := e.ix.ResolveOptionsPath(root)
		if err != nil {
			t.Fatal(err)
		}
		if got != filepath.Join(root, "other.cfg") {
			t.Errorf("path = %q", got)
		}
	})

	t.Run("missing default", func(t *testing.T) {
		e := newEnv(t, Config{})
		got, err := e.ix.ResolveOptionsPath(t.TempDir())
		if err != nil || got != "" {
			t.Errorf("got %q, %v; want no options file", got, err)
		}
	})

	t.Run("missing explicit", func(t *testing.T) {
		e := newEnv(t, Config{OptionsFile: filepath.Join(root, "nope.cfg")})
		_, err := e.ix.ResolveOptionsPath(root)
		var ce *apperr.ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %v, want ConfigError", err)
		}
	})
}

func TestPrepareUnknownVariant(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{
		"parser.cfg": "[DEFAULT]\nvariant = {{ INT }} 99\n",
	})
	e := newEnv(t, Config{})
	_, err := e.ix.Prepare(context.Background(), root)
	var ce *apperr.ConfigError
	if !errors.As(err, &ce) || !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ConfigError wrapping ErrNotFound", err)
	}
}

func TestZipMemberGetsSourceChain(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{
		"parser.cfg": upsertCfg + "file_keys = {{ JSON }} {\"origin\": \"ledger\"}\n",
		"bundle.zip": zipOf(t, map[string]string{"inner/data.csv": "id\n1\n"}),
	})
	e := newEnv(t, Config{})
	ctx := context.Background()

	if err := e.ix.Run(ctx, filepath.Join(root, "bundle.zip")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := e.outcomes()
	if len(got) != 1 {
		t.Fatalf("outcomes = %+v", got)
	}
	unit, err := e.db.GetSourceUnit(ctx, got[0].UnitID)
	if err != nil {
		t.Fatal(err)
	}
	if unit.Name != "inner/data.csv" {
		t.Errorf("name = %q", unit.Name)
	}
	if diff := cmp.Diff([]string{"bundle.zip"}, unit.Source); diff != "" {
		t.Errorf("source (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"origin": "ledger"}, unit.Tags); diff != "" {
		t.Errorf("tags (-want +got):\n%s", diff)
	}
	if unit.Dir != root {
		t.Errorf("dirname = %q, want %q", unit.Dir, root)
	}
}

func TestCorruptArchive(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{
		"a.zip": "definitely not a zip",
		"b.csv": "id\n1\n",
	})
	ctx := context.Background()

	t.Run("directory continues", func(t *testing.T) {
		e := newEnv(t, Config{})
		if err := e.ix.Run(ctx, root); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if diff := cmp.Diff([]models.Status{models.StatusCompleted}, e.statuses()); diff != "" {
			t.Errorf("statuses (-want +got):\n%s", diff)
		}
	})

	t.Run("single file fails", func(t *testing.T) {
		e := newEnv(t, Config{})
		err := e.ix.Run(ctx, filepath.Join(root, "a.zip"))
		if !IsArchiveError(err) {
			t.Fatalf("err = %v, want ArchiveError", err)
		}
	})
}

func TestSyncSkipsVanishedFile(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{"b.csv": "id\n1\n"})
	ctx := context.Background()
	e := newEnv(t, Config{})
	job, err := e.ix.Prepare(ctx, root)
	if err != nil {
		t.Fatal(err)
	}

	files := []storage.File{
		{Path: "a.csv", Abs: filepath.Join(root, "a.csv")},
		{Path: "b.csv", Abs: filepath.Join(root, "b.csv")},
	}
	if err := e.ix.processAll(ctx, job, files); err != nil {
		t.Fatalf("processAll: %v", err)
	}
	if diff := cmp.Diff([]models.Status{models.StatusCompleted}, e.statuses()); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
}

func TestExtractorErrorRecorded(t *testing.T) {
	ctx := context.Background()

	t.Run("recorded", func(t *testing.T) {
		root, _ := testutil.TestTree(t, map[string]string{
			"bad.csv": "a,b\nc,d\"e\n",
			"ok.csv":  "id\n1\n",
		})
		e := newEnv(t, Config{})
		if err := e.ix.Run(ctx, root); err != nil {
			t.Fatalf("Run: %v", err)
		}
		want := []models.Status{models.StatusException, models.StatusCompleted}
		if diff := cmp.Diff(want, e.statuses()); diff != "" {
			t.Errorf("statuses (-want +got):\n%s", diff)
		}
	})

	t.Run("raise after", func(t *testing.T) {
		root, _ := testutil.TestTree(t, map[string]string{
			"parser.cfg": "[DEFAULT]\nraise_after_exception = {{ BOOL }} true\n",
			"bad.csv":    "a,b\nc,d\"e\n",
			"ok.csv":     "id\n1\n",
		})
		e := newEnv(t, Config{})
		err := e.ix.Run(ctx, root)
		var xe *apperr.ExtractorError
		if !errors.As(err, &xe) {
			t.Fatalf("err = %v, want ExtractorError", err)
		}
		if diff := cmp.Diff([]models.Status{models.StatusException}, e.statuses()); diff != "" {
			t.Errorf("statuses (-want +got):\n%s", diff)
		}
	})
}

func TestSyncCancelled(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{"a.csv": "id\n1\n"})
	e := newEnv(t, Config{})
	job, err := e.ix.Prepare(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = e.ix.Sync(ctx, job)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := e.outcomes(); len(got) != 0 {
		t.Errorf("outcomes = %+v, want none", got)
	}
}
