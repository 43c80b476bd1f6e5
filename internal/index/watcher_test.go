package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/testutil"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(kind, path string) {
	l.mu.Lock()
	l.events = append(l.events, kind+":"+filepath.ToSlash(path))
	l.mu.Unlock()
}

func (l *eventLog) has(want string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == want {
			return true
		}
	}
	return false
}

func startWatch(t *testing.T, e *env, root string, log *eventLog) {
	t.Helper()
	job, err := e.ix.Prepare(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.ix.Watch(ctx, job, log.add)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(100 * time.Millisecond)
}

func TestWatcher_NewFileProcessed(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{"parser.cfg": upsertCfg})
	e := newEnv(t, Config{})
	log := &eventLog{}
	startWatch(t, e, root, log)

	_ = os.WriteFile(filepath.Join(root, "new.csv"), []byte("id\n1\n"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return log.has("created:new.csv")
	}, "expected created:new.csv callback")
	if n := e.count(t, "dump"); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestWatcher_UpdatedFileRescanned(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{
		"parser.cfg": upsertCfg,
		"a.csv":      "id\n1\n",
	})
	e := newEnv(t, Config{})
	if err := e.ix.Run(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	log := &eventLog{}
	startWatch(t, e, root, log)

	_ = os.WriteFile(filepath.Join(root, "a.csv"), []byte("id\n1\n2\n"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return log.has("updated:a.csv")
	}, "expected updated:a.csv callback")

	got := e.outcomes()
	if len(got) < 2 {
		t.Fatalf("outcomes = %+v", got)
	}
	last := got[len(got)-1]
	if last.Status != models.StatusCompleted || last.Total != 3 || last.UnitID != got[0].UnitID {
		t.Errorf("last outcome = %+v", last)
	}
}

func TestWatcher_NewDirWatched(t *testing.T) {
	root, _ := testutil.TestTree(t, nil)
	e := newEnv(t, Config{})
	log := &eventLog{}
	startWatch(t, e, root, log)

	sub := filepath.Join(root, "subdir")
	_ = os.MkdirAll(sub, 0o755)
	time.Sleep(200 * time.Millisecond)
	_ = os.WriteFile(filepath.Join(sub, "deep.csv"), []byte("id\n1\n"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return log.has("created:subdir/deep.csv")
	}, "file in new subdir not processed by watcher")
}

func TestWatcher_OptionsFileIgnored(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{"parser.cfg": upsertCfg})
	e := newEnv(t, Config{})
	log := &eventLog{}
	startWatch(t, e, root, log)

	_ = os.WriteFile(filepath.Join(root, "parser.cfg"), []byte(upsertCfg+"\n"), 0o644)
	_ = os.WriteFile(filepath.Join(root, "b.csv"), []byte("id\n1\n"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return log.has("created:b.csv")
	}, "expected created:b.csv callback")
	if log.has("updated:parser.cfg") || log.has("created:parser.cfg") {
		t.Error("options file was processed")
	}
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestDebouncer_StaleFireDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := newDebouncer(time.Hour)
	defer d.stop()

	d.schedule(ctx, "a.csv", "created")
	stale := fired{path: "a.csv", gen: 1}
	// An event arriving after the first timer fired re-arms the path.
	d.schedule(ctx, "a.csv", "updated")

	if _, ok := d.take(stale); ok {
		t.Fatal("stale fire was accepted")
	}
	kind, ok := d.take(fired{path: "a.csv", gen: 2})
	if !ok || kind != "created" {
		t.Fatalf("take = %q, %v; want created, true", kind, ok)
	}
	if _, ok := d.take(fired{path: "a.csv", gen: 2}); ok {
		t.Error("path delivered twice")
	}

	d.schedule(ctx, "a.csv", "updated")
	if kind, ok := d.take(fired{path: "a.csv", gen: 3}); !ok || kind != "updated" {
		t.Errorf("take after reschedule = %q, %v; want updated, true", kind, ok)
	}
}

func TestWatcher_RewriteAfterProcessing(t *testing.T) {
	root, _ := testutil.TestTree(t, map[string]string{"parser.cfg": upsertCfg})
	e := newEnv(t, Config{})
	log := &eventLog{}
	startWatch(t, e, root, log)

	path := filepath.Join(root, "a.csv")
	_ = os.WriteFile(path, []byte("id\n1\n"), 0o644)
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return log.has("created:a.csv")
	}, "expected created:a.csv callback")

	_ = os.WriteFile(path, []byte("id\n1\n2\n"), 0o644)
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return log.has("updated:a.csv")
	}, "expected updated:a.csv callback")

	time.Sleep(2 * debounce)
	for _, ev := range log.all() {
		if ev == ":a.csv" {
			t.Errorf("event without kind: %v", log.all())
		}
	}
	if got := len(e.outcomes()); got != len(log.all()) {
		t.Errorf("outcomes = %d, callbacks = %d; each processing should report once", got, len(log.all()))
	}
}
