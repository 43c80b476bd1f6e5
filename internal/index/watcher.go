package index

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce is how long a path must stay quiet before it is processed.
const debounce = 300 * time.Millisecond

// Watch starts an fsnotify watcher on the job root and re-processes files
// that are created or written until ctx is cancelled. It calls cb (if
// non-nil) with the path relative to the root after each processed file.
//
// New directories created at runtime are automatically added to the watch
// list and the files already in them are processed. Removed files are left
// alone: their records are marked removed on the next scan of the same unit.
func (ix *Indexer) Watch(ctx context.Context, job *Job, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, job.Root); err != nil {
		return err
	}

	logger := ix.logger
	logger.Info("watcher: started", slog.String("root", job.Root))

	d := newDebouncer(debounce)
	defer d.stop()

	schedule := func(path, kind string) {
		// Dotfiles are editor and upload scratch files.
		if path == job.OptionsPath || strings.HasPrefix(filepath.Base(path), ".") {
			return
		}
		d.schedule(ctx, path, kind)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("watcher: stopped")
			return nil

		case f := <-d.ready:
			kind, ok := d.take(f)
			if !ok {
				continue
			}

			if _, statErr := os.Stat(f.path); statErr != nil {
				continue
			}
			if err := ix.ProcessFile(ctx, job, f.path); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("watcher: process failed", slog.String("path", f.path), slog.String("error", err.Error()))
				continue
			}
			rel, _ := filepath.Rel(job.Root, f.path)
			logger.Debug("watcher: processed", slog.String("path", rel), slog.String("op", kind))
			if cb != nil {
				cb(kind, rel)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new dir", slog.String("path", ev.Name))
					}
					scheduleDir(ev.Name, schedule)
					continue
				}
			}

			switch {
			case ev.Op&fsnotify.Create != 0:
				schedule(ev.Name, "created")
			case ev.Op&fsnotify.Write != 0:
				schedule(ev.Name, "updated")
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				logger.Debug("watcher: source gone", slog.String("path", ev.Name))
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(watchErr, fsnotify.ErrEventOverflow) {
				logger.Warn("watcher: event overflow, some changes may be missed")
				continue
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// fired is a debounce timer expiry for one generation of a path.
type fired struct {
	path string
	gen  uint64
}

// debouncer coalesces events per path. It is owned by the watch loop; only
// the timer callbacks touch ready.
type debouncer struct {
	delay   time.Duration
	ready   chan fired
	timers  map[string]*time.Timer
	gens    map[string]uint64
	pending map[string]string
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay:   delay,
		ready:   make(chan fired, 64),
		timers:  make(map[string]*time.Timer),
		gens:    make(map[string]uint64),
		pending: make(map[string]string),
	}
}

// schedule (re)arms the timer for path. A "created" kind is kept until the
// path is taken. Every call starts a new generation, so a timer that fired
// before the call can no longer deliver the path.
func (d *debouncer) schedule(ctx context.Context, path, kind string) {
	if prev, ok := d.pending[path]; !ok || prev != "created" {
		d.pending[path] = kind
	}
	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	d.gens[path]++
	f := fired{path: path, gen: d.gens[path]}
	d.timers[path] = time.AfterFunc(d.delay, func() {
		select {
		case d.ready <- f:
		case <-ctx.Done():
		}
	})
}

// take consumes a fired timer and returns the pending kind. It reports false
// for a stale generation or a path already taken.
func (d *debouncer) take(f fired) (string, bool) {
	kind, ok := d.pending[f.path]
	if !ok || d.gens[f.path] != f.gen {
		return "", false
	}
	delete(d.pending, f.path)
	delete(d.timers, f.path)
	return kind, true
}

func (d *debouncer) stop() {
	for _, t := range d.timers {
		t.Stop()
	}
}

// scheduleDir schedules every regular file found in a newly created directory.
func scheduleDir(dirPath string, schedule func(path, kind string)) {
	_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		schedule(path, "created")
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
