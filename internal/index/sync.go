package index

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/starford/sift/internal/storage"
)

// Sync walks the job root in lexical order and processes every file:
//   - the task options file itself is skipped
//   - a corrupt archive is logged and the walk continues
//   - a file removed since the listing is logged and skipped
//   - any other error stops the walk
func (ix *Indexer) Sync(ctx context.Context, job *Job) error {
	fs, err := storage.NewFS(job.Root)
	if err != nil {
		return err
	}
	files, err := fs.List("")
	if err != nil {
		return err
	}
	return ix.processAll(ctx, job, files)
}

func (ix *Indexer) processAll(ctx context.Context, job *Job, files []storage.File) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.Abs == job.OptionsPath {
			continue
		}
		ix.logger.Info("processing file", slog.String("path", f.Path))
		if err := ix.ProcessFile(ctx, job, f.Abs); err != nil {
			if IsArchiveError(err) {
				ix.logger.Error("sync: archive failed", slog.String("path", f.Path), slog.String("error", err.Error()))
				continue
			}
			if vanished(err, f.Abs) {
				ix.logger.Warn("sync: file vanished", slog.String("path", f.Path))
				continue
			}
			return err
		}
	}
	return nil
}

// vanished reports whether err is a not-exist error for a path that is
// indeed gone.
func vanished(err error, path string) bool {
	if !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	_, serr := os.Stat(path)
	return errors.Is(serr, fs.ErrNotExist)
}
