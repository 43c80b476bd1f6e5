// Package registry registers Tasks and Source Units against the backing
// store with find-or-create semantics keyed on their structural identity.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/checksum"
	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/store"
)

// TaskInfo describes the extractor a Task runs.
type TaskInfo struct {
	Name          string
	Build         int
	Rev           int
	PreferredKeys []string
	Doc           string
	Package       string
}

// UnitKey is the structural identity of a Source Unit.
type UnitKey struct {
	Name   string
	Dir    string
	Source []string
	Tags   map[string]any
}

// Probe captures file metadata for a unit on first registration.
// It returns nil when the metadata cannot be read.
type Probe func() *models.FileInfo

// Registry resolves Tasks and Source Units to stable ids.
type Registry struct {
	backend store.Backend
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Registry on top of backend.
func New(backend store.Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend: backend,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type taskKey struct {
	Name          string         `json:"name"`
	Build         int            `json:"build"`
	Rev           int            `json:"rev"`
	PreferredKeys []string       `json:"preferred_upsert_keys"`
	Options       models.Options `json:"options"`
	Tags          map[string]any `json:"tags"`
}

// RegisterTask returns the id of the Task matching (name, build, rev,
// preferred keys, options, tags), inserting it when absent. existed reports
// whether the Task was already registered.
func (r *Registry) RegisterTask(ctx context.Context, info TaskInfo, opts models.Options, tags map[string]any) (existed bool, id string, err error) {
	tags = store.Prune(tags)
	fp, err := checksum.Fingerprint(taskKey{
		Name:          info.Name,
		Build:         info.Build,
		Rev:           info.Rev,
		PreferredKeys: info.PreferredKeys,
		Options:       opts,
		Tags:          tags,
	})
	if err != nil {
		return false, "", fmt.Errorf("registry: task key: %w", err)
	}

	id, err = r.backend.FindTask(ctx, fp)
	if err == nil {
		return true, id, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return false, "", err
	}

	id, err = r.backend.InsertTask(ctx, &models.Task{
		Fingerprint:   fp,
		Name:          info.Name,
		Build:         info.Build,
		Rev:           info.Rev,
		PreferredKeys: info.PreferredKeys,
		Options:       opts,
		Tags:          tags,
		Doc:           info.Doc,
		Package:       info.Package,
		CreatedAt:     r.now(),
	})
	if err != nil {
		return false, "", err
	}
	r.logger.Debug("task registered", slog.String("task_id", id), slog.String("name", info.Name))
	return false, id, nil
}

type unitKey struct {
	Name   string         `json:"name"`
	Dir    string         `json:"dirname"`
	Source []string       `json:"source"`
	Tags   map[string]any `json:"tags"`
}

// RegisterSourceUnit returns the id of the unit matching key, inserting it
// when absent. probe runs only on insert; a nil probe or nil result stores
// no file metadata.
func (r *Registry) RegisterSourceUnit(ctx context.Context, key UnitKey, probe Probe) (existed bool, id string, err error) {
	source := key.Source
	if source == nil {
		source = []string{}
	}
	tags := store.Prune(key.Tags)
	fp, err := checksum.Fingerprint(unitKey{Name: key.Name, Dir: key.Dir, Source: source, Tags: tags})
	if err != nil {
		return false, "", fmt.Errorf("registry: unit key: %w", err)
	}

	id, err = r.backend.FindSourceUnit(ctx, fp)
	if err == nil {
		return true, id, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return false, "", err
	}

	var info *models.FileInfo
	if probe != nil {
		info = probe()
	}
	id, err = r.backend.InsertSourceUnit(ctx, &models.SourceUnit{
		Fingerprint: fp,
		Name:        key.Name,
		Dir:         key.Dir,
		Source:      source,
		Tags:        tags,
		FileInfo:    info,
		CreatedAt:   r.now(),
	})
	if err != nil {
		return false, "", err
	}
	r.logger.Debug("source unit registered", slog.String("unit_id", id), slog.String("name", key.Name))
	return false, id, nil
}

// StatFile returns a Probe reading the modification time and size of path.
func StatFile(path string) Probe {
	return func() *models.FileInfo {
		fi, err := os.Stat(path)
		if err != nil {
			return nil
		}
		return &models.FileInfo{
			ModTime:   fi.ModTime().UTC(),
			Timestamp: fi.ModTime().Unix(),
			Size:      fi.Size(),
		}
	}
}

// Known returns a Probe yielding fixed metadata, as read from an archive
// member header.
func Known(modTime time.Time, size int64) Probe {
	return func() *models.FileInfo {
		if modTime.IsZero() {
			return &models.FileInfo{Size: size}
		}
		return &models.FileInfo{
			ModTime:   modTime.UTC(),
			Timestamp: modTime.Unix(),
			Size:      size,
		}
	}
}
