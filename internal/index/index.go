// Package index drives ingestion: it resolves task options, registers the
// Task, flattens each input path and reconciles every leaf it yields.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/archive"
	"github.com/starford/sift/internal/extract"
	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/reconcile"
	"github.com/starford/sift/internal/registry"
	pkgconfig "github.com/starford/sift/pkg/config"
)

// DefaultOptionsFile is the task options file looked up in the target directory.
const DefaultOptionsFile = "parser.cfg"

// OptionsEnv overrides the options file name when no explicit path is given.
const OptionsEnv = "INDEX_CONFIG"

// EventCallback is called after a file has been processed.
// kind is one of "created", "updated" or "processed".
type EventCallback func(kind string, path string)

// Config configures an Indexer.
type Config struct {
	// Collection is the record collection used when the options name none.
	Collection string
	// OptionsFile is an explicit task options path. A missing explicit file
	// is a ConfigError.
	OptionsFile string
	// TempDir holds archive extraction scratch space; empty means os.TempDir.
	TempDir string
}

// Indexer wires the flattener, registry and engine together.
type Indexer struct {
	cfg        Config
	extractors *extract.Registry
	registry   *registry.Registry
	engine     *reconcile.Engine
	flattener  *archive.Flattener
	logger     *slog.Logger
}

// New creates an Indexer.
func New(cfg Config, extractors *extract.Registry, reg *registry.Registry, engine *reconcile.Engine, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Collection == "" {
		cfg.Collection = "dump"
	}
	return &Indexer{
		cfg:        cfg,
		extractors: extractors,
		registry:   reg,
		engine:     engine,
		flattener:  &archive.Flattener{TempDir: cfg.TempDir},
		logger:     logger,
	}
}

// Job is a resolved Task ready to process files.
type Job struct {
	Extractor   extract.Extractor
	TaskID      string
	Options     models.Options
	OptionsPath string
	Root        string
}

// ResolveOptionsPath returns the task options file for a target directory.
// An empty result means no options file applies.
func (ix *Indexer) ResolveOptionsPath(dir string) (string, error) {
	name := ix.cfg.OptionsFile
	explicit := name != ""
	if !explicit {
		name = os.Getenv(OptionsEnv)
	}
	if name == "" {
		name = DefaultOptionsFile
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(dir, name)
	}
	name = filepath.Clean(name)

	fi, err := os.Stat(name)
	if err == nil && !fi.IsDir() {
		return name, nil
	}
	if explicit {
		if err == nil {
			err = fmt.Errorf("is a directory")
		}
		return "", apperr.Config(name, err)
	}
	return "", nil
}

// Prepare resolves options for target and registers the Task.
func (ix *Indexer) Prepare(ctx context.Context, target string) (*Job, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("index: resolve %s: %w", target, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	root := abs
	if !fi.IsDir() {
		root = filepath.Dir(abs)
	}

	optsPath, err := ix.ResolveOptionsPath(root)
	if err != nil {
		return nil, err
	}
	opts := models.Options{}
	if optsPath != "" {
		raw, err := pkgconfig.LoadOptions(optsPath, ix.logger)
		if err != nil {
			return nil, apperr.Config(optsPath, err)
		}
		opts = raw
		ix.logger.Debug("options loaded", slog.String("path", optsPath), slog.Int("keys", len(opts)))
	}

	ext, err := ix.extractors.Resolve(opts)
	if err != nil {
		return nil, apperr.Config(optsPath, err)
	}
	info := ext.Info()
	existed, taskID, err := ix.registry.RegisterTask(ctx, registry.TaskInfo{
		Name:          info.Name,
		Build:         info.Build,
		Rev:           info.Rev,
		PreferredKeys: info.PreferredKeys,
		Doc:           info.Doc,
		Package:       info.Package,
	}, opts, opts.Map("task_keys"))
	if err != nil {
		return nil, err
	}
	ix.logger.Debug("task resolved",
		slog.String("task_id", taskID),
		slog.String("extractor", info.Name),
		slog.Bool("existed", existed),
	)

	return &Job{Extractor: ext, TaskID: taskID, Options: opts, OptionsPath: optsPath, Root: root}, nil
}

// Run processes target: a single file, or every file under a directory.
func (ix *Indexer) Run(ctx context.Context, target string) error {
	job, err := ix.Prepare(ctx, target)
	if err != nil {
		return err
	}
	abs, _ := filepath.Abs(target)
	if abs != job.Root {
		ix.logger.Info("processing file", slog.String("path", abs))
		return ix.ProcessFile(ctx, job, abs)
	}
	ix.logger.Info("processing directory", slog.String("path", abs))
	return ix.Sync(ctx, job)
}

// ProcessFile flattens path and reconciles each leaf against the job's Task.
func (ix *Indexer) ProcessFile(ctx context.Context, job *Job, path string) error {
	dirname := filepath.Dir(path)
	run := reconcile.Run{
		Collection:    job.collection(ix.cfg.Collection),
		UpsertMode:    job.Options.Bool("upsert_mode"),
		UpsertKeys:    job.Options.Strings("upsert_keys"),
		PreferredKeys: job.Extractor.Info().PreferredKeys,
		RecordTags:    job.Options.Map("record_keys"),
		RaiseAfter:    job.Options.Bool("raise_after_exception"),
	}
	fileTags := job.Options.Map("file_keys")

	return ix.flattener.Walk(ctx, path, func(ctx context.Context, leaf archive.Leaf) error {
		probe := registry.StatFile(leaf.LocalPath)
		if len(leaf.Source) > 0 {
			probe = registry.Known(leaf.ModTime, leaf.Size)
		}
		_, unitID, err := ix.registry.RegisterSourceUnit(ctx, registry.UnitKey{
			Name:   leaf.Name,
			Dir:    dirname,
			Source: leaf.Source,
			Tags:   fileTags,
		}, probe)
		if err != nil {
			return err
		}

		r := run
		r.Owner = models.Owner{TaskID: job.TaskID, UnitID: unitID}
		r.Path = leaf.Name

		src, err := job.Extractor.Open(ctx, leaf.LocalPath, job.Options)
		if err != nil {
			// Open failures are reported through the engine like any
			// other extractor error.
			src = &extract.Slice{Err: apperr.Extractor(leaf.Name, err)}
		}
		defer src.Close()

		res, err := ix.engine.Run(ctx, r, src)
		if err != nil {
			return err
		}
		ix.logger.Debug("leaf processed",
			slog.String("name", leaf.Name),
			slog.String("unit_id", unitID),
			slog.String("state", string(res.State)),
		)
		return nil
	})
}

func (j *Job) collection(def string) string {
	if c := j.Options.String("cname"); c != "" {
		return c
	}
	return def
}

// IsArchiveError reports whether err came from a corrupt container.
func IsArchiveError(err error) bool {
	var ae *apperr.ArchiveError
	return errors.As(err, &ae)
}
