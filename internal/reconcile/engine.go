// Package reconcile runs mark-and-sweep reconciliation of extracted batches
// against a record collection.
//
// A run for one (Task, Source Unit) pair:
//
//  1. marks every provenance entry it owns as removed,
//  2. upserts each batch, pushing a fresh entry per record,
//  3. clears the removed marker on re-observed keys.
//
// Entries whose keys are not re-observed stay marked. Append-only runs skip
// steps 1 and 3 and insert records as new documents.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/extract"
	"github.com/starford/sift/internal/metrics"
	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/outcome"
	"github.com/starford/sift/internal/store"
)

// Run is the immutable context of one reconciliation run.
type Run struct {
	Owner      models.Owner
	Collection string
	// Path names the source in errors and logs.
	Path string
	// UpsertMode selects reconciling mode; false appends.
	UpsertMode    bool
	UpsertKeys    []string
	PreferredKeys []string
	// RecordTags are merged into every stored entry.
	RecordTags map[string]any
	// RaiseAfter re-raises extractor and upsert errors after recording them.
	RaiseAfter bool
}

// Result summarises a run. Total is nil when no batch was observed.
type Result struct {
	State       State
	Total       *int
	Batches     int
	Consumption []models.Consumption
}

// FatalError is a store failure in the mark or sweep step. No outcome is
// recorded for it.
type FatalError struct {
	Step string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("reconcile: %s: %v", e.Step, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Engine reconciles batches and records outcomes.
type Engine struct {
	backend  store.Backend
	recorder *outcome.Recorder
	sampler  outcome.Sampler
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine. A nil sampler disables memory samples.
func NewEngine(backend store.Backend, recorder *outcome.Recorder, sampler outcome.Sampler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:  backend,
		recorder: recorder,
		sampler:  sampler,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile consumes src and applies it to the run's collection. Batches are
// processed in order; cancellation is honoured between batches.
func (e *Engine) Reconcile(ctx context.Context, run Run, src extract.BatchSource) (Result, error) {
	m := newMachine()
	res := Result{State: m.state}
	fail := func(err error) (Result, error) {
		m.fail()
		res.State = m.state
		return res, err
	}

	coll := e.backend.Collection(run.Collection)
	log := e.logger.With(
		slog.String("task_id", run.Owner.TaskID),
		slog.String("unit_id", run.Owner.UnitID),
		slog.String("collection", coll.Name()),
	)

	if run.UpsertMode {
		n, err := coll.MarkRemoved(ctx, run.Owner)
		if err != nil {
			return fail(&FatalError{Step: "mark", Err: err})
		}
		if err := m.to(StatePreMarked); err != nil {
			return fail(err)
		}
		log.Debug("pre-marked", slog.Int64("records", n))
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return fail(ctx.Err())
			}
			return fail(apperr.Extractor(run.Path, err))
		}

		if res.Total == nil {
			res.Total = new(int)
		}
		res.Batches++
		metrics.CounterBatches.Inc()

		records := batch.Merged()
		if len(records) == 0 {
			log.Info("no records", slog.Int("batch", res.Batches))
			continue
		}
		res.Consumption = append(res.Consumption, models.Consumption{Len: len(records), Memory: e.sample()})

		if err := m.to(StateUpserting); err != nil {
			return fail(err)
		}
		if run.UpsertMode {
			keys := ResolveKeys(run.UpsertKeys, run.PreferredKeys, records[0])
			ops := buildOps(records, keys, run.RecordTags)

			br, err := coll.BulkUpsert(ctx, run.Owner, ops, e.now())
			if err != nil {
				return fail(err)
			}
			log.Debug("upserted",
				slog.Int64("matched", br.Matched),
				slog.Int64("modified", br.Modified),
				slog.Int64("upserted", br.Upserted),
			)

			if err := m.to(StateSweepClearing); err != nil {
				return fail(err)
			}
			if _, err := coll.ClearRemoved(ctx, run.Owner, ops); err != nil {
				return fail(&FatalError{Step: "sweep", Err: err})
			}
			metrics.CounterRecords.WithLabelValues("upsert").Add(float64(len(records)))
		} else {
			if _, err := coll.InsertMany(ctx, appendDocs(records, run.Owner, run.RecordTags)); err != nil {
				return fail(err)
			}
			metrics.CounterRecords.WithLabelValues("insert").Add(float64(len(records)))
		}

		*res.Total += len(records)
		log.Debug("cumulative", slog.Int("total", *res.Total))
	}

	if err := m.to(StateCompleted); err != nil {
		return fail(err)
	}
	res.State = m.state

	if res.Total != nil && *res.Total > 0 && e.logger.Enabled(ctx, slog.LevelInfo) {
		grand, err := coll.EstimatedCount(ctx)
		if err == nil {
			log.Info("reconciled", slog.Int("total", *res.Total), slog.Int64("grand_total", grand))
		}
	}
	return res, nil
}

// Run reconciles src and records the outcome on the run's Source Unit.
//
// Extractor and upsert failures are recorded as exceptions and returned only
// when run.RaiseAfter is set. Mark and sweep failures and cancellation are
// returned without recording anything.
func (e *Engine) Run(ctx context.Context, run Run, src extract.BatchSource) (Result, error) {
	start := time.Now()
	res, err := e.Reconcile(ctx, run, src)
	elapsed := time.Since(start)
	metrics.HistogramReconcile.Observe(elapsed.Seconds())

	o := outcome.Outcome{
		UnitID:      run.Owner.UnitID,
		TaskID:      run.Owner.TaskID,
		Total:       res.Total,
		Elapsed:     elapsed,
		Consumption: res.Consumption,
	}

	var fatal *FatalError
	switch {
	case err == nil && res.Total == nil:
		o.Status = models.StatusSkipped
	case err == nil:
		o.Status = models.StatusCompleted
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return res, err
	case errors.As(err, &fatal):
		return res, err
	default:
		o.Status = models.StatusException
		o.Err = err
		e.logger.Warn("exception occurred during processing",
			slog.String("path", run.Path),
			slog.String("kind", apperr.Kind(err)),
			slog.Any("error", err),
		)
	}

	if rerr := e.recorder.Record(ctx, o); rerr != nil {
		return res, rerr
	}
	if o.Status == models.StatusException && run.RaiseAfter {
		return res, err
	}
	return res, nil
}

func (e *Engine) sample() *models.MemoryInfo {
	if e.sampler == nil {
		return nil
	}
	return e.sampler.Sample()
}
