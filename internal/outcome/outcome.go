// Package outcome appends terminal status entries to Source Unit history.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/metrics"
	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/store"
)

// Outcome is the result of one reconciliation run.
type Outcome struct {
	UnitID      string
	TaskID      string
	Status      models.Status
	Total       *int
	Elapsed     time.Duration
	Consumption []models.Consumption
	Err         error
	Extra       map[string]any
}

// Listener is notified after an outcome is stored.
type Listener func(models.HistoryEntry, string)

// Recorder stores outcomes through the backend.
type Recorder struct {
	backend   store.Backend
	logger    *slog.Logger
	now       func() time.Time
	listeners []Listener
}

// NewRecorder creates a Recorder.
func NewRecorder(backend store.Backend, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		backend: backend,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers fn to be called with every stored entry and its unit id.
func (r *Recorder) Subscribe(fn Listener) {
	r.listeners = append(r.listeners, fn)
}

// Record appends one history entry for o.UnitID.
func (r *Recorder) Record(ctx context.Context, o Outcome) error {
	e := models.HistoryEntry{
		Status:      o.Status,
		TaskID:      o.TaskID,
		Total:       o.Total,
		Elapsed:     o.Elapsed,
		Consumption: o.Consumption,
		Extra:       store.Prune(o.Extra),
		CreatedAt:   r.now(),
	}
	if o.Err != nil {
		e.Error = Detail(o.Err)
	}

	if err := r.backend.AppendHistory(ctx, o.UnitID, e); err != nil {
		return fmt.Errorf("outcome: record %s: %w", o.Status, err)
	}
	metrics.CounterUnits.WithLabelValues(string(o.Status)).Inc()

	attrs := []any{
		slog.String("unit_id", o.UnitID),
		slog.String("task_id", o.TaskID),
		slog.String("status", string(o.Status)),
		slog.Duration("elapsed", o.Elapsed),
	}
	if o.Total != nil {
		attrs = append(attrs, slog.Int("total", *o.Total))
	}
	r.logger.Info("outcome recorded", attrs...)

	for _, fn := range r.listeners {
		fn(e, o.UnitID)
	}
	return nil
}

// Detail extracts a structured description of err. Each field is read
// independently; a field that cannot be read is left empty.
func Detail(err error) *models.ErrorDetail {
	d := &models.ErrorDetail{Kind: apperr.Kind(err)}

	try(func() { d.Message = err.Error() })
	try(func() { d.Type = fmt.Sprintf("%T", rootCause(err)) })
	try(func() {
		var xe *apperr.ExtractorError
		if !errors.As(err, &xe) || xe.Location == nil {
			return
		}
		d.File = xe.Location.File
		d.Line = xe.Location.Line
		d.Column = xe.Location.Column
		d.Text = xe.Location.Text
	})
	return d
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// try runs fn, swallowing any panic raised while reading an error field.
func try(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
