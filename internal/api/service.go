package api

import (
	"context"
	"fmt"

	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/store"
)

// Service answers read-only status queries against the backend.
type Service struct {
	backend    store.Backend
	collection string
}

// NewService creates a Service. collection is used when a request names none.
func NewService(backend store.Backend, collection string) *Service {
	if collection == "" {
		collection = "dump"
	}
	return &Service{backend: backend, collection: collection}
}

func (s *Service) coll(name string) store.Collection {
	if name == "" {
		name = s.collection
	}
	return s.backend.Collection(name)
}

// Stats returns the estimated document count of a collection.
func (s *Service) Stats(ctx context.Context, collection string) (*StatsResponse, error) {
	c := s.coll(collection)
	n, err := c.EstimatedCount(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsResponse{Collection: c.Name(), Count: n, Server: s.backend.Describe(ctx)}, nil
}

// Task returns a registered task.
func (s *Service) Task(ctx context.Context, id string) (*models.Task, error) {
	return s.backend.GetTask(ctx, id)
}

// Unit returns a source unit with a summary of its latest outcome.
func (s *Service) Unit(ctx context.Context, id string) (*UnitDetail, error) {
	u, err := s.backend.GetSourceUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &UnitDetail{SourceUnit: u, Runs: len(u.History)}
	if n := len(u.History); n > 0 {
		d.LastStatus = u.History[n-1].Status
	}
	return d, nil
}

// Record looks up a reconciled record by its key fields.
func (s *Service) Record(ctx context.Context, collection string, key models.Record) (*models.StoredRecord, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", errBadRequest)
	}
	return s.coll(collection).Find(ctx, key)
}
