// Package extract defines the record extractor boundary and the explicit
// table of extractor variants.
package extract

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/models"
)

// DefaultVariant is used when the options name neither a variant nor an extractor.
const DefaultVariant = 1

// Info identifies an extractor implementation.
type Info struct {
	Name          string
	Build         int
	Rev           int
	PreferredKeys []string
	Doc           string
	Package       string
}

// Extractor decodes one local file into batches of records.
type Extractor interface {
	Info() Info
	// Open prepares a lazy batch sequence for localPath. Inputs the
	// extractor does not handle yield a source that is immediately exhausted.
	Open(ctx context.Context, localPath string, opts models.Options) (BatchSource, error)
}

// BatchSource is a finite, ordered sequence of batches.
type BatchSource interface {
	// Next returns the next batch, or io.EOF once the sequence is exhausted.
	Next(ctx context.Context) (models.Batch, error)
	Close() error
}

// Registry maps variant numbers and names to extractors.
type Registry struct {
	byVariant map[int]Extractor
	byName    map[string]Extractor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byVariant: make(map[int]Extractor),
		byName:    make(map[string]Extractor),
	}
}

// Default returns the registry of built-in variants.
func Default() *Registry {
	r := NewRegistry()
	r.Register(1, NewSheet())
	return r
}

// Register binds e to variant and to its name.
func (r *Registry) Register(variant int, e Extractor) {
	r.byVariant[variant] = e
	r.byName[e.Info().Name] = e
}

// Variants returns the registered variant numbers in ascending order.
func (r *Registry) Variants() []int {
	out := make([]int, 0, len(r.byVariant))
	for v := range r.byVariant {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Resolve selects the extractor for opts: the "extractor" option names one
// directly, otherwise "variant" selects by number.
func (r *Registry) Resolve(opts models.Options) (Extractor, error) {
	if name := opts.String("extractor"); name != "" {
		e, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("extract: extractor %q: %w", name, apperr.ErrNotFound)
		}
		return e, nil
	}
	v := opts.Int("variant", DefaultVariant)
	e, ok := r.byVariant[v]
	if !ok {
		return nil, fmt.Errorf("extract: variant %d: %w", v, apperr.ErrNotFound)
	}
	return e, nil
}

// Empty is a BatchSource with no batches.
type Empty struct{}

func (Empty) Next(context.Context) (models.Batch, error) { return models.Batch{}, io.EOF }
func (Empty) Close() error                             { return nil }

// Slice is a BatchSource over batches held in memory.
type Slice struct {
	Batches []models.Batch
	// Err, when set, is returned after the batches are exhausted.
	Err error
	pos int
}

func (s *Slice) Next(ctx context.Context) (models.Batch, error) {
	if err := ctx.Err(); err != nil {
		return models.Batch{}, err
	}
	if s.pos >= len(s.Batches) {
		if s.Err != nil {
			return models.Batch{}, s.Err
		}
		return models.Batch{}, io.EOF
	}
	b := s.Batches[s.pos]
	s.pos++
	return b, nil
}

func (s *Slice) Close() error { return nil }
