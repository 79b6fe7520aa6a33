// Package data defines the batch and loader contracts consumed by the
// trainer, plus an in-memory loader for tests and small runs.
package data

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Batch is a logical batch of examples along the batch axis.
type Batch interface {
	// Len returns the number of examples.
	Len() int
	// Slice returns examples [lo, hi) as a new batch.
	Slice(lo, hi int) Batch
}

// Loader yields batches. Next returns io.EOF when a finite loader is
// exhausted; it may block until a batch is available.
type Loader interface {
	Next(ctx context.Context) (Batch, error)
}

// Examples is a batch backed by a slice.
type Examples[T any] []T

// Len implements Batch.
func (e Examples[T]) Len() int { return len(e) }

// Slice implements Batch.
func (e Examples[T]) Slice(lo, hi int) Batch { return e[lo:hi] }

// SliceLoader serves fixed-size batches from an in-memory dataset.
type SliceLoader[T any] struct {
	mu        sync.Mutex
	examples  []T
	batchSize int
	wrap      bool
	pos       int
}

// LoaderOption configures a SliceLoader.
type LoaderOption func(*loaderOptions)

type loaderOptions struct {
	wrap bool
}

// WithWrap makes the loader start over instead of returning io.EOF.
func WithWrap() LoaderOption {
	return func(o *loaderOptions) { o.wrap = true }
}

// NewSliceLoader returns a loader over examples. A trailing partial batch is
// dropped.
func NewSliceLoader[T any](examples []T, batchSize int, opts ...LoaderOption) (*SliceLoader[T], error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(examples) < batchSize {
		return nil, errors.Errorf("dataset of %d examples is smaller than one batch of %d", len(examples), batchSize)
	}
	var o loaderOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &SliceLoader[T]{examples: examples, batchSize: batchSize, wrap: o.wrap}, nil
}

// Next implements Loader.
func (l *SliceLoader[T]) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pos+l.batchSize > len(l.examples) {
		if !l.wrap {
			return nil, io.EOF
		}
		l.pos = 0
	}
	batch := Examples[T](l.examples[l.pos : l.pos+l.batchSize])
	l.pos += l.batchSize
	return batch, nil
}

// Reset rewinds the loader to the first batch.
func (l *SliceLoader[T]) Reset() {
	l.mu.Lock()
	l.pos = 0
	l.mu.Unlock()
}

// Split cuts batch into n equal consecutive parts.
func Split(batch Batch, n int) ([]Batch, error) {
	if n <= 0 || batch.Len()%n != 0 {
		return nil, errors.Errorf("batch of %d examples cannot be split into %d equal parts", batch.Len(), n)
	}
	size := batch.Len() / n
	parts := make([]Batch, n)
	for i := range parts {
		parts[i] = batch.Slice(i*size, (i+1)*size)
	}
	return parts, nil
}
