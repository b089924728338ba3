package loader

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCollectTimeout is returned alongside the partial result when the
	// collector's deadline passes before the stream completes.
	ErrCollectTimeout = errors.New("loader: stream collection timed out")
	// ErrCancelled is returned when collection is interrupted by the caller's
	// context.
	ErrCancelled = errors.New("loader: stream collection cancelled")
)

// StreamItem carries one element of a streamed batch. Err marks a producer
// failure in place of a value.
type StreamItem[T any] struct {
	Value T
	Err   error
}

// CollectOptions bound a stream collection.
type CollectOptions struct {
	// Timeout bounds the whole collection. Zero means DefaultCollectTimeout.
	Timeout time.Duration
	// MaxItems stops collection once reached. Zero means unbounded.
	MaxItems int
	// CollectErrors accumulates producer errors instead of failing fast.
	CollectErrors bool
}

// DefaultCollectTimeout bounds stream collection when no timeout is given.
const DefaultCollectTimeout = 30 * time.Second

// CollectOption adjusts CollectOptions.
type CollectOption func(*CollectOptions)

// WithCollectTimeout bounds the whole collection.
func WithCollectTimeout(d time.Duration) CollectOption {
	return func(o *CollectOptions) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithMaxItems stops collection after n items.
func WithMaxItems(n int) CollectOption {
	return func(o *CollectOptions) {
		if n > 0 {
			o.MaxItems = n
		}
	}
}

// WithFailFast makes the first producer error abort collection.
func WithFailFast() CollectOption {
	return func(o *CollectOptions) { o.CollectErrors = false }
}

func applyCollectOptions(opts []CollectOption) CollectOptions {
	o := CollectOptions{Timeout: DefaultCollectTimeout, CollectErrors: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Collect drains ch under the configured bounds. On timeout it stops reading
// and returns what it has together with ErrCollectTimeout; on max-items it
// returns cleanly with the collected prefix. Producer errors are accumulated
// (or, with fail-fast, returned immediately). Context cancellation returns
// the partial result with ErrCancelled. Producers are expected to honor ctx;
// the collector never closes ch.
func Collect[T any](ctx context.Context, ch <-chan StreamItem[T], opts ...CollectOption) ([]T, []error, error) {
	o := applyCollectOptions(opts)
	timer := time.NewTimer(o.Timeout)
	defer timer.Stop()

	var items []T
	var errs []error
	for {
		if o.MaxItems > 0 && len(items) >= o.MaxItems {
			return items, errs, nil
		}
		select {
		case item, ok := <-ch:
			if !ok {
				return items, errs, nil
			}
			if item.Err != nil {
				if !o.CollectErrors {
					return items, errs, fmt.Errorf("loader: stream producer failed: %w", item.Err)
				}
				errs = append(errs, item.Err)
				continue
			}
			items = append(items, item.Value)
		case <-timer.C:
			return items, errs, ErrCollectTimeout
		case <-ctx.Done():
			return items, errs, fmt.Errorf("%w: %s", ErrCancelled, ctx.Err())
		}
	}
}
