package device

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Dispatcher bounds the number of in-flight blocking reader calls so a stuck
// capture cannot starve the goroutines serving other connections.
type Dispatcher struct {
	sem *semaphore.Weighted
}

// NewDispatcher returns a dispatcher admitting at most limit concurrent calls.
func NewDispatcher(limit int) *Dispatcher {
	if limit < 1 {
		limit = 1
	}
	return &Dispatcher{sem: semaphore.NewWeighted(int64(limit))}
}

// Do runs fn once a slot is free. Waiting for a slot is cancellable; fn
// itself is not, matching the hardware's non-preemptible calls.
func (d *Dispatcher) Do(ctx context.Context, fn func() error) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)
	return fn()
}
