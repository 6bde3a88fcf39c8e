// Package execpool bounds how many runtime CLI processes (docker, kubectl)
// squire runs at once. The reconciliation loop, background dispatches and
// API calls all share one Pool.
package execpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent operations using a weighted semaphore.
type Pool struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// New creates a Pool that allows at most limit concurrent operations.
func New(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Run acquires a slot, runs fn, and releases the slot.
// Returns ctx.Err() if the context is cancelled while waiting.
// A nil Pool runs fn directly.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	p.waiting.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		return err
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()
	return fn()
}

// Do is Run for operations that return a value.
func Do[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var out T
	err := p.Run(ctx, func() error {
		v, err := fn()
		out = v
		return err
	})
	return out, err
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Limit    int   `json:"limit"`
	InFlight int64 `json:"inFlight"`
	Waiting  int64 `json:"waiting"`
}

// Stats returns current usage.
func (p *Pool) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{Limit: p.limit, InFlight: p.inFlight.Load(), Waiting: p.waiting.Load()}
}
