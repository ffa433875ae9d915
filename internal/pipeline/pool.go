package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/calm-listener/platform/internal/segment"
)

const (
	DefaultMaxConcurrent = 8
	DefaultMaxQueued     = 32
)

// Pool caps concurrently running pipelines and the backlog waiting for
// them. Dispatch never blocks the caller: an admitted segment's goroutine
// queues on the run semaphore, and a segment arriving with the backlog full
// is dropped.
type Pool struct {
	run      *semaphore.Weighted
	admit    *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
	queued   atomic.Int64
	dropped  atomic.Int64
}

// NewPool returns a pool admitting at most size concurrent runs with at
// most maxQueued more waiting.
func NewPool(size, maxQueued int) *Pool {
	if size <= 0 {
		size = DefaultMaxConcurrent
	}
	if maxQueued < 0 {
		maxQueued = DefaultMaxQueued
	}
	return &Pool{
		run:   semaphore.NewWeighted(int64(size)),
		admit: semaphore.NewWeighted(int64(size + maxQueued)),
	}
}

// Dispatch runs fn(ctx, seg) once a slot is free and reports whether seg
// was admitted. If ctx ends while waiting for a slot, fn is never called.
func (p *Pool) Dispatch(ctx context.Context, seg *segment.Segment, fn func(context.Context, *segment.Segment)) bool {
	if !p.admit.TryAcquire(1) {
		n := p.dropped.Add(1)
		slog.Warn("pipeline backlog full, segment dropped", "segment_id", seg.ID, "queued", p.Queued(), "dropped", n)
		return false
	}
	p.wg.Add(1)
	p.queued.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.admit.Release(1)
		err := p.run.Acquire(ctx, 1)
		p.queued.Add(-1)
		if err != nil {
			slog.Debug("segment abandoned before dispatch", "segment_id", seg.ID, "error", err)
			return
		}
		defer p.run.Release(1)
		// Acquire can succeed on an already-cancelled ctx when a slot is free.
		if ctx.Err() != nil {
			return
		}

		p.inFlight.Add(1)
		defer p.inFlight.Add(-1)
		fn(ctx, seg)
	}()
	return true
}

// InFlight is the number of running pipelines.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Queued is the number of dispatched segments still waiting for a slot.
func (p *Pool) Queued() int { return int(p.queued.Load()) }

// Dropped is the number of segments refused because the backlog was full.
func (p *Pool) Dropped() int { return int(p.dropped.Load()) }

// Wait blocks until every dispatched run has returned or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
