package store

import (
	"context"
	"sync"
	"time"

	"github.com/calm-listener/platform/internal/trace"
)

// Batcher defaults
const (
	DefaultBatcherMaxSize    = 20
	DefaultBatcherFlushDelay = 2 * time.Second
	flushTimeout             = 10 * time.Second
)

// JobSink persists a batch of job records.
type JobSink interface {
	SaveJobs(ctx context.Context, recs []JobRecord) error
}

// Batcher accumulates job records and writes them in batches, either when
// maxSize is reached or flushDelay after the last Add.
type Batcher struct {
	sink       JobSink
	maxSize    int
	flushDelay time.Duration

	mu      sync.Mutex
	items   []JobRecord
	timer   *time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// NewBatcher creates a batcher writing to sink.
func NewBatcher(sink JobSink, maxSize int, flushDelay time.Duration) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultBatcherMaxSize
	}
	if flushDelay <= 0 {
		flushDelay = DefaultBatcherFlushDelay
	}
	return &Batcher{
		sink:       sink,
		maxSize:    maxSize,
		flushDelay: flushDelay,
		items:      make([]JobRecord, 0, maxSize),
	}
}

// Add queues a record. Records added after Stop are written immediately
// on the caller's goroutine.
func (b *Batcher) Add(rec JobRecord) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.write([]JobRecord{rec})
		return
	}
	defer b.mu.Unlock()

	b.items = append(b.items, rec)
	if len(b.items) >= b.maxSize {
		b.flushLocked()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.flushDelay, b.Flush)
	} else {
		b.timer.Reset(b.flushDelay)
	}
}

// Pending returns the number of queued records.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Flush writes pending records now.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.items) == 0 {
		return
	}
	items := b.items
	b.items = make([]JobRecord, 0, b.maxSize)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.write(items)
	}()
}

func (b *Batcher) write(items []JobRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	ctx, span := trace.StartSpan(ctx, "job_batch_flush")
	defer span.End()
	span.SetAttr("count", len(items))

	log := trace.Logger(ctx)
	if err := b.sink.SaveJobs(ctx, items); err != nil {
		span.SetAttr("error", err.Error())
		log.Warn("job history write failed", "error", err, "count", len(items))
		return
	}
	log.Debug("job history written", "count", len(items))
}

// Stop flushes the remainder and waits for in-flight writes.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.flushLocked()
	b.mu.Unlock()
	b.wg.Wait()
}
