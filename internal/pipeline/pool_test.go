package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calm-listener/platform/internal/segment"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	p := NewPool(size, 16)
	release := make(chan struct{})
	var running, peak atomic.Int32

	for i := 0; i < 10; i++ {
		p.Dispatch(context.Background(), &segment.Segment{}, func(context.Context, *segment.Segment) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		})
	}

	deadline := time.Now().Add(time.Second)
	for p.InFlight() < size && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.InFlight() != size {
		t.Fatalf("InFlight = %d, want %d", p.InFlight(), size)
	}
	if p.Queued() != 10-size {
		t.Errorf("Queued = %d, want %d", p.Queued(), 10-size)
	}

	close(release)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if peak.Load() > size {
		t.Errorf("peak concurrency = %d, want <= %d", peak.Load(), size)
	}
}

func TestPoolDispatchDoesNotBlock(t *testing.T) {
	p := NewPool(1, 8)
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	for i := 0; i < 5; i++ {
		p.Dispatch(context.Background(), &segment.Segment{}, func(context.Context, *segment.Segment) { <-block })
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Dispatch blocked the caller")
	}
}

func TestPoolAbandonsQueuedOnCancel(t *testing.T) {
	p := NewPool(1, 8)
	ctx, cancel := context.WithCancel(context.Background())
	hold := make(chan struct{})
	var mu sync.Mutex
	var ran []string

	run := func(_ context.Context, s *segment.Segment) {
		mu.Lock()
		ran = append(ran, s.ID)
		mu.Unlock()
		<-hold
	}
	p.Dispatch(ctx, &segment.Segment{ID: "a"}, run)
	for p.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	p.Dispatch(ctx, &segment.Segment{ID: "b"}, run)
	close(hold)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ran) != 1 || ran[0] != "a" {
		t.Errorf("ran = %v, want only a", ran)
	}
}

func TestPoolWaitTimesOut(t *testing.T) {
	p := NewPool(1, 8)
	block := make(chan struct{})
	defer close(block)
	p.Dispatch(context.Background(), &segment.Segment{}, func(context.Context, *segment.Segment) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
}

func TestPoolDropsWhenBacklogFull(t *testing.T) {
	const size, maxQueued, total = 8, 4, 500
	p := NewPool(size, maxQueued)
	release := make(chan struct{})
	var ran atomic.Int32

	admitted := 0
	for i := 0; i < total; i++ {
		if p.Dispatch(context.Background(), &segment.Segment{}, func(context.Context, *segment.Segment) {
			<-release
			ran.Add(1)
		}) {
			admitted++
		}
	}
	if admitted != size+maxQueued {
		t.Fatalf("admitted = %d, want %d", admitted, size+maxQueued)
	}
	if p.Dropped() != total-size-maxQueued {
		t.Errorf("Dropped = %d, want %d", p.Dropped(), total-size-maxQueued)
	}

	deadline := time.Now().Add(time.Second)
	for p.InFlight() < size && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.InFlight() != size || p.Queued() > maxQueued {
		t.Errorf("InFlight = %d Queued = %d, want %d and <= %d", p.InFlight(), p.Queued(), size, maxQueued)
	}

	close(release)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if int(ran.Load()) != size+maxQueued {
		t.Errorf("ran = %d, want %d", ran.Load(), size+maxQueued)
	}
	if !p.Dispatch(context.Background(), &segment.Segment{}, func(context.Context, *segment.Segment) {}) {
		t.Error("Dispatch refused after the backlog drained")
	}
	p.Wait(context.Background())
}
