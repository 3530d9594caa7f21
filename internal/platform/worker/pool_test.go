package worker

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewPoolWithConfig_Defaults(t *testing.T) {
	pool := NewPoolWithConfig(context.Background(), PoolConfig{Workers: 0, QueueSize: -5})
	defer pool.Close()

	if pool.Workers() != 1 {
		t.Errorf("Expected 1 worker (default), got %d", pool.Workers())
	}
	if pool.QueueLen() != 0 {
		t.Errorf("Expected empty queue, got %d", pool.QueueLen())
	}
}

func TestPool_SubmitAndWait(t *testing.T) {
	pool := NewPool(context.Background(), 3, 2)
	defer pool.Close()

	jobs := make([]Job, 0, 10)
	for i := 0; i < 10; i++ {
		n := i
		jobs = append(jobs, Job{
			ID: string(rune('a' + n)),
			Execute: func(ctx context.Context) (interface{}, error) {
				return n * n, nil
			},
		})
	}

	results := pool.SubmitAndWait(jobs)
	if len(results) != 10 {
		t.Fatalf("Expected 10 results, got %d", len(results))
	}

	squares := make([]int, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("job %s failed: %v", r.JobID, r.Err)
		}
		squares = append(squares, r.Value.(int))
	}
	sort.Ints(squares)
	for i, sq := range squares {
		if sq != i*i {
			t.Errorf("result %d: expected %d, got %d", i, i*i, sq)
		}
	}

	stats := pool.Stats()
	if stats.Submitted != 10 || stats.Completed != 10 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	t.Log("✓ SubmitAndWait collects every result even with a small queue")
}

func TestPool_ErrorAndPanicBecomeResults(t *testing.T) {
	pool := NewPool(context.Background(), 2, 2)
	defer pool.Close()

	boom := errors.New("boom")
	results := pool.SubmitAndWait([]Job{
		{ID: "err", Execute: func(ctx context.Context) (interface{}, error) { return nil, boom }},
		{ID: "panic", Execute: func(ctx context.Context) (interface{}, error) { panic("bad job") }},
	})

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err == nil {
			t.Errorf("job %s: expected error", r.JobID)
		}
		if r.JobID == "err" && !errors.Is(r.Err, boom) {
			t.Errorf("expected boom, got %v", r.Err)
		}
	}
	if got := pool.Stats().Failed; got != 2 {
		t.Errorf("Expected 2 failed jobs, got %d", got)
	}
}

func TestPool_TrySubmit_QueueFull(t *testing.T) {
	pool := NewPool(context.Background(), 1, 1)
	defer pool.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := Job{ID: "blocker", Execute: func(ctx context.Context) (interface{}, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}}

	if err := pool.Submit(blocker); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	noop := Job{ID: "noop", Execute: func(ctx context.Context) (interface{}, error) { return nil, nil }}
	if err := pool.TrySubmit(noop); err != nil {
		t.Fatalf("first TrySubmit should fit in the queue: %v", err)
	}
	if err := pool.TrySubmit(noop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	close(release)
}

func TestPool_CloseCancelsRunningJobs(t *testing.T) {
	pool := NewPool(context.Background(), 1, 0)

	var cancelled atomic.Bool
	started := make(chan struct{})
	go func() {
		_ = pool.Submit(Job{ID: "long", Execute: func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return nil, ctx.Err()
		}})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		pool.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if !cancelled.Load() {
		t.Error("running job did not observe cancellation")
	}
	if err := pool.Submit(Job{ID: "late"}); err == nil {
		t.Error("Submit after Close should fail")
	}
}
