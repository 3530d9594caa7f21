// Package worker provides a bounded worker pool for background fan-out
// such as cache warming.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrQueueFull is returned by TrySubmit when the queue has no room.
var ErrQueueFull = errors.New("worker: queue full")

// Job represents a unit of work to be executed by a worker.
type Job struct {
	// ID identifies the job in results and logs
	ID string
	// Execute runs the job with the pool's context.
	Execute func(ctx context.Context) (interface{}, error)
}

// Result represents the outcome of a job execution.
type Result struct {
	JobID string
	Value interface{}
	Err   error
}

// Stats counts jobs seen by the pool.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
}

// Pool is a fixed set of goroutines pulling jobs from a queue.
type Pool struct {
	workers  int
	jobQueue chan Job
	results  chan Result
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a pool with the given number of workers and queue size.
//
//	pool := worker.NewPool(ctx, 4, len(jobs))
//	defer pool.Close()
//	results := pool.SubmitAndWait(jobs)
func NewPool(ctx context.Context, workers int, queueSize int) *Pool {
	return NewPoolWithConfig(ctx, PoolConfig{Workers: workers, QueueSize: queueSize})
}

// NewPoolWithConfig creates a pool from cfg. Workers start immediately.
func NewPoolWithConfig(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)

	p := &Pool{
		workers:  cfg.Workers,
		jobQueue: make(chan Job, cfg.QueueSize),
		results:  make(chan Result, cfg.QueueSize),
		ctx:      poolCtx,
		cancel:   cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobQueue:
			if !ok {
				return
			}
			result := p.execute(job)
			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// execute runs one job, converting a panic into an error result.
func (p *Pool) execute(job Job) (result Result) {
	result.JobID = job.ID
	defer func() {
		if r := recover(); r != nil {
			result.Value = nil
			result.Err = fmt.Errorf("worker: job %q panicked: %v", job.ID, r)
		}
		if result.Err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()
	result.Value, result.Err = job.Execute(p.ctx)
	return result
}

// Submit enqueues a job, blocking while the queue is full.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.jobQueue <- job:
		p.submitted.Add(1)
		return nil
	}
}

// TrySubmit enqueues a job without blocking.
func (p *Pool) TrySubmit(job Job) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	select {
	case p.jobQueue <- job:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait submits jobs and collects their results in completion
// order. It returns early with partial results if the pool is cancelled.
// Submission and collection overlap so a small queue cannot deadlock.
func (p *Pool) SubmitAndWait(jobs []Job) []Result {
	submitted := make(chan int, 1)
	go func() {
		n := 0
		for _, job := range jobs {
			if err := p.Submit(job); err != nil {
				break
			}
			n++
		}
		submitted <- n
	}()

	results := make([]Result, 0, len(jobs))
	want := -1
	for want < 0 || len(results) < want {
		select {
		case <-p.ctx.Done():
			return results
		case n := <-submitted:
			want = n
		case result := <-p.results:
			results = append(results, result)
		}
	}

	return results
}

// Results returns the results channel for callers using Submit directly.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Close stops the workers and waits for them to exit. Queued jobs that
// have not started are discarded.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
		close(p.results)
	})
}

// Stats returns job counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Workers returns the number of workers in the pool.
func (p *Pool) Workers() int {
	return p.workers
}

// QueueLen returns the number of jobs waiting in the queue.
func (p *Pool) QueueLen() int {
	return len(p.jobQueue)
}
