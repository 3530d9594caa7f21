// Package cache provides the response cache tiers, key derivation, and
// cache warming.
package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
	"github.com/agatticelli/retail-dashboard/internal/platform/worker"
)

// WarmupProvider pre-populates the cache with one dataset.
type WarmupProvider interface {
	// Name identifies the dataset in logs and results.
	Name() string

	// Warmup fetches the dataset and stores it. It must be idempotent.
	Warmup(ctx context.Context) error
}

// WarmupConfig configures a Warmer.
type WarmupConfig struct {
	// Timeout bounds the whole run.
	Timeout time.Duration

	// ContinueOnError keeps a sequential run going after a failure.
	ContinueOnError bool

	// Parallel warms providers on a worker pool of Workers goroutines.
	Parallel bool
	Workers  int
}

// DefaultWarmupConfig warms up to four datasets at a time for 30s.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
		Parallel:        true,
		Workers:         4,
	}
}

// WarmupResult is the outcome of one provider.
type WarmupResult struct {
	Provider string
	Duration time.Duration
	Err      error
}

// WarmupResults holds one result per provider, in registration order.
type WarmupResults struct {
	Results   []WarmupResult
	TotalTime time.Duration
	Errors    int
}

// HasErrors reports whether any provider failed.
func (wr *WarmupResults) HasErrors() bool {
	return wr.Errors > 0
}

// Warmer runs registered providers, typically prefetches of the reports a
// dashboard opens with.
type Warmer struct {
	providers []WarmupProvider
	logger    *observability.Logger
	config    WarmupConfig
}

// NewWarmer creates a Warmer. A nil logger discards output.
func NewWarmer(logger *observability.Logger, config WarmupConfig) *Warmer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	defaults := DefaultWarmupConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	return &Warmer{logger: logger.WithComponent("cache-warmer"), config: config}
}

// RegisterProvider adds p to the next run.
func (w *Warmer) RegisterProvider(p WarmupProvider) {
	w.providers = append(w.providers, p)
}

// Warmup runs every provider within the configured timeout.
func (w *Warmer) Warmup(ctx context.Context) *WarmupResults {
	start := time.Now()
	results := &WarmupResults{}
	if len(w.providers) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	if w.config.Parallel {
		results.Results = w.parallel(ctx)
	} else {
		results.Results = w.sequential(ctx)
	}
	for _, r := range results.Results {
		if r.Err != nil {
			results.Errors++
		}
	}
	results.TotalTime = time.Since(start)

	fields := []any{"providers", len(w.providers), "failed", results.Errors, "duration", results.TotalTime}
	if results.Errors > 0 {
		w.logger.LogWarn(ctx, "cache warmup finished with errors", fields...)
	} else {
		w.logger.LogInfo(ctx, "cache warmup finished", fields...)
	}
	return results
}

// parallel runs providers on a bounded pool. Job ids are provider indexes
// so two providers with the same name stay distinct.
func (w *Warmer) parallel(ctx context.Context) []WarmupResult {
	pool := worker.NewPool(ctx, w.config.Workers, len(w.providers))
	defer pool.Close()

	jobs := make([]worker.Job, len(w.providers))
	for i, p := range w.providers {
		jobs[i] = worker.Job{
			ID: strconv.Itoa(i),
			Execute: func(ctx context.Context) (interface{}, error) {
				r := w.run(ctx, p)
				return r, r.Err
			},
		}
	}

	out := make([]WarmupResult, len(w.providers))
	done := make([]bool, len(w.providers))
	for _, r := range pool.SubmitAndWait(jobs) {
		i, err := strconv.Atoi(r.JobID)
		if err != nil || i < 0 || i >= len(out) {
			continue
		}
		if wr, ok := r.Value.(WarmupResult); ok {
			out[i] = wr
		} else {
			out[i] = WarmupResult{Provider: w.providers[i].Name(), Err: r.Err}
		}
		done[i] = true
	}

	// Providers the pool never reached before the deadline failed.
	for i, ok := range done {
		if !ok {
			out[i] = WarmupResult{Provider: w.providers[i].Name(), Err: context.Cause(ctx)}
		}
	}
	return out
}

func (w *Warmer) sequential(ctx context.Context) []WarmupResult {
	out := make([]WarmupResult, 0, len(w.providers))
	for _, p := range w.providers {
		r := w.run(ctx, p)
		out = append(out, r)
		if r.Err != nil && !w.config.ContinueOnError {
			break
		}
	}
	return out
}

func (w *Warmer) run(ctx context.Context, p WarmupProvider) WarmupResult {
	name := p.Name()
	start := time.Now()
	err := p.Warmup(ctx)
	r := WarmupResult{Provider: name, Duration: time.Since(start), Err: err}

	if err != nil {
		w.logger.LogWarn(ctx, "cache warmup failed", "provider", name, "duration", r.Duration, "error", err)
	} else {
		w.logger.LogDebug(ctx, "cache warmed", "provider", name, "duration", r.Duration)
	}
	return r
}
