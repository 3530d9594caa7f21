package fetch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agatticelli/retail-dashboard/internal/apiclient"
	"github.com/agatticelli/retail-dashboard/internal/platform/resilience"
)

// Result is the observable state of a Subscription.
type Result struct {
	Data    json.RawMessage
	Loading bool
	Error   error
	IsStale bool
}

// SubscribeOptions configures a Subscription.
type SubscribeOptions struct {
	// OnChange receives the latest state after it changes. Calls are made
	// from a dedicated goroutine, one at a time; intermediate states may be
	// skipped when updates arrive faster than OnChange returns.
	OnChange func(Result)

	// StaleWhileRevalidate overrides the orchestrator default.
	StaleWhileRevalidate *bool
}

// Subscription is one logical consumer of a report query, e.g. a chart
// bound to an endpoint and date range. Newer intents always win: results
// of superseded requests are discarded.
type Subscription struct {
	o     *Orchestrator
	swr   bool
	sched *resilience.Scheduler

	// intentMu serializes Update, Refetch and Close.
	intentMu sync.Mutex

	mu      sync.Mutex
	req     apiclient.Request
	key     string
	gen     uint64
	state   Result
	version uint64
	closed  bool
	kick    chan struct{}
}

// Subscribe starts a Subscription for req.
func (o *Orchestrator) Subscribe(req apiclient.Request, opts SubscribeOptions) *Subscription {
	swr := o.opts.StaleWhileRevalidate
	if opts.StaleWhileRevalidate != nil {
		swr = *opts.StaleWhileRevalidate
	}

	s := &Subscription{
		o:   o,
		swr: swr,
		sched: resilience.NewScheduler(resilience.SchedulerConfig{
			Clock:       o.clock,
			Debounce:    o.opts.Debounce,
			MinInterval: o.opts.MinInterval,
			RetryDelays: o.opts.RetryDelays,
			MaxRetries:  o.opts.MaxRetries,
			Retryable:   retryable,
			Supersede:   true,
		}),
		kick: make(chan struct{}, 1),
	}

	if opts.OnChange != nil {
		go s.notifyLoop(opts.OnChange)
	}

	s.apply(req, false)
	return s
}

// State returns the current state.
func (s *Subscription) State() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Request returns the request the subscription currently tracks.
func (s *Subscription) Request() apiclient.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

// Update switches the subscription to req, superseding any pending or
// in-flight call.
func (s *Subscription) Update(req apiclient.Request) {
	s.apply(req, false)
}

// Refetch bypasses the cache and resets the retry counter. It skips the
// debounce but still honours the minimum spacing.
func (s *Subscription) Refetch() {
	s.apply(s.Request(), true)
}

// Close cancels outstanding work. No further state changes are delivered.
func (s *Subscription) Close() {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	close(s.kick)
	s.mu.Unlock()

	s.sched.Close()
}

// Phase reports where the subscription is in its fetch cycle.
func (s *Subscription) Phase() resilience.Phase {
	return s.sched.Phase()
}

// Retries returns how many retries the current intent has used.
func (s *Subscription) Retries() int {
	return s.sched.Attempts()
}

func (s *Subscription) apply(req apiclient.Request, force bool) {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()

	ctx := context.Background()
	key := Key(req)

	var data json.RawMessage
	hit := false
	if !force {
		data, hit = s.o.cached(ctx, req.Endpoint, key)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	keyChanged := key != s.key
	s.req = req
	s.key = key
	s.gen++
	gen := s.gen

	switch {
	case hit:
		s.state = Result{Data: data, IsStale: true}
	case force:
		s.state.Loading = true
		s.state.Error = nil
	default:
		if keyChanged {
			s.state.Data = nil
		}
		s.state = Result{Data: s.state.Data, Loading: true}
	}
	s.changedLocked()
	s.mu.Unlock()

	if hit && !s.swr {
		s.sched.Cancel()
		return
	}

	job := s.job(gen, key, req)
	switch {
	case s.o.flights.has(key):
		s.sched.RunNow(job)
	case force:
		s.sched.Dispatch(job)
	default:
		s.sched.Trigger(job)
	}
}

func (s *Subscription) job(gen uint64, key string, req apiclient.Request) resilience.Job {
	o := s.o
	return resilience.Job{
		Run: func(ctx context.Context) error {
			data, err := o.shared(ctx, key, req)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				return classify(err)
			}
			s.deliver(gen, func(r *Result) {
				*r = Result{Data: data}
			})
			o.metrics.RecordFetchResult(ctx, req.Endpoint, outcome(nil))
			return nil
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			o.metrics.RecordFetchRetry(context.Background(), req.Endpoint, attempt)
			o.logger.Debug("fetch failed, retrying",
				"endpoint", req.Endpoint, "attempt", attempt, "delay", delay, "error", err)
		},
		OnDone: func(err error) {
			if err == nil {
				return
			}
			o.metrics.RecordFetchResult(context.Background(), req.Endpoint, outcome(err))
			o.logger.Debug("fetch failed", "endpoint", req.Endpoint, "error", err)
			s.deliver(gen, func(r *Result) {
				r.Error = err
				r.Loading = false
				r.IsStale = r.Data != nil
			})
		},
	}
}

// deliver applies fn unless a newer intent has superseded gen.
func (s *Subscription) deliver(gen uint64, fn func(*Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.gen != gen {
		return
	}
	fn(&s.state)
	s.changedLocked()
}

// changedLocked wakes the notifier (caller must hold mu).
func (s *Subscription) changedLocked() {
	s.version++
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Subscription) notifyLoop(onChange func(Result)) {
	var seen uint64
	for range s.kick {
		s.mu.Lock()
		state, version, closed := s.state, s.version, s.closed
		s.mu.Unlock()

		if closed || version == seen {
			continue
		}
		seen = version
		onChange(state)
	}
}
