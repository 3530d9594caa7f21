package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/agatticelli/retail-dashboard/internal/platform/clock"
)

// Phase is the state of a Scheduler.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDebouncing
	PhaseThrottled
	PhaseInFlight
	PhaseRetryWaiting
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDebouncing:
		return "debouncing"
	case PhaseThrottled:
		return "throttled"
	case PhaseInFlight:
		return "in-flight"
	case PhaseRetryWaiting:
		return "retry-waiting"
	case PhaseSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Clock clock.Clock

	// Debounce is the quiet period Trigger waits for before dispatching.
	Debounce time.Duration

	// MinInterval is the minimum spacing between two dispatches.
	MinInterval time.Duration

	// RetryDelays is the wait before each retry; the last entry repeats.
	RetryDelays []time.Duration
	MaxRetries  int

	// Retryable classifies failures. Defaults to IsRetryable.
	Retryable func(error) bool

	// Supersede makes every new intent cancel the one in progress and
	// discard its result. Without it, intents arriving during a run are
	// coalesced into a single follow-up run.
	Supersede bool

	// Context is the parent of every run context. Defaults to Background.
	Context context.Context
}

// Job is one unit of scheduled work.
type Job struct {
	Run     func(ctx context.Context) error
	OnRetry func(attempt int, delay time.Duration, err error)
	OnDone  func(err error)
}

// Scheduler runs a Job at most once at a time, applying debounce, minimum
// spacing and a retry schedule. Timer callbacks and run completions carry
// a generation number; anything from an older generation is dropped.
type Scheduler struct {
	cfg SchedulerConfig

	mu            sync.Mutex
	phase         Phase
	gen           uint64
	job           Job
	timer         clock.Timer
	cancel        context.CancelFunc
	attempts      int
	pending       bool
	lastDispatch  time.Time
	hasDispatched bool
	closed        bool
}

// NewScheduler creates an idle Scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Retryable == nil {
		cfg.Retryable = IsRetryable
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Scheduler{cfg: cfg}
}

// Trigger records a new intent and dispatches it once Debounce has passed
// without another Trigger.
func (s *Scheduler) Trigger(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.cfg.Supersede {
		s.resetLocked()
		s.job = job
		s.debounceLocked()
		return
	}

	s.job = job
	switch s.phase {
	case PhaseInFlight:
		s.pending = true
	case PhaseThrottled, PhaseRetryWaiting:
	default:
		s.stopTimerLocked()
		s.debounceLocked()
	}
}

// Dispatch records a new intent and dispatches it as soon as MinInterval
// allows, skipping the debounce.
func (s *Scheduler) Dispatch(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.cfg.Supersede {
		s.resetLocked()
		s.job = job
		s.dispatchLocked()
		return
	}

	s.job = job
	switch s.phase {
	case PhaseInFlight:
		s.pending = true
	case PhaseThrottled, PhaseRetryWaiting:
	default:
		s.stopTimerLocked()
		s.dispatchLocked()
	}
}

// RunNow supersedes any pending work and starts job immediately. It does
// not count as a dispatch for spacing purposes.
func (s *Scheduler) RunNow(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.resetLocked()
	s.job = job
	s.startLocked(false)
}

// Cancel drops every pending timer and cancels the run in progress.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.phase = PhaseIdle
}

// Close cancels outstanding work; later calls become no-ops.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.phase = PhaseIdle
	s.closed = true
}

// Phase returns the current phase.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Attempts returns the number of retries of the current intent.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// resetLocked starts a new generation (caller must hold lock).
func (s *Scheduler) resetLocked() {
	s.gen++
	s.stopTimerLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.attempts = 0
	s.pending = false
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) debounceLocked() {
	if s.cfg.Debounce <= 0 {
		s.dispatchLocked()
		return
	}
	s.phase = PhaseDebouncing
	s.timer = s.afterLocked(s.cfg.Debounce, PhaseDebouncing, func() { s.dispatchLocked() })
}

// dispatchLocked starts the current job, or waits out MinInterval first.
func (s *Scheduler) dispatchLocked() {
	if s.hasDispatched && s.cfg.MinInterval > 0 {
		wait := s.lastDispatch.Add(s.cfg.MinInterval).Sub(s.cfg.Clock.Now())
		if wait > 0 {
			s.phase = PhaseThrottled
			s.timer = s.afterLocked(wait, PhaseThrottled, func() { s.startLocked(true) })
			return
		}
	}
	s.startLocked(true)
}

// afterLocked arms a timer whose callback only runs if neither the
// generation nor the phase changed in the meantime.
func (s *Scheduler) afterLocked(d time.Duration, phase Phase, fn func()) clock.Timer {
	gen := s.gen
	return s.cfg.Clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.gen != gen || s.phase != phase {
			return
		}
		s.timer = nil
		fn()
	})
}

func (s *Scheduler) startLocked(record bool) {
	if record {
		s.lastDispatch = s.cfg.Clock.Now()
		s.hasDispatched = true
	}
	s.phase = PhaseInFlight
	s.pending = false

	ctx, cancel := context.WithCancel(s.cfg.Context)
	s.cancel = cancel
	go s.run(ctx, cancel, s.gen, s.job)
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, gen uint64, job Job) {
	var err error
	if job.Run != nil {
		err = job.Run(ctx)
	}
	cancel()

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.cancel = nil

	if err != nil && s.cfg.Retryable(err) && s.attempts < s.cfg.MaxRetries {
		s.attempts++
		attempt := s.attempts
		delay := ScheduleDelay(s.cfg.RetryDelays, attempt-1)
		s.phase = PhaseRetryWaiting
		s.timer = s.afterLocked(delay, PhaseRetryWaiting, func() { s.startLocked(true) })
		s.mu.Unlock()

		if job.OnRetry != nil {
			job.OnRetry(attempt, delay, err)
		}
		return
	}

	s.phase = PhaseSettled
	s.attempts = 0
	if s.pending {
		s.gen++
		s.dispatchLocked()
	}
	s.mu.Unlock()

	if job.OnDone != nil {
		job.OnDone(err)
	}
}
