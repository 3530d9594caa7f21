package status

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agatticelli/retail-dashboard/internal/apiclient"
	"github.com/agatticelli/retail-dashboard/internal/platform/clock"
	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
	"github.com/agatticelli/retail-dashboard/internal/platform/resilience"
)

// Reporter defaults.
const (
	DefaultMinInterval = 1200 * time.Millisecond
	DefaultRetryDelay  = time.Second
)

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	Pusher  Pusher
	Clock   clock.Clock
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// MinInterval is the minimum spacing between two pushes of one page.
	MinInterval time.Duration

	// RetryDelay is the wait before the single retry of a throttled push.
	RetryDelay time.Duration
}

// Reporter keeps a local status per page and pushes changes to the board.
// Each page has at most one push in flight; reports arriving meanwhile are
// merged into the next push. Push failures never reach the caller.
type Reporter struct {
	cfg     ReporterConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	pages     map[string]*pageReporter
	listeners map[int]func(page string)
	nextID    int
	closed    bool
}

type pageReporter struct {
	name  string
	sched *resilience.Scheduler

	mu      sync.Mutex
	status  PageStatus
	pending Payload
	// mounts counts Mount calls; a failed payload taken under an older
	// mount is dropped rather than restored.
	mounts uint64
}

// NewReporter creates a Reporter.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.Pusher == nil {
		return nil, errors.New("status: pusher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	return &Reporter{
		cfg:       cfg,
		logger:    cfg.Logger.WithComponent("status-reporter"),
		metrics:   cfg.Metrics,
		pages:     make(map[string]*pageReporter),
		listeners: make(map[int]func(string)),
	}, nil
}

// Subscribe registers fn to run after every push attempt. The returned
// func unregisters it.
func (r *Reporter) Subscribe(fn func(page string)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Mount resets the local status of page and tells the board it is loading.
func (r *Reporter) Mount(page string) {
	p := r.page(page)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.status = PageStatus{Page: page, LastActivity: r.cfg.Clock.Now()}
	p.pending = Payload{PageName: page, Reset: true, DataLoaded: ptr(false)}
	p.mounts++
	p.mu.Unlock()
	p.sched.Dispatch(r.job(p))
}

// Report merges u into the status of page and schedules a push.
func (r *Reporter) Report(page string, u Update) {
	p := r.page(page)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.status.apply(u)
	p.status.LastActivity = r.cfg.Clock.Now()
	p.pending.merge(u)
	p.mu.Unlock()
	p.sched.Dispatch(r.job(p))
}

// Status returns the local view of page.
func (r *Reporter) Status(page string) (PageStatus, bool) {
	r.mu.Lock()
	p, ok := r.pages[page]
	r.mu.Unlock()
	if !ok {
		return PageStatus{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, true
}

// Pages returns the names of every page reported so far.
func (r *Reporter) Pages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.pages))
	for name := range r.pages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Idle reports whether no page has a push scheduled or in flight.
func (r *Reporter) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pages {
		switch p.sched.Phase() {
		case resilience.PhaseIdle, resilience.PhaseSettled:
		default:
			return false
		}
	}
	return true
}

// Flush waits until every scheduled push has been attempted.
func (r *Reporter) Flush(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	unsubscribe := r.Subscribe(func(string) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for !r.Idle() {
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops every page scheduler. Pending payloads are dropped.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, p := range r.pages {
		p.sched.Close()
	}
}

func (r *Reporter) page(name string) *pageReporter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if p, ok := r.pages[name]; ok {
		return p
	}
	p := &pageReporter{
		name:    name,
		status:  PageStatus{Page: name, LastActivity: r.cfg.Clock.Now()},
		pending: Payload{PageName: name},
		sched: resilience.NewScheduler(resilience.SchedulerConfig{
			Clock:       r.cfg.Clock,
			MinInterval: r.cfg.MinInterval,
			RetryDelays: []time.Duration{r.cfg.RetryDelay},
			MaxRetries:  1,
			Retryable: func(err error) bool {
				return errors.Is(err, apiclient.ErrRateLimited)
			},
		}),
	}
	r.pages[name] = p
	return p
}

// job pushes whatever is pending for p when it runs, so reports that
// arrived while waiting ride along.
func (r *Reporter) job(p *pageReporter) resilience.Job {
	return resilience.Job{
		Run: func(ctx context.Context) error {
			p.mu.Lock()
			payload := p.pending
			p.pending = Payload{PageName: p.name}
			mount := p.mounts
			p.mu.Unlock()

			if payload.empty() {
				return nil
			}

			err := r.cfg.Pusher.Push(ctx, payload)
			r.metrics.RecordTelemetryPush(ctx, p.name, err == nil)
			if err != nil {
				p.mu.Lock()
				if p.mounts == mount {
					p.pending.restore(payload)
				}
				p.mu.Unlock()
			}
			return err
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			r.logger.Debug("status push throttled, retrying", "page", p.name, "delay", delay, "error", err)
			r.emit(p.name)
		},
		OnDone: func(err error) {
			if err != nil {
				r.logger.Debug("status push failed", "page", p.name, "error", err)
			}
			r.emit(p.name)
		},
	}
}

func (r *Reporter) emit(page string) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(page)
	}
}

// ReportLoad marks page as ready. An empty message uses the default.
func (r *Reporter) ReportLoad(page, message string) {
	if message == "" {
		message = fmt.Sprintf("%s page is ready", DisplayName(page))
	}
	r.Report(page, Update{DataLoaded: ptr(true), Successes: 1, LastSuccess: &message})
}

// ReportError records a page error.
func (r *Reporter) ReportError(page, message string) {
	r.Report(page, Update{Errors: 1, LastError: &message})
}

// ReportActivity records a user action without touching the counters.
func (r *Reporter) ReportActivity(page, activity string) {
	r.Report(page, Update{LastSuccess: &activity})
}

// ReportDataLoadSuccess records a successful data load. count <= 0 omits
// the record count.
func (r *Reporter) ReportDataLoadSuccess(page, dataType string, count int) {
	message := fmt.Sprintf("%s data loaded successfully", dataType)
	if count > 0 {
		message = fmt.Sprintf("%s data: %s records ready", dataType, groupDigits(count))
	}
	r.Report(page, Update{Successes: 1, LastSuccess: &message})
}

// ReportDataLoadError records a failed data load.
func (r *Reporter) ReportDataLoadError(page, dataType string, err error) {
	message := fmt.Sprintf("Failed to load %s data: %v", dataType, err)
	r.Report(page, Update{Errors: 1, LastError: &message})
}

// ReportFilterChange records a filter update.
func (r *Reporter) ReportFilterChange(page, filterType string) {
	r.ReportActivity(page, fmt.Sprintf("%s filter updated", filterType))
}

// ReportResetFilters records a filter reset.
func (r *Reporter) ReportResetFilters(page string) {
	r.ReportActivity(page, "All filters reset to defaults")
}

// ReportChartInteraction records a chart interaction.
func (r *Reporter) ReportChartInteraction(page, chartType, action string) {
	r.ReportActivity(page, fmt.Sprintf("%s chart: %s", chartType, action))
}

// ReportPerformance marks page as loaded with optional timing and size.
func (r *Reporter) ReportPerformance(page string, loadTime time.Duration, dataSize int) {
	message := fmt.Sprintf("%s page loaded", DisplayName(page))
	if loadTime > 0 {
		message += fmt.Sprintf(" (%dms)", loadTime.Milliseconds())
	}
	if dataSize > 0 {
		message += fmt.Sprintf(" - %d records", dataSize)
	}
	r.Report(page, Update{DataLoaded: ptr(true), Successes: 1, LastSuccess: &message})
}

// groupDigits formats n with thousands separators.
func groupDigits(n int) string {
	s := strconv.Itoa(n)
	if n < 0 {
		return "-" + groupDigits(-n)
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
