package status

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/retail-dashboard/internal/platform/clock"
	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
)

// Board defaults.
const (
	DefaultInactiveAfter = 30 * time.Minute
	DefaultProbeTimeout  = 5 * time.Second
)

// Probe is an endpoint checked on every feed build.
type Probe struct {
	Name           string `mapstructure:"name" json:"name"`
	URL            string `mapstructure:"url" json:"url"`
	ExpectedStatus int    `mapstructure:"expected_status" json:"expectedStatus"`
}

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	Status       int    `json:"status,omitempty"`
	ResponseTime int64  `json:"responseTime"`
	Healthy      bool   `json:"isHealthy"`
	Error        string `json:"error,omitempty"`
}

// PageAlert is raised when a page reports an error.
type PageAlert struct {
	Page       string    `json:"page"`
	Message    string    `json:"message"`
	ErrorCount int       `json:"errorCount"`
	At         time.Time `json:"at"`
}

// AlertPublisher forwards page alerts. notification.Publisher implements it.
type AlertPublisher interface {
	PublishPageAlert(ctx context.Context, alert PageAlert) error
}

// BoardConfig configures a Board.
type BoardConfig struct {
	Clock         clock.Clock
	Logger        *observability.Logger
	Alerts        AlertPublisher
	Probes        []Probe
	ProbeBaseURL  string
	ProbeTimeout  time.Duration
	HTTPClient    *http.Client
	InactiveAfter time.Duration
}

// Board is the server-side page status map.
type Board struct {
	cfg    BoardConfig
	logger *observability.Logger

	mu    sync.RWMutex
	pages map[string]PageStatus
}

// NewBoard creates an empty Board.
func NewBoard(cfg BoardConfig) *Board {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = DefaultInactiveAfter
	}
	return &Board{
		cfg:    cfg,
		logger: cfg.Logger.WithComponent("status-board"),
		pages:  make(map[string]PageStatus),
	}
}

// Apply folds p into the board and returns the resulting page status.
func (b *Board) Apply(ctx context.Context, p Payload) (PageStatus, error) {
	if strings.TrimSpace(p.PageName) == "" {
		return PageStatus{}, ErrPageNameRequired
	}
	now := b.cfg.Clock.Now()

	b.mu.Lock()
	s, ok := b.pages[p.PageName]
	if !ok {
		s = PageStatus{Page: p.PageName}
	}
	if p.Reset {
		s.DataLoaded = false
		s.ErrorCount = 0
		s.SuccessCount = 0
	}
	s.apply(Update{
		DataLoaded:  p.DataLoaded,
		Errors:      p.ErrorCount,
		Successes:   p.SuccessCount,
		LastError:   p.LastError,
		LastSuccess: p.LastSuccess,
	})
	s.LastActivity = now
	b.pages[p.PageName] = s
	b.mu.Unlock()

	if p.ErrorCount > 0 && p.LastError != nil && b.cfg.Alerts != nil {
		alert := PageAlert{Page: s.Page, Message: s.LastError, ErrorCount: s.ErrorCount, At: now}
		if err := b.cfg.Alerts.PublishPageAlert(ctx, alert); err != nil {
			b.logger.LogWarn(ctx, "failed to publish page alert", "page", s.Page, "error", err)
		}
	}
	return s, nil
}

// Pages returns a copy of every page status.
func (b *Board) Pages() map[string]PageStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]PageStatus, len(b.pages))
	for k, v := range b.pages {
		out[k] = v
	}
	return out
}

// Feed runs the probes and builds the notification feed.
func (b *Board) Feed(ctx context.Context) *Feed {
	probes := b.runProbes(ctx)
	now := b.cfg.Clock.Now()
	pages := b.Pages()

	notifications := make([]Notification, 0, len(probes)+len(pages)*2+1)
	for _, r := range probes {
		if r.Healthy {
			continue
		}
		detail := r.Error
		if detail == "" {
			detail = fmt.Sprintf("Status %d", r.Status)
		}
		notifications = append(notifications, Notification{
			ID:      uuid.NewString(),
			Title:   r.Name + " - Error",
			Message: fmt.Sprintf("Error: %s, Response time: %dms", detail, r.ResponseTime),
			Time:    timeAgo(now, now),
			Type:    TypeAPIError,
		})
	}
	notifications = append(notifications, b.Notifications(now)...)

	unread := 0
	for _, n := range notifications {
		if !n.Read {
			unread++
		}
	}

	return &Feed{
		Notifications: notifications,
		Count:         unread,
		APIStatus:     probes,
		PageStatuses:  pages,
		LastUpdated:   now,
	}
}

// Notifications derives the page notifications as of now, pages in name
// order followed by the system summary.
func (b *Board) Notifications(now time.Time) []Notification {
	pages := b.Pages()
	if len(pages) == 0 {
		return nil
	}

	names := make([]string, 0, len(pages))
	for name := range pages {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Notification
	ready := 0
	for _, name := range names {
		s := pages[name]
		display := DisplayName(name)
		ago := timeAgo(s.LastActivity, now)
		if s.DataLoaded {
			ready++
		}

		if s.ErrorCount > 0 && s.LastError != "" {
			out = append(out, Notification{
				ID:      uuid.NewString(),
				Title:   display + " - Error",
				Message: s.LastError,
				Time:    ago,
				Type:    TypeAPIError,
			})
		}
		if s.SuccessCount > 0 && s.LastSuccess != "" {
			out = append(out, Notification{
				ID:      uuid.NewString(),
				Title:   display + " - Success",
				Message: s.LastSuccess,
				Time:    ago,
				Type:    TypeAPIStatus,
			})
		}
		if idle := now.Sub(s.LastActivity); idle > b.cfg.InactiveAfter && s.DataLoaded {
			out = append(out, Notification{
				ID:      uuid.NewString(),
				Title:   display + " - Inactive",
				Message: "No activity for " + idleFor(idle),
				Time:    ago,
				Type:    TypeSystemHealth,
			})
		}
	}

	out = append(out, Notification{
		ID:      uuid.NewString(),
		Title:   "System status",
		Message: fmt.Sprintf("%d/%d pages ready", ready, len(pages)),
		Time:    timeAgo(now, now),
		Read:    true,
		Type:    TypeSystemHealth,
	})
	return out
}

// runProbes checks every configured endpoint concurrently.
func (b *Board) runProbes(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, len(b.cfg.Probes))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range b.cfg.Probes {
		g.Go(func() error {
			results[i] = b.probe(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (b *Board) probe(ctx context.Context, p Probe) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
	defer cancel()

	url := p.URL
	if b.cfg.ProbeBaseURL != "" && strings.HasPrefix(url, "/") {
		url = strings.TrimRight(b.cfg.ProbeBaseURL, "/") + url
	}
	expected := p.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}

	result := ProbeResult{Name: p.Name, URL: p.URL}
	start := b.cfg.Clock.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.cfg.HTTPClient.Do(req)
	result.ResponseTime = b.cfg.Clock.Now().Sub(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	resp.Body.Close()

	result.Status = resp.StatusCode
	result.Healthy = resp.StatusCode == expected
	return result
}

func timeAgo(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute") + " ago"
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour") + " ago"
	default:
		return plural(int(d/(24*time.Hour)), "day") + " ago"
	}
}

// idleFor renders whole hours, falling back to minutes below one hour.
func idleFor(d time.Duration) string {
	if d < time.Hour {
		return plural(int(d/time.Minute), "minute")
	}
	return plural(int(d/time.Hour), "hour")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
