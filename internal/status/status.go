// Package status aggregates per-page dashboard health. The client side
// (Reporter) batches page updates and pushes them to the status endpoint;
// the server side (Board, Handler) folds them into a notification feed.
package status

import (
	"errors"
	"time"
)

// ErrPageNameRequired is returned when a payload carries no page name.
var ErrPageNameRequired = errors.New("Page name is required")

// PageStatus is the health summary of one dashboard page.
type PageStatus struct {
	Page         string    `json:"page"`
	LastActivity time.Time `json:"lastActivity"`
	DataLoaded   bool      `json:"dataLoaded"`
	ErrorCount   int       `json:"errorCount"`
	SuccessCount int       `json:"successCount"`
	LastError    string    `json:"lastError,omitempty"`
	LastSuccess  string    `json:"lastSuccess,omitempty"`
}

// Update is a partial change to a PageStatus. Nil fields are left alone;
// Errors and Successes are increments.
type Update struct {
	DataLoaded  *bool
	Errors      int
	Successes   int
	LastError   *string
	LastSuccess *string
}

// Payload is the wire form of an update. Counters are deltas; Reset zeroes
// the page before the rest of the payload is applied.
type Payload struct {
	PageName     string  `json:"pageName"`
	Reset        bool    `json:"reset,omitempty"`
	DataLoaded   *bool   `json:"dataLoaded,omitempty"`
	ErrorCount   int     `json:"errorCount,omitempty"`
	SuccessCount int     `json:"successCount,omitempty"`
	LastError    *string `json:"lastError,omitempty"`
	LastSuccess  *string `json:"lastSuccess,omitempty"`
}

// empty reports whether applying p would change nothing.
func (p Payload) empty() bool {
	return !p.Reset && p.DataLoaded == nil && p.ErrorCount == 0 && p.SuccessCount == 0 &&
		p.LastError == nil && p.LastSuccess == nil
}

// merge folds a newer update into p.
func (p *Payload) merge(u Update) {
	if u.DataLoaded != nil {
		p.DataLoaded = u.DataLoaded
	}
	if u.LastError != nil {
		p.LastError = u.LastError
	}
	if u.LastSuccess != nil {
		p.LastSuccess = u.LastSuccess
	}
	p.ErrorCount += u.Errors
	p.SuccessCount += u.Successes
}

// restore puts an unsent older payload back underneath p.
func (p *Payload) restore(older Payload) {
	p.Reset = p.Reset || older.Reset
	if p.DataLoaded == nil {
		p.DataLoaded = older.DataLoaded
	}
	if p.LastError == nil {
		p.LastError = older.LastError
	}
	if p.LastSuccess == nil {
		p.LastSuccess = older.LastSuccess
	}
	p.ErrorCount += older.ErrorCount
	p.SuccessCount += older.SuccessCount
}

// apply folds u into s.
func (s *PageStatus) apply(u Update) {
	if u.DataLoaded != nil {
		s.DataLoaded = *u.DataLoaded
	}
	if u.LastError != nil {
		s.LastError = *u.LastError
	}
	if u.LastSuccess != nil {
		s.LastSuccess = *u.LastSuccess
	}
	s.ErrorCount += u.Errors
	s.SuccessCount += u.Successes
}

// Notification is one entry of the feed.
type Notification struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Time    string `json:"time"`
	Read    bool   `json:"read"`
	Type    string `json:"type"`
}

// Notification types.
const (
	TypeAPIError       = "api_error"
	TypeAPIStatus      = "api_status"
	TypeSystemHealth   = "system_health"
	TypeAPIPerformance = "api_performance"
)

// Feed is the GET /api/notifications response.
type Feed struct {
	Notifications []Notification        `json:"notifications"`
	Count         int                   `json:"count"`
	APIStatus     []ProbeResult         `json:"apiStatus"`
	PageStatuses  map[string]PageStatus `json:"pageStatuses"`
	LastUpdated   time.Time             `json:"lastUpdated"`
}

// DisplayName returns the human name of a page.
func DisplayName(page string) string {
	switch page {
	case "customers":
		return "Customers"
	case "orders":
		return "Orders"
	case "services":
		return "Services"
	case "dashboard":
		return "Overview"
	}
	return page
}

func ptr[T any](v T) *T { return &v }
