package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// Request names one report query: an endpoint plus its date range and any
// extra parameters.
type Request struct {
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	FromDate string            `json:"fromDate,omitempty" yaml:"from_date,omitempty"`
	ToDate   string            `json:"toDate,omitempty" yaml:"to_date,omitempty"`
	Extra    map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
	// Method is GET or POST. Empty means POST unless the endpoint already
	// carries a query string.
	Method string `json:"method,omitempty" yaml:"method,omitempty"`
}

// ResolvedMethod returns the method r is sent with: GET or POST.
func (r Request) ResolvedMethod() string {
	if r.usesGet() {
		return http.MethodGet
	}
	return http.MethodPost
}

func (r Request) usesGet() bool {
	if r.Method != "" {
		return strings.EqualFold(r.Method, http.MethodGet)
	}
	return strings.Contains(r.Endpoint, "?")
}

// Body returns the POST body: the extras plus the date range.
func (r Request) Body() map[string]string {
	body := make(map[string]string, len(r.Extra)+2)
	for k, v := range r.Extra {
		body[k] = v
	}
	if r.FromDate != "" {
		body["fromDate"] = r.FromDate
	}
	if r.ToDate != "" {
		body["toDate"] = r.ToDate
	}
	return body
}

// QueryEndpoint returns the endpoint with the extras and the date range
// appended as query parameters, for GET requests.
func (r Request) QueryEndpoint() string {
	query := url.Values{}
	for k, v := range r.Body() {
		query.Set(k, v)
	}
	encoded := query.Encode()
	if encoded == "" {
		return r.Endpoint
	}
	sep := "?"
	if strings.Contains(r.Endpoint, "?") {
		sep = "&"
	}
	return r.Endpoint + sep + encoded
}

// Fetch executes r with the stored token: a POST with a JSON body of the
// date range and extras, or a GET with them as query parameters.
func (c *Client) Fetch(ctx context.Context, r Request) (json.RawMessage, error) {
	if r.usesGet() {
		return c.Get(ctx, r.QueryEndpoint(), "")
	}
	return c.Post(ctx, r.Endpoint, r.Body(), "")
}
