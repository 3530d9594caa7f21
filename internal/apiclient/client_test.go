package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu      sync.Mutex
	token   string
	expired []string
}

func (f *fakeTokens) ValidAccessToken() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.token != ""
}

func (f *fakeTokens) Expire(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	f.expired = append(f.expired, reason)
}

func (f *fakeTokens) expirations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.expired)
}

type sleepLog struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, srv *httptest.Server, tokens *fakeTokens, sl *sleepLog) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:    srv.URL + "/api/proxy",
		HTTPClient: srv.Client(),
		Tokens:     tokens,
		Sleep:      sl.sleep,

		MaxRateLimitRetries: DefaultMaxRateLimitRetries,
	})
	require.NoError(t, err)
	return c
}

func TestClient_RateLimitExhaustion(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	sl := &sleepLog{}
	c := newTestClient(t, srv, &fakeTokens{token: "tok"}, sl)

	_, err := c.Get(context.Background(), "orders/revenue", "")
	require.ErrorIs(t, err, ErrRateLimited)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, http.StatusTooManyRequests, reqErr.Status)
	require.Equal(t, "GET request failed: 429 - slow down", err.Error())

	require.Equal(t, int32(4), hits.Load())
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, sl.slept)

	t.Log("✓ 429 retried 3 times with 500ms, 1s, 2s backoff, then surfaced")
}

func TestClient_ZeroRateLimitRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sl := &sleepLog{}
	c, err := New(Config{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Tokens:     &fakeTokens{token: "tok"},
		Sleep:      sl.sleep,
	})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "orders/revenue", "")
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, int32(1), hits.Load())
	require.Empty(t, sl.slept)

	t.Log("✓ Zero retries surfaces the first 429")
}

func TestClient_RetryAfterHeader(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"total":1250}`))
	}))
	defer srv.Close()

	sl := &sleepLog{}
	c := newTestClient(t, srv, &fakeTokens{token: "tok"}, sl)

	data, err := c.Get(context.Background(), "orders/revenue", "")
	require.NoError(t, err)
	require.JSONEq(t, `{"total":1250}`, string(data))
	require.Equal(t, []time.Duration{3 * time.Second}, sl.slept)
}

func TestClient_UnauthorizedExpiresSession(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "tok"}
	c := newTestClient(t, srv, tokens, &sleepLog{})

	_, err := c.Post(context.Background(), "orders/revenue", map[string]string{"fromDate": "2024-01-01"}, "")
	require.ErrorIs(t, err, ErrAuthFailed)
	require.True(t, IsAuthError(err))
	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, 1, tokens.expirations())
}

func TestClient_NoTokenFailsWithoutNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	tokens := &fakeTokens{}
	c := newTestClient(t, srv, tokens, &sleepLog{})

	_, err := c.Get(context.Background(), "customers/summary", "")
	require.ErrorIs(t, err, ErrAuthRequired)
	require.Equal(t, int32(0), hits.Load())
	require.Equal(t, 1, tokens.expirations())
}

func TestClient_ErrorDetails(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"json message", `{"message":"range too wide"}`, "POST request failed: 500 - range too wide"},
		{"json error", `{"error":"bad range","message":"ignored"}`, "POST request failed: 500 - bad range"},
		{"plain text", `upstream timeout`, "POST request failed: 500 - upstream timeout"},
		{"empty", ``, "POST request failed: 500"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			c := newTestClient(t, srv, &fakeTokens{token: "tok"}, &sleepLog{})
			_, err := c.Post(context.Background(), "orders/revenue", nil, "")
			require.EqualError(t, err, tc.want)
			require.Equal(t, int32(1), hits.Load(), "5xx is not retried by the client")

			var reqErr *RequestError
			require.ErrorAs(t, err, &reqErr)
			require.True(t, reqErr.Retryable())
		})
	}
}

func TestClient_HeadersAndExplicitToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer explicit", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "/api/proxy/user/42", r.URL.Path)
		require.Equal(t, http.MethodPatch, r.Method)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeTokens{}, &sleepLog{})
	_, err := c.Patch(context.Background(), "/user/42", map[string]bool{"active": false}, "explicit")
	require.NoError(t, err)
}

func TestClient_FetchPostAndGet(t *testing.T) {
	var gotBody map[string]string
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		case http.MethodGet:
			gotQuery = r.URL.RawQuery
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeTokens{token: "tok"}, &sleepLog{})

	_, err := c.Fetch(context.Background(), Request{
		Endpoint: "orders/revenue",
		FromDate: "2024-01-01",
		ToDate:   "2024-01-31",
		Extra:    map[string]string{"storeId": "3"},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"fromDate": "2024-01-01", "toDate": "2024-01-31", "storeId": "3"}, gotBody)

	_, err = c.Fetch(context.Background(), Request{
		Endpoint: "customers/summary?limit=10",
		FromDate: "2024-01-01",
		ToDate:   "2024-01-31",
	})
	require.NoError(t, err)
	require.Equal(t, "limit=10&fromDate=2024-01-01&toDate=2024-01-31", gotQuery)
}

func TestRequest_ResolvedMethodAndQuery(t *testing.T) {
	require.Equal(t, http.MethodPost, Request{Endpoint: "orders/revenue"}.ResolvedMethod())
	require.Equal(t, http.MethodGet, Request{Endpoint: "orders/revenue?limit=5"}.ResolvedMethod())
	require.Equal(t, http.MethodGet, Request{Endpoint: "orders/revenue", Method: "get"}.ResolvedMethod())
	require.Equal(t, http.MethodPost, Request{Endpoint: "orders/revenue?limit=5", Method: "POST"}.ResolvedMethod())

	r := Request{Endpoint: "orders/revenue", FromDate: "2024-01-01", ToDate: "2024-01-31", Extra: map[string]string{"storeId": "3"}}
	require.Equal(t, "orders/revenue?fromDate=2024-01-01&storeId=3&toDate=2024-01-31", r.QueryEndpoint())
	require.Equal(t, "orders/revenue", Request{Endpoint: "orders/revenue"}.QueryEndpoint())
}

func TestClient_CancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(Config{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Tokens:     &fakeTokens{token: "tok"},

		MaxRateLimitRetries: -1,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	_, err = c.Get(ctx, "orders/revenue", "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestClient_GetDirectFallsBackOnNetworkError(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"via":"proxy"}`))
	}))
	defer proxy.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	c, err := New(Config{
		BaseURL:    proxy.URL,
		DirectURL:  deadURL,
		HTTPClient: proxy.Client(),
		Tokens:     &fakeTokens{token: "tok"},
	})
	require.NoError(t, err)

	data, err := c.GetDirect(context.Background(), "customers/heatmap", "")
	require.NoError(t, err)
	require.JSONEq(t, `{"via":"proxy"}`, string(data))

	t.Log("✓ Direct path network failure falls back to proxy")
}

func TestClient_GetDirectKeepsHTTPErrors(t *testing.T) {
	var proxyHits atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxyHits.Add(1)
	}))
	defer proxy.Close()

	direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad date"}`))
	}))
	defer direct.Close()

	c, err := New(Config{
		BaseURL:    proxy.URL,
		DirectURL:  direct.URL,
		HTTPClient: direct.Client(),
		Tokens:     &fakeTokens{token: "tok"},
	})
	require.NoError(t, err)

	_, err = c.GetDirect(context.Background(), "customers/heatmap", "")
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	require.Equal(t, http.StatusBadRequest, reqErr.Status)
	require.Equal(t, int32(0), proxyHits.Load())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 2*time.Second, parseRetryAfter("2", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("-1", now))
	require.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
}
