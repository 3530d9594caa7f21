package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agatticelli/retail-dashboard/internal/apiclient"
	"github.com/agatticelli/retail-dashboard/internal/platform/cache"
	"github.com/agatticelli/retail-dashboard/internal/platform/clock"
	"github.com/agatticelli/retail-dashboard/internal/platform/resilience"
)

var start = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

// fakeFetcher records calls. A request whose FromDate has a gate blocks
// until the gate is closed; gated calls ignore cancellation so tests can
// observe what happens to a late response.
type fakeFetcher struct {
	mu        sync.Mutex
	calls     []apiclient.Request
	cancelled int
	gates     map[string]chan struct{}
	respond   func(req apiclient.Request, call int) (json.RawMessage, error)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		gates: make(map[string]chan struct{}),
		respond: func(req apiclient.Request, _ int) (json.RawMessage, error) {
			return json.RawMessage(`{"range":"` + req.FromDate + `"}`), nil
		},
	}
}

func (f *fakeFetcher) gate(fromDate string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[fromDate] = ch
	return ch
}

func (f *fakeFetcher) Fetch(ctx context.Context, req apiclient.Request) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	gate := f.gates[req.FromDate]
	respond := f.respond
	f.mu.Unlock()

	if gate != nil {
		<-gate
		if ctx.Err() != nil {
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
		}
	}
	return respond(req, n)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) cancelledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func revenue(from, to string) apiclient.Request {
	return apiclient.Request{Endpoint: "orders/revenue", FromDate: from, ToDate: to}
}

type harness struct {
	clk     *clock.Mock
	cache   *cache.MemoryCache
	fetcher *fakeFetcher
	o       *Orchestrator
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	clk := clock.NewMock(start)
	mc := cache.NewMemoryCacheWithConfig(cache.MemoryCacheConfig{MaxSize: 100, Clock: clk})
	t.Cleanup(func() { mc.Close() })

	ff := newFakeFetcher()
	opts := DefaultOptions()
	opts.Cache = mc
	opts.Fetcher = ff
	opts.Clock = clk
	if tweak != nil {
		tweak(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	return &harness{clk: clk, cache: mc, fetcher: ff, o: o}
}

func waiters(o *Orchestrator, key string) int {
	o.flights.mu.Lock()
	defer o.flights.mu.Unlock()
	if f, ok := o.flights.flights[key]; ok {
		return f.waiters
	}
	return 0
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, msg)
}

func TestGet_DeduplicatesConcurrentCalls(t *testing.T) {
	h := newHarness(t, nil)
	req := revenue("2024-01-01", "2024-01-31")
	gate := h.fetcher.gate("2024-01-01")

	type out struct {
		data json.RawMessage
		err  error
	}
	results := make(chan out, 2)
	get := func() {
		data, err := h.o.Get(context.Background(), req)
		results <- out{data, err}
	}

	go get()
	eventually(t, func() bool { return h.fetcher.count() == 1 }, "first call on the wire")
	go get()
	eventually(t, func() bool { return waiters(h.o, Key(req)) == 2 }, "second caller attached")

	close(gate)
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.JSONEq(t, `{"range":"2024-01-01"}`, string(r.data))
	}
	require.Equal(t, 1, h.fetcher.count())
	require.Equal(t, 0, h.o.InFlight())

	_, err := h.o.Get(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, h.fetcher.count(), "third call served from cache")

	t.Log("✓ Two concurrent requests for one key make one network call")
}

func TestGet_SharedFailureReachesEveryCaller(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxRetries = 0 })
	backendDown := errors.New("backend down")
	h.fetcher.respond = func(apiclient.Request, int) (json.RawMessage, error) { return nil, backendDown }
	req := revenue("2024-01-01", "2024-01-31")
	gate := h.fetcher.gate("2024-01-01")

	const callers = 3
	errs := make(chan error, callers)
	get := func() {
		_, err := h.o.Get(context.Background(), req)
		errs <- err
	}

	go get()
	eventually(t, func() bool { return h.fetcher.count() == 1 }, "first call on the wire")
	for i := 1; i < callers; i++ {
		go get()
	}
	eventually(t, func() bool { return waiters(h.o, Key(req)) == callers }, "callers attached")

	close(gate)
	for i := 0; i < callers; i++ {
		require.ErrorIs(t, <-errs, backendDown)
	}
	require.Equal(t, 1, h.fetcher.count())
	require.Equal(t, 0, h.o.InFlight())

	_, err := h.cache.Get(context.Background(), Key(req))
	require.ErrorIs(t, err, cache.ErrNotFound)

	t.Log("✓ One failed network call fails every waiter with the same error")
}

func TestKey_SeparatesMethodFromExtras(t *testing.T) {
	explicitGet := apiclient.Request{Endpoint: "orders/revenue", Method: "GET"}
	extraNamedMethod := apiclient.Request{Endpoint: "orders/revenue", Extra: map[string]string{"method": "GET"}}
	require.NotEqual(t, Key(explicitGet), Key(extraNamedMethod))

	implicitPost := apiclient.Request{Endpoint: "orders/revenue"}
	require.Equal(t, Key(implicitPost), Key(apiclient.Request{Endpoint: "orders/revenue", Method: "POST"}))
	require.Equal(t, Key(implicitPost), Key(apiclient.Request{Endpoint: "orders/revenue", Method: "post"}))

	dated := revenue("2024-01-01", "2024-01-31")
	extraDated := apiclient.Request{Endpoint: "orders/revenue", Extra: map[string]string{"fromDate": "2024-01-01", "toDate": "2024-01-31"}}
	require.NotEqual(t, Key(dated), Key(extraDated))

	require.Equal(t, Key(apiclient.Request{Endpoint: "customers/summary?limit=5"}),
		Key(apiclient.Request{Endpoint: "customers/summary?limit=5", Method: "GET"}))
}

func TestGet_RetriesOnSchedule(t *testing.T) {
	h := newHarness(t, nil)
	boom := errors.New("connection reset")
	h.fetcher.respond = func(req apiclient.Request, call int) (json.RawMessage, error) {
		if call < 3 {
			return nil, boom
		}
		return json.RawMessage(`[1,2,3]`), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.o.Get(context.Background(), revenue("2024-01-01", "2024-01-31"))
		done <- err
	}()

	for _, delay := range []time.Duration{time.Second, 2 * time.Second} {
		eventually(t, func() bool { return h.clk.Pending() == 1 }, "retry timer armed")
		h.clk.Advance(delay)
	}

	require.NoError(t, <-done)
	require.Equal(t, 3, h.fetcher.count())
}

func TestGet_RateLimitIsOverloadedAndNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.respond = func(apiclient.Request, int) (json.RawMessage, error) {
		return nil, &apiclient.RequestError{Method: "POST", Endpoint: "orders/revenue", Status: 429}
	}

	_, err := h.o.Get(context.Background(), revenue("2024-01-01", "2024-01-31"))
	require.ErrorIs(t, err, ErrOverloaded)
	require.ErrorIs(t, err, apiclient.ErrRateLimited)
	require.Equal(t, 1, h.fetcher.count())
}

func TestSubscription_DebounceDeliversLastRange(t *testing.T) {
	h := newHarness(t, nil)

	sub := h.o.Subscribe(revenue("2024-01-01", "2024-01-31"), SubscribeOptions{})
	defer sub.Close()
	require.True(t, sub.State().Loading)

	h.clk.Advance(100 * time.Millisecond)
	sub.Update(revenue("2024-02-01", "2024-02-29"))
	h.clk.Advance(100 * time.Millisecond)
	sub.Update(revenue("2024-03-01", "2024-03-31"))

	h.clk.Advance(299 * time.Millisecond)
	require.Equal(t, 0, h.fetcher.count())
	h.clk.Advance(time.Millisecond)

	eventually(t, func() bool { return !sub.State().Loading }, "result delivered")
	state := sub.State()
	require.NoError(t, state.Error)
	require.False(t, state.IsStale)
	require.JSONEq(t, `{"range":"2024-03-01"}`, string(state.Data))
	require.Equal(t, 1, h.fetcher.count())

	t.Log("✓ Three range changes 100ms apart produce one call for the last range")
}

func TestSubscription_CacheHitIsStaleAndRevalidates(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Debounce = 0 })
	req := revenue("2024-01-01", "2024-01-31")
	require.NoError(t, h.cache.Set(context.Background(), Key(req), json.RawMessage(`{"cached":true}`), time.Minute))

	gate := h.fetcher.gate("2024-01-01")
	sub := h.o.Subscribe(req, SubscribeOptions{})
	defer sub.Close()

	state := sub.State()
	require.True(t, state.IsStale)
	require.False(t, state.Loading)
	require.JSONEq(t, `{"cached":true}`, string(state.Data))

	eventually(t, func() bool { return h.fetcher.count() == 1 }, "background refresh started")
	close(gate)
	eventually(t, func() bool { return !sub.State().IsStale }, "fresh data delivered")
	require.JSONEq(t, `{"range":"2024-01-01"}`, string(sub.State().Data))
}

func TestSubscription_RevalidationFailureKeepsStaleData(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Debounce = 0
		o.MaxRetries = 1
		o.RetryDelays = []time.Duration{time.Second}
	})
	req := revenue("2024-01-01", "2024-01-31")
	require.NoError(t, h.cache.Set(context.Background(), Key(req), json.RawMessage(`{"cached":true}`), time.Minute))

	boom := errors.New("GET request failed: 502 - bad gateway")
	h.fetcher.respond = func(apiclient.Request, int) (json.RawMessage, error) { return nil, boom }

	sub := h.o.Subscribe(req, SubscribeOptions{})
	defer sub.Close()

	eventually(t, func() bool { return sub.Phase() == resilience.PhaseRetryWaiting }, "first failure scheduled a retry")
	require.Equal(t, 1, sub.Retries())
	h.clk.Advance(time.Second)

	eventually(t, func() bool { return sub.State().Error != nil }, "final failure delivered")
	state := sub.State()
	require.ErrorIs(t, state.Error, boom)
	require.JSONEq(t, `{"cached":true}`, string(state.Data))
	require.True(t, state.IsStale)
	require.False(t, state.Loading)
	require.Equal(t, 2, h.fetcher.count())

	t.Log("✓ Failed revalidation keeps the last good value alongside the error")
}

func TestSubscription_SupersededResponseIsDiscarded(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Debounce = 0
		o.MinInterval = 0
	})
	reqA := revenue("2024-01-01", "2024-01-31")
	reqB := revenue("2024-02-01", "2024-02-29")
	gateA := h.fetcher.gate("2024-01-01")

	sub := h.o.Subscribe(reqA, SubscribeOptions{})
	defer sub.Close()
	eventually(t, func() bool { return h.fetcher.count() == 1 }, "A on the wire")

	sub.Update(reqB)
	eventually(t, func() bool { return sub.State().Data != nil }, "B delivered")
	require.JSONEq(t, `{"range":"2024-02-01"}`, string(sub.State().Data))

	close(gateA)
	eventually(t, func() bool { return h.fetcher.cancelledCount() == 1 }, "A observed cancellation")
	eventually(t, func() bool { return h.o.InFlight() == 0 }, "pending map drained")

	_, err := h.cache.Get(context.Background(), Key(reqA))
	require.ErrorIs(t, err, cache.ErrNotFound, "cancelled call must not write the cache")
	require.JSONEq(t, `{"range":"2024-02-01"}`, string(sub.State().Data))
	require.Equal(t, 0, sub.Retries())
}

func TestSubscription_SharesFlightAcrossSubscribers(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Debounce = 0 })
	req := revenue("2024-01-01", "2024-01-31")
	gate := h.fetcher.gate("2024-01-01")

	first := h.o.Subscribe(req, SubscribeOptions{})
	defer first.Close()
	eventually(t, func() bool { return h.fetcher.count() == 1 }, "first on the wire")

	second := h.o.Subscribe(req, SubscribeOptions{})
	defer second.Close()
	eventually(t, func() bool { return waiters(h.o, Key(req)) == 2 }, "second attached")

	close(gate)
	eventually(t, func() bool { return first.State().Data != nil && second.State().Data != nil }, "both delivered")
	require.Equal(t, 1, h.fetcher.count())
}

func TestSubscription_SharedFailureReachesEverySubscriber(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Debounce = 0
		o.MaxRetries = 0
	})
	backendDown := errors.New("backend down")
	h.fetcher.respond = func(apiclient.Request, int) (json.RawMessage, error) { return nil, backendDown }
	req := revenue("2024-01-01", "2024-01-31")
	gate := h.fetcher.gate("2024-01-01")

	first := h.o.Subscribe(req, SubscribeOptions{})
	defer first.Close()
	eventually(t, func() bool { return h.fetcher.count() == 1 }, "first on the wire")

	second := h.o.Subscribe(req, SubscribeOptions{})
	defer second.Close()
	eventually(t, func() bool { return waiters(h.o, Key(req)) == 2 }, "second attached")

	close(gate)
	eventually(t, func() bool { return first.State().Error != nil && second.State().Error != nil }, "both failed")
	for _, sub := range []*Subscription{first, second} {
		st := sub.State()
		require.ErrorIs(t, st.Error, backendDown)
		require.False(t, st.Loading)
		require.Nil(t, st.Data)
	}
	require.Equal(t, 1, h.fetcher.count())
}

func TestSubscription_CloseLeavesFlightForOthers(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Debounce = 0 })
	req := revenue("2024-01-01", "2024-01-31")
	gate := h.fetcher.gate("2024-01-01")

	leaving := h.o.Subscribe(req, SubscribeOptions{})
	eventually(t, func() bool { return h.fetcher.count() == 1 }, "on the wire")
	staying := h.o.Subscribe(req, SubscribeOptions{})
	defer staying.Close()
	eventually(t, func() bool { return waiters(h.o, Key(req)) == 2 }, "attached")

	leaving.Close()
	eventually(t, func() bool { return waiters(h.o, Key(req)) == 1 }, "one waiter left")

	close(gate)
	eventually(t, func() bool { return staying.State().Data != nil }, "remaining subscriber served")
	require.Equal(t, 0, h.fetcher.cancelledCount())
	require.Nil(t, leaving.State().Data)

	_, err := h.cache.Get(context.Background(), Key(req))
	require.NoError(t, err)
}

func TestSubscription_NotRetriedOnOverloadOrAuth(t *testing.T) {
	cases := map[string]error{
		"overloaded": &apiclient.RequestError{Method: "POST", Status: 429},
		"auth":       apiclient.ErrAuthRequired,
	}
	for name, failure := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) { o.Debounce = 0 })
			h.fetcher.respond = func(apiclient.Request, int) (json.RawMessage, error) { return nil, failure }

			sub := h.o.Subscribe(revenue("2024-01-01", "2024-01-31"), SubscribeOptions{})
			defer sub.Close()

			eventually(t, func() bool { return sub.State().Error != nil }, "error delivered")
			require.Equal(t, resilience.PhaseSettled, sub.Phase())
			require.Equal(t, 0, sub.Retries())
			require.Equal(t, 1, h.fetcher.count())
			if name == "overloaded" {
				require.ErrorIs(t, sub.State().Error, ErrOverloaded)
			}
		})
	}
}

func TestSubscription_RefetchBypassesCache(t *testing.T) {
	swr := false
	h := newHarness(t, func(o *Options) { o.Debounce = 0 })
	req := revenue("2024-01-01", "2024-01-31")
	require.NoError(t, h.cache.Set(context.Background(), Key(req), json.RawMessage(`{"cached":true}`), time.Minute))

	sub := h.o.Subscribe(req, SubscribeOptions{StaleWhileRevalidate: &swr})
	defer sub.Close()
	require.JSONEq(t, `{"cached":true}`, string(sub.State().Data))
	require.Equal(t, 0, h.fetcher.count())

	sub.Refetch()
	eventually(t, func() bool { return h.fetcher.count() == 1 }, "refetch hit the network")
	eventually(t, func() bool { return !sub.State().Loading }, "refetch settled")
	require.JSONEq(t, `{"range":"2024-01-01"}`, string(sub.State().Data))
}

func TestSubscription_OnChangeSeesFinalState(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Debounce = 0 })

	var mu sync.Mutex
	var last Result
	sub := h.o.Subscribe(revenue("2024-01-01", "2024-01-31"), SubscribeOptions{
		OnChange: func(r Result) {
			mu.Lock()
			last = r
			mu.Unlock()
		},
	})
	defer sub.Close()

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.Data != nil && !last.Loading
	}, "OnChange received the loaded state")
}

func TestSubscription_CloseLeavesNoTrace(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Debounce = 0 })
	other := revenue("2023-12-01", "2023-12-31")
	require.NoError(t, h.cache.Set(context.Background(), Key(other), json.RawMessage(`{"total":1000}`), time.Minute))

	req := revenue("2024-01-01", "2024-01-31")
	gate := h.fetcher.gate("2024-01-01")
	beforeStats, beforeKeys := h.cache.Stats(), h.cache.Keys()

	sub := h.o.Subscribe(req, SubscribeOptions{})
	eventually(t, func() bool { return h.fetcher.count() == 1 }, "on the wire")

	sub.Close()
	eventually(t, func() bool { return h.o.InFlight() == 0 }, "pending map drained")

	close(gate)
	eventually(t, func() bool { return h.fetcher.cancelledCount() == 1 }, "call observed cancellation")

	require.Equal(t, beforeStats, h.cache.Stats())
	require.ElementsMatch(t, beforeKeys, h.cache.Keys())
	require.Equal(t, 0, sub.Retries())
	require.Nil(t, sub.State().Data)
}
