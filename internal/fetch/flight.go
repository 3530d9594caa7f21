package fetch

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/singleflight"
)

// flight is one shared network call and the callers waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// flightGroup is the process-wide pending-request map. The network call
// runs on a context detached from any single caller and is cancelled only
// once every waiter has left.
type flightGroup struct {
	sf      singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

func newFlightGroup() *flightGroup {
	return &flightGroup{flights: make(map[string]*flight)}
}

// do joins the flight for key, starting one if none exists. joined reports
// whether an existing flight was found. If ctx ends first, do returns
// ctx.Err() and leaves the flight running for the remaining waiters.
func (g *flightGroup) do(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error)) (data json.RawMessage, joined bool, err error) {
	g.mu.Lock()
	f, joined := g.flights[key]
	if !joined {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		g.flights[key] = f
	}
	f.waiters++
	g.mu.Unlock()

	ch := g.sf.DoChan(key, func() (interface{}, error) {
		return fn(f.ctx)
	})

	select {
	case res := <-ch:
		g.leave(key, f, false)
		if res.Err != nil {
			return nil, joined, res.Err
		}
		return res.Val.(json.RawMessage), joined, nil
	case <-ctx.Done():
		g.leave(key, f, true)
		return nil, joined, ctx.Err()
	}
}

// leave drops one waiter. The last waiter removes the flight; if it left
// early the call is cancelled and forgotten so later callers start fresh.
func (g *flightGroup) leave(key string, f *flight, early bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	if g.flights[key] == f {
		delete(g.flights, key)
	}
	f.cancel()
	if early {
		g.sf.Forget(key)
	}
}

// has reports whether a call for key is in flight.
func (g *flightGroup) has(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.flights[key]
	return ok
}

func (g *flightGroup) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
