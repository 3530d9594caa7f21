package fetch

import (
	"context"
	"fmt"

	"github.com/agatticelli/retail-dashboard/internal/apiclient"
	"github.com/agatticelli/retail-dashboard/internal/platform/cache"
)

// prefetch warms the cache for one request.
type prefetch struct {
	o   *Orchestrator
	req apiclient.Request
}

// Prefetch returns a warmup provider that loads req through the
// orchestrator, so warming shares the cache, the pending map and the
// retry schedule with regular reads.
func (o *Orchestrator) Prefetch(req apiclient.Request) cache.WarmupProvider {
	return &prefetch{o: o, req: req}
}

func (p *prefetch) Name() string {
	if p.req.FromDate == "" && p.req.ToDate == "" {
		return p.req.Endpoint
	}
	return fmt.Sprintf("%s [%s..%s]", p.req.Endpoint, p.req.FromDate, p.req.ToDate)
}

func (p *prefetch) Warmup(ctx context.Context) error {
	_, err := p.o.Get(ctx, p.req)
	return err
}
