package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agatticelli/retail-dashboard/internal/apiclient"
	"github.com/agatticelli/retail-dashboard/internal/platform/cache"
)

// warmReport is what warm prints.
type warmReport struct {
	Provider string `json:"provider" yaml:"provider"`
	Duration string `json:"duration" yaml:"duration"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newWarmCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "Prefetch the configured warmup queries into the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			wc := rt.cfg.Warmup
			if len(wc.Queries) == 0 {
				fmt.Fprintln(g.out, "No warmup queries configured")
				return nil
			}
			o, err := rt.orchestrator()
			if err != nil {
				return err
			}

			warmer := cache.NewWarmer(rt.logger, cache.WarmupConfig{
				Timeout:         wc.Timeout,
				ContinueOnError: true,
				Parallel:        wc.Parallel,
				Workers:         wc.Workers,
			})
			for _, q := range wc.Queries {
				extra, err := q.Extra()
				if err != nil {
					return err
				}
				warmer.RegisterProvider(o.Prefetch(apiclient.Request{
					Endpoint: q.Endpoint,
					FromDate: q.FromDate,
					ToDate:   q.ToDate,
					Extra:    extra,
					Method:   strings.ToUpper(q.Method),
				}))
			}

			results := warmer.Warmup(ctx)
			report := make([]warmReport, 0, len(results.Results))
			for _, r := range results.Results {
				wr := warmReport{Provider: r.Provider, Duration: r.Duration.String()}
				if r.Err != nil {
					wr.Error = r.Err.Error()
				}
				report = append(report, wr)
			}
			if err := render(g.out, g.output, report); err != nil {
				return err
			}
			if results.HasErrors() {
				return fmt.Errorf("%d of %d warmup queries failed", results.Errors, len(results.Results))
			}
			return nil
		},
	}
}
