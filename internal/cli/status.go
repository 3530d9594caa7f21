package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agatticelli/retail-dashboard/internal/status"
)

type reportOptions struct {
	mount   bool
	loaded  bool
	errMsg  string
	success string
	timeout time.Duration
}

func newStatusCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report page status to the board or read its notification feed",
	}
	cmd.AddCommand(newStatusReportCmd(g), newStatusPollCmd(g))
	return cmd
}

func (rt *runtime) pusher() (*status.HTTPPusher, error) {
	return status.NewHTTPPusher(status.HTTPPusherConfig{
		BaseURL: rt.cfg.Status.BoardURL,
		Logger:  rt.logger,
		Metrics: rt.metrics,
		Timeout: rt.cfg.Status.PushTimeout,
	})
}

func newStatusReportCmd(g *globalOptions) *cobra.Command {
	var opts reportOptions

	cmd := &cobra.Command{
		Use:   "report PAGE",
		Short: "Push a status update for PAGE",
		Example: `  dashboard status report orders --mount
  dashboard status report orders --loaded --success "Orders page is ready"
  dashboard status report customers --error "Failed to load heatmap data"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			pusher, err := rt.pusher()
			if err != nil {
				return err
			}
			reporter, err := status.NewReporter(status.ReporterConfig{
				Pusher:      pusher,
				Logger:      rt.logger,
				Metrics:     rt.metrics,
				MinInterval: rt.cfg.Status.MinInterval,
				RetryDelay:  rt.cfg.Status.RetryDelay,
			})
			if err != nil {
				return err
			}
			defer reporter.Close()

			page := args[0]
			if opts.mount {
				reporter.Mount(page)
			}
			if u, ok := opts.update(); ok {
				reporter.Report(page, u)
			}

			flushCtx, cancel := context.WithTimeout(ctx, opts.timeout)
			defer cancel()
			if err := reporter.Flush(flushCtx); err != nil {
				return fmt.Errorf("status push did not finish: %w", err)
			}

			st, _ := reporter.Status(page)
			return render(g.out, g.output, st)
		},
	}

	cmd.Flags().BoolVar(&opts.mount, "mount", false, "Reset the page and mark it as loading")
	cmd.Flags().BoolVar(&opts.loaded, "loaded", false, "Mark the page data as loaded")
	cmd.Flags().StringVar(&opts.errMsg, "error", "", "Record an error with this message")
	cmd.Flags().StringVar(&opts.success, "success", "", "Record a success with this message")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "How long to wait for the push")

	return cmd
}

// update turns the flags into one status update.
func (o reportOptions) update() (status.Update, bool) {
	var u status.Update
	changed := false
	if o.loaded {
		loaded := true
		u.DataLoaded = &loaded
		changed = true
	}
	if o.errMsg != "" {
		msg := o.errMsg
		u.Errors = 1
		u.LastError = &msg
		changed = true
	}
	if o.success != "" {
		msg := o.success
		u.Successes = 1
		u.LastSuccess = &msg
		changed = true
	}
	return u, changed
}

func newStatusPollCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Print the board's notification feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			pusher, err := rt.pusher()
			if err != nil {
				return err
			}
			feed, err := pusher.Poll(ctx)
			if err != nil {
				return err
			}
			return render(g.out, g.output, feed)
		},
	}
}
