package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agatticelli/retail-dashboard/internal/platform/cache"
)

func newCacheCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the response cache",
	}
	cmd.AddCommand(newCacheStatsCmd(g), newCacheClearCmd(g))
	return cmd
}

func newCacheStatsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			c, err := rt.responseCache()
			if err != nil {
				return err
			}
			sp, ok := c.(cache.StatsProvider)
			if !ok {
				return errors.New("the configured cache backend does not report statistics")
			}
			return render(g.out, g.output, sp.Stats())
		},
	}
}

func newCacheClearCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [PATTERN]",
		Short: "Drop cached responses whose key contains PATTERN (all when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			c, err := rt.responseCache()
			if err != nil {
				return err
			}
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			if err := c.Clear(ctx, pattern); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}
			fmt.Fprintln(g.out, "Cache cleared")
			return nil
		},
	}
}
