// Package cli wires the dashboard data layer into the dashboard command.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Execute runs the dashboard command.
func Execute(version string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd(version, os.Stdout).ExecuteContext(ctx)
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	output     string
	version    string
	out        io.Writer
}

func newRootCmd(version string, out io.Writer) *cobra.Command {
	opts := &globalOptions{version: version, out: out}

	cmd := &cobra.Command{
		Use:           "dashboard",
		Short:         "Retail dashboard data layer: session, report fetching, cache and page status",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default: ./config/config.yaml or ./config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override observability.logging.level")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "Output format: json or yaml")

	cmd.AddCommand(
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newWhoamiCmd(opts),
		newFetchCmd(opts),
		newCacheCmd(opts),
		newWarmCmd(opts),
		newStatusCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}
