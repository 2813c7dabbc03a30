package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/obsidianstack/weatheragg/agent/internal/query"
	"github.com/obsidianstack/weatheragg/pkg/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		retries int
		verbose bool
	)

	cmd := &cobra.Command{
		Use:           "weatheragg-reader <server> [station-id]",
		Short:         "Print the aggregator's current observations",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			target, err := protocol.ParseTarget(args[0])
			if err != nil {
				return err
			}
			var station string
			if len(args) == 2 {
				station = args[1]
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			c := query.New(target, retries)
			recs, err := c.Fetch(ctx, station)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed to fetch data after %d attempts\n", c.Retries())
				return err
			}
			slog.Debug("fetched records", "count", len(recs), "lamport_clock", c.Clock())
			return query.Print(cmd.OutOrStdout(), recs)
		},
	}

	cmd.Flags().IntVar(&retries, "retries", query.DefaultRetries, "attempts before giving up")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}
