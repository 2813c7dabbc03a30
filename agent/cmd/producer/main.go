package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/weatheragg/agent/internal/shipper"
	"github.com/obsidianstack/weatheragg/agent/internal/source"
	"github.com/obsidianstack/weatheragg/pkg/filewatch"
	"github.com/obsidianstack/weatheragg/pkg/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		sourceID string
		retries  int
		watch    bool
		interval time.Duration
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:           "weatheragg-producer <server> <file>",
		Short:         "Upload a station's key:value observation file to the aggregator",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			target, err := protocol.ParseTarget(args[0])
			if err != nil {
				return err
			}
			path := args[1]
			load := func() ([]byte, error) {
				obs, err := source.Load(path)
				if err != nil {
					return nil, err
				}
				if obs.ID() == "" {
					slog.Warn("observation has no id, the aggregator will reject it", "path", path)
				}
				return obs.Body(), nil
			}

			s := shipper.New(target, shipper.WithSourceID(sourceID), shipper.WithRetries(retries))
			slog.Debug("producer starting", "server", target.Addr, "file", path, "source_id", s.SourceID())

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if watch || interval > 0 {
				return runLoop(ctx, s, path, load, watch, interval)
			}

			body, err := load()
			if err != nil {
				return err
			}
			resp, err := s.Send(ctx, body)
			if err != nil {
				if errors.Is(err, shipper.ErrRejected) {
					fmt.Fprintf(cmd.ErrOrStderr(), "observation rejected by %s: %v\n", target.Addr, err)
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "failed to upload data after %d attempts\n", s.Retries())
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Response: %d %s\n", resp.Status, protocol.StatusText(resp.Status))
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceID, "source-id", "", "identifier sent as Source-Id (default: random UUID)")
	cmd.Flags().IntVar(&retries, "retries", shipper.DefaultRetries, "attempts before giving up")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-upload whenever the file changes")
	cmd.Flags().DurationVar(&interval, "interval", 0, "re-upload periodically (e.g. 15s) to stay inside the server TTL")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// runLoop keeps shipping until ctx is cancelled or the file watcher fails.
func runLoop(ctx context.Context, s *shipper.Shipper, path string, load func() ([]byte, error), watch bool, interval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	var changes chan struct{}
	if watch {
		changes = make(chan struct{}, 1)
		g.Go(func() error {
			return filewatch.Watch(gctx, path, 0, func() {
				select {
				case changes <- struct{}{}:
				default:
				}
			})
		})
	}
	g.Go(func() error {
		s.Run(gctx, load, interval, changes)
		return nil
	})

	err := g.Wait()
	slog.Info("producer stopped", "lamport_clock", s.Clock())
	return err
}
