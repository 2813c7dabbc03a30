package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/weatheragg/pkg/lamport"
	"github.com/obsidianstack/weatheragg/server/internal/config"
	"github.com/obsidianstack/weatheragg/server/internal/coordinator"
	"github.com/obsidianstack/weatheragg/server/internal/metrics"
	"github.com/obsidianstack/weatheragg/server/internal/receiver"
	"github.com/obsidianstack/weatheragg/server/internal/snapshot"
	"github.com/obsidianstack/weatheragg/server/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:           "weatheragg-server [port]",
		Short:         "Aggregate weather observations behind a Lamport-clocked line protocol",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					slog.Error("failed to load config", "err", err)
					return err
				}
				cfg = loaded
			}
			if len(args) == 1 {
				p, err := strconv.Atoi(args[0])
				if err != nil || p <= 0 || p > 65535 {
					err = fmt.Errorf("invalid port %q", args[0])
					slog.Error("failed to parse arguments", "err", err)
					return err
				}
				cfg.Server.Port = p
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if err := run(cmd.Context(), cfg, configPath); err != nil {
				slog.Error("weatheragg-server stopped", "err", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file (defaults apply when empty)")
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "TCP port to listen on; overrides the config file and positional port")
	return cmd
}

func run(parent context.Context, cfg *config.Config, configPath string) error {
	var level slog.LevelVar
	level.Set(cfg.Server.Level())
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level})))

	slog.Info("weatheragg-server starting",
		"port", cfg.Server.Port,
		"capacity", cfg.Store.Capacity,
		"ttl", cfg.Store.TTL,
		"snapshot", cfg.Snapshot.Path,
	)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	snap := snapshot.New(cfg.Snapshot.Path)
	recs, err := snap.LoadLatest()
	if err != nil {
		if cfg.Snapshot.StrictLoad || !errors.Is(err, snapshot.ErrCorrupt) {
			return fmt.Errorf("load snapshot: %w", err)
		}
		slog.Warn("snapshot unreadable, starting empty", "path", cfg.Snapshot.Path, "err", err)
	}

	st := store.New(cfg.Store.Capacity)
	st.Restore(recs)

	// New stamps must order after everything already on disk.
	clock := &lamport.Clock{}
	var high uint64
	for _, r := range recs {
		high = max(high, r.Lamport)
	}
	if high > 0 {
		clock.Merge(high)
	}
	slog.Info("snapshot restored", "records", st.Len(), "lamport_clock", clock.Value())

	reg := metrics.New()
	co := coordinator.New(clock, st, snap, coordinator.WithMetrics(reg))

	sweeper := store.NewSweeper(st, snap, co.Locker(), cfg.Store.SweepInterval, cfg.Store.TTL)
	sweeper.OnSweep = func(removed int, err error) {
		reg.AddExpired(removed)
		if err != nil {
			reg.IncCommitFailures()
		}
	}

	rcv := receiver.New(co,
		receiver.WithMaxWorkers(cfg.Server.MaxWorkers),
		receiver.WithIdleTimeout(cfg.Server.IdleTimeout),
		receiver.WithMaxBody(cfg.Server.MaxBodyBytes),
	)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Server.Port, err)
	}
	slog.Info("receiver listening", "addr", lis.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rcv.Serve(gctx, lis) })
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, cfg, func(r config.Reload) {
				level.Set(r.Config.Server.Level())
				sweeper.SetTTL(r.Config.Store.TTL)
				if len(r.RestartRequired) > 0 {
					slog.Warn("config change requires restart", "fields", r.RestartRequired)
				}
				slog.Info("config applied", "log_level", r.Config.Server.Level().String(), "ttl", r.Config.Store.TTL)
			})
		})
	}

	err = g.Wait()
	slog.Info("weatheragg-server shutting down")
	return err
}
