// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command foldermcpd is the local indexing daemon: it wires the eight
// spec components (C1-C8) together and runs them under one
// suture.Supervisor until told to stop.
//
// Flag parsing follows Yakitrak-obsidian-cli/cmd/root.go's
// spf13/cobra root-command shape; the long-running serve command itself
// is grounded on that same pack's cmd/mcp.go (MCP server construction,
// deferred cache/store cleanup, background refresh goroutine) — but
// ServeStdio's single blocking call is replaced here with a
// suture.Supervisor hosting the control bus and metrics server as
// independent restartable services alongside scheduler/embedder
// lifecycles this daemon additionally owns.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/okets/folder-mcp/internal/config"
	"github.com/okets/folder-mcp/internal/controlbus"
	"github.com/okets/folder-mcp/internal/embedder"
	"github.com/okets/folder-mcp/internal/fmdm"
	"github.com/okets/folder-mcp/internal/metrics"
	"github.com/okets/folder-mcp/internal/osutil"
	"github.com/okets/folder-mcp/internal/registry"
	"github.com/okets/folder-mcp/internal/scheduler"
)

// Version is overwritten at build time via -ldflags, matching the
// teacher's build-stamp convention in cmd/syncthing/main.go.
var Version = "unknown-dev"

var (
	configPath string
	noRestart  bool
)

func main() {
	root := &cobra.Command{
		Use:     "foldermcpd",
		Short:   "foldermcpd - local folder indexing daemon",
		Version: Version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to the platform config directory)")

	root.AddCommand(serveCmd())
	root.AddCommand(configInitCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			if os.Getenv("FOLDERMCPD_MONITORED") == "" && !noRestart {
				locs, err := defaultLocations()
				if err != nil {
					fmt.Fprintln(os.Stderr, "resolve locations:", err)
					os.Exit(1)
				}
				os.Exit(runMonitored(os.Args, locs[locPanicDir]))
			}
			run()
		},
	}
	cmd.Flags().BoolVar(&noRestart, "no-restart", false, "run without the self-restarting monitor process")
	return cmd
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-init",
		Short: "Write a config.yaml populated with defaults",
		Run: func(cmd *cobra.Command, args []string) {
			path, err := resolvedConfigPath()
			if err != nil {
				fmt.Fprintln(os.Stderr, "resolve config path:", err)
				os.Exit(1)
			}
			if err := config.Save(path, config.New()); err != nil {
				fmt.Fprintln(os.Stderr, "write config:", err)
				os.Exit(1)
			}
			fmt.Println(path)
		},
	}
}

// resolvedConfigPath expands a leading "~" in an explicit --config value
// and falls back to the platform config directory otherwise.
func resolvedConfigPath() (string, error) {
	if configPath != "" {
		return osutil.ExpandTilde(configPath)
	}
	locs, err := defaultLocations()
	if err != nil {
		return "", err
	}
	return locs[locConfigFile], nil
}

// run constructs every component and serves them until a termination
// signal arrives. It returns only after a graceful shutdown; a fatal
// startup failure exits the process with status 1.
func run() {
	locs, err := defaultLocations()
	if err != nil {
		slog.Error("resolve locations", "err", err)
		os.Exit(1)
	}
	path, err := resolvedConfigPath()
	if err != nil {
		slog.Error("resolve config path", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	reg, err := registry.Open(locs[locGlobalDB], "."+cfg.StateDirName)
	if err != nil {
		slog.Error("open registry", "err", err)
		os.Exit(1)
	}
	defer reg.Close()

	clock := config.RealClock{}

	sched := scheduler.New(cfg.Scheduler.MaxConcurrentTasks, cfg.Worker.AgentActive(), clock)
	defer sched.Close()

	spawner := embedder.ExecSpawner(cfg.Embedder.Command, cfg.Embedder.ArgsList()...)
	pool, err := embedder.NewPool(
		cfg.Embedder.WorkerCount, spawner, clock,
		cfg.Worker.KeepAlive(), cfg.Worker.AgentActive(), cfg.Worker.RestartDelay(),
		cfg.Worker.HealthProbeInterval(), cfg.Worker.HealthProbeTimeout(),
		cfg.Worker.MaxRestartAttempts, cfg.Worker.AutoRestart,
	)
	if err != nil {
		slog.Error("build embedder pool", "err", err)
		os.Exit(1)
	}

	met, promReg := metrics.New()
	snaps := fmdm.New()
	snaps.Update(func(prior fmdm.Snapshot) fmdm.Snapshot {
		prior.Daemon = fmdm.DaemonView{PID: os.Getpid(), StartedAt: time.Now().Unix()}
		return prior
	})

	dmn := newDaemon(reg, sched, pool, met, snaps, clock, cfg.FileChange.Debounce())
	if err := dmn.resumeFolders(); err != nil {
		slog.Warn("resume folders", "err", err)
	}

	bus := controlbus.New("folder-mcp", Version, dmn, dmn, snaps)
	metricsSrv := metrics.NewServer(cfg.Metrics.ListenAddress, promReg)

	sup := suture.NewSimple("foldermcpd")
	sup.Add(bus)
	sup.Add(metricsSrv)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("foldermcpd starting", "version", Version, "metrics", cfg.Metrics.ListenAddress)
	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		slog.Error("supervisor exited", "err", err)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGracePeriod())
	defer shutdownCancel()
	pool.Shutdown(shutdownCtx, cfg.Worker.ShutdownGracePeriod())
	slog.Info("foldermcpd stopped")
}
