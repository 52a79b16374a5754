// Command alpenhornd is the per-host archive update daemon: it loads
// its configuration, connects to the shared database, and drives the
// update loop, worker pool, and auto-import watchers until told to
// stop. Grounded on cuemby-warren/cmd/warren/main.go's cobra root
// command plus signal-driven shutdown.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/autoimport"
	"github.com/radiocosmology/alpenhornd/config"
	"github.com/radiocosmology/alpenhornd/extension"
	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/metricsexp"
	"github.com/radiocosmology/alpenhornd/queue"
	"github.com/radiocosmology/alpenhornd/reservation"
	"github.com/radiocosmology/alpenhornd/updateloop"
	"github.com/radiocosmology/alpenhornd/updownlock"
	"github.com/radiocosmology/alpenhornd/workerpool"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "alpenhornd: %v\n", err)
		os.Exit(1)
	}
}

var (
	configPaths []string
	role        string
	migrate     bool
)

var rootCmd = &cobra.Command{
	Use:     "alpenhornd",
	Short:   "alpenhornd is the per-host archive update daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.Flags().StringArrayVar(&configPaths, "config", nil, "configuration file (repeatable; later files override earlier ones)")
	rootCmd.Flags().StringVar(&role, "role", "", "host name this process acts as (overrides base.hostname)")
	rootCmd.Flags().BoolVar(&migrate, "migrate", false, "create any missing archivedb tables, then exit")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPaths...)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if role != "" {
		cfg.Base.Hostname = role
	}
	config.GCO.Put(cfg)

	_ = flag.Set("v", fmt.Sprintf("%d", cfg.Service.LogLevel))
	defer logging.Flush()

	ext, err := extension.Load(cfg.Extensions)
	if err != nil {
		return fmt.Errorf("loading extensions: %w", err)
	}

	store, err := archivedb.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to archive database: %w", err)
	}

	if migrate {
		return runMigrate(store)
	}

	host := cfg.Base.Hostname
	if host == "" {
		host, err = os.Hostname()
		if err != nil {
			return fmt.Errorf("determining host identity: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	q := queue.New()
	defer q.Close()

	loop := updateloop.New(updateloop.Deps{
		Host:        host,
		Store:       store,
		Queue:       q,
		Reservation: reservation.New(),
		TreeLock:    updownlock.New(),
		PullTimeout: cfg.PullTimeout,
	})

	var pool *workerpool.Pool
	if cfg.Service.NumWorkers > 0 {
		pool = workerpool.New(q, cfg.Service.NumWorkers, 0)
		pool.Start(ctx)
	}

	imp := &autoimport.Importer{Store: store, Extensions: ext}
	watcher, err := autoimport.NewWatcher(imp)
	if err != nil {
		return fmt.Errorf("starting filesystem watcher: %w", err)
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logging.Errorf("alpenhornd: filesystem watcher exited: %v", err)
		}
	}()
	poller := autoimport.NewPoller(imp, cfg.Service.AutoImportInterval)
	go poller.Run(ctx, loop.Nodes)

	if cfg.Service.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsexp.Handler())
		srv := &http.Server{Addr: cfg.Service.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Errorf("alpenhornd: metrics server exited: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logging.Infof("alpenhornd: starting update loop for host %q (interval %s)", host, cfg.Service.UpdateInterval)
	ticker := time.NewTicker(cfg.Service.UpdateInterval)
	defer ticker.Stop()

	for {
		if err := loop.Tick(ctx); err != nil {
			logging.Errorf("alpenhornd: tick failed: %v", err)
		}
		watcher.Sync(loop.Nodes())
		if pool == nil {
			workerpool.SerialIO(ctx, q)
		}

		select {
		case <-ctx.Done():
			logging.Infof("alpenhornd: shutting down")
			if pool != nil {
				pool.Abort()
				pool.Wait()
			}
			return nil
		case <-ticker.C:
		}
	}
}

func runMigrate(store archivedb.Store) error {
	migrator, ok := store.(archivedb.Migrator)
	if !ok {
		return fmt.Errorf("archivedb: store does not support -migrate")
	}
	for _, stmt := range archivedb.AllSchema {
		if err := migrator.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	logging.Infof("alpenhornd: schema applied")
	return nil
}
