// Command ksyncd is the ksync server.
//
// Features:
//   - Content-addressed object store on local disk or S3
//   - Copy-on-write directory trees with a full version history
//   - Rollback by revision or by time
//   - Version announcements over Server-Sent Events
//   - Prometheus metrics on a separate listener
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jcbsnclr/ksync/internal/api"
	"github.com/jcbsnclr/ksync/internal/config"
	"github.com/jcbsnclr/ksync/internal/events"
	"github.com/jcbsnclr/ksync/internal/files"
	"github.com/jcbsnclr/ksync/internal/logging"
	"github.com/jcbsnclr/ksync/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default $XDG_CONFIG_HOME/ksync/config.toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ksyncd: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.File,
		Name:       "ksyncd",
	}); err != nil {
		panic(err)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Error("server stopped", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logging.Info("starting ksyncd",
		zap.String("addr", cfg.Server.Addr),
		zap.String("db", cfg.Server.DB),
		zap.String("backend", cfg.Server.Storage.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := files.Open(ctx, cfg.Server, files.Options{})
	if err != nil {
		return err
	}
	defer store.Close()

	broadcaster := events.NewBroadcaster()
	srv := api.NewServer(store, broadcaster, cfg.Server)

	// Cancelled before Shutdown so open event streams return.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}

	servers := []*http.Server{httpServer}
	if cfg.Server.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			logging.Info("listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", s.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")
		cancelConns()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", s.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
