package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jcbsnclr/ksync/internal/client"
	"github.com/jcbsnclr/ksync/internal/logging"
	"github.com/jcbsnclr/ksync/internal/metrics"
	"github.com/jcbsnclr/ksync/internal/syncer"
)

func newSyncCmd(a *app) *cobra.Command {
	var (
		dir         string
		once        bool
		interval    time.Duration
		noWatch     bool
		noEvents    bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:     "sync [DIR]",
		GroupID: "sync",
		Short:   "Keep a local directory in sync with the server",
		Long: `Keep DIR and the server's current version in sync.

Changes on either side are propagated. When a file changed on both sides
since the last round, the newer modification time wins. Rounds run at
start, every --interval, on local changes and on new server versions.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := a.cfg.Sync
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				dir = sc.Dir
			}
			if dir == "" {
				return errors.New("no sync directory: pass DIR or set sync.dir")
			}
			remote := a.remote
			if remote == "" {
				remote = sc.Remote
			}
			if !cmd.Flags().Changed("interval") {
				interval = sc.ResyncInterval()
			}
			if !cmd.Flags().Changed("concurrency") {
				concurrency = sc.Concurrency
			}

			c := client.New(client.Config{BaseURL: remote, Timeout: a.cfg.Client.ClientTimeout()})
			engine, err := syncer.New(c, dir, syncer.Options{Concurrency: concurrency})
			if err != nil {
				return err
			}

			if once {
				report, err := engine.Round(cmd.Context())
				if report != nil {
					a.printReport(report)
				}
				return err
			}

			ctx := cmd.Context()
			if sc.MetricsAddr != "" {
				stop := serveMetrics(sc.MetricsAddr)
				defer stop()
			}

			opts := syncer.RunOptions{
				Interval: interval,
				Watch:    sc.Watch && !noWatch,
				OnRound: func(r *syncer.Report, err error) {
					if r != nil && (r.Changed() || len(r.Conflicts) > 0 || len(r.Failed) > 0) {
						a.printReport(r)
					}
				},
			}
			if sc.Events && !noEvents {
				opts.Events = client.NewSSEClient(remote).Subscribe(ctx)
			}

			fmt.Fprintf(a.out, "%s %s <-> %s\n", okText("syncing"), engine.Dir(), remote)
			return engine.Run(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "local directory (default sync.dir)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single round and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "full resync interval (default sync.resync_time)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch the directory for changes")
	cmd.Flags().BoolVar(&noEvents, "no-events", false, "do not follow server version events")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "paths transferred at once (default sync.concurrency)")
	return cmd
}

func (a *app) printReport(r *syncer.Report) {
	for _, p := range r.Uploaded {
		fmt.Fprintf(a.out, "  %s %s\n", okText("up  "), p)
	}
	for _, p := range r.Downloaded {
		fmt.Fprintf(a.out, "  %s %s\n", okText("down"), p)
	}
	for _, p := range r.DeletedLocal {
		fmt.Fprintf(a.out, "  %s %s\n", warnText("rm  "), p)
	}
	for _, p := range r.DeletedRemote {
		fmt.Fprintf(a.out, "  %s %s\n", warnText("rm ^"), p)
	}
	for _, c := range r.Conflicts {
		fmt.Fprintf(a.out, "  %s %s %s\n", warnText("conflict"), c.Path, dimText("("+c.Winner+" wins)"))
	}
	for _, f := range r.Failed {
		fmt.Fprintf(a.out, "  %s %v\n", errText("failed"), f)
	}
	fmt.Fprintf(a.out, "%s version %d in %s\n", dimText("synced"), r.Version, r.Duration.Round(time.Millisecond))
}

// serveMetrics exposes the sync client's metrics until the returned
// function is called.
func serveMetrics(addr string) func() {
	srv := &http.Server{Addr: addr, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
