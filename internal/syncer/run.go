package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jcbsnclr/ksync/internal/logging"
	"github.com/jcbsnclr/ksync/pkg/protocol"
)

// RunOptions selects what triggers a round besides the initial one.
type RunOptions struct {
	// Interval between full resyncs; zero disables the timer.
	Interval time.Duration
	// Watch enables filesystem notifications for the sync directory.
	Watch bool
	// Debounce coalesces bursts of local changes. Default 500ms.
	Debounce time.Duration
	// Events, when set, delivers the server's version announcements.
	Events <-chan protocol.SSEEvent
	// OnRound is called after every round.
	OnRound func(*Report, error)
}

// Run syncs until ctx is done. Failed rounds are logged and retried on
// the next trigger; Run only returns early when the watcher cannot start.
func (e *Engine) Run(ctx context.Context, opts RunOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}

	trigger := make(chan struct{}, 1)
	poke := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	var (
		debounceMu sync.Mutex
		debounce   *time.Timer
	)
	changed := func() {
		debounceMu.Lock()
		defer debounceMu.Unlock()
		if debounce == nil {
			debounce = time.AfterFunc(opts.Debounce, poke)
			return
		}
		debounce.Reset(opts.Debounce)
	}
	defer func() {
		debounceMu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		debounceMu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)

	if opts.Watch {
		w, err := newWatcher(e.dir)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.run(ctx, changed) })
	}

	if opts.Events != nil {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-opts.Events:
					if !ok {
						return nil
					}
					if int64(ev.Seq) > e.Synced() {
						logging.Debug("remote version announced", zap.Uint64("seq", ev.Seq), zap.String("op", ev.Op))
						poke()
					}
				}
			}
		})
	}

	g.Go(func() error {
		var tick <-chan time.Time
		if opts.Interval > 0 {
			ticker := time.NewTicker(opts.Interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		logging.Info("sync started",
			zap.String("dir", e.dir),
			zap.Duration("interval", opts.Interval),
			zap.Bool("watch", opts.Watch),
			zap.Bool("events", opts.Events != nil))

		for {
			report, err := e.Round(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				logging.Error("sync round failed", zap.Error(err))
			}
			if opts.OnRound != nil {
				opts.OnRound(report, err)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			case <-trigger:
			}
		}
	})

	return g.Wait()
}
