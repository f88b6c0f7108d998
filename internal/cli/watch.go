package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/swamp-dev/autoflow/internal/inbox"
	"github.com/swamp-dev/autoflow/internal/lock"
)

var watchWorkers int

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Resume sessions from events dropped into the inbox",
	Long: `Watch processes session.status event files in the inbox directory and
hands each to the resumer. Files already waiting are handled first; handled
files move to processed/, undecodable ones to rejected/.

Only one watcher may run per store.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("inbox", "", "inbox directory (default .autoflow/inbox)")
	watchCmd.Flags().IntVar(&watchWorkers, "workers", 0, "concurrent event deliveries")
	_ = viper.BindPFlag("inbox.dir", watchCmd.Flags().Lookup("inbox"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	fl, err := lock.Acquire(filepath.Join(filepath.Dir(a.cfg.Store.Path), "watch.lock"))
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return fmt.Errorf("another watcher is running for this store: %w", err)
		}
		return err
	}
	defer fl.Release()

	workers := a.cfg.Inbox.Workers
	if watchWorkers > 0 {
		workers = watchWorkers
	}
	box := inbox.New(a.cfg.Inbox.Dir, workers, a.resumer, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return box.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Resumed sessions may have agent tasks in flight.
		n, err := a.pool.Cancel(context.WithoutCancel(gctx), "")
		if n > 0 {
			logger.Info("cancelled agent tasks", "count", n)
		}
		return err
	})

	logger.Info("watching inbox", "dir", box.Dir(), "store", a.store.Path())
	return g.Wait()
}
