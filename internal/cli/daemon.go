package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dl-alexandre/ncsync/internal/debounce"
	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/trigger"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep syncing in the background",
	Long: `Run cycles on a timer, when auto-upload folders change and, with
--location-feed, when the device moves a significant distance. Stops on
interrupt after running transfers report.

The daemon counts as a background job, so with the default
backgroundMediaPolicy "defer-video" videos wait in the queue. Run
'ncsync cycle' or start the daemon with --foreground to upload them.`,
	RunE: runDaemon,
}

var (
	daemonNoWatch      bool
	daemonSync         bool
	daemonLocationFeed string
	daemonForeground   bool
)

func init() {
	daemonCmd.Flags().BoolVar(&daemonNoWatch, "no-watch", false, "Do not watch auto-upload folders for changes")
	daemonCmd.Flags().BoolVar(&daemonSync, "sync", false, "Synchronize the remote root on every cycle")
	daemonCmd.Flags().StringVar(&daemonLocationFeed, "location-feed", "", `File of "lat,lon" lines to trigger cycles from ("-" for stdin)`)
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "Run cycles as foreground work so deferred videos upload too")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, !daemonForeground)
	if err != nil {
		return err
	}
	defer a.close()

	cycle := func(ctx context.Context) {
		if daemonSync {
			downloading, err := a.downloading(ctx)
			if err == nil {
				_, err = a.engine.Synchronize(ctx, a.cfg.Account, a.cfg.RemoteRoot, downloading)
			}
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("Synchronization failed", logging.F("error", err))
			}
		}
		result, err := a.runCycle(ctx, true)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Error("Cycle failed", logging.F("error", err))
			}
			return
		}
		if !result.Skipped {
			a.logger.Debug("Cycle finished",
				logging.F("reason", string(result.Cycle.Reason)),
				logging.F("admitted", len(result.Cycle.Admitted)),
				logging.F("downloads", len(result.Downloads)),
				logging.F("deferred", result.Cycle.Deferred),
			)
		}
	}

	periodic := trigger.NewPeriodic(a.cfg.GetCycleInterval(), cycle, trigger.WithLogger(a.logger))
	a.scheduler.SetRearmer(periodic)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return periodic.Run(ctx) })

	if !daemonNoWatch && len(a.cfg.AutoUploadDirs) > 0 {
		watcher := trigger.NewWatcher(
			a.cfg.AutoUploadDirs,
			debounce.New(a.cfg.GetDebounceDelay(), a.cfg.DebounceMaxEvents),
			func() { cycle(ctx) },
			a.logger,
		)
		g.Go(func() error {
			if err := watcher.Run(ctx); err != nil {
				a.logger.Warn("Folder watcher stopped", logging.F("error", err))
			}
			return nil
		})
	}

	if daemonLocationFeed != "" {
		feed, err := openFeed(daemonLocationFeed)
		if err != nil {
			return utils.NewCLIError(utils.ErrCodeFileNotFound, err.Error()).WithContext("path", daemonLocationFeed).Err()
		}
		defer feed.Close()

		monitor := trigger.NewLocationMonitor(
			trigger.NewFeedSource(feed, a.cfg.LocationThresholdMeter, clockwork.NewRealClock(), a.logger),
			trigger.NewTerminalPrompter(os.Stderr),
			trigger.NewConfigAuthStore(a.cfg, a.cfgPath),
			cycle,
			a.logger,
		)
		g.Go(func() error {
			err := monitor.Run(ctx)
			if utils.Code(err) == utils.ErrCodeAuthorizationDenied {
				a.logger.Warn("Location trigger disabled", logging.F("error", err))
				return nil
			}
			return err
		})
	}

	a.logger.Info("Daemon started",
		logging.F("account", a.cfg.Account),
		logging.F("interval", a.cfg.GetCycleInterval().String()),
		logging.F("watched", len(a.cfg.AutoUploadDirs)),
		logging.F("foreground", daemonForeground),
	)
	cycle(ctx)

	err = g.Wait()
	a.logger.Info("Daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openFeed(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(name)
}
