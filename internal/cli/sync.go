package cli

import (
	"fmt"

	"github.com/dl-alexandre/ncsync/internal/logging"
	syncengine "github.com/dl-alexandre/ncsync/internal/sync"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [remote-path]",
	Short: "Mirror a remote folder into the local index",
	Long: `List a remote folder recursively, record its directories in the local
index and queue downloads for files whose local copy is missing or stale.
Without an argument the configured remote root is synchronized.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var syncDownload bool

func init() {
	syncCmd.Flags().BoolVar(&syncDownload, "download", false, "Start queued downloads and wait for them")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newOutputWriter()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	root := a.cfg.RemoteRoot
	if len(args) == 1 {
		root = args[0]
	}

	downloading, err := a.downloading(ctx)
	if err != nil {
		return storeFailure(err)
	}
	result, err := a.engine.Synchronize(ctx, a.cfg.Account, root, downloading)
	if err != nil {
		return err
	}
	out.Log("Synchronized %s: %d entries, %d queued", root, result.Entries, len(result.Queued))

	if syncDownload && len(result.Queued) > 0 {
		started, err := a.scheduler.DrainDownloads(ctx)
		if err != nil {
			return err
		}
		out.Log("Downloading %d file(s)...", len(started))
		a.scheduler.Wait()
		logger.Debug("Downloads settled", logging.F("started", len(started)))
	}

	return out.WriteSuccess("sync", syncView(result))
}

type syncView syncengine.Result

func (v syncView) Headers() []string { return []string{"Entries", "Directories", "Queued", "Skipped"} }

func (v syncView) Rows() [][]string {
	return [][]string{{
		fmt.Sprint(v.Entries),
		fmt.Sprint(v.Directories),
		fmt.Sprint(len(v.Queued)),
		fmt.Sprint(v.Skipped),
	}}
}

func (v syncView) EmptyMessage() string { return "" }
