package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dl-alexandre/ncsync/internal/progress"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Run a cycle and follow transfer progress",
	Long: `Run one cycle and print the progress of running transfers until they
settle. With --json each snapshot is written as one line of JSON.`,
	RunE: runProgress,
}

var progressInterval time.Duration

func init() {
	progressCmd.Flags().DurationVar(&progressInterval, "interval", time.Second, "Time between snapshots")
	rootCmd.AddCommand(progressCmd)
}

func runProgress(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newOutputWriter()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.runCycle(ctx, true); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		a.scheduler.Wait()
		close(done)
	}()
	return followProgress(ctx, a.registry, clockwork.NewRealClock(), progressInterval, done, func(entries []progress.Entry) error {
		if out.format == types.OutputFormatJSON {
			line, err := json.Marshal(entries)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out.out, string(line))
			return err
		}
		if len(entries) > 0 {
			return out.renderTable(progressView(entries))
		}
		return nil
	})
}

// followProgress emits a registry snapshot every interval until done is
// closed, then emits a final one.
func followProgress(ctx context.Context, registry *progress.Registry, clock clockwork.Clock, interval time.Duration, done <-chan struct{}, emit func([]progress.Entry) error) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return emit(registry.Snapshot())
		case <-ticker.Chan():
			if err := emit(registry.Snapshot()); err != nil {
				return err
			}
		}
	}
}

type progressView []progress.Entry

func (v progressView) Headers() []string { return []string{"Transfer", "Session", "Progress", "Bytes"} }

func (v progressView) Rows() [][]string {
	return lo.Map(v, func(e progress.Entry, _ int) []string {
		return []string{
			truncate(e.ID, 36),
			string(e.Session),
			fmt.Sprintf("%.0f%%", e.Progress*100),
			fmt.Sprintf("%s / %s", humanize.IBytes(uint64(e.BytesTransferred)), formatSize(e.BytesExpected)),
		}
	})
}

func (v progressView) EmptyMessage() string { return "No transfers running" }
