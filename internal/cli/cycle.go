package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one upload and download cycle",
	Long: `Scan auto-upload folders, admit queued uploads up to the configured
ceilings, start waiting downloads and wait for the started transfers.`,
	RunE: runCycleCmd,
}

var cycleNoScan bool

func init() {
	cycleCmd.Flags().BoolVar(&cycleNoScan, "no-scan", false, "Skip the auto-upload folder scan")
	rootCmd.AddCommand(cycleCmd)
}

func runCycleCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newOutputWriter()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.runCycle(ctx, !cycleNoScan)
	if err != nil {
		return err
	}
	if n := len(result.Cycle.Admitted) + len(result.Downloads); n > 0 {
		out.Log("Waiting for %d transfer(s)...", n)
		a.scheduler.Wait()
	}
	return out.WriteSuccess("cycle", result)
}

func (r cycleResult) Headers() []string { return []string{"Stage", "Result"} }

func (r cycleResult) Rows() [][]string {
	var rows [][]string
	if r.Scan != nil {
		rows = append(rows, []string{"scan", fmt.Sprintf("%d scanned, %d queued (%s)", r.Scan.Scanned, len(r.Scan.Queued), r.Scan.Selector)})
	}
	rows = append(rows,
		[]string{"uploads", fmt.Sprintf("%d admitted, stopped: %s", len(r.Cycle.Admitted), r.Cycle.Reason)},
		[]string{"downloads", fmt.Sprintf("%d started", len(r.Downloads))},
	)
	if len(r.Cycle.Orphaned) > 0 {
		rows = append(rows, []string{"orphaned", strings.Join(r.Cycle.Orphaned, ", ")})
	}
	if r.Cycle.Deferred > 0 {
		rows = append(rows, []string{"deferred", fmt.Sprintf("%d video(s) wait for a foreground cycle", r.Cycle.Deferred)})
	}
	if r.Cycle.Reset > 0 {
		rows = append(rows, []string{"requeued", fmt.Sprint(r.Cycle.Reset)})
	}
	return rows
}

func (r cycleResult) EmptyMessage() string { return "" }
