package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
)

const schemaVersion = "1"

// Envelope is the JSON shape of every command result.
type Envelope struct {
	SchemaVersion string           `json:"schemaVersion"`
	TraceID       string           `json:"traceId"`
	Command       string           `json:"command"`
	Data          interface{}      `json:"data"`
	Errors        []utils.CLIError `json:"errors"`
}

// TableRenderer is implemented by results that have a table form.
type TableRenderer interface {
	Headers() []string
	Rows() [][]string
	EmptyMessage() string
}

// OutputWriter renders command results as JSON or tables.
type OutputWriter struct {
	format types.OutputFormat
	quiet  bool
	out    io.Writer
	errOut io.Writer
}

func newOutputWriter() *OutputWriter {
	return &OutputWriter{
		format: globalFlags.OutputFormat,
		quiet:  globalFlags.Quiet,
		out:    os.Stdout,
		errOut: os.Stderr,
	}
}

func (w *OutputWriter) WriteSuccess(command string, data interface{}) error {
	if w.format == types.OutputFormatJSON {
		return w.writeJSON(w.out, Envelope{
			SchemaVersion: schemaVersion,
			TraceID:       uuid.NewString(),
			Command:       command,
			Data:          data,
			Errors:        []utils.CLIError{},
		})
	}
	if renderer, ok := data.(TableRenderer); ok {
		return w.renderTable(renderer)
	}
	return w.writeJSON(w.out, data)
}

func (w *OutputWriter) WriteError(command string, cliErr utils.CLIError) error {
	if w.format == types.OutputFormatJSON {
		return w.writeJSON(w.out, Envelope{
			SchemaVersion: schemaVersion,
			TraceID:       uuid.NewString(),
			Command:       command,
			Errors:        []utils.CLIError{cliErr},
		})
	}
	fmt.Fprintf(w.errOut, "Error [%s]: %s\n", cliErr.Code, cliErr.Message)
	if action, ok := cliErr.Context["suggestedAction"]; ok {
		fmt.Fprintf(w.errOut, "  Try: %v\n", action)
	}
	return nil
}

func (w *OutputWriter) writeJSON(out io.Writer, v interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (w *OutputWriter) renderTable(renderer TableRenderer) error {
	rows := renderer.Rows()
	if len(rows) == 0 {
		if !w.quiet {
			fmt.Fprintln(w.out, renderer.EmptyMessage())
		}
		return nil
	}

	table := tablewriter.NewWriter(w.out)
	table.SetHeader(renderer.Headers())
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk(rows)
	table.Render()
	return nil
}

// Log writes to stderr unless quiet.
func (w *OutputWriter) Log(format string, args ...interface{}) {
	if !w.quiet {
		fmt.Fprintf(w.errOut, format+"\n", args...)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatSize(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func asAppError(err error) (*utils.AppError, bool) {
	var appErr *utils.AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}
