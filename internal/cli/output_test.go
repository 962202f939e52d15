package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
)

func newTestWriter(format types.OutputFormat) (*OutputWriter, *bytes.Buffer, *bytes.Buffer) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	return &OutputWriter{format: format, out: out, errOut: errOut}, out, errOut
}

func TestWriteSuccess_JSONEnvelope(t *testing.T) {
	w, out, _ := newTestWriter(types.OutputFormatJSON)
	if err := w.WriteSuccess("queue.retry", map[string]int{"uploads": 2}); err != nil {
		t.Fatalf("WriteSuccess: %v", err)
	}

	var env struct {
		SchemaVersion string         `json:"schemaVersion"`
		Command       string         `json:"command"`
		TraceID       string         `json:"traceId"`
		Data          map[string]int `json:"data"`
		Errors        []interface{}  `json:"errors"`
	}
	if err := json.Unmarshal(out.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if env.SchemaVersion != schemaVersion || env.Command != "queue.retry" || env.TraceID == "" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if env.Data["uploads"] != 2 {
		t.Errorf("data = %v", env.Data)
	}
	if env.Errors == nil || len(env.Errors) != 0 {
		t.Errorf("errors should be an empty array, got %v", env.Errors)
	}
}

func TestWriteSuccess_Table(t *testing.T) {
	w, out, _ := newTestWriter(types.OutputFormatTable)
	records := transferList{{
		OcID:            "abc",
		FileName:        "photo.jpg",
		ServerURL:       "/Photos",
		Status:          types.StatusWaitUpload,
		SessionSelector: types.SelectorUploadAutoUpload,
		Size:            2048,
	}}
	if err := w.WriteSuccess("queue.list", records); err != nil {
		t.Fatalf("WriteSuccess: %v", err)
	}
	got := out.String()
	for _, want := range []string{"photo.jpg", "waitUpload", "uploadAutoUpload", "2.0 KiB"} {
		if !strings.Contains(got, want) {
			t.Errorf("table missing %q:\n%s", want, got)
		}
	}
}

func TestWriteSuccess_EmptyTable(t *testing.T) {
	w, out, _ := newTestWriter(types.OutputFormatTable)
	if err := w.WriteSuccess("queue.list", transferList{}); err != nil {
		t.Fatalf("WriteSuccess: %v", err)
	}
	if strings.TrimSpace(out.String()) != "Queue is empty" {
		t.Errorf("got %q", out.String())
	}

	w.quiet = true
	out.Reset()
	_ = w.WriteSuccess("queue.list", transferList{})
	if out.Len() != 0 {
		t.Errorf("quiet writer printed %q", out.String())
	}
}

func TestWriteError_Text(t *testing.T) {
	w, out, errOut := newTestWriter(types.OutputFormatTable)
	cliErr := utils.NewCLIError(utils.ErrCodeConfigurationMissing, "No account configured").
		WithContext("suggestedAction", "run 'ncsync auth login <account>'").
		Build()
	if err := w.WriteError("cycle", cliErr); err != nil {
		t.Fatalf("WriteError: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("stdout should be empty, got %q", out.String())
	}
	if !strings.Contains(errOut.String(), utils.ErrCodeConfigurationMissing) || !strings.Contains(errOut.String(), "Try: run") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestValidateGlobalFlags(t *testing.T) {
	saved := globalFlags
	t.Cleanup(func() { globalFlags = saved })

	tests := []struct {
		name    string
		flags   GlobalFlags
		want    types.OutputFormat
		wantErr bool
	}{
		{name: "table", flags: GlobalFlags{OutputFormat: types.OutputFormatTable}, want: types.OutputFormatTable},
		{name: "json alias", flags: GlobalFlags{OutputFormat: types.OutputFormatTable, JSON: true}, want: types.OutputFormatJSON},
		{name: "unknown", flags: GlobalFlags{OutputFormat: "yaml"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			globalFlags = tt.flags
			err := validateGlobalFlags()
			if tt.wantErr {
				if utils.Code(err) != utils.ErrCodeInvalidArgument {
					t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if globalFlags.OutputFormat != tt.want {
				t.Errorf("format = %s, want %s", globalFlags.OutputFormat, tt.want)
			}
		})
	}
}

func TestAsAppError(t *testing.T) {
	err := utils.NewCLIError(utils.ErrCodeStoreFailure, "boom").Err()
	if appErr, ok := asAppError(err); !ok || appErr.CLIError.Code != utils.ErrCodeStoreFailure {
		t.Errorf("asAppError(%v) = %v, %v", err, appErr, ok)
	}
	if _, ok := asAppError(errors.New("plain")); ok {
		t.Error("plain error should not match")
	}
}

func TestFormatSize(t *testing.T) {
	if got := formatSize(0); got != "-" {
		t.Errorf("formatSize(0) = %q", got)
	}
	if got := formatSize(1536); got != "1.5 KiB" {
		t.Errorf("formatSize(1536) = %q", got)
	}
}
