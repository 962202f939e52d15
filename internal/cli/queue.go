package cli

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dl-alexandre/ncsync/internal/sync/index"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the transfer queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued transfers",
	RunE:  runQueueList,
}

var queueAddCmd = &cobra.Command{
	Use:   "add <file>...",
	Short: "Queue files for upload",
	Long: `Copy files into the local store and queue them for upload. Queued files
are sent by the next cycle, ahead of auto-upload work.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQueueAdd,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue failed transfers",
	RunE:  runQueueRetry,
}

var (
	queueStatus    []string
	queueLimit     int
	queueRemoteDir string
)

func init() {
	queueListCmd.Flags().StringSliceVar(&queueStatus, "status", nil, "Only show these statuses (waitUpload, uploading, uploadError, waitDownload, downloading, downloadError)")
	queueListCmd.Flags().IntVar(&queueLimit, "limit", 0, "Maximum number of records")
	queueAddCmd.Flags().StringVar(&queueRemoteDir, "remote-dir", "", "Remote folder to upload into (default: remote root)")

	queueCmd.AddCommand(queueListCmd, queueAddCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}

var validStatuses = []types.TransferStatus{
	types.StatusWaitUpload,
	types.StatusUploading,
	types.StatusUploadError,
	types.StatusWaitDownload,
	types.StatusDownloading,
	types.StatusDownloadError,
}

func runQueueList(cmd *cobra.Command, args []string) error {
	out := newOutputWriter()
	a, err := openIndex()
	if err != nil {
		return err
	}
	defer a.close()

	statuses := make([]types.TransferStatus, 0, len(queueStatus))
	for _, s := range queueStatus {
		status := types.TransferStatus(s)
		if !lo.Contains(validStatuses, status) {
			return utils.NewCLIError(utils.ErrCodeInvalidArgument, fmt.Sprintf("unknown status: %s", s)).Err()
		}
		statuses = append(statuses, status)
	}

	records, err := a.db.ListTransfers(cmd.Context(), index.Query{
		Account:  a.cfg.Account,
		Statuses: statuses,
		Limit:    queueLimit,
	})
	if err != nil {
		return storeFailure(err)
	}
	return out.WriteSuccess("queue.list", transferList(records))
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newOutputWriter()
	a, err := openIndex()
	if err != nil {
		return err
	}
	defer a.close()
	if a.cfg.Account == "" {
		return utils.NewCLIError(utils.ErrCodeConfigurationMissing, "No account configured").Err()
	}

	remoteDir := queueRemoteDir
	if remoteDir == "" {
		remoteDir = a.cfg.RemoteRoot
	}
	remoteDir = path.Clean("/" + remoteDir)

	src := afero.NewOsFs()
	queued := make(transferList, 0, len(args))
	for i, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return utils.NewCLIError(utils.ErrCodeFileNotFound, err.Error()).WithContext("path", arg).Err()
		}
		if info.IsDir() {
			return utils.NewCLIError(utils.ErrCodeInvalidArgument, "directories cannot be queued").WithContext("path", arg).Err()
		}

		ocID := uuid.NewString()
		name := filepath.Base(abs)
		size, err := a.layout.Stage(src, abs, ocID, name)
		if err != nil {
			return err
		}
		mime, err := mimetype.DetectFile(abs)
		if err != nil {
			_ = a.layout.Remove(ocID)
			return err
		}

		now := time.Now().Add(time.Duration(i))
		rec := types.TransferRecord{
			OcID:            ocID,
			Account:         a.cfg.Account,
			FileName:        name,
			ServerURL:       remoteDir,
			Status:          types.StatusWaitUpload,
			Session:         types.SessionUpload,
			SessionSelector: types.SelectorUploadFile,
			Size:            size,
			ContentType:     mime.String(),
			IsVideo:         strings.HasPrefix(mime.String(), "video/"),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := a.db.PutTransfer(ctx, rec); err != nil {
			_ = a.layout.Remove(ocID)
			return storeFailure(err)
		}
		queued = append(queued, rec)
	}

	out.Log("Queued %d file(s) for %s", len(queued), remoteDir)
	return out.WriteSuccess("queue.add", queued)
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newOutputWriter()
	a, err := openIndex()
	if err != nil {
		return err
	}
	defer a.close()

	uploads, err := a.db.ResetErrors(ctx, a.cfg.Account, types.StatusUploadError, types.StatusWaitUpload)
	if err != nil {
		return storeFailure(err)
	}
	downloads, err := a.db.ResetErrors(ctx, a.cfg.Account, types.StatusDownloadError, types.StatusWaitDownload)
	if err != nil {
		return storeFailure(err)
	}

	out.Log("Requeued %d upload(s) and %d download(s)", uploads, downloads)
	return out.WriteSuccess("queue.retry", map[string]int64{"uploads": uploads, "downloads": downloads})
}

type transferList []types.TransferRecord

func (l transferList) Headers() []string {
	return []string{"ocId", "Name", "Remote", "Status", "Class", "Size", "Error"}
}

func (l transferList) Rows() [][]string {
	return lo.Map(l, func(r types.TransferRecord, _ int) []string {
		return []string{
			truncate(r.OcID, 12),
			truncate(r.FileName, 40),
			truncate(r.ServerURL, 30),
			string(r.Status),
			string(r.SessionSelector),
			formatSize(r.Size),
			truncate(r.SessionError, 40),
		}
	})
}

func (l transferList) EmptyMessage() string { return "Queue is empty" }
