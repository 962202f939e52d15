// Package sync mirrors remote directory trees into the local metadata index
// and queues downloads for files whose local copy is missing or stale.
package sync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/storage"
	"github.com/dl-alexandre/ncsync/internal/sync/exclude"
	"github.com/dl-alexandre/ncsync/internal/sync/index"
	"github.com/dl-alexandre/ncsync/internal/transport"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultListingTimeout bounds one recursive listing.
const DefaultListingTimeout = 5 * time.Minute

// Store is the part of the metadata index a synchronization pass writes.
type Store interface {
	UpsertDirectory(ctx context.Context, dir types.DirectoryRecord) error
	LocalFile(ctx context.Context, ocID string) (*types.LocalFile, error)
	EnqueueTransfer(ctx context.Context, rec types.TransferRecord) (bool, error)
}

type Options struct {
	ShowHidden     bool
	ListingTimeout time.Duration
	// Exclude skips remote paths, relative to the synchronized root.
	Exclude *exclude.Matcher
}

// Result summarizes one pass.
type Result struct {
	Entries     int      `json:"entries"`
	Directories int      `json:"directories"`
	Queued      []string `json:"queued"`
	Skipped     int      `json:"skipped"`
}

type Engine struct {
	client  transport.Client
	store   Store
	storage *storage.Layout
	opts    Options
	logger  logging.Logger
	now     func() time.Time

	group singleflight.Group
}

func NewEngine(client transport.Client, store Store, layout *storage.Layout, opts Options, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if opts.ListingTimeout <= 0 {
		opts.ListingTimeout = DefaultListingTimeout
	}
	return &Engine{
		client:  client,
		store:   store,
		storage: layout,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Synchronize lists rootPath recursively and reconciles it into the index.
// Files whose ocId is in downloading are never queued. A listing failure
// commits nothing. Concurrent calls for the same account and root share one
// pass and its result.
func (e *Engine) Synchronize(ctx context.Context, account, rootPath string, downloading map[string]struct{}) (Result, error) {
	rootPath = path.Clean("/" + rootPath)
	key := account + "\x00" + rootPath

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		return e.synchronize(ctx, account, rootPath, downloading)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (e *Engine) synchronize(ctx context.Context, account, rootPath string, downloading map[string]struct{}) (Result, error) {
	if logging.TraceIDFromContext(ctx) == "" {
		ctx = logging.ContextWithTraceID(ctx, uuid.NewString())
	}
	logger := e.logger.WithContext(ctx)
	start := time.Now()

	logger.Info("Synchronization started", logging.F("account", account), logging.F("path", rootPath))
	defer logger.Debug("Synchronization stopped", logging.F("path", rootPath))

	listCtx, cancel := context.WithTimeout(ctx, e.opts.ListingTimeout)
	entries, err := e.client.ListDirectory(listCtx, account, rootPath, transport.DepthInfinity,
		transport.ListOptions{ShowHidden: e.opts.ShowHidden})
	cancel()
	if err != nil {
		logger.Error("Synchronization failed",
			logging.F("path", rootPath),
			logging.F("error", err),
		)
		return Result{}, utils.NewCLIError(utils.ErrCodeListingFailure, fmt.Sprintf("Failed to list %s: %s", rootPath, err)).
			WithContext("path", rootPath).
			WithRetryable(utils.IsRetryable(err)).
			WithCause(err).
			Err()
	}

	result := Result{Entries: len(entries), Queued: []string{}}
	for _, entry := range entries {
		if e.opts.Exclude.IsExcluded(relativeTo(rootPath, entry), entry.IsDir) {
			result.Skipped++
			continue
		}

		if entry.IsDir {
			if err := e.store.UpsertDirectory(ctx, types.DirectoryRecord{
				OcID:         entry.OcID,
				Account:      account,
				ServerURL:    entry.ServerURL,
				FileName:     entry.FileName,
				Etag:         entry.Etag,
				E2EEncrypted: entry.E2EEncrypted,
			}); err != nil {
				return result, storeError(err)
			}
			result.Directories++
			continue
		}

		different, err := e.IsDifferent(ctx, entry.OcID, entry.FileName, entry.Etag, downloading)
		if err != nil {
			return result, storeError(err)
		}
		if !different {
			continue
		}

		now := e.now()
		queued, err := e.store.EnqueueTransfer(ctx, types.TransferRecord{
			OcID:            entry.OcID,
			Account:         account,
			FileName:        entry.FileName,
			ServerURL:       entry.ServerURL,
			Status:          types.StatusWaitDownload,
			Session:         types.SessionDownload,
			SessionSelector: types.SelectorDownloadFile,
			Size:            entry.Size,
			Etag:            entry.Etag,
			ContentType:     entry.ContentType,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return result, storeError(err)
		}
		if !queued {
			logger.Debug("Download already in progress or failed", logging.F("oc_id", entry.OcID))
			continue
		}
		result.Queued = append(result.Queued, entry.OcID)
	}

	logger.Info("Synchronization completed",
		logging.F("path", rootPath),
		logging.F("entries", result.Entries),
		logging.F("queued", len(result.Queued)),
		logging.F("duration_ms", time.Since(start).Milliseconds()),
	)
	return result, nil
}

// IsDifferent reports whether the remote file ocID at etag needs
// downloading. Ids in downloading are never different. A file with no local
// marker, a different etag, or an empty local copy is.
func (e *Engine) IsDifferent(ctx context.Context, ocID, fileName, etag string, downloading map[string]struct{}) (bool, error) {
	if _, ok := downloading[ocID]; ok {
		return false, nil
	}

	local, err := e.store.LocalFile(ctx, ocID)
	if errors.Is(err, index.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if local.Etag != etag {
		return true, nil
	}
	size, err := e.storage.Size(ocID, fileName)
	if err != nil {
		return false, err
	}
	return size == 0, nil
}

func relativeTo(root string, entry types.RemoteEntry) string {
	full := path.Join(entry.ServerURL, entry.FileName)
	return strings.TrimPrefix(strings.TrimPrefix(full, root), "/")
}

func storeError(err error) error {
	return utils.NewCLIError(utils.ErrCodeStoreFailure, fmt.Sprintf("Failed to update index: %s", err)).
		WithCause(err).
		Err()
}
