package autoupload

import (
	"context"
	"errors"
	"os"

	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/sync/index"
	"github.com/spf13/afero"
)

// CleanupStore lists and settles uploaded sources.
type CleanupStore interface {
	PendingCleanup(ctx context.Context, account string) ([]index.UploadedAsset, error)
	MarkCleaned(ctx context.Context, account, sourcePath string) error
}

// Cleaner deletes the local source of every committed auto-upload when
// removal is enabled.
type Cleaner struct {
	fs      afero.Fs
	store   CleanupStore
	enabled bool
	logger  logging.Logger
}

func NewCleaner(fs afero.Fs, store CleanupStore, enabled bool, logger logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Cleaner{fs: fs, store: store, enabled: enabled, logger: logger}
}

// Clean removes pending sources of account. A source that is already gone
// counts as cleaned. Failures are collected and do not stop the pass.
func (c *Cleaner) Clean(ctx context.Context, account string) error {
	if !c.enabled {
		return nil
	}
	logger := c.logger.WithContext(ctx)

	assets, err := c.store.PendingCleanup(ctx, account)
	if err != nil {
		return storeError(err)
	}

	var errs []error
	removed := 0
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.fs.Remove(asset.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to remove uploaded source",
				logging.F("path", asset.SourcePath),
				logging.F("error", err),
			)
			errs = append(errs, err)
			continue
		}
		if err := c.store.MarkCleaned(ctx, account, asset.SourcePath); err != nil {
			errs = append(errs, storeError(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.Info("Removed uploaded sources", logging.F("count", removed))
	}
	return errors.Join(errs...)
}
