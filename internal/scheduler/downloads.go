package scheduler

import (
	"context"
	"fmt"

	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/sync/index"
	"github.com/dl-alexandre/ncsync/internal/types"
)

// DrainDownloads admits waiting downloads up to the download ceiling and
// returns the ocIds it started. Overlapping calls return immediately.
func (s *Scheduler) DrainDownloads(ctx context.Context) ([]string, error) {
	account := s.env.Account()
	if account == "" || s.env.InMaintenance() {
		return nil, nil
	}
	if !s.draining.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer s.draining.Store(false)

	ctx = withTrace(ctx)
	logger := s.logger.WithContext(ctx)

	inFlight, err := s.client.InFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query transport: %w", err)
	}
	if _, err := s.reconcile(ctx, account, types.StatusDownloading, types.StatusDownloadError, inFlight); err != nil {
		return nil, err
	}

	active, _, err := s.store.Usage(ctx, account, types.StatusDownloading)
	if err != nil {
		return nil, storeError("read download usage", err)
	}
	remaining := s.opts.MaxConcurrentDownloads - active
	if remaining <= 0 {
		return nil, nil
	}

	candidates, err := s.store.ListTransfers(ctx, index.Query{
		Account:   account,
		Statuses:  []types.TransferStatus{types.StatusWaitDownload},
		Selectors: []types.Selector{types.SelectorDownloadFile},
		Order:     index.OldestFirst,
		Limit:     remaining,
	})
	if err != nil {
		return nil, storeError("list downloads", err)
	}

	started := []string{}
	for _, rec := range candidates {
		if _, ok := inFlight[rec.OcID]; ok {
			continue
		}
		won, err := s.store.Transition(ctx, rec.OcID, types.StatusWaitDownload, types.StatusDownloading, "")
		if err != nil {
			return started, storeError("admit download", err)
		}
		if !won {
			continue
		}
		rec.Status = types.StatusDownloading

		task, err := s.client.Download(ctx, rec, s.storage.Path(rec.OcID, rec.FileName))
		if err != nil {
			s.fail(ctx, logger, rec, types.StatusDownloadError, err)
			continue
		}
		s.track(ctx, rec, task, types.StatusDownloadError)
		started = append(started, rec.OcID)
	}

	if len(started) > 0 {
		logger.Info("Downloads started", logging.F("count", len(started)))
	}
	return started, nil
}
