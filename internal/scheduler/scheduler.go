// Package scheduler admits queued transfers into the transport under
// concurrency and size ceilings.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dl-alexandre/ncsync/internal/config"
	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/progress"
	"github.com/dl-alexandre/ncsync/internal/storage"
	"github.com/dl-alexandre/ncsync/internal/sync/index"
	"github.com/dl-alexandre/ncsync/internal/transport"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Store is the part of the metadata index the scheduler reads and mutates.
type Store interface {
	Usage(ctx context.Context, account string, status types.TransferStatus) (int, int64, error)
	ListTransfers(ctx context.Context, q index.Query) ([]types.TransferRecord, error)
	Transition(ctx context.Context, ocID string, from, to types.TransferStatus, taskID string) (bool, error)
	SetTaskIdentifier(ctx context.Context, ocID, taskID string) error
	MarkError(ctx context.Context, ocID string, status types.TransferStatus, message string) error
	ResetErrors(ctx context.Context, account string, from, to types.TransferStatus) (int64, error)
	IsEncrypted(ctx context.Context, account, serverURL string) (bool, error)
	CompleteTransfer(ctx context.Context, rec types.TransferRecord, remoteID, etag string) error
}

// Cleaner removes local sources of committed auto-uploads.
type Cleaner interface {
	Clean(ctx context.Context, account string) error
}

// Rearmer restarts the countdown of the trigger that drives cycles.
type Rearmer interface {
	Rearm()
}

// Options are the admission ceilings.
type Options struct {
	MaxConcurrentUploads   int
	MaxConcurrentDownloads int
	MaxUploadBytes         int64
	BackgroundMediaPolicy  config.BackgroundMediaPolicy
}

// OptionsFromConfig copies the ceilings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxConcurrentUploads:   cfg.MaxConcurrentUploads,
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		MaxUploadBytes:         cfg.MaxUploadBytes,
		BackgroundMediaPolicy:  cfg.BackgroundMediaPolicy,
	}
}

// StopReason says why a cycle ended where it did.
type StopReason string

const (
	StopCompleted            StopReason = "completed"
	StopConfigurationMissing StopReason = "configurationMissing"
	StopBudgetExceeded       StopReason = "budgetExceeded"
	StopBusy                 StopReason = "busy"
	StopConcurrencyLimit     StopReason = "concurrencyLimit"
	StopEncryptedSerialized  StopReason = "encryptedSerialized"
)

// Report describes one cycle.
type Report struct {
	Reason   StopReason `json:"reason"`
	Admitted []string   `json:"admitted"`
	Orphaned []string   `json:"orphaned,omitempty"`
	Reset    int64      `json:"reset"`
	Deferred int        `json:"deferred,omitempty"` // videos held back by the media policy
}

// Scheduler owns the admission state of one process. Create it once and
// share it with every trigger.
type Scheduler struct {
	store    Store
	client   transport.Client
	registry *progress.Registry
	storage  *storage.Layout
	env      Environment
	logger   logging.Logger
	opts     Options

	cleaner Cleaner
	rearmer Rearmer

	running  atomic.Bool
	draining atomic.Bool

	mu      sync.Mutex
	tracked map[string]struct{}
	wg      sync.WaitGroup
}

func New(store Store, client transport.Client, registry *progress.Registry, layout *storage.Layout, env Environment, opts Options, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if opts.MaxConcurrentUploads < 1 {
		opts.MaxConcurrentUploads = 1
	}
	if opts.MaxConcurrentDownloads < 1 {
		opts.MaxConcurrentDownloads = 1
	}
	return &Scheduler{
		store:    store,
		client:   client,
		registry: registry,
		storage:  layout,
		env:      env,
		logger:   logger,
		opts:     opts,
		tracked:  make(map[string]struct{}),
	}
}

// SetCleaner installs the auto-upload cleanup collaborator.
func (s *Scheduler) SetCleaner(c Cleaner) { s.cleaner = c }

// SetRearmer installs the trigger re-armed at the end of each cycle.
func (s *Scheduler) SetRearmer(r Rearmer) { s.rearmer = r }

// Wait blocks until every tracked transfer has been committed or failed.
func (s *Scheduler) Wait() { s.wg.Wait() }

// RunCycle admits waiting uploads in class priority order. Only one cycle
// runs at a time; a call that finds another in progress returns StopBusy.
func (s *Scheduler) RunCycle(ctx context.Context) (Report, error) {
	account := s.env.Account()
	if account == "" || s.env.InMaintenance() {
		return Report{Reason: StopConfigurationMissing}, nil
	}

	ctx = withTrace(ctx)
	logger := s.logger.WithContext(ctx)

	if !s.running.CompareAndSwap(false, true) {
		return Report{Reason: StopBusy}, nil
	}
	rearm := true
	defer func() { s.release(rearm) }()

	inFlight, err := s.client.InFlight(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to query transport: %w", err)
	}

	// Usage is read only after orphans are failed.
	report := Report{Admitted: []string{}}
	orphans, err := s.reconcile(ctx, account, types.StatusUploading, types.StatusUploadError, inFlight)
	if err != nil {
		return report, err
	}
	for _, rec := range orphans {
		report.Orphaned = append(report.Orphaned, rec.OcID)
	}

	activeCount, activeBytes, err := s.store.Usage(ctx, account, types.StatusUploading)
	if err != nil {
		return report, storeError("read upload usage", err)
	}
	if activeBytes > s.opts.MaxUploadBytes {
		logger.Debug("Upload budget exhausted",
			logging.F("active_bytes", activeBytes),
			logging.F("ceiling", s.opts.MaxUploadBytes),
		)
		rearm = false
		report.Reason = StopBudgetExceeded
		return report, nil
	}

	ceiling := s.opts.MaxConcurrentUploads
	for _, selector := range types.UploadSelectors {
		if activeCount >= ceiling {
			report.Reason = StopConcurrencyLimit
			return report, nil
		}

		query := index.Query{
			Account:   account,
			Statuses:  []types.TransferStatus{types.StatusWaitUpload},
			Selectors: []types.Selector{selector},
			Order:     index.OldestFirst,
			Limit:     ceiling - activeCount,
		}
		deferVideo := s.env.InBackground() && s.opts.BackgroundMediaPolicy != config.PolicyAdmitAll
		if deferVideo {
			// Deferred videos must not take the slots of the files behind them.
			query.Limit = 0
		}
		candidates, err := s.store.ListTransfers(ctx, query)
		if err != nil {
			return report, storeError("list candidates", err)
		}
		if deferVideo {
			kept := s.applyMediaPolicy(candidates)
			if deferred := len(candidates) - len(kept); deferred > 0 {
				report.Deferred += deferred
				logger.Info("Videos deferred until a foreground cycle",
					logging.F("selector", selector),
					logging.F("count", deferred),
				)
			}
			candidates = lo.Slice(kept, 0, ceiling-activeCount)
		}

		for _, rec := range candidates {
			if _, ok := inFlight[rec.OcID]; ok {
				continue
			}
			if rec.Session == types.SessionExtension {
				continue
			}

			encrypted, err := s.store.IsEncrypted(ctx, account, rec.ServerURL)
			if err != nil {
				return report, storeError("read folder encryption", err)
			}
			if encrypted {
				// Encrypted folders take one upload at a time, so wait for
				// the active ones to drain first.
				if activeCount == 0 && s.admitUpload(ctx, logger, rec) {
					report.Admitted = append(report.Admitted, rec.OcID)
				}
				report.Reason = StopEncryptedSerialized
				return report, nil
			}

			// A file larger than the whole budget may still go alone.
			if activeCount > 0 && activeBytes+rec.Size > s.opts.MaxUploadBytes {
				report.Reason = StopBudgetExceeded
				return report, nil
			}
			if !s.admitUpload(ctx, logger, rec) {
				continue
			}
			report.Admitted = append(report.Admitted, rec.OcID)
			activeCount++
			activeBytes += rec.Size
			if activeBytes > s.opts.MaxUploadBytes {
				report.Reason = StopBudgetExceeded
				return report, nil
			}
		}
	}

	if len(report.Admitted) == 0 {
		s.idleSweep(ctx, logger, account, &report)
	}

	report.Reason = StopCompleted
	logger.Debug("Upload cycle finished",
		logging.F("admitted", len(report.Admitted)),
		logging.F("active", activeCount),
	)
	return report, nil
}

// admitUpload moves rec to uploading and hands it to the transport. It
// reports whether the transport accepted it. Failures are recorded on the
// record and never abort the cycle.
func (s *Scheduler) admitUpload(ctx context.Context, logger logging.Logger, rec types.TransferRecord) bool {
	won, err := s.store.Transition(ctx, rec.OcID, types.StatusWaitUpload, types.StatusUploading, "")
	if err != nil {
		logger.Warn("Failed to admit upload", logging.F("oc_id", rec.OcID), logging.F("error", err))
		return false
	}
	if !won {
		return false
	}
	rec.Status = types.StatusUploading

	task, err := s.client.Upload(ctx, rec, s.storage.Path(rec.OcID, rec.FileName))
	if err != nil {
		s.fail(ctx, logger, rec, types.StatusUploadError, err)
		return false
	}
	s.track(ctx, rec, task, types.StatusUploadError)

	logger.Info("Upload admitted",
		logging.F("oc_id", rec.OcID),
		logging.F("path", rec.RemotePath()),
		logging.F("selector", rec.SessionSelector),
		logging.F("size", rec.Size),
	)
	return true
}

// applyMediaPolicy drops standalone videos under the defer-video policy.
// Live-photo companions are kept.
func (s *Scheduler) applyMediaPolicy(candidates []types.TransferRecord) []types.TransferRecord {
	if s.opts.BackgroundMediaPolicy == config.PolicyAdmitAll {
		return candidates
	}
	return lo.Filter(candidates, func(rec types.TransferRecord, _ int) bool {
		return !rec.IsVideo || rec.IsLivePhoto
	})
}

// reconcile fails records stuck in active that neither the transport nor
// this scheduler is running, which happens after a crash.
func (s *Scheduler) reconcile(ctx context.Context, account string, active, failed types.TransferStatus, inFlight map[string]struct{}) ([]types.TransferRecord, error) {
	records, err := s.store.ListTransfers(ctx, index.Query{
		Account:  account,
		Statuses: []types.TransferStatus{active},
	})
	if err != nil {
		return nil, storeError("list active transfers", err)
	}

	s.mu.Lock()
	orphans := lo.Filter(records, func(rec types.TransferRecord, _ int) bool {
		_, running := inFlight[rec.OcID]
		_, tracked := s.tracked[rec.OcID]
		return !running && !tracked
	})
	s.mu.Unlock()

	for _, rec := range orphans {
		if err := s.store.MarkError(ctx, rec.OcID, failed, "transfer interrupted"); err != nil {
			return nil, storeError("mark orphaned transfer", err)
		}
		s.logger.WithContext(ctx).Warn("Recovered interrupted transfer",
			logging.F("oc_id", rec.OcID),
			logging.F("status", failed),
		)
	}
	return orphans, nil
}

// idleSweep retries failed transfers and runs auto-upload cleanup. It only
// runs after a cycle that admitted nothing.
func (s *Scheduler) idleSweep(ctx context.Context, logger logging.Logger, account string, report *Report) {
	n, err := s.store.ResetErrors(ctx, account, types.StatusUploadError, types.StatusWaitUpload)
	if err != nil {
		logger.Warn("Failed to reset upload errors", logging.F("error", err))
	}
	report.Reset += n

	n, err = s.store.ResetErrors(ctx, account, types.StatusDownloadError, types.StatusWaitDownload)
	if err != nil {
		logger.Warn("Failed to reset download errors", logging.F("error", err))
	}
	report.Reset += n

	if report.Reset > 0 {
		logger.Info("Requeued failed transfers", logging.F("count", report.Reset))
	}

	if s.cleaner != nil && !s.env.UILocked() {
		if err := s.cleaner.Clean(ctx, account); err != nil {
			logger.Warn("Auto-upload cleanup failed", logging.F("error", err))
		}
	}
}

func (s *Scheduler) release(rearm bool) {
	s.running.Store(false)
	if rearm && s.rearmer != nil {
		s.rearmer.Rearm()
	}
}

// track drains task into the progress registry and commits or fails rec
// when it finishes.
func (s *Scheduler) track(ctx context.Context, rec types.TransferRecord, task *transport.Task, failed types.TransferStatus) {
	if err := s.store.SetTaskIdentifier(ctx, rec.OcID, task.ID); err != nil {
		s.logger.WithContext(ctx).Warn("Failed to record task id", logging.F("oc_id", rec.OcID), logging.F("error", err))
	}
	rec.SessionTaskIdentifier = task.ID

	s.mu.Lock()
	s.tracked[rec.OcID] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)

	commitCtx := logging.ContextWithTraceID(context.Background(), logging.TraceIDFromContext(ctx))
	logger := s.logger.WithContext(commitCtx)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.tracked, rec.OcID)
			s.mu.Unlock()
		}()

		for p := range task.Progress {
			s.registry.Put(rec.OcID, progress.NewRecord(task.Session, p.BytesTransferred, p.BytesExpected))
		}
		res := <-task.Done
		s.registry.Remove(rec.OcID)

		if res.Err != nil {
			s.fail(commitCtx, logger, rec, failed, res.Err)
			return
		}
		// Uploads are re-keyed under the id the server assigned.
		if res.OcID != "" && res.OcID != rec.OcID {
			if err := s.storage.Move(rec.OcID, res.OcID, rec.FileName); err != nil {
				logger.Warn("Failed to move local copy", logging.F("oc_id", rec.OcID), logging.F("error", err))
			}
		}
		if err := s.store.CompleteTransfer(commitCtx, rec, res.OcID, res.Etag); err != nil {
			logger.Error("Failed to commit transfer", logging.F("oc_id", rec.OcID), logging.F("error", err))
			return
		}
		logger.Info("Transfer committed",
			logging.F("oc_id", rec.OcID),
			logging.F("remote_id", res.OcID),
			logging.F("path", rec.RemotePath()),
			logging.F("etag", res.Etag),
		)
	}()
}

func (s *Scheduler) fail(ctx context.Context, logger logging.Logger, rec types.TransferRecord, status types.TransferStatus, cause error) {
	logger.Warn("Transfer failed",
		logging.F("oc_id", rec.OcID),
		logging.F("status", status),
		logging.F("error", cause),
	)
	if err := s.store.MarkError(ctx, rec.OcID, status, cause.Error()); err != nil {
		logger.Error("Failed to record transfer error", logging.F("oc_id", rec.OcID), logging.F("error", err))
	}
}

func withTrace(ctx context.Context) context.Context {
	if logging.TraceIDFromContext(ctx) != "" {
		return ctx
	}
	return logging.ContextWithTraceID(ctx, uuid.NewString())
}

func storeError(op string, err error) error {
	return utils.NewCLIError(utils.ErrCodeStoreFailure, fmt.Sprintf("Failed to %s: %s", op, err)).
		WithCause(err).
		Err()
}
