package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/dl-alexandre/ncsync/internal/api"
	"github.com/dl-alexandre/ncsync/internal/auth"
	"github.com/dl-alexandre/ncsync/internal/autoupload"
	"github.com/dl-alexandre/ncsync/internal/config"
	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/progress"
	"github.com/dl-alexandre/ncsync/internal/scheduler"
	"github.com/dl-alexandre/ncsync/internal/storage"
	syncengine "github.com/dl-alexandre/ncsync/internal/sync"
	"github.com/dl-alexandre/ncsync/internal/sync/exclude"
	"github.com/dl-alexandre/ncsync/internal/sync/index"
	"github.com/dl-alexandre/ncsync/internal/transport/drive"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// app is the set of collaborators one command invocation works with.
type app struct {
	cfg       *config.Config
	cfgPath   string
	logger    logging.Logger
	db        *index.DB
	layout    *storage.Layout
	registry  *progress.Registry
	env       *scheduler.Env
	transport *drive.Transport
	scheduler *scheduler.Scheduler
	engine    *syncengine.Engine
	scanner   *autoupload.Scanner
	cleaner   *autoupload.Cleaner

	cycleMu sync.Mutex
}

// openIndex opens the metadata index and storage without contacting the
// server.
func openIndex() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	db, err := index.Open(cfg.DatabasePath)
	if err != nil {
		return nil, utils.NewCLIError(utils.ErrCodeStoreFailure, "Failed to open index: "+err.Error()).WithCause(err).Err()
	}

	fs := afero.NewOsFs()
	return &app{
		cfg:      cfg,
		cfgPath:  path,
		logger:   logger,
		db:       db,
		layout:   storage.New(fs, cfg.StorageDir),
		registry: progress.NewRegistry(),
		env:      scheduler.NewEnv(cfg.Account, cfg.Maintenance, false),
	}, nil
}

// openApp wires the full pipeline for cfg.Account.
func openApp(ctx context.Context, background bool) (*app, error) {
	a, err := openIndex()
	if err != nil {
		return nil, err
	}
	if a.cfg.Account == "" {
		a.close()
		return nil, utils.NewCLIError(utils.ErrCodeConfigurationMissing, "No account configured").
			WithContext("suggestedAction", "run 'ncsync auth login <account>'").
			Err()
	}
	a.env.SetBackground(background)

	mgr, err := newAuthManager(a.cfg, a.cfgPath)
	if err != nil {
		a.close()
		return nil, err
	}
	svc, err := mgr.DriveService(ctx, a.cfg.Account)
	if err != nil {
		a.close()
		return nil, err
	}

	fs := a.layout.Fs()
	client := api.NewClient(svc, a.cfg.MaxRetries, a.cfg.RetryBaseDelay, a.logger)
	a.transport = drive.New(client, fs)
	matcher := exclude.New(nil)

	a.scheduler = scheduler.New(a.db, a.transport, a.registry, a.layout, a.env, scheduler.OptionsFromConfig(a.cfg), a.logger)
	a.engine = syncengine.NewEngine(a.transport, a.db, a.layout, syncengine.Options{
		ShowHidden:     a.cfg.ShowHiddenFiles,
		ListingTimeout: a.cfg.GetListingTimeout(),
		Exclude:        matcher,
	}, a.logger)
	a.scanner = autoupload.NewScanner(fs, a.db, a.layout, autoupload.ScannerOptions{
		Dirs:      a.cfg.AutoUploadDirs,
		RemoteDir: a.cfg.AutoUploadRemoteDir,
		Exclude:   matcher,
	}, a.logger)
	a.cleaner = autoupload.NewCleaner(fs, a.db, a.cfg.RemoveAfterAutoUpload, a.logger)
	a.scheduler.SetCleaner(a.cleaner)
	return a, nil
}

func newAuthManager(cfg *config.Config, cfgPath string) (*auth.Manager, error) {
	mgr, err := auth.NewManager(filepath.Dir(cfgPath), auth.ManagerOptions{})
	if err != nil {
		return nil, err
	}
	mgr.SetOAuthConfig(cfg.ClientID, cfg.ClientSecret, utils.ScopesSync)
	return mgr, nil
}

// downloading returns the ocIds the index or the transport consider
// in flight for download.
func (a *app) downloading(ctx context.Context) (map[string]struct{}, error) {
	recs, err := a.db.ListTransfers(ctx, index.Query{
		Account:  a.cfg.Account,
		Statuses: []types.TransferStatus{types.StatusDownloading},
	})
	if err != nil {
		return nil, err
	}
	set := lo.SliceToMap(recs, func(rec types.TransferRecord) (string, struct{}) {
		return rec.OcID, struct{}{}
	})
	if a.transport != nil {
		inFlight, err := a.transport.InFlight(ctx)
		if err != nil {
			return nil, err
		}
		for id := range inFlight {
			set[id] = struct{}{}
		}
	}
	return set, nil
}

// runCycle scans watched folders, admits uploads and drains downloads. A
// call made while another is running returns a skipped result.
func (a *app) runCycle(ctx context.Context, scan bool) (cycleResult, error) {
	var result cycleResult
	if !a.cycleMu.TryLock() {
		a.logger.Debug("Cycle already running, skipping")
		result.Skipped = true
		return result, nil
	}
	defer a.cycleMu.Unlock()

	if scan && len(a.cfg.AutoUploadDirs) > 0 && a.cfg.Account != "" {
		scanned, err := a.scanner.Scan(ctx, a.cfg.Account)
		if err != nil {
			a.logger.Warn("Auto-upload scan failed", logging.F("error", err))
		} else {
			result.Scan = &scanned
		}
	}

	report, err := a.scheduler.RunCycle(ctx)
	if err != nil {
		return result, err
	}
	result.Cycle = report

	downloads, err := a.scheduler.DrainDownloads(ctx)
	if err != nil {
		return result, err
	}
	result.Downloads = downloads
	return result, nil
}

type cycleResult struct {
	Skipped   bool                   `json:"skipped,omitempty"`
	Scan      *autoupload.ScanResult `json:"scan,omitempty"`
	Cycle     scheduler.Report       `json:"cycle"`
	Downloads []string               `json:"downloads"`
}

func (a *app) close() {
	if a.transport != nil {
		_ = a.transport.Close()
	}
	if a.scheduler != nil {
		a.scheduler.Wait()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			a.logger.Warn("Failed to close index", logging.F("error", err))
		}
	}
}

func storeFailure(err error) error {
	return utils.NewCLIError(utils.ErrCodeStoreFailure, "Index access failed: "+err.Error()).WithCause(err).Err()
}
