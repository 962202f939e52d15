// Package autoupload queues new files from watched local folders and
// removes their sources once the upload is committed.
package autoupload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/storage"
	"github.com/dl-alexandre/ncsync/internal/sync/exclude"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// MetaFullScanDone is set once the first complete scan of an account has
// been queued.
const MetaFullScanDone = "autoupload.fullScanDone"

// Store is the part of the index the scanner reads and writes.
type Store interface {
	KnownSources(ctx context.Context, account string) (map[string]struct{}, error)
	PutTransfer(ctx context.Context, rec types.TransferRecord) error
	Meta(ctx context.Context, account, key string) (string, error)
	SetMeta(ctx context.Context, account, key, value string) error
}

type ScannerOptions struct {
	Dirs      []string
	RemoteDir string
	Exclude   *exclude.Matcher
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Selector types.Selector `json:"selector"`
	Scanned  int            `json:"scanned"`
	Queued   []string       `json:"queued"`
	Known    int            `json:"known"`
	Excluded int            `json:"excluded"`
}

type Scanner struct {
	fs      afero.Fs
	store   Store
	storage *storage.Layout
	opts    ScannerOptions
	logger  logging.Logger
	now     func() time.Time
	newID   func() string
}

func NewScanner(fs afero.Fs, store Store, layout *storage.Layout, opts ScannerOptions, logger logging.Logger) *Scanner {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if opts.RemoteDir == "" {
		opts.RemoteDir = "/"
	}
	return &Scanner{
		fs:      fs,
		store:   store,
		storage: layout,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

type candidate struct {
	absPath  string
	relDir   string
	name     string
	modTime  time.Time
	mimeType string
	video    bool
	image    bool
	live     bool
}

// Scan walks every watched folder and queues files that are neither queued
// nor uploaded yet. The first scan of an account queues into the
// uploadAutoUploadAll class; later scans use uploadAutoUpload.
func (s *Scanner) Scan(ctx context.Context, account string) (ScanResult, error) {
	logger := s.logger.WithContext(ctx)
	result := ScanResult{Selector: types.SelectorUploadAutoUpload, Queued: []string{}}

	done, err := s.store.Meta(ctx, account, MetaFullScanDone)
	if err != nil {
		return result, storeError(err)
	}
	if done == "" {
		result.Selector = types.SelectorUploadAutoUploadAll
	}

	known, err := s.store.KnownSources(ctx, account)
	if err != nil {
		return result, storeError(err)
	}

	var found []candidate
	for _, dir := range s.opts.Dirs {
		files, excluded, err := s.walk(ctx, dir)
		if err != nil {
			return result, err
		}
		result.Excluded += excluded
		found = append(found, files...)
	}
	result.Scanned = len(found)
	pairLivePhotos(found)

	// Oldest captures first, so FIFO admission follows capture order.
	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].modTime.Equal(found[j].modTime) {
			return found[i].modTime.Before(found[j].modTime)
		}
		return found[i].absPath < found[j].absPath
	})

	queuedAt := s.now()
	for _, c := range found {
		if _, ok := known[c.absPath]; ok {
			result.Known++
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ocID := s.newID()
		size, err := s.storage.Stage(s.fs, c.absPath, ocID, c.name)
		if err != nil {
			logger.Warn("Failed to stage file, skipping",
				logging.F("path", c.absPath),
				logging.F("error", err),
			)
			continue
		}

		at := queuedAt.Add(time.Duration(len(result.Queued)))
		rec := types.TransferRecord{
			OcID:            ocID,
			Account:         account,
			FileName:        c.name,
			ServerURL:       path.Join(s.opts.RemoteDir, c.relDir),
			Status:          types.StatusWaitUpload,
			Session:         types.SessionBackground,
			SessionSelector: result.Selector,
			Size:            size,
			ContentType:     c.mimeType,
			IsLivePhoto:     c.live,
			IsVideo:         c.video,
			SourcePath:      c.absPath,
			CreatedAt:       at,
			UpdatedAt:       at,
		}
		if err := s.store.PutTransfer(ctx, rec); err != nil {
			_ = s.storage.Remove(ocID)
			return result, storeError(err)
		}
		result.Queued = append(result.Queued, ocID)
	}

	if done == "" {
		if err := s.store.SetMeta(ctx, account, MetaFullScanDone, queuedAt.UTC().Format(time.RFC3339)); err != nil {
			return result, storeError(err)
		}
	}

	logger.Info("Auto-upload scan completed",
		logging.F("account", account),
		logging.F("selector", string(result.Selector)),
		logging.F("scanned", result.Scanned),
		logging.F("queued", len(result.Queued)),
	)
	return result, nil
}

func (s *Scanner) walk(ctx context.Context, root string) ([]candidate, int, error) {
	var files []candidate
	excluded := 0

	err := afero.Walk(s.fs, root, func(current string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(root, current)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = path.Clean(filepath.ToSlash(rel))

		if s.opts.Exclude.IsExcluded(rel, info.IsDir()) {
			excluded++
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		c := candidate{
			absPath: current,
			relDir:  path.Dir(rel),
			name:    info.Name(),
			modTime: info.ModTime(),
		}
		c.mimeType, err = s.detect(current)
		if err != nil {
			s.logger.Warn("Failed to read file, skipping", logging.F("path", current), logging.F("error", err))
			return nil
		}
		c.video = strings.HasPrefix(c.mimeType, "video/")
		c.image = strings.HasPrefix(c.mimeType, "image/")
		files = append(files, c)
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, 0, err
	}
	if err != nil {
		return nil, 0, utils.NewCLIError(utils.ErrCodeFileNotFound, fmt.Sprintf("Failed to scan %s: %s", root, err)).
			WithContext("path", root).
			WithCause(err).
			Err()
	}
	return files, excluded, nil
}

func (s *Scanner) detect(p string) (string, error) {
	f, err := s.fs.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "", err
	}
	return mt.String(), nil
}

// pairLivePhotos flags an image and a video sharing a folder and base name
// as the two halves of one live photo.
func pairLivePhotos(files []candidate) {
	type halves struct{ image, video []int }
	groups := make(map[string]*halves)
	for i, c := range files {
		key := path.Join(c.relDir, strings.ToLower(strings.TrimSuffix(c.name, path.Ext(c.name))))
		g, ok := groups[key]
		if !ok {
			g = &halves{}
			groups[key] = g
		}
		switch {
		case c.image:
			g.image = append(g.image, i)
		case c.video:
			g.video = append(g.video, i)
		}
	}
	for _, g := range groups {
		if len(g.image) == 0 || len(g.video) == 0 {
			continue
		}
		for _, i := range append(g.image, g.video...) {
			files[i].live = true
		}
	}
}

func storeError(err error) error {
	return utils.NewCLIError(utils.ErrCodeStoreFailure, fmt.Sprintf("Failed to update index: %s", err)).
		WithCause(err).
		Err()
}
