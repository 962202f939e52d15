package autoupload

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dl-alexandre/ncsync/internal/storage"
	"github.com/dl-alexandre/ncsync/internal/sync/exclude"
	"github.com/dl-alexandre/ncsync/internal/sync/index"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const account = "alice"

var (
	jpegBytes = []byte("\xFF\xD8\xFF\xE0\x00\x10JFIF\x00")
	movBytes  = []byte("\x00\x00\x00\x14ftypqt  \x00\x00\x00\x00qt  ")
	mp4Bytes  = []byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00isomiso2")
)

type harness struct {
	fs      afero.Fs
	db      *index.DB
	layout  *storage.Layout
	scanner *Scanner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := index.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fs := afero.NewMemMapFs()
	layout := storage.New(fs, "/var/ncsync")
	s := NewScanner(fs, db, layout, ScannerOptions{
		Dirs:      []string{"/camera"},
		RemoteDir: "/Photos",
		Exclude:   exclude.New(nil),
	}, nil)

	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("oc%02d", n)
	}
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &harness{fs: fs, db: db, layout: layout, scanner: s}
}

func (h *harness) write(t *testing.T, p string, data []byte, mtime time.Time) {
	t.Helper()
	require.NoError(t, afero.WriteFile(h.fs, p, data, 0644))
	require.NoError(t, h.fs.Chtimes(p, mtime, mtime))
}

func (h *harness) queued(t *testing.T) []types.TransferRecord {
	t.Helper()
	recs, err := h.db.ListTransfers(context.Background(), index.Query{Account: account})
	require.NoError(t, err)
	return recs
}

func TestScan_FirstScanQueuesEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	h.write(t, "/camera/b.jpg", jpegBytes, base.Add(time.Hour))
	h.write(t, "/camera/2026/a.jpg", jpegBytes, base)

	result, err := h.scanner.Scan(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, types.SelectorUploadAutoUploadAll, result.Selector)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, []string{"oc01", "oc02"}, result.Queued)

	recs := h.queued(t)
	require.Len(t, recs, 2)
	first := recs[0]
	assert.Equal(t, "oc01", first.OcID)
	assert.Equal(t, "/camera/2026/a.jpg", first.SourcePath, "oldest capture first")
	assert.Equal(t, "/Photos/2026", first.ServerURL)
	assert.Equal(t, "a.jpg", first.FileName)
	assert.Equal(t, types.StatusWaitUpload, first.Status)
	assert.Equal(t, types.SessionBackground, first.Session)
	assert.Equal(t, "image/jpeg", first.ContentType)
	assert.EqualValues(t, len(jpegBytes), first.Size)
	assert.Equal(t, "/Photos", recs[1].ServerURL)

	staged, err := afero.ReadFile(h.fs, h.layout.Path("oc01", "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, jpegBytes, staged)

	done, err := h.db.Meta(ctx, account, MetaFullScanDone)
	require.NoError(t, err)
	assert.NotEmpty(t, done)
}

func TestScan_LaterScansQueueOnlyNewFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.write(t, "/camera/a.jpg", jpegBytes, time.Now())

	_, err := h.scanner.Scan(ctx, account)
	require.NoError(t, err)

	h.write(t, "/camera/b.jpg", jpegBytes, time.Now())
	result, err := h.scanner.Scan(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, types.SelectorUploadAutoUpload, result.Selector)
	assert.Equal(t, []string{"oc02"}, result.Queued)
	assert.Equal(t, 1, result.Known)

	rec, err := h.db.GetTransfer(ctx, "oc02")
	require.NoError(t, err)
	assert.Equal(t, types.SelectorUploadAutoUpload, rec.SessionSelector)
}

func TestScan_UploadedSourcesStayKnown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.write(t, "/camera/a.jpg", jpegBytes, time.Now())

	_, err := h.scanner.Scan(ctx, account)
	require.NoError(t, err)
	rec, err := h.db.GetTransfer(ctx, "oc01")
	require.NoError(t, err)
	require.NoError(t, h.db.CompleteTransfer(ctx, *rec, "srv-1", "etag-1"))

	result, err := h.scanner.Scan(ctx, account)
	require.NoError(t, err)
	assert.Empty(t, result.Queued)
	assert.Equal(t, 1, result.Known)
}

func TestScan_PairsLivePhotos(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := time.Now()
	h.write(t, "/camera/IMG_0001.JPG", jpegBytes, now)
	h.write(t, "/camera/IMG_0001.MOV", movBytes, now)
	h.write(t, "/camera/clip.mp4", mp4Bytes, now)
	h.write(t, "/camera/other/IMG_0001.MOV", movBytes, now)

	_, err := h.scanner.Scan(ctx, account)
	require.NoError(t, err)

	bySource := make(map[string]types.TransferRecord)
	for _, rec := range h.queued(t) {
		bySource[rec.SourcePath] = rec
	}
	require.Len(t, bySource, 4)

	photo := bySource["/camera/IMG_0001.JPG"]
	assert.True(t, photo.IsLivePhoto)
	assert.False(t, photo.IsVideo)

	motion := bySource["/camera/IMG_0001.MOV"]
	assert.True(t, motion.IsLivePhoto)
	assert.True(t, motion.IsVideo)
	assert.Equal(t, "video/quicktime", motion.ContentType)

	clip := bySource["/camera/clip.mp4"]
	assert.False(t, clip.IsLivePhoto)
	assert.True(t, clip.IsVideo)

	assert.False(t, bySource["/camera/other/IMG_0001.MOV"].IsLivePhoto, "pairs never cross folders")
}

func TestScan_SkipsExcluded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := time.Now()
	h.write(t, "/camera/.DS_Store", []byte("junk"), now)
	h.write(t, "/camera/.thumbnails/a.jpg", jpegBytes, now)
	h.write(t, "/camera/upload.part", []byte("partial"), now)
	h.write(t, "/camera/a.jpg", jpegBytes, now)

	result, err := h.scanner.Scan(ctx, account)
	require.NoError(t, err)
	assert.Len(t, result.Queued, 1)
	assert.Equal(t, 3, result.Excluded)
}

func TestScan_MissingFolder(t *testing.T) {
	h := newHarness(t)
	h.scanner.opts.Dirs = []string{"/nowhere"}

	_, err := h.scanner.Scan(context.Background(), account)
	assert.Error(t, err)
}

func TestScan_Cancelled(t *testing.T) {
	h := newHarness(t)
	h.write(t, "/camera/a.jpg", jpegBytes, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.scanner.Scan(ctx, account)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCleaner(t *testing.T) {
	setup := func(t *testing.T) *harness {
		h := newHarness(t)
		ctx := context.Background()
		h.write(t, "/camera/a.jpg", jpegBytes, time.Now())
		h.write(t, "/camera/b.jpg", jpegBytes, time.Now())
		_, err := h.scanner.Scan(ctx, account)
		require.NoError(t, err)
		for _, rec := range h.queued(t) {
			require.NoError(t, h.db.CompleteTransfer(ctx, rec, "srv-"+rec.OcID, "etag"))
		}
		return h
	}

	t.Run("disabled", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, NewCleaner(h.fs, h.db, false, nil).Clean(context.Background(), account))

		exists, err := afero.Exists(h.fs, "/camera/a.jpg")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("removes sources", func(t *testing.T) {
		ctx := context.Background()
		h := setup(t)
		require.NoError(t, h.fs.Remove("/camera/b.jpg"))

		require.NoError(t, NewCleaner(h.fs, h.db, true, nil).Clean(ctx, account))

		exists, err := afero.Exists(h.fs, "/camera/a.jpg")
		require.NoError(t, err)
		assert.False(t, exists)

		pending, err := h.db.PendingCleanup(ctx, account)
		require.NoError(t, err)
		assert.Empty(t, pending, "a source that is already gone counts as cleaned")

		result, err := h.scanner.Scan(ctx, account)
		require.NoError(t, err)
		assert.Empty(t, result.Queued)
	})
}
