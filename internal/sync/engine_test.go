package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dl-alexandre/ncsync/internal/storage"
	"github.com/dl-alexandre/ncsync/internal/sync/exclude"
	"github.com/dl-alexandre/ncsync/internal/sync/index"
	"github.com/dl-alexandre/ncsync/internal/transport"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const account = "alice"

type listing struct {
	entries []types.RemoteEntry
	err     error
	calls   atomic.Int32
	opts    transport.ListOptions
	gate    chan struct{}
}

func (l *listing) Upload(context.Context, types.TransferRecord, string) (*transport.Task, error) {
	return nil, errors.New("not supported")
}

func (l *listing) Download(context.Context, types.TransferRecord, string) (*transport.Task, error) {
	return nil, errors.New("not supported")
}

func (l *listing) InFlight(context.Context) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func (l *listing) ListDirectory(ctx context.Context, _, _ string, depth transport.Depth, opts transport.ListOptions) ([]types.RemoteEntry, error) {
	l.calls.Add(1)
	l.opts = opts
	if depth != transport.DepthInfinity {
		return nil, errors.New("expected a recursive listing")
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("expected a listing deadline")
	}
	if l.gate != nil {
		<-l.gate
	}
	return l.entries, l.err
}

func tree() []types.RemoteEntry {
	return []types.RemoteEntry{
		{IsDir: true, OcID: "dirA", FileName: "A", Etag: "d1", ServerURL: "/"},
		{OcID: "fileB", FileName: "b.txt", Etag: "e1", ServerURL: "/A", Size: 5, ContentType: "text/plain"},
	}
}

type fixture struct {
	store   *index.DB
	layout  *storage.Layout
	listing *listing
	engine  *Engine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := index.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:   store,
		layout:  storage.New(afero.NewMemMapFs(), "/store"),
		listing: &listing{entries: tree()},
	}
	f.engine = NewEngine(f.listing, store, f.layout, opts, nil)
	f.engine.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *fixture) waitingDownloads(t *testing.T) []types.TransferRecord {
	t.Helper()
	recs, err := f.store.ListTransfers(context.Background(), index.Query{
		Account:  account,
		Statuses: []types.TransferStatus{types.StatusWaitDownload},
	})
	require.NoError(t, err)
	return recs
}

// download simulates a finished download of ocID with the given content.
func (f *fixture) download(t *testing.T, ocID, fileName, etag, content string) {
	t.Helper()
	require.NoError(t, f.store.DeleteTransfer(context.Background(), ocID))
	require.NoError(t, f.store.PutLocalFile(context.Background(), types.LocalFile{
		OcID: ocID, Account: account, FileName: fileName, Etag: etag,
	}))
	require.NoError(t, afero.WriteFile(f.layout.Fs(), f.layout.Path(ocID, fileName), []byte(content), 0600))
}

func TestSynchronize_NewTree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{ShowHidden: true})

	result, err := f.engine.Synchronize(ctx, account, "/", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Directories)
	assert.Equal(t, []string{"fileB"}, result.Queued)
	assert.True(t, f.listing.opts.ShowHidden)

	n, err := f.store.CountDirectories(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dir, err := f.store.DirectoryByPath(ctx, account, "/A")
	require.NoError(t, err)
	assert.Equal(t, "dirA", dir.OcID)

	recs := f.waitingDownloads(t)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "fileB", rec.OcID)
	assert.Equal(t, "/A", rec.ServerURL)
	assert.Equal(t, "e1", rec.Etag)
	assert.Equal(t, types.SessionDownload, rec.Session)
	assert.Equal(t, types.SelectorDownloadFile, rec.SessionSelector)
	assert.Zero(t, rec.ErrorCount)
	assert.True(t, f.engine.now().Equal(rec.CreatedAt))
}

func TestSynchronize_UnchangedTreeQueuesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.engine.Synchronize(ctx, account, "/", nil)
	require.NoError(t, err)
	f.download(t, "fileB", "b.txt", "e1", "hello")

	result, err := f.engine.Synchronize(ctx, account, "/", nil)
	require.NoError(t, err)
	assert.Empty(t, result.Queued)
	assert.Empty(t, f.waitingDownloads(t))

	n, err := f.store.CountDirectories(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "directory upserts are idempotent")
}

func TestSynchronize_RepeatedPassDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.engine.Synchronize(ctx, account, "/", nil)
	require.NoError(t, err)
	_, err = f.engine.Synchronize(ctx, account, "/", nil)
	require.NoError(t, err)

	assert.Len(t, f.waitingDownloads(t), 1)
}

func TestSynchronize_FailedDownloadIsNotReportedAsQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.engine.Synchronize(ctx, account, "/", nil)
	require.NoError(t, err)
	ok, err := f.store.Transition(ctx, "fileB", types.StatusWaitDownload, types.StatusDownloading, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.store.MarkError(ctx, "fileB", types.StatusDownloadError, "timeout"))

	result, err := f.engine.Synchronize(ctx, account, "/", nil)
	require.NoError(t, err)
	assert.Empty(t, result.Queued)

	rec, err := f.store.GetTransfer(ctx, "fileB")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDownloadError, rec.Status)
}

func TestSynchronize_ListingFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.listing.err = errors.New("timeout")

	_, err := f.engine.Synchronize(ctx, account, "/", nil)
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeListingFailure, utils.Code(err))

	n, err := f.store.CountDirectories(ctx, account)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.waitingDownloads(t))
}

func TestSynchronize_SkipsDownloadingAndExcluded(t *testing.T) {
	f := newFixture(t, Options{Exclude: exclude.New([]string{"A/skip.tmp"})})
	f.listing.entries = append(tree(),
		types.RemoteEntry{OcID: "busy", FileName: "busy.bin", Etag: "e", ServerURL: "/A"},
		types.RemoteEntry{OcID: "skip", FileName: "skip.tmp", Etag: "e", ServerURL: "/A"},
	)

	result, err := f.engine.Synchronize(context.Background(), account, "/", map[string]struct{}{"busy": {}})
	require.NoError(t, err)
	assert.Equal(t, []string{"fileB"}, result.Queued)
	assert.Equal(t, 1, result.Skipped)
}

func TestSynchronize_ConcurrentCallsShareOnePass(t *testing.T) {
	f := newFixture(t, Options{})
	f.listing.gate = make(chan struct{})

	var wg gosync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Synchronize(context.Background(), account, "/", nil)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return f.listing.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.listing.gate)
	wg.Wait()

	assert.LessOrEqual(t, f.listing.calls.Load(), int32(4))
	assert.Len(t, f.waitingDownloads(t), 1)
}

func TestIsDifferent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.download(t, "same", "s.txt", "e1", "data")
	f.download(t, "empty", "e.txt", "e1", "")

	tests := []struct {
		name    string
		ocID    string
		file    string
		etag    string
		exclude map[string]struct{}
		want    bool
	}{
		{"excluded", "same", "s.txt", "e2", map[string]struct{}{"same": {}}, false},
		{"no local record", "new", "n.txt", "e1", nil, true},
		{"etag changed", "same", "s.txt", "e2", nil, true},
		{"empty local file", "empty", "e.txt", "e1", nil, true},
		{"missing local file", "same", "other.txt", "e1", nil, true},
		{"unchanged", "same", "s.txt", "e1", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.engine.IsDifferent(ctx, tt.ocID, tt.file, tt.etag, tt.exclude)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
