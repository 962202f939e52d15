// Package drive implements transport.Client on top of Google Drive.
package drive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dl-alexandre/ncsync/internal/api"
	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/transport"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

const listFields = "nextPageToken,files(id,name,mimeType,size,md5Checksum,version,appProperties)"

// Transport maps server paths onto Drive folders below My Drive.
type Transport struct {
	client *api.Client
	fs     afero.Fs
	logger logging.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	folders  map[string]string
	inFlight map[string]*transport.Task
	wg       sync.WaitGroup
}

var _ transport.Client = (*Transport)(nil)

// New creates a Transport. Local files are read and written through fs.
func New(client *api.Client, fs afero.Fs) *Transport {
	base, cancel := context.WithCancel(context.Background())
	return &Transport{
		client:   client,
		fs:       fs,
		logger:   client.Logger(),
		base:     base,
		cancel:   cancel,
		folders:  map[string]string{"/": utils.DriveRootAlias},
		inFlight: make(map[string]*transport.Task),
	}
}

// Close cancels running transfers and waits for them to report.
func (t *Transport) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}

// InFlight returns the ocIds of uploads and downloads still running.
func (t *Transport) InFlight(_ context.Context) (map[string]struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make(map[string]struct{}, len(t.inFlight))
	for id := range t.inFlight {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// ListDirectory walks p breadth first. The first entry is p itself.
func (t *Transport) ListDirectory(ctx context.Context, account, p string, depth transport.Depth, opts transport.ListOptions) ([]types.RemoteEntry, error) {
	p = cleanPath(p)
	reqCtx := api.NewRequestContext(ctx, account, p, types.RequestTypeList)

	rootID, err := t.resolveFolder(ctx, reqCtx, p, false)
	if err != nil {
		return nil, err
	}

	root, err := api.ExecuteWithRetry(ctx, t.client, reqCtx, func() (*drive.File, error) {
		return t.client.Service().Files.Get(rootID).
			Fields("id,name,mimeType,md5Checksum,version,appProperties").
			Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}

	rootEntry := toEntry(root, path.Dir(p))
	rootEntry.FileName = path.Base(p)
	if p == "/" {
		rootEntry.ServerURL, rootEntry.FileName = "/", ""
	}
	entries := []types.RemoteEntry{rootEntry}
	if depth == transport.DepthZero {
		return entries, nil
	}

	type node struct {
		id    string
		path  string
		level int
	}
	queue := []node{{id: rootID, path: p, level: 0}}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		children, err := t.listChildren(ctx, reqCtx, n.id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if !opts.ShowHidden && strings.HasPrefix(child.Name, ".") {
				continue
			}
			entry := toEntry(child, n.path)
			entries = append(entries, entry)
			if entry.IsDir && (depth == transport.DepthInfinity || n.level+1 < int(depth)) {
				queue = append(queue, node{id: child.Id, path: path.Join(n.path, child.Name), level: n.level + 1})
			}
		}
	}

	t.logger.Debug("Listed remote tree",
		logging.F("path", p),
		logging.F("entries", len(entries)),
	)
	return entries, nil
}

func (t *Transport) listChildren(ctx context.Context, reqCtx *types.RequestContext, parentID string) ([]*drive.File, error) {
	query := fmt.Sprintf("'%s' in parents and trashed = false", parentID)

	var files []*drive.File
	pageToken := ""
	for {
		list, err := api.ExecuteWithRetry(ctx, t.client, reqCtx, func() (*drive.FileList, error) {
			call := t.client.Service().Files.List().
				Q(query).
				PageSize(utils.DriveListPageMax).
				Fields(listFields).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			return call.Do()
		})
		if err != nil {
			return nil, err
		}
		files = append(files, list.Files...)
		if list.NextPageToken == "" {
			return files, nil
		}
		pageToken = list.NextPageToken
	}
}

// resolveFolder returns the Drive id of the folder at p, creating missing
// folders when create is set.
func (t *Transport) resolveFolder(ctx context.Context, reqCtx *types.RequestContext, p string, create bool) (string, error) {
	p = cleanPath(p)
	t.mu.Lock()
	id, ok := t.folders[p]
	t.mu.Unlock()
	if ok {
		return id, nil
	}

	parentID, err := t.resolveFolder(ctx, reqCtx, path.Dir(p), create)
	if err != nil {
		return "", err
	}

	name := path.Base(p)
	query := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		escapeQuery(name), parentID, utils.MimeTypeFolder)
	list, err := api.ExecuteWithRetry(ctx, t.client, reqCtx, func() (*drive.FileList, error) {
		return t.client.Service().Files.List().Q(query).PageSize(1).Fields("files(id)").Context(ctx).Do()
	})
	if err != nil {
		return "", err
	}

	switch {
	case len(list.Files) > 0:
		id = list.Files[0].Id
	case create:
		folder, err := api.ExecuteWithRetry(ctx, t.client, reqCtx, func() (*drive.File, error) {
			return t.client.Service().Files.Create(&drive.File{
				Name:     name,
				MimeType: utils.MimeTypeFolder,
				Parents:  []string{parentID},
			}).Fields("id").Context(ctx).Do()
		})
		if err != nil {
			return "", err
		}
		id = folder.Id
		t.logger.Info("Created remote folder", logging.F("path", p))
	default:
		return "", utils.NewCLIError(utils.ErrCodeFileNotFound, fmt.Sprintf("Remote folder not found: %s", p)).
			WithContext("path", p).
			Err()
	}

	t.mu.Lock()
	t.folders[p] = id
	t.mu.Unlock()
	return id, nil
}

// Upload creates rec's parent folders if needed and starts sending
// localPath. Files above utils.UploadResumableThreshold use the resumable
// protocol and report progress.
func (t *Transport) Upload(ctx context.Context, rec types.TransferRecord, localPath string) (*transport.Task, error) {
	reqCtx := api.NewRequestContext(ctx, rec.Account, rec.RemotePath(), types.RequestTypeUpload)

	file, err := t.fs.Open(localPath)
	if err != nil {
		return nil, utils.NewCLIError(utils.ErrCodeFileNotFound, fmt.Sprintf("Failed to open file: %s", err)).
			WithCause(err).
			Err()
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	parentID, err := t.resolveFolder(ctx, reqCtx, rec.ServerURL, true)
	if err != nil {
		file.Close()
		return nil, err
	}

	task, progress, done := t.start(rec)
	size := stat.Size()
	runCtx := t.runContext(ctx)

	go func() {
		defer t.finish(rec.OcID)
		defer file.Close()

		result, err := api.ExecuteWithRetry(runCtx, t.client, reqCtx, func() (*drive.File, error) {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			metadata := &drive.File{Name: rec.FileName, Parents: []string{parentID}}
			if rec.ContentType != "" {
				metadata.MimeType = rec.ContentType
			}
			call := t.client.Service().Files.Create(metadata).
				Media(file, googleapi.ChunkSize(utils.UploadResumableThreshold)).
				Fields("id,md5Checksum,version").
				Context(runCtx)
			if size > utils.UploadResumableThreshold {
				call = call.ProgressUpdater(func(current, _ int64) {
					send(progress, transport.Progress{BytesTransferred: current, BytesExpected: size})
				})
			}
			return call.Do()
		})

		if err == nil {
			send(progress, transport.Progress{BytesTransferred: size, BytesExpected: size})
		}
		close(progress)
		if err != nil {
			done <- transport.Result{Err: err}
			return
		}
		done <- transport.Result{OcID: result.Id, Etag: etagOf(result)}
	}()

	return task, nil
}

// Download starts fetching rec into localPath. The reported etag is the one
// the record was queued with.
func (t *Transport) Download(ctx context.Context, rec types.TransferRecord, localPath string) (*transport.Task, error) {
	reqCtx := api.NewRequestContext(ctx, rec.Account, rec.RemotePath(), types.RequestTypeDownload)

	if err := t.fs.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	out, err := t.fs.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", localPath, err)
	}

	task, progress, done := t.start(rec)
	runCtx := t.runContext(ctx)

	go func() {
		defer t.finish(rec.OcID)

		err := t.download(runCtx, reqCtx, rec, out, progress)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		close(progress)
		if err != nil {
			_ = t.fs.Remove(localPath)
			done <- transport.Result{Err: err}
			return
		}
		done <- transport.Result{Etag: rec.Etag}
	}()

	return task, nil
}

func (t *Transport) download(ctx context.Context, reqCtx *types.RequestContext, rec types.TransferRecord, out io.Writer, progress chan<- transport.Progress) error {
	resp, err := api.ExecuteWithRetry(ctx, t.client, reqCtx, func() (*http.Response, error) {
		return t.client.Service().Files.Get(rec.OcID).Context(ctx).Download()
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	expected := resp.ContentLength
	if expected < 0 {
		expected = rec.Size
	}
	w := &progressWriter{w: out, ch: progress, expected: expected}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return utils.NewCLIError(utils.ErrCodeNetworkError, fmt.Sprintf("Download failed: %s", err)).
			WithRetryable(true).
			WithCause(err).
			Err()
	}
	return nil
}

func (t *Transport) start(rec types.TransferRecord) (*transport.Task, chan<- transport.Progress, chan<- transport.Result) {
	task, progress, done := transport.NewTask(uuid.NewString(), rec.OcID, rec.Session)
	t.mu.Lock()
	t.inFlight[rec.OcID] = task
	t.mu.Unlock()
	t.wg.Add(1)
	return task, progress, done
}

func (t *Transport) finish(ocID string) {
	t.mu.Lock()
	delete(t.inFlight, ocID)
	t.mu.Unlock()
	t.wg.Done()
}

// runContext detaches a transfer from the admitting call while keeping its
// trace id. Transfers stop when the Transport is closed.
func (t *Transport) runContext(ctx context.Context) context.Context {
	return logging.ContextWithTraceID(t.base, logging.TraceIDFromContext(ctx))
}

type progressWriter struct {
	w        io.Writer
	ch       chan<- transport.Progress
	expected int64
	written  int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	send(p.ch, transport.Progress{BytesTransferred: p.written, BytesExpected: p.expected})
	return n, err
}

// send drops the update when the consumer is behind.
func send(ch chan<- transport.Progress, p transport.Progress) {
	select {
	case ch <- p:
	default:
	}
}

func toEntry(f *drive.File, parent string) types.RemoteEntry {
	return types.RemoteEntry{
		IsDir:        f.MimeType == utils.MimeTypeFolder,
		OcID:         f.Id,
		FileName:     f.Name,
		Etag:         etagOf(f),
		ServerURL:    parent,
		Size:         f.Size,
		ContentType:  f.MimeType,
		E2EEncrypted: f.AppProperties[utils.AppPropertyE2EE] == "true",
	}
}

// etagOf prefers the content checksum; folders and Google Docs only carry a
// version number.
func etagOf(f *drive.File) string {
	if f.Md5Checksum != "" {
		return f.Md5Checksum
	}
	return strconv.FormatInt(f.Version, 10)
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
