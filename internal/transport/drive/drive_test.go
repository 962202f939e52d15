package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dl-alexandre/ncsync/internal/api"
	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/transport"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

var (
	nameRe   = regexp.MustCompile(`name = '((?:[^'\\]|\\.)*)'`)
	parentRe = regexp.MustCompile(`'([^']+)' in parents`)
)

// fakeDrive serves the subset of the Drive v3 API the transport uses.
type fakeDrive struct {
	mu      sync.Mutex
	files   map[string]*drive.File
	content map[string][]byte
	next    int
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		files: map[string]*drive.File{
			"root": {Id: "root", Name: "My Drive", MimeType: utils.MimeTypeFolder, Version: 1},
		},
		content: make(map[string][]byte),
	}
}

func (f *fakeDrive) add(file *drive.File, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[file.Id] = file
	if content != "" {
		f.content[file.Id] = []byte(content)
	}
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/files":
		f.list(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/files/"):
		id := strings.TrimPrefix(r.URL.Path, "/files/")
		file, ok := f.files[id]
		if !ok {
			http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			_, _ = w.Write(f.content[id])
			return
		}
		writeJSON(w, file)
	case r.Method == http.MethodPost && r.URL.Path == "/files":
		var meta drive.File
		_ = json.NewDecoder(r.Body).Decode(&meta)
		writeJSON(w, f.create(&meta, nil))
	case r.Method == http.MethodPost && r.URL.Path == "/upload/drive/v3/files":
		meta, data := readMultipart(r)
		writeJSON(w, f.create(meta, data))
	default:
		http.Error(w, "unexpected request", http.StatusBadRequest)
	}
}

func (f *fakeDrive) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	parent := parentRe.FindStringSubmatch(q)[1]
	var name string
	if m := nameRe.FindStringSubmatch(q); m != nil {
		name = strings.ReplaceAll(m[1], `\'`, `'`)
	}

	out := &drive.FileList{}
	for _, file := range f.files {
		if len(file.Parents) == 0 || file.Parents[0] != parent {
			continue
		}
		if name != "" && (file.Name != name || file.MimeType != utils.MimeTypeFolder) {
			continue
		}
		out.Files = append(out.Files, file)
	}
	sortFiles(out.Files)
	writeJSON(w, out)
}

func (f *fakeDrive) create(meta *drive.File, data []byte) *drive.File {
	f.next++
	meta.Id = fmt.Sprintf("new%d", f.next)
	meta.Version = 1
	if data != nil {
		meta.Size = int64(len(data))
		meta.Md5Checksum = fmt.Sprintf("md5-%d", len(data))
		f.content[meta.Id] = data
	}
	f.files[meta.Id] = meta
	return meta
}

func (f *fakeDrive) byName(name string) *drive.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range f.files {
		if file.Name == name {
			return file
		}
	}
	return nil
}

func readMultipart(r *http.Request) (*drive.File, []byte) {
	_, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	mr := multipart.NewReader(r.Body, params["boundary"])

	meta := &drive.File{}
	part, err := mr.NextPart()
	if err != nil {
		return meta, nil
	}
	_ = json.NewDecoder(part).Decode(meta)

	part, err = mr.NextPart()
	if err != nil {
		return meta, []byte{}
	}
	data, _ := io.ReadAll(part)
	return meta, data
}

func sortFiles(files []*drive.File) {
	for i := 1; i < len(files); i++ {
		for j := i; j > 0 && files[j].Name < files[j-1].Name; j-- {
			files[j], files[j-1] = files[j-1], files[j]
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestTransport(t *testing.T, fake *fakeDrive) (*Transport, afero.Fs) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	svc, err := drive.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	tr := New(api.NewClient(svc, 0, 1, logging.NewNoOpLogger()), fs)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, fs
}

func seedTree(fake *fakeDrive) {
	fake.add(&drive.File{Id: "A", Name: "A", MimeType: utils.MimeTypeFolder, Parents: []string{"root"}, Version: 4,
		AppProperties: map[string]string{utils.AppPropertyE2EE: "true"}}, "")
	fake.add(&drive.File{Id: "b", Name: "b.txt", MimeType: "text/plain", Parents: []string{"A"}, Md5Checksum: "e1", Size: 5}, "hello")
	fake.add(&drive.File{Id: "h", Name: ".hidden", MimeType: "text/plain", Parents: []string{"root"}, Md5Checksum: "e2", Size: 1}, "x")
}

func waitResult(t *testing.T, task *transport.Task) transport.Result {
	t.Helper()
	for range task.Progress {
	}
	select {
	case res := <-task.Done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
		return transport.Result{}
	}
}

func TestListDirectory_RecursiveSkipsHidden(t *testing.T) {
	fake := newFakeDrive()
	seedTree(fake)
	tr, _ := newTestTransport(t, fake)

	entries, err := tr.ListDirectory(context.Background(), "acct", "/", transport.DepthInfinity, transport.ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "/", entries[0].ServerURL)
	assert.True(t, entries[0].IsDir)

	assert.Equal(t, types.RemoteEntry{
		IsDir: true, OcID: "A", FileName: "A", Etag: "4", ServerURL: "/",
		ContentType: utils.MimeTypeFolder, E2EEncrypted: true,
	}, entries[1])
	assert.Equal(t, types.RemoteEntry{
		OcID: "b", FileName: "b.txt", Etag: "e1", ServerURL: "/A", Size: 5, ContentType: "text/plain",
	}, entries[2])
}

func TestListDirectory_DepthAndHidden(t *testing.T) {
	fake := newFakeDrive()
	seedTree(fake)
	tr, _ := newTestTransport(t, fake)

	entries, err := tr.ListDirectory(context.Background(), "acct", "/", transport.DepthOne, transport.ListOptions{ShowHidden: true})
	require.NoError(t, err)

	var names []string
	for _, e := range entries[1:] {
		names = append(names, e.FileName)
	}
	assert.ElementsMatch(t, []string{"A", ".hidden"}, names)

	entries, err = tr.ListDirectory(context.Background(), "acct", "/A", transport.DepthZero, transport.ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "A", entries[0].FileName)
	assert.Equal(t, "/", entries[0].ServerURL)
}

func TestListDirectory_MissingFolder(t *testing.T) {
	tr, _ := newTestTransport(t, newFakeDrive())

	_, err := tr.ListDirectory(context.Background(), "acct", "/missing", transport.DepthInfinity, transport.ListOptions{})
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeFileNotFound, utils.Code(err))
}

func TestUpload_CreatesParentsAndReportsEtag(t *testing.T) {
	fake := newFakeDrive()
	tr, fs := newTestTransport(t, fake)
	require.NoError(t, afero.WriteFile(fs, "/store/oc1/a.txt", []byte("abc"), 0600))

	rec := types.TransferRecord{OcID: "oc1", Account: "acct", FileName: "a.txt", ServerURL: "/Photos/2024",
		Session: types.SessionUpload, ContentType: "text/plain"}
	task, err := tr.Upload(context.Background(), rec, "/store/oc1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "oc1", task.OcID)

	res := waitResult(t, task)
	require.NoError(t, res.Err)
	assert.Equal(t, "md5-3", res.Etag)

	uploaded := fake.byName("a.txt")
	require.NotNil(t, uploaded)
	assert.Equal(t, uploaded.Id, res.OcID, "the server id is reported")

	photos := fake.byName("Photos")
	require.NotNil(t, photos)
	year := fake.byName("2024")
	require.NotNil(t, year)
	assert.Equal(t, []string{photos.Id}, year.Parents)
	assert.Equal(t, []string{year.Id}, uploaded.Parents)

	require.Eventually(t, func() bool {
		ids, _ := tr.InFlight(context.Background())
		return len(ids) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestUpload_MissingLocalFile(t *testing.T) {
	tr, _ := newTestTransport(t, newFakeDrive())

	_, err := tr.Upload(context.Background(), types.TransferRecord{OcID: "x", FileName: "x", ServerURL: "/"}, "/nope")
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeFileNotFound, utils.Code(err))
}

func TestDownload_WritesContent(t *testing.T) {
	fake := newFakeDrive()
	seedTree(fake)
	tr, fs := newTestTransport(t, fake)

	rec := types.TransferRecord{OcID: "b", Account: "acct", FileName: "b.txt", ServerURL: "/A", Etag: "e1", Size: 5,
		Session: types.SessionDownload}
	task, err := tr.Download(context.Background(), rec, "/store/b/b.txt")
	require.NoError(t, err)

	res := waitResult(t, task)
	require.NoError(t, res.Err)
	assert.Equal(t, "e1", res.Etag)

	data, err := afero.ReadFile(fs, "/store/b/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDownload_FailureRemovesPartialFile(t *testing.T) {
	tr, fs := newTestTransport(t, newFakeDrive())

	rec := types.TransferRecord{OcID: "gone", FileName: "g.txt", ServerURL: "/"}
	task, err := tr.Download(context.Background(), rec, "/store/gone/g.txt")
	require.NoError(t, err)

	res := waitResult(t, task)
	require.Error(t, res.Err)
	assert.Equal(t, utils.ErrCodeFileNotFound, utils.Code(res.Err))

	exists, _ := afero.Exists(fs, "/store/gone/g.txt")
	assert.False(t, exists)
}

func TestEscapeQuery(t *testing.T) {
	assert.Equal(t, `it\'s`, escapeQuery("it's"))
	assert.Equal(t, `a\\b`, escapeQuery(`a\b`))
}
