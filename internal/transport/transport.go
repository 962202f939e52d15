// Package transport defines the boundary between the sync core and the
// remote server.
package transport

import (
	"context"

	"github.com/dl-alexandre/ncsync/internal/types"
)

// Depth controls how far ListDirectory descends.
type Depth int

const (
	DepthZero     Depth = 0
	DepthOne      Depth = 1
	DepthInfinity Depth = -1
)

// ListOptions tunes a listing request.
type ListOptions struct {
	ShowHidden bool
}

// Progress is one byte-count update from a running transfer.
type Progress struct {
	BytesTransferred int64
	BytesExpected    int64
}

// Result is the terminal outcome of a transfer. Etag is the server's
// version of the file after a successful upload or download. OcID is the id
// the server assigned to an uploaded file; it is empty when the transfer
// kept the record's id.
type Result struct {
	OcID string
	Etag string
	Err  error
}

// Task is a transfer handed off to the transport. Progress is closed before
// Done delivers exactly one Result.
type Task struct {
	ID       string
	OcID     string
	Session  types.Session
	Progress <-chan Progress
	Done     <-chan Result
}

// Client is implemented by remote backends.
type Client interface {
	// Upload starts sending localPath to rec's remote location.
	Upload(ctx context.Context, rec types.TransferRecord, localPath string) (*Task, error)
	// Download starts fetching rec into localPath.
	Download(ctx context.Context, rec types.TransferRecord, localPath string) (*Task, error)
	// ListDirectory returns the entries below path. With DepthInfinity the
	// whole subtree is returned, parents before children.
	ListDirectory(ctx context.Context, account, path string, depth Depth, opts ListOptions) ([]types.RemoteEntry, error)
	// InFlight returns the ocIds of transfers the transport is still running.
	InFlight(ctx context.Context) (map[string]struct{}, error)
}

// NewTask builds a Task together with the channels its producer writes to.
func NewTask(id, ocID string, session types.Session) (*Task, chan<- Progress, chan<- Result) {
	progress := make(chan Progress, 16)
	done := make(chan Result, 1)
	return &Task{
		ID:       id,
		OcID:     ocID,
		Session:  session,
		Progress: progress,
		Done:     done,
	}, progress, done
}
