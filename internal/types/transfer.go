package types

import (
	"path"
	"time"
)

// TransferStatus is the lifecycle state of a queued transfer.
type TransferStatus string

const (
	StatusWaitUpload    TransferStatus = "waitUpload"
	StatusUploading     TransferStatus = "uploading"
	StatusUploadError   TransferStatus = "uploadError"
	StatusWaitDownload  TransferStatus = "waitDownload"
	StatusDownloading   TransferStatus = "downloading"
	StatusDownloadError TransferStatus = "downloadError"
)

// Session names the transport lane a transfer runs on.
type Session string

const (
	SessionUpload     Session = "upload"
	SessionBackground Session = "background"
	// SessionExtension transfers are owned by another process and never admitted here.
	SessionExtension Session = "extension"
	SessionDownload  Session = "download"
)

// Selector is the queue class of a transfer. Classes are admitted in
// UploadSelectors order.
type Selector string

const (
	SelectorUploadFile          Selector = "uploadFile"
	SelectorUploadAutoUpload    Selector = "uploadAutoUpload"
	SelectorUploadAutoUploadAll Selector = "uploadAutoUploadAll"
	SelectorDownloadFile        Selector = "downloadFile"
)

// UploadSelectors lists upload classes from highest to lowest priority.
var UploadSelectors = []Selector{
	SelectorUploadFile,
	SelectorUploadAutoUpload,
	SelectorUploadAutoUploadAll,
}

// IsAutoUpload reports whether s was queued by the folder scanner.
func (s Selector) IsAutoUpload() bool {
	return s == SelectorUploadAutoUpload || s == SelectorUploadAutoUploadAll
}

// TransferRecord is one queued upload or download.
type TransferRecord struct {
	OcID                  string         `json:"ocId"`
	Account               string         `json:"account"`
	FileName              string         `json:"fileName"`
	ServerURL             string         `json:"serverUrl"`
	Status                TransferStatus `json:"status"`
	Session               Session        `json:"session"`
	SessionSelector       Selector       `json:"sessionSelector"`
	SessionTaskIdentifier string         `json:"sessionTaskIdentifier,omitempty"`
	SessionError          string         `json:"sessionError,omitempty"`
	ErrorCount            int            `json:"errorCount"`
	Size                  int64          `json:"size"`
	Etag                  string         `json:"etag,omitempty"`
	ContentType           string         `json:"contentType,omitempty"`
	IsLivePhoto           bool           `json:"isLivePhoto"`
	IsVideo               bool           `json:"isVideo"`
	SourcePath            string         `json:"sourcePath,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

// RemotePath is the full server path of the file.
func (r TransferRecord) RemotePath() string {
	return path.Join(r.ServerURL, r.FileName)
}

// RemoteEntry is one item returned by a directory listing.
type RemoteEntry struct {
	IsDir        bool   `json:"isDir"`
	OcID         string `json:"ocId"`
	FileName     string `json:"fileName"`
	Etag         string `json:"etag"`
	ServerURL    string `json:"serverUrl"`
	Size         int64  `json:"size"`
	ContentType  string `json:"contentType,omitempty"`
	E2EEncrypted bool   `json:"e2eEncrypted"`
}

// DirectoryRecord caches a remote directory's metadata.
type DirectoryRecord struct {
	OcID         string    `json:"ocId"`
	Account      string    `json:"account"`
	ServerURL    string    `json:"serverUrl"`
	FileName     string    `json:"fileName"`
	Etag         string    `json:"etag"`
	E2EEncrypted bool      `json:"e2eEncrypted"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Path is the directory's own server path.
func (d DirectoryRecord) Path() string {
	return path.Join(d.ServerURL, d.FileName)
}

// LocalFile marks that a copy of OcID exists in local storage at Etag.
type LocalFile struct {
	OcID      string    `json:"ocId"`
	Account   string    `json:"account"`
	FileName  string    `json:"fileName"`
	Etag      string    `json:"etag"`
	UpdatedAt time.Time `json:"updatedAt"`
}
