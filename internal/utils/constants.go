package utils

// OAuth scopes
const (
	ScopeFull     = "https://www.googleapis.com/auth/drive"
	ScopeFile     = "https://www.googleapis.com/auth/drive.file"
	ScopeMetadata = "https://www.googleapis.com/auth/drive.metadata.readonly"
)

// ScopesSync is requested by `ncsync auth login`.
var ScopesSync = []string{ScopeFull}

// Retry settings
const (
	DefaultMaxRetries   = 3
	DefaultRetryDelayMs = 1000
	MaxRetryDelayMs     = 32000
)

// Drive representation of folders, and the appProperties flag that marks a
// folder as end-to-end encrypted.
const (
	MimeTypeFolder   = "application/vnd.google-apps.folder"
	AppPropertyE2EE  = "e2ee"
	DriveRootAlias   = "root"
	DriveListPageMax = 1000
)

// Upload sizes above this go through the resumable upload protocol.
const UploadResumableThreshold = 5 * 1024 * 1024 // 5 MiB
