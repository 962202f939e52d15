package types

// RequestType classifies a remote call for logging and error context.
type RequestType string

const (
	RequestTypeList     RequestType = "list"
	RequestTypeGetByID  RequestType = "getById"
	RequestTypeUpload   RequestType = "upload"
	RequestTypeDownload RequestType = "download"
	RequestTypeMutation RequestType = "mutation"
)

// RequestContext carries per-call tracing data through the Drive client.
type RequestContext struct {
	Account     string
	Path        string
	RequestType RequestType
	TraceID     string
}
