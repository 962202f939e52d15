package utils

import (
	"errors"
	"fmt"
)

// Exit codes
const (
	ExitSuccess = 0
	// Configuration errors (10-19)
	ExitConfigurationMissing = 10
	ExitInvalidConfiguration = 11
	// Auth errors (20-29)
	ExitAuthRequired        = 20
	ExitAuthExpired         = 21
	ExitAuthorizationDenied = 22
	// Transfer errors (30-39)
	ExitTransportFailure = 30
	ExitListingFailure   = 31
	ExitBudgetExceeded   = 32
	ExitRateLimited      = 33
	ExitTimeout          = 34
	// Validation errors (40-49)
	ExitInvalidArgument = 40
	ExitFileNotFound    = 41
	// Storage errors (50-59)
	ExitStoreFailure = 50
	// Unknown
	ExitUnknown = 99
)

// Error codes (tool-owned, stable)
const (
	ErrCodeConfigurationMissing = "CONFIGURATION_MISSING"
	ErrCodeInvalidConfiguration = "INVALID_CONFIGURATION"
	ErrCodeBudgetExceeded       = "BUDGET_EXCEEDED"
	ErrCodeTransportFailure     = "TRANSPORT_FAILURE"
	ErrCodeListingFailure       = "LISTING_FAILURE"
	ErrCodeAuthorizationDenied  = "AUTHORIZATION_DENIED"
	ErrCodeAuthRequired         = "AUTH_REQUIRED"
	ErrCodeAuthExpired          = "AUTH_EXPIRED"
	ErrCodeFileNotFound         = "FILE_NOT_FOUND"
	ErrCodePermissionDenied     = "PERMISSION_DENIED"
	ErrCodeQuotaExceeded        = "QUOTA_EXCEEDED"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeNetworkError         = "NETWORK_ERROR"
	ErrCodeInvalidArgument      = "INVALID_ARGUMENT"
	ErrCodeStoreFailure         = "STORE_FAILURE"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeUnknown              = "UNKNOWN"
)

// CLIError is the structured form of an error surfaced to users and logs.
type CLIError struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	HTTPStatus  int                    `json:"httpStatus,omitempty"`
	DriveReason string                 `json:"driveReason,omitempty"`
	Retryable   bool                   `json:"retryable"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// CLIErrorBuilder helps construct CLIError instances
type CLIErrorBuilder struct {
	err   CLIError
	cause error
}

// NewCLIError creates a new error builder
func NewCLIError(code, message string) *CLIErrorBuilder {
	return &CLIErrorBuilder{
		err: CLIError{
			Code:    code,
			Message: message,
		},
	}
}

func (b *CLIErrorBuilder) WithHTTPStatus(status int) *CLIErrorBuilder {
	b.err.HTTPStatus = status
	return b
}

func (b *CLIErrorBuilder) WithDriveReason(reason string) *CLIErrorBuilder {
	b.err.DriveReason = reason
	return b
}

func (b *CLIErrorBuilder) WithRetryable(retryable bool) *CLIErrorBuilder {
	b.err.Retryable = retryable
	return b
}

func (b *CLIErrorBuilder) WithContext(key string, value interface{}) *CLIErrorBuilder {
	if b.err.Context == nil {
		b.err.Context = make(map[string]interface{})
	}
	b.err.Context[key] = value
	return b
}

// WithCause keeps the underlying error reachable through errors.Is/As.
func (b *CLIErrorBuilder) WithCause(err error) *CLIErrorBuilder {
	b.cause = err
	return b
}

func (b *CLIErrorBuilder) Build() CLIError {
	return b.err
}

// Err builds the AppError in one step.
func (b *CLIErrorBuilder) Err() *AppError {
	return &AppError{CLIError: b.err, cause: b.cause}
}

var exitCodes = map[string]int{
	ErrCodeConfigurationMissing: ExitConfigurationMissing,
	ErrCodeInvalidConfiguration: ExitInvalidConfiguration,
	ErrCodeBudgetExceeded:       ExitBudgetExceeded,
	ErrCodeTransportFailure:     ExitTransportFailure,
	ErrCodeListingFailure:       ExitListingFailure,
	ErrCodeAuthorizationDenied:  ExitAuthorizationDenied,
	ErrCodeAuthRequired:         ExitAuthRequired,
	ErrCodeAuthExpired:          ExitAuthExpired,
	ErrCodeFileNotFound:         ExitFileNotFound,
	ErrCodePermissionDenied:     ExitTransportFailure,
	ErrCodeQuotaExceeded:        ExitTransportFailure,
	ErrCodeRateLimited:          ExitRateLimited,
	ErrCodeTimeout:              ExitTimeout,
	ErrCodeNetworkError:         ExitTransportFailure,
	ErrCodeInvalidArgument:      ExitInvalidArgument,
	ErrCodeStoreFailure:         ExitStoreFailure,
}

// GetExitCode returns the exit code for an error code
func GetExitCode(errorCode string) int {
	if code, ok := exitCodes[errorCode]; ok {
		return code
	}
	return ExitUnknown
}

// AppError is a custom error type that carries CLI error info
type AppError struct {
	CLIError CLIError
	cause    error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.CLIError.Code, e.CLIError.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.CLIError.Code, e.CLIError.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

// NewAppError creates an AppError from a CLIError
func NewAppError(cliErr CLIError) *AppError {
	return &AppError{CLIError: cliErr}
}

// Code extracts the stable error code from err, or ErrCodeUnknown.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.CLIError.Code
	}
	return ErrCodeUnknown
}

// IsRetryable reports whether err was classified as transient.
func IsRetryable(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.CLIError.Retryable
}

// ExitCodeFor maps any error onto a process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	return GetExitCode(Code(err))
}
