package errors

import (
	"context"
	stderrors "errors"

	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"google.golang.org/api/googleapi"
)

// ClassifyGoogleAPIError turns a Drive client error into an *utils.AppError
// carrying a stable code, retryability and a suggested action.
func ClassifyGoogleAPIError(err error, reqCtx *types.RequestContext, logger logging.Logger) error {
	if err == nil {
		return nil
	}
	if reqCtx == nil {
		reqCtx = &types.RequestContext{}
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return utils.NewCLIError(utils.ErrCodeCancelled, "operation cancelled").
			WithContext("traceId", reqCtx.TraceID).
			WithCause(err).
			Err()
	case stderrors.Is(err, context.DeadlineExceeded):
		return utils.NewCLIError(utils.ErrCodeTimeout, "operation timed out").
			WithRetryable(true).
			WithContext("traceId", reqCtx.TraceID).
			WithContext("path", reqCtx.Path).
			WithCause(err).
			Err()
	}

	var apiErr *googleapi.Error
	if !stderrors.As(err, &apiErr) {
		logger.Error("Non-API error",
			logging.F("error", err.Error()),
			logging.F("traceId", reqCtx.TraceID),
		)
		return utils.NewCLIError(utils.ErrCodeNetworkError, err.Error()).
			WithRetryable(true).
			WithContext("traceId", reqCtx.TraceID).
			WithContext("requestType", string(reqCtx.RequestType)).
			WithCause(err).
			Err()
	}

	code, retryable := classifyStatus(apiErr)

	logger.Error("API error classified",
		logging.F("httpStatus", apiErr.Code),
		logging.F("errorCode", code),
		logging.F("retryable", retryable),
		logging.F("message", apiErr.Message),
		logging.F("traceId", reqCtx.TraceID),
	)

	builder := utils.NewCLIError(code, apiErr.Message).
		WithHTTPStatus(apiErr.Code).
		WithRetryable(retryable).
		WithContext("traceId", reqCtx.TraceID).
		WithContext("requestType", string(reqCtx.RequestType)).
		WithCause(err)

	if reqCtx.Path != "" {
		builder.WithContext("path", reqCtx.Path)
	}
	if len(apiErr.Errors) > 0 {
		builder.WithDriveReason(apiErr.Errors[0].Reason)
	}
	if action := suggestedAction(code, apiErr); action != "" {
		builder.WithContext("suggestedAction", action)
	}

	return builder.Err()
}

func classifyStatus(apiErr *googleapi.Error) (string, bool) {
	switch apiErr.Code {
	case 400, 409:
		return utils.ErrCodeInvalidArgument, false
	case 401:
		return utils.ErrCodeAuthExpired, false
	case 403:
		for _, e := range apiErr.Errors {
			switch e.Reason {
			case "storageQuotaExceeded":
				return utils.ErrCodeQuotaExceeded, false
			case "userRateLimitExceeded", "rateLimitExceeded":
				return utils.ErrCodeRateLimited, true
			case "dailyLimitExceeded":
				return utils.ErrCodeRateLimited, false
			}
		}
		return utils.ErrCodePermissionDenied, false
	case 404:
		return utils.ErrCodeFileNotFound, false
	case 408:
		return utils.ErrCodeTimeout, true
	case 429:
		return utils.ErrCodeRateLimited, true
	case 500, 502, 503, 504:
		return utils.ErrCodeNetworkError, true
	default:
		return utils.ErrCodeUnknown, apiErr.Code >= 500
	}
}

func suggestedAction(code string, apiErr *googleapi.Error) string {
	switch code {
	case utils.ErrCodeAuthExpired:
		return "run 'ncsync auth login' to re-authenticate"
	case utils.ErrCodeQuotaExceeded:
		return "free up space on the server or upgrade storage"
	case utils.ErrCodeRateLimited:
		return "rate limit exceeded, retrying with backoff"
	case utils.ErrCodeFileNotFound:
		return "verify the remote path exists and is accessible"
	}
	if apiErr.Code >= 500 && apiErr.Code <= 504 {
		return "temporary server error, retrying"
	}
	return ""
}
