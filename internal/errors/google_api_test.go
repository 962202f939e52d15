package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"google.golang.org/api/googleapi"
)

func TestClassifyGoogleAPIError(t *testing.T) {
	reqCtx := &types.RequestContext{TraceID: "trace", Path: "/Photos", RequestType: types.RequestTypeList}

	tests := []struct {
		name      string
		err       error
		wantCode  string
		retryable bool
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, utils.ErrCodeAuthExpired, false},
		{"not found", &googleapi.Error{Code: 404}, utils.ErrCodeFileNotFound, false},
		{"throttled", &googleapi.Error{Code: 429}, utils.ErrCodeRateLimited, true},
		{"server error", &googleapi.Error{Code: 503}, utils.ErrCodeNetworkError, true},
		{"quota", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "storageQuotaExceeded"}}}, utils.ErrCodeQuotaExceeded, false},
		{"user rate limit", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, utils.ErrCodeRateLimited, true},
		{"forbidden", &googleapi.Error{Code: 403}, utils.ErrCodePermissionDenied, false},
		{"wrapped api error", fmt.Errorf("list: %w", &googleapi.Error{Code: 500}), utils.ErrCodeNetworkError, true},
		{"deadline", context.DeadlineExceeded, utils.ErrCodeTimeout, true},
		{"cancelled", context.Canceled, utils.ErrCodeCancelled, false},
		{"plain network error", errors.New("connection reset by peer"), utils.ErrCodeNetworkError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyGoogleAPIError(tt.err, reqCtx, logging.NewNoOpLogger())
			if got := utils.Code(err); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
			if got := utils.IsRetryable(err); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
			if !errors.Is(err, tt.err) {
				t.Error("original error should remain reachable")
			}
		})
	}
}

func TestClassifyGoogleAPIError_Nil(t *testing.T) {
	if err := ClassifyGoogleAPIError(nil, nil, logging.NewNoOpLogger()); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
