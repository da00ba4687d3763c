package go_otdoa

import "testing"

// TestDownloadStatusFor tests the mapping to callback statuses.
func TestDownloadStatusFor(t *testing.T) {
	tests := []struct {
		status ResponseStatus
		want   DownloadStatus
	}{
		{StatusOK, DownloadSuccess},
		{StatusError, DownloadOtherError},
		{StatusNotReady, DownloadOtherError},
		{StatusPartialContent, DownloadOtherError},
		{StatusCancelled, DownloadCancelled},
		{StatusBadRequest, DownloadBadRequest},
		{StatusUnauthorized, DownloadAuthFail},
		{StatusConflict, DownloadServerErrorRetryOK},
		{StatusGone, DownloadServerErrorRetryOK},
		{StatusUnprocessableContent, DownloadServerErrorRetryOK},
		{StatusTooManyRequests, DownloadServerErrorRetryOK},
		{StatusInternalServerError, DownloadServerErrorNoRetry},
		{StatusBadConfig, DownloadBadConfig},
		{StatusMessageError, DownloadFailNetworkConn},
		{StatusRegistrationError, DownloadFailNetworkConn},
		{StatusNetworkError, DownloadFailNetworkConn},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := DownloadStatusFor(tt.status); got != tt.want {
				t.Errorf("DownloadStatusFor(%s) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

// TestRetryActionFor tests the attempt policy table.
func TestRetryActionFor(t *testing.T) {
	tests := []struct {
		status ResponseStatus
		want   retryAction
	}{
		{StatusOK, actionSucceed},
		{StatusPartialContent, actionSucceed},
		{StatusTooManyRequests, actionRetry},
		{StatusConflict, actionRetry},
		{StatusNotReady, actionRetryAfterDelay},
		{StatusBadRequest, actionBlacklist},
		{StatusUnprocessableContent, actionBlacklist},
		{StatusUnauthorized, actionFail},
		{StatusGone, actionFail},
		{StatusInternalServerError, actionFail},
		{StatusCancelled, actionFail},
		{StatusMessageError, actionFail},
		{StatusNetworkError, actionFail},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := retryActionFor(tt.status); got != tt.want {
				t.Errorf("retryActionFor(%s) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

// TestStatusStrings tests names, including out-of-range values.
func TestStatusStrings(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{StatusNotReady.String(), "NOT_READY"},
		{StatusNetworkError.String(), "NETWORK_ERROR"},
		{ResponseStatus(99).String(), "ResponseStatus(99)"},
		{DownloadFailNetworkConn.String(), "FAIL_NTWK_CONN"},
		{DownloadOtherError.String(), "OTHER_ERROR"},
		{DownloadStatus(-1).String(), "DownloadStatus(-1)"},
		{actionRetryAfterDelay.String(), "retry-after-delay"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}
