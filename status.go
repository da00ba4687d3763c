package go_otdoa

import "fmt"

// ResponseStatus is the classified outcome of one HTTP exchange or engine step.
type ResponseStatus int

const (
	StatusOK ResponseStatus = iota
	StatusError
	StatusNotReady
	StatusPartialContent
	StatusBadRequest
	StatusUnauthorized
	StatusConflict
	StatusGone
	StatusUnprocessableContent
	StatusTooManyRequests
	StatusInternalServerError
	StatusCancelled
	StatusBadConfig
	// StatusMessageError means the server closed the connection or returned nothing usable.
	StatusMessageError
	// StatusRegistrationError means the socket could not be connected.
	StatusRegistrationError
	// StatusNetworkError covers bind failures and any unclassified error.
	StatusNetworkError
)

var responseStatusNames = map[ResponseStatus]string{
	StatusOK:                   "OK",
	StatusError:                "ERROR",
	StatusNotReady:             "NOT_READY",
	StatusPartialContent:       "PARTIAL_CONTENT",
	StatusBadRequest:           "BAD_REQUEST",
	StatusUnauthorized:         "UNAUTHORIZED",
	StatusConflict:             "CONFLICT",
	StatusGone:                 "GONE",
	StatusUnprocessableContent: "UNPROCESSABLE_CONTENT",
	StatusTooManyRequests:      "TOO_MANY_REQUESTS",
	StatusInternalServerError:  "INTERNAL_SERVER_ERROR",
	StatusCancelled:            "CANCELLED",
	StatusBadConfig:            "BAD_CONFIG",
	StatusMessageError:         "MESSAGE_ERROR",
	StatusRegistrationError:    "REGISTRATION_ERROR",
	StatusNetworkError:         "NETWORK_ERROR",
}

func (s ResponseStatus) String() string {
	if name, ok := responseStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ResponseStatus(%d)", int(s))
}

// DownloadStatus is the status reported to the completion callbacks.
type DownloadStatus int

const (
	DownloadSuccess DownloadStatus = iota
	DownloadFailNetworkConn
	DownloadServerError
	DownloadCancelled
	DownloadBadFile
	DownloadBadConfig
	DownloadBadRequest
	DownloadAuthFail
	DownloadServerErrorRetryOK
	DownloadServerErrorNoRetry
	DownloadOtherError
)

var downloadStatusNames = [...]string{
	"SUCCESS",
	"FAIL_NTWK_CONN",
	"SERVER_ERROR",
	"CANCELLED",
	"BAD_FILE",
	"BAD_CFG",
	"BAD_REQ",
	"AUTH_FAIL",
	"SERVER_ERROR_RETRY_OK",
	"SERVER_ERROR_NO_RETRY",
	"OTHER_ERROR",
}

func (s DownloadStatus) String() string {
	if s >= 0 && int(s) < len(downloadStatusNames) {
		return downloadStatusNames[s]
	}
	return fmt.Sprintf("DownloadStatus(%d)", int(s))
}

var downloadStatusFor = map[ResponseStatus]DownloadStatus{
	StatusOK:                   DownloadSuccess,
	StatusError:                DownloadOtherError,
	StatusNotReady:             DownloadOtherError,
	StatusPartialContent:       DownloadOtherError,
	StatusCancelled:            DownloadCancelled,
	StatusBadRequest:           DownloadBadRequest,
	StatusUnauthorized:         DownloadAuthFail,
	StatusConflict:             DownloadServerErrorRetryOK,
	StatusGone:                 DownloadServerErrorRetryOK,
	StatusUnprocessableContent: DownloadServerErrorRetryOK,
	StatusTooManyRequests:      DownloadServerErrorRetryOK,
	StatusInternalServerError:  DownloadServerErrorNoRetry,
	StatusBadConfig:            DownloadBadConfig,
}

// DownloadStatusFor maps an engine status to the callback vocabulary.
// Transport-level failures all surface as DownloadFailNetworkConn.
func DownloadStatusFor(s ResponseStatus) DownloadStatus {
	if ds, ok := downloadStatusFor[s]; ok {
		return ds
	}
	return DownloadFailNetworkConn
}

// retryAction is what the almanac attempt loop does after one attempt.
type retryAction int

const (
	actionFail retryAction = iota
	actionSucceed
	actionRetry
	actionRetryAfterDelay
	actionBlacklist
)

func (a retryAction) String() string {
	switch a {
	case actionSucceed:
		return "succeed"
	case actionRetry:
		return "retry"
	case actionRetryAfterDelay:
		return "retry-after-delay"
	case actionBlacklist:
		return "blacklist"
	default:
		return "fail"
	}
}

var retryPolicy = map[ResponseStatus]retryAction{
	StatusOK:                   actionSucceed,
	StatusPartialContent:       actionSucceed,
	StatusError:                actionFail,
	StatusCancelled:            actionFail,
	StatusUnauthorized:         actionFail,
	StatusInternalServerError:  actionFail,
	StatusGone:                 actionFail,
	StatusTooManyRequests:      actionRetry,
	StatusConflict:             actionRetry,
	StatusNotReady:             actionRetryAfterDelay,
	StatusBadRequest:           actionBlacklist,
	StatusUnprocessableContent: actionBlacklist,
}

// retryActionFor looks up the policy; unknown statuses fail.
func retryActionFor(s ResponseStatus) retryAction {
	if a, ok := retryPolicy[s]; ok {
		return a
	}
	return actionFail
}
