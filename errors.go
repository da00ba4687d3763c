package go_otdoa

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Standard OTDOA Error Types
//
// These errors follow Go 1.13+ error wrapping conventions and can be
// checked using errors.Is() and errors.As(). Engine operations return a
// *TransferError carrying the classified ResponseStatus; StatusOf recovers it.

// Sentinel errors for common transfer failures
var (
	// ErrWouldBlock is returned by a non-blocking Transport.Recv when no data is ready.
	ErrWouldBlock = errors.New("otdoa: operation would block")

	// ErrNotBound indicates Connect was called before Bind resolved a server address.
	ErrNotBound = errors.New("otdoa: transport not bound")

	// ErrNotConnected indicates an I/O operation without an open connection.
	ErrNotConnected = errors.New("otdoa: not connected to server")

	// ErrBufferFull indicates the session buffer cannot hold the pending response.
	ErrBufferFull = errors.New("otdoa: session buffer full")

	// ErrNoBuffer indicates a receive was attempted without an acquired session buffer.
	ErrNoBuffer = errors.New("otdoa: session buffer not acquired")

	// ErrRequestOverflow indicates a formatted request does not fit the session buffer.
	ErrRequestOverflow = errors.New("otdoa: request exceeds buffer")

	// ErrRetryLimit indicates the receive poller gave up after too many would-block reads.
	ErrRetryLimit = errors.New("otdoa: receive retry limit reached")

	// ErrCancelled indicates a cooperative stop or context cancellation interrupted a transfer.
	ErrCancelled = errors.New("otdoa: transfer cancelled")

	// ErrServerClosed indicates the server closed the connection before sending a header.
	ErrServerClosed = errors.New("otdoa: server closed connection")

	// ErrHeaderDelimiter indicates the response has no blank line terminating the header.
	ErrHeaderDelimiter = errors.New("otdoa: header terminator not found")

	// ErrUnrecognizedStatus indicates the status line carries a code the agent does not handle.
	ErrUnrecognizedStatus = errors.New("otdoa: unrecognized response code")

	// ErrMissingHeader indicates a required response header is absent.
	ErrMissingHeader = errors.New("otdoa: required header missing")

	// ErrInvalidHeader indicates a response header value failed validation.
	ErrInvalidHeader = errors.New("otdoa: invalid header value")

	// ErrInvalidCellID indicates cell id 0 was passed where a real ECGI is required.
	ErrInvalidCellID = errors.New("otdoa: invalid cell id")

	// ErrCellNotFound indicates Blacklist.Clear found no slot for the cell.
	ErrCellNotFound = errors.New("otdoa: cell not in blacklist")

	// ErrCellBlacklisted indicates the requested cell is still serving a blacklist penalty.
	ErrCellBlacklisted = errors.New("otdoa: cell is blacklisted")

	// ErrMessageTooLarge indicates an encoded message exceeds the block size.
	ErrMessageTooLarge = errors.New("otdoa: message exceeds block size")

	// ErrPoolExhausted indicates every message block is in flight. It is a
	// backpressure signal; the caller may retry.
	ErrPoolExhausted = errors.New("otdoa: message pool exhausted")

	// ErrDispatcherClosed indicates Enqueue was called after Close.
	ErrDispatcherClosed = errors.New("otdoa: dispatcher is closed")

	// ErrUnknownQueue indicates a queue id other than QUEUE_HTTP or QUEUE_RS.
	ErrUnknownQueue = errors.New("otdoa: unknown queue")

	// ErrUnexpectedMessage indicates the engine received a message kind it does not handle.
	ErrUnexpectedMessage = errors.New("otdoa: unexpected message")

	// ErrMessageParsing indicates a pool block could not be decoded into a message.
	ErrMessageParsing = errors.New("otdoa: message parsing failed")

	// ErrNoDecryptor indicates an encrypted transfer was negotiated without a Decryptor.
	ErrNoDecryptor = errors.New("otdoa: no decryptor configured")

	// ErrSinkNotStarted indicates Write or Finish before AlmanacSink.Start.
	ErrSinkNotStarted = errors.New("otdoa: almanac sink not started")

	// ErrDecompress indicates a compressed almanac could not be inflated.
	ErrDecompress = errors.New("otdoa: almanac decompression failed")

	// ErrUploadRejected indicates the upload response lacked the success marker.
	ErrUploadRejected = errors.New("otdoa: upload not accepted by server")

	// ErrInvalidConfiguration indicates a Config value failed validation.
	ErrInvalidConfiguration = errors.New("otdoa: invalid configuration")

	// ErrInvalidArgument indicates a nil or invalid argument was passed to a public API method.
	ErrInvalidArgument = errors.New("otdoa: invalid argument (nil or empty value)")
)

// TransferError carries the classified status of a failed engine step.
type TransferError struct {
	Status ResponseStatus // Classified outcome
	Op     string         // Step that produced it (e.g., "auth", "range", "config")
	Err    error          // Underlying error, may be nil for plain HTTP statuses
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("otdoa: %s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("otdoa: %s: %s: %v", e.Op, e.Status, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// NewTransferError creates a TransferError with the given parameters.
//
// Example:
//
//	if status != StatusOK {
//	    return NewTransferError(status, "range", nil)
//	}
func NewTransferError(status ResponseStatus, op string, err error) error {
	return &TransferError{
		Status: status,
		Op:     op,
		Err:    err,
	}
}

// StatusOf extracts the ResponseStatus carried by err. A nil error is
// StatusOK, cancellation is StatusCancelled, and any other untyped error is a
// network failure.
func StatusOf(err error) ResponseStatus {
	if err == nil {
		return StatusOK
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Status
	}
	if errors.Is(err, ErrCancelled) {
		return StatusCancelled
	}
	return StatusNetworkError
}

// ProtocolError represents a malformed server response.
type ProtocolError struct {
	Message string // Human-readable error description
	Code    int    // HTTP status code of the offending response, 0 if unknown
	Fatal   bool   // Whether the transfer must be abandoned
}

func (e *ProtocolError) Error() string {
	severity := "non-fatal"
	if e.Fatal {
		severity = "fatal"
	}
	return fmt.Sprintf("otdoa: %s protocol error (code %d): %s", severity, e.Code, e.Message)
}

// NewProtocolError creates a ProtocolError.
func NewProtocolError(message string, code int, fatal bool) error {
	return &ProtocolError{
		Message: message,
		Code:    code,
		Fatal:   fatal,
	}
}

// temporary is implemented by errors that know whether a retry can succeed.
type temporary interface {
	Temporary() bool
}

// IsTemporary reports whether err is a transient condition worth retrying:
// pool exhaustion, a would-block read, or an error that says so itself.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrWouldBlock) {
		return true
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

// IsFatal reports whether err must abandon the transfer.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Fatal
	}
	return errors.Is(err, ErrDispatcherClosed) || errors.Is(err, ErrCancelled)
}

// headerError builds a classifier failure with the offending header attached.
func headerError(code int, key string, err error) error {
	return oops.
		In("classifier").
		Code("invalid_header").
		With("status_code", code).
		With("header", key).
		Wrapf(err, "header %q", key)
}
