package scanner

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies a session failure for programmatic handling.
type ErrorCode int

// Precondition failures (100-199)
const (
	ErrCodeNotInitialized ErrorCode = iota + 100
	ErrCodeNotConnected
	ErrCodeUnsupported
	ErrCodePermissionDenied
	ErrCodePermissionPending
	ErrCodeAlreadyScanning
)

// Backend failures (200-299)
const (
	ErrCodeBackend ErrorCode = iota + 200
	ErrCodeTimeout
)

// Session failures (300-399)
const (
	ErrCodeSessionClosed ErrorCode = iota + 300
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeNotInitialized:    "NOT_INITIALIZED",
	ErrCodeNotConnected:      "NOT_CONNECTED",
	ErrCodeUnsupported:       "UNSUPPORTED",
	ErrCodePermissionDenied:  "PERMISSION_DENIED",
	ErrCodePermissionPending: "PERMISSION_PENDING",
	ErrCodeAlreadyScanning:   "ALREADY_SCANNING",
	ErrCodeBackend:           "BACKEND_FAILURE",
	ErrCodeTimeout:           "TIMEOUT",
	ErrCodeSessionClosed:     "SESSION_CLOSED",
}

// String returns the wire name of the code.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", int(c))
}

// ScannerError carries a code, the failing operation and an optional cause.
type ScannerError struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *ScannerError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *ScannerError) Unwrap() error {
	return e.Cause
}

// Is matches any ScannerError with the same code.
func (e *ScannerError) Is(target error) bool {
	if t, ok := target.(*ScannerError); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotInitialized    = &ScannerError{Code: ErrCodeNotInitialized, Message: "scanner not initialized"}
	ErrNotConnected      = &ScannerError{Code: ErrCodeNotConnected, Message: "reader not connected"}
	ErrUnsupported       = &ScannerError{Code: ErrCodeUnsupported, Message: "not supported in legacy mode"}
	ErrPermissionDenied  = &ScannerError{Code: ErrCodePermissionDenied, Message: "BLE permissions denied"}
	ErrPermissionPending = &ScannerError{Code: ErrCodePermissionPending, Message: "permission request already in progress"}
	ErrAlreadyScanning   = &ScannerError{Code: ErrCodeAlreadyScanning, Message: "scan already running"}
	ErrSessionClosed     = &ScannerError{Code: ErrCodeSessionClosed, Message: "session closed"}
)

func newError(code ErrorCode, op, message string) *ScannerError {
	return &ScannerError{Code: code, Op: op, Message: message}
}

// NewBackendError wraps a failure raised by a hardware backend.
func NewBackendError(op, message string, cause error) *ScannerError {
	return &ScannerError{
		Code:    ErrCodeBackend,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

// NewTimeoutError reports an operation that did not finish in time.
func NewTimeoutError(op string, cause error) *ScannerError {
	return &ScannerError{
		Code:    ErrCodeTimeout,
		Op:      op,
		Message: "timed out",
		Cause:   cause,
	}
}

// GetErrorCode extracts the code from err, or 0 when err is not a ScannerError.
func GetErrorCode(err error) ErrorCode {
	var scanErr *ScannerError
	if errors.As(err, &scanErr) {
		return scanErr.Code
	}
	return 0
}

// CodeName returns the wire code for err. Unknown errors map to BACKEND_FAILURE.
func CodeName(err error) string {
	if code := GetErrorCode(err); code != 0 {
		return code.String()
	}
	return ErrCodeBackend.String()
}

// IsNotInitializedError reports whether err means no backend handle is open.
func IsNotInitializedError(err error) bool {
	return GetErrorCode(err) == ErrCodeNotInitialized
}

// IsNotConnectedError reports whether err means the BLE reader is not connected.
func IsNotConnectedError(err error) bool {
	return GetErrorCode(err) == ErrCodeNotConnected
}

// IsUnsupportedError reports whether err means the operation needs another mode.
func IsUnsupportedError(err error) bool {
	return GetErrorCode(err) == ErrCodeUnsupported
}

// IsPermissionError reports whether err came from the permission gate.
func IsPermissionError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrCodePermissionDenied || code == ErrCodePermissionPending
}
