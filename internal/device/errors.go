package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies capture device failures
type ErrorCode string

const (
	PermissionDenied ErrorCode = "permission_denied"
	DeviceNotFound   ErrorCode = "device_not_found"
	DeviceBusy       ErrorCode = "device_busy"
	Unknown          ErrorCode = "unknown"
)

// CaptureError is a typed device acquisition or capture failure
type CaptureError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, message string, err error) *CaptureError {
	return &CaptureError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code from an error chain, or Unknown
func CodeOf(err error) ErrorCode {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Unknown
}

// classifyStderr maps capture backend diagnostics to a typed error code
func classifyStderr(stderr string) ErrorCode {
	s := strings.ToLower(stderr)

	switch {
	case strings.Contains(s, "permission denied"),
		strings.Contains(s, "access denied"),
		strings.Contains(s, "not authorized"):
		return PermissionDenied
	case strings.Contains(s, "no such file"),
		strings.Contains(s, "no such device"),
		strings.Contains(s, "not found"),
		strings.Contains(s, "cannot find"),
		strings.Contains(s, "unknown input"):
		return DeviceNotFound
	case strings.Contains(s, "device or resource busy"),
		strings.Contains(s, "in use"):
		return DeviceBusy
	default:
		return Unknown
	}
}
