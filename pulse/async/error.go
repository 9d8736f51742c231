package async

import (
	"context"
	"strings"

	"github.com/teranos/segpulse/errors"
)

// ErrorCode represents the classification of a step failure
type ErrorCode string

const (
	ErrorCodeFileNotFound    ErrorCode = "file_not_found"
	ErrorCodeParseError      ErrorCode = "parse_error"
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeStorageError    ErrorCode = "storage_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeInferenceError  ErrorCode = "inference_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodePanic           ErrorCode = "panic"
	ErrorCodeInterrupted     ErrorCode = "interrupted"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// errStepPanic marks errors recovered from a panicking step
var errStepPanic = errors.New("step panicked")

// ErrorContext is the structured failure recorded as a job's error_info
type ErrorContext struct {
	Stage   string    `json:"stage"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// String renders the context as stored in error_info
func (c ErrorContext) String() string {
	if c.Stage == "" {
		return string(c.Code) + ": " + c.Message
	}
	return c.Stage + ": " + string(c.Code) + ": " + c.Message
}

// ClassifyError categorizes a step error by type first, then by message
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ec := ErrorContext{Stage: stage, Message: err.Error()}

	switch {
	case errors.Is(err, errStepPanic):
		ec.Code = ErrorCodePanic
		return ec
	case errors.Is(err, context.DeadlineExceeded):
		ec.Code = ErrorCodeTimeout
		return ec
	case errors.Is(err, errors.ErrInvalidRequest):
		ec.Code = ErrorCodeValidationError
		return ec
	}

	errLower := strings.ToLower(ec.Message)
	switch {
	case strings.Contains(errLower, "no such file") || strings.Contains(errLower, "file not found"):
		ec.Code = ErrorCodeFileNotFound
	case strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "invalid character") || strings.Contains(errLower, "parse"):
		ec.Code = ErrorCodeParseError
	case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out") || strings.Contains(errLower, "timeout"):
		ec.Code = ErrorCodeTimeout
	case strings.Contains(errLower, "connection") || strings.Contains(errLower, "network") || strings.Contains(errLower, "dial"):
		ec.Code = ErrorCodeNetworkError
	case strings.Contains(errLower, "inference") || strings.Contains(errLower, "model"):
		ec.Code = ErrorCodeInferenceError
	case strings.Contains(errLower, "bucket") || strings.Contains(errLower, "storage") || strings.Contains(errLower, "artifact"):
		ec.Code = ErrorCodeStorageError
	case strings.Contains(errLower, "invalid") || strings.Contains(errLower, "validation"):
		ec.Code = ErrorCodeValidationError
	default:
		ec.Code = ErrorCodeUnknown
	}
	return ec
}
