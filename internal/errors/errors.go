package errors

import (
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on Code so wrapped sentinels compare equal.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

var (
	ErrConfigNotFound = &AppError{Code: "CONFIG_001", Message: "configuration not found"}
	ErrConfigInvalid  = &AppError{Code: "CONFIG_002", Message: "invalid configuration"}

	ErrProviderNotConfigured   = &AppError{Code: "LLM_001", Message: "no LLM provider configured"}
	ErrProviderUnavailable     = &AppError{Code: "LLM_002", Message: "LLM provider unavailable"}
	ErrRateLimited             = &AppError{Code: "LLM_003", Message: "rate limit exceeded"}
	ErrContextOverflow         = &AppError{Code: "LLM_004", Message: "context window exceeded"}
	ErrContextOverflowRepeated = &AppError{Code: "LLM_005", Message: "context overflow persisted after session reset"}
	ErrRateLimitExhausted      = &AppError{Code: "LLM_006", Message: "rate limit retries exhausted"}
	ErrProviderFailed          = &AppError{Code: "LLM_007", Message: "provider call failed"}

	ErrToolNotFound         = &AppError{Code: "TOOL_001", Message: "tool not found"}
	ErrToolDisabled         = &AppError{Code: "TOOL_002", Message: "tool disabled"}
	ErrToolScopeDenied      = &AppError{Code: "TOOL_003", Message: "tool not available in this context"}
	ErrToolPermissionDenied = &AppError{Code: "TOOL_004", Message: "tool permission denied"}
	ErrToolInvalidArgs      = &AppError{Code: "TOOL_005", Message: "invalid tool arguments"}
	ErrToolTimeout          = &AppError{Code: "TOOL_006", Message: "tool execution timed out"}
	ErrToolContextMissing   = &AppError{Code: "TOOL_007", Message: "tool registry or execution context missing"}

	ErrToolDuplicate         = &AppError{Code: "REG_001", Message: "tool already registered"}
	ErrToolMissingDependency = &AppError{Code: "REG_002", Message: "tool dependency missing"}

	ErrQueueClosed = &AppError{Code: "QUEUE_001", Message: "chat queue is shutting down"}

	ErrSessionNotFound = &AppError{Code: "SESSION_001", Message: "session not found"}

	ErrMemoryNotFound = &AppError{Code: "MEMORY_001", Message: "memory not found"}

	ErrChannelNotConfigured = &AppError{Code: "CHAN_001", Message: "channel not configured"}
	ErrChannelUnavailable   = &AppError{Code: "CHAN_002", Message: "channel unavailable"}

	ErrUnauthorized = &AppError{Code: "AUTH_001", Message: "unauthorized"}
	ErrForbidden    = &AppError{Code: "AUTH_002", Message: "forbidden"}

	ErrNotFound   = &AppError{Code: "GEN_001", Message: "resource not found"}
	ErrBadRequest = &AppError{Code: "GEN_002", Message: "bad request"}
	ErrInternal   = &AppError{Code: "GEN_003", Message: "internal error"}
)

func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WithCause returns a copy of sentinel carrying cause.
func WithCause(sentinel *AppError, cause error) *AppError {
	return &AppError{
		Code:    sentinel.Code,
		Message: sentinel.Message,
		Cause:   cause,
	}
}
