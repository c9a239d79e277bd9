// Package errors provides a structured error system for tiercache with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for tiercache operations.
type ErrorCode string

const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Caller Errors
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeInvalidPolicy   ErrorCode = "INVALID_POLICY"

	// Lookup Errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Network Errors
	ErrCodeFetchFailed       ErrorCode = "FETCH_FAILED"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeHTTPStatus        ErrorCode = "HTTP_STATUS"
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"

	// Decode Errors
	ErrCodeDecodeFailed ErrorCode = "DECODE_FAILED"

	// Storage Errors
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Operation Errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeComponentStopped  ErrorCode = "COMPONENT_STOPPED"

	// Internal System Errors
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryCaller        ErrorCategory = "caller"
	CategoryLookup        ErrorCategory = "lookup"
	CategoryNetwork       ErrorCategory = "network"
	CategoryDecode        ErrorCategory = "decode"
	CategoryStorage       ErrorCategory = "storage"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// TierCacheError represents a structured error with context and metadata.
type TierCacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *TierCacheError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *TierCacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *TierCacheError) Is(target error) bool {
	if t, ok := target.(*TierCacheError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *TierCacheError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("TierCacheError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new tiercache error with default values.
func NewError(code ErrorCode, message string) *TierCacheError {
	return &TierCacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *TierCacheError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error with the given code that wraps cause.
func Wrap(cause error, code ErrorCode, message string) *TierCacheError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeMissingConfig, ErrCodeConfigValidation, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeInvalidArgument, ErrCodeInvalidPolicy:
		return CategoryCaller
	case ErrCodeNotFound:
		return CategoryLookup
	case ErrCodeFetchFailed, ErrCodeNetworkError, ErrCodeConnectionTimeout, ErrCodeHTTPStatus, ErrCodeCircuitOpen:
		return CategoryNetwork
	case ErrCodeDecodeFailed:
		return CategoryDecode
	case ErrCodeStorageRead, ErrCodeStorageWrite:
		return CategoryStorage
	case ErrCodeOperationCanceled, ErrCodeOperationTimeout, ErrCodeComponentStopped:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeNetworkError:      true,
		ErrCodeConnectionTimeout: true,
		ErrCodeOperationTimeout:  true,
	}
	return retryableCodes[code]
}

// CodeOf returns the code of the first TierCacheError in err's chain, or
// the empty code.
func CodeOf(err error) ErrorCode {
	var tcErr *TierCacheError
	if stderrors.As(err, &tcErr) {
		return tcErr.Code
	}
	return ""
}

// HasCode reports whether any TierCacheError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &TierCacheError{Code: code})
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var tcErr *TierCacheError
	if stderrors.As(err, &tcErr) {
		return tcErr.Retryable
	}
	return false
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *TierCacheError) WithContext(key, value string) *TierCacheError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *TierCacheError) WithDetail(key string, value interface{}) *TierCacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *TierCacheError) WithComponent(component string) *TierCacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *TierCacheError) WithOperation(operation string) *TierCacheError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *TierCacheError) WithCause(cause error) *TierCacheError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryable flag
func (e *TierCacheError) WithRetryable(retryable bool) *TierCacheError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *TierCacheError) WithStack() *TierCacheError {
	e.Stack = CaptureStack(2)
	return e
}
