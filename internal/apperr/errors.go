// Package apperr defines the error taxonomy shared by every layer of the
// chat orchestration core: a typed code paired with optional details.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a class of failure independent of its message text.
type ErrorCode string

const (
	// Domain codes.
	UnknownConversation ErrorCode = "UNKNOWN_CONVERSATION"
	UnknownSender       ErrorCode = "UNKNOWN_SENDER"
	NotMember           ErrorCode = "NOT_MEMBER"
	AlreadyMember       ErrorCode = "ALREADY_MEMBER"
	LimitExceeded       ErrorCode = "LIMIT_EXCEEDED"
	QueueFull           ErrorCode = "QUEUE_FULL"
	DeliveryFailure     ErrorCode = "DELIVERY_FAILURE"
	StorageError        ErrorCode = "STORAGE_ERROR"
	AITimeout           ErrorCode = "AI_TIMEOUT"
	AIError             ErrorCode = "AI_ERROR"

	// Ambient HTTP-surface codes.
	BadRequest       ErrorCode = "BAD_REQUEST"
	ValidationFailed ErrorCode = "VALIDATION_FAILED"
	Unauthorized     ErrorCode = "UNAUTHORIZED"
	NotFound         ErrorCode = "NOT_FOUND"
	InternalServer   ErrorCode = "INTERNAL_SERVER_ERROR"
	ConfigError      ErrorCode = "CONFIG_ERROR"
)

// StatusCodes maps each ErrorCode to the HTTP status it should surface as.
var StatusCodes = map[ErrorCode]int{
	UnknownConversation: http.StatusNotFound,
	UnknownSender:       http.StatusNotFound,
	NotMember:           http.StatusForbidden,
	AlreadyMember:       http.StatusConflict,
	LimitExceeded:       http.StatusTooManyRequests,
	QueueFull:           http.StatusServiceUnavailable,
	DeliveryFailure:     http.StatusBadGateway,
	StorageError:        http.StatusInternalServerError,
	AITimeout:           http.StatusGatewayTimeout,
	AIError:             http.StatusBadGateway,

	BadRequest:       http.StatusBadRequest,
	ValidationFailed: http.StatusUnprocessableEntity,
	Unauthorized:     http.StatusUnauthorized,
	NotFound:         http.StatusNotFound,
	InternalServer:   http.StatusInternalServerError,
	ConfigError:      http.StatusInternalServerError,
}

// AppError is the single error type surfaced across package boundaries.
type AppError struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	cause     error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// StatusCode returns the HTTP status this error should render as.
func (e *AppError) StatusCode() int {
	if code, ok := StatusCodes[e.Code]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// New creates an AppError with no extra details.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Timestamp: time.Now()}
}

// NewWithDetails creates an AppError carrying structured context, e.g. the
// conversation_id/queue_depth/limit triple for a QueueFull error.
func NewWithDetails(code ErrorCode, message string, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Details: details, Timestamp: time.Now()}
}

// Wrap attaches a code to an underlying error, preserving it for Unwrap.
func Wrap(err error, code ErrorCode) *AppError {
	if err == nil {
		return nil
	}
	var existing *AppError
	if errors.As(err, &existing) {
		return existing
	}
	return &AppError{Code: code, Message: err.Error(), Timestamp: time.Now(), cause: err}
}

// WithRequestID returns a copy of the error annotated with a request id.
func (e *AppError) WithRequestID(id string) *AppError {
	clone := *e
	clone.RequestID = id
	return &clone
}

// IsAppError reports whether err is (or wraps) an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// QueueFullError builds the specific QueueFull error shape used by the
// conversation manager's admission control.
func QueueFullError(conversationID string, depth, limit int) *AppError {
	return NewWithDetails(QueueFull, "conversation queue is at capacity", map[string]any{
		"conversation_id": conversationID,
		"queue_depth":     depth,
		"limit":           limit,
	})
}
