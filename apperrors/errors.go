package apperrors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a failure for retry decisions.
type ErrorCode string

const (
	ErrCodeStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeTelegramTransient ErrorCode = "TELEGRAM_TRANSIENT"
	ErrCodeTelegramPermanent ErrorCode = "TELEGRAM_PERMANENT"
	ErrCodeDetectionFailed   ErrorCode = "DETECTION_FAILED"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
)

// ErrStoreUnavailable is matched by errors.Is for every busy/locked/timeout
// condition reported by a store backend.
var ErrStoreUnavailable = errors.New("store unavailable")

// AppError is a typed application error.
type AppError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	UserID  int64
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

// Is lets errors.Is(err, ErrStoreUnavailable) match store failures even when
// the underlying driver error is something else.
func (e *AppError) Is(target error) bool {
	return target == ErrStoreUnavailable && e.Code == ErrCodeStoreUnavailable
}

// WithDetail attaches a detail to the error.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithUserID attaches the affected user.
func (e *AppError) WithUserID(userID int64) *AppError {
	e.UserID = userID
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	appErr := New(code, message)
	appErr.Cause = err
	return appErr
}

// NewStoreUnavailable wraps a busy or unreachable store condition.
func NewStoreUnavailable(operation string, err error) *AppError {
	return Wrap(err, ErrCodeStoreUnavailable, fmt.Sprintf("store operation failed: %s", operation)).
		WithDetail("operation", operation)
}

// NewTelegramError wraps a failed platform call. Transient failures are
// retried by redelivery, permanent ones are skipped.
func NewTelegramError(operation string, err error, transient bool) *AppError {
	code := ErrCodeTelegramPermanent
	if transient {
		code = ErrCodeTelegramTransient
	}
	return Wrap(err, code, fmt.Sprintf("telegram operation failed: %s", operation)).
		WithDetail("operation", operation)
}

// NewRateLimitError is a transient platform failure carrying retry_after.
func NewRateLimitError(operation string, retryAfter time.Duration, err error) *AppError {
	return NewTelegramError(operation, err, true).
		WithDetail("retry_after", retryAfter.String())
}

func NewDetectionError(err error) *AppError {
	return Wrap(err, ErrCodeDetectionFailed, "automation detection failed")
}

func NewInvalidInput(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

// AsAppError extracts an AppError from the chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsTransient reports whether retrying the same operation later can succeed.
// Context cancellation counts as transient so the event is redelivered.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == ErrCodeTelegramTransient
	}
	return false
}

// IsPermanent reports whether the operation can never succeed as issued.
func IsPermanent(err error) bool {
	if err == nil || IsTransient(err) {
		return false
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == ErrCodeTelegramPermanent || appErr.Code == ErrCodeInvalidInput
	}
	return false
}
