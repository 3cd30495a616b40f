// Package errors provides structured error handling for stevedore: a small
// taxonomy of transfer error categories, wrapping with context, and a
// retry-with-backoff helper.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrorType categorizes different kinds of transfer errors.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeProbe      ErrorType = "probe"
	ErrorTypeThrottling ErrorType = "throttling"
	ErrorTypeEndpoint   ErrorType = "endpoint"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeUnknown    ErrorType = "unknown"
)

// TransferError is a structured error with category and context.
type TransferError struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Operation string    `json:"operation"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Cause     error     `json:"-"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s error in %s for %s: %s", e.Type, e.Operation, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("%s error in %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying error.
func (e *TransferError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error is worth retrying.
func (e *TransferError) IsRetryable() bool {
	return e.Retryable
}

// Handler wraps, categorizes, logs, and retries transfer errors.
type Handler struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// NewHandler creates an error handler with default retry settings.
func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		maxRetries: 3,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
		logger:     logger,
	}
}

// WithRetryConfig configures retry behavior.
func (h *Handler) WithRetryConfig(maxRetries int, baseDelay, maxDelay time.Duration) *Handler {
	h.maxRetries = maxRetries
	h.baseDelay = baseDelay
	h.maxDelay = maxDelay
	return h
}

// Wrap creates a TransferError from a generic error.
func (h *Handler) Wrap(err error, operation, endpoint string) *TransferError {
	if err == nil {
		return nil
	}

	var te *TransferError
	if errors.As(err, &te) {
		return te
	}

	errorType, retryable := categorize(err)
	return &TransferError{
		Type:      errorType,
		Message:   err.Error(),
		Operation: operation,
		Endpoint:  endpoint,
		Cause:     err,
		Retryable: retryable,
		Timestamp: time.Now(),
	}
}

// categorize determines the error type and retry behavior from the error
// text and known sentinels.
func categorize(err error) (ErrorType, bool) {
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "no available endpoint"):
		return ErrorTypeEndpoint, false
	case strings.Contains(errStr, "probe"):
		return ErrorTypeProbe, true
	case strings.Contains(errStr, "throttle"),
		strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "slow down"):
		return ErrorTypeThrottling, true
	case strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "network"),
		strings.Contains(errStr, "dns"),
		strings.Contains(errStr, "reset by peer"):
		return ErrorTypeNetwork, true
	case strings.Contains(errStr, "invalid"),
		strings.Contains(errStr, "bad request"),
		strings.Contains(errStr, "malformed"):
		return ErrorTypeValidation, false
	default:
		return ErrorTypeUnknown, true
	}
}

// RetryWithBackoff executes an operation with capped exponential backoff,
// stopping early on non-retryable errors.
func (h *Handler) RetryWithBackoff(ctx context.Context, operation string, fn func() error) error {
	backoff := retry.NewExponential(h.baseDelay)
	backoff = retry.WithMaxRetries(uint64(h.maxRetries), backoff)
	backoff = retry.WithCappedDuration(h.maxDelay, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		wrapped := h.Wrap(err, operation, "")
		h.logger.Warn("operation failed",
			"operation", operation,
			"error_type", wrapped.Type,
			"retryable", wrapped.Retryable,
			"error", wrapped.Message)

		if !wrapped.IsRetryable() {
			return wrapped
		}
		return retry.RetryableError(wrapped)
	})
}

// LogError logs an error with a level appropriate to its category.
func (h *Handler) LogError(err error, operation, endpoint string) {
	wrapped := h.Wrap(err, operation, endpoint)
	if wrapped == nil {
		return
	}

	level := slog.LevelError
	switch wrapped.Type {
	case ErrorTypeNetwork, ErrorTypeThrottling, ErrorTypeProbe:
		level = slog.LevelWarn
	case ErrorTypeValidation:
		level = slog.LevelInfo
	}

	h.logger.Log(context.Background(), level, "transfer error",
		"operation", wrapped.Operation,
		"endpoint", wrapped.Endpoint,
		"error_type", wrapped.Type,
		"retryable", wrapped.Retryable,
		"message", wrapped.Message)
}

// IsRetryableError checks whether an arbitrary error is retryable.
func IsRetryableError(err error) bool {
	var te *TransferError
	if errors.As(err, &te) {
		return te.IsRetryable()
	}
	_, retryable := categorize(err)
	return retryable
}

// GetErrorType returns the category of an error.
func GetErrorType(err error) ErrorType {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Type
	}
	t, _ := categorize(err)
	return t
}
