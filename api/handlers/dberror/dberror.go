// Package dberror classifies Postgres and Redis errors for handlers.
package dberror

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorType classifies database errors for appropriate handling.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConnectivity indicates the database is unreachable.
	ErrorTypeConnectivity
	ErrorTypeTimeout
	// ErrorTypeContention indicates a serialization failure or deadlock
	// that a retry may resolve.
	ErrorTypeContention
	ErrorTypeAuth
	ErrorTypeQuery
)

// IsTransient returns true if the error is likely transient and worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	// The caller gave up; retrying would not help.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch Classify(err) {
	case ErrorTypeConnectivity, ErrorTypeTimeout, ErrorTypeContention:
		return true
	default:
		return false
	}
}

// Classify determines the type of database error.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	if pgconn.SafeToRetry(err) {
		return ErrorTypeConnectivity
	}
	if pgconn.Timeout(err) {
		return ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeConnectivity
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range connectivityPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeConnectivity
		}
	}
	for _, pattern := range timeoutPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeTimeout
		}
	}
	return ErrorTypeUnknown
}

var connectivityPatterns = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"no such host",
	"dial tcp",
	"broken pipe",
	"network is unreachable",
	"no route to host",
	"closed pool",
	"redis: client is closed",
	"loading dataset in memory",
}

var timeoutPatterns = []string{
	"timeout",
	"deadline exceeded",
	"timed out",
}

// classifySQLState maps SQLSTATE classes to error types.
func classifySQLState(code string) ErrorType {
	switch {
	case code == "40001" || code == "40P01":
		return ErrorTypeContention
	case code == "57014":
		return ErrorTypeTimeout
	case strings.HasPrefix(code, "08"), code == "57P01", code == "57P02", code == "57P03", code == "53300":
		return ErrorTypeConnectivity
	case strings.HasPrefix(code, "28"):
		return ErrorTypeAuth
	case strings.HasPrefix(code, "42"):
		return ErrorTypeQuery
	default:
		return ErrorTypeUnknown
	}
}

// UserMessage returns a user-friendly error message based on the error type.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case ErrorTypeConnectivity:
		return "Database temporarily unavailable. Please try again in a moment."
	case ErrorTypeTimeout:
		return "Request timed out. Please try again."
	case ErrorTypeContention:
		return "The resource is busy. Please try again."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

// Retry executes fn with retries for transient errors.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt-1)):
			}
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

func backoff(base, maxBackoff time.Duration, attempt int) time.Duration {
	return min(base*time.Duration(1<<uint(attempt)), maxBackoff)
}
