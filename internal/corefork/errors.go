// Package corefork provides the error taxonomy shared by every dump/load
// component: classification of engine/subprocess errors into a
// small set of caller-facing categories, plus the retry/backoff helpers used
// for the handful of operations that are safe to retry automatically.
package corefork

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrorType is the caller-facing error taxonomy.
type ErrorType string

const (
	// InvalidRequest covers malformed DumpRequest/LoadRequest shapes:
	// full/partial intersection, malformed -p argument, cleanup=truncate|recreate
	// against a schema-less archive. Reported with the offending input; non-retryable.
	InvalidRequest ErrorType = "invalid_request"
	// ConnectError covers a DB that cannot be opened, or a SQLite file that
	// cannot be found/created. Non-retryable by the core.
	ConnectError ErrorType = "connect_error"
	// QueryError covers an engine rejecting a statement; the surrounding
	// transaction is aborted and the SQL fragment is attached for diagnosis.
	QueryError ErrorType = "query_error"
	// SubprocessError covers pg_dump/sqlite3 exiting non-zero; stderr is captured.
	SubprocessError ErrorType = "subprocess_error"
	// IntegrityError covers a load-time FK/unique violation surfaced at COMMIT.
	IntegrityError ErrorType = "integrity_error"
	// Cancelled covers a cooperative cancel; rollback has already been performed.
	Cancelled ErrorType = "cancelled"
)

// ErrorSeverity grades how aggressively the retry helpers below should
// react to a given error (the taxonomy itself is flat; severity is an
// implementation detail of deciding whether to retry).
type ErrorSeverity string

const (
	SeverityFatal     ErrorSeverity = "fatal"
	SeverityRetryable ErrorSeverity = "retryable"
	SeverityWarning   ErrorSeverity = "warning"
)

// DBSnapError is the structured error type every core component returns.
type DBSnapError struct {
	Type        ErrorType     `json:"type"`
	Severity    ErrorSeverity `json:"severity"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Context     string        `json:"context,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Retryable   bool          `json:"retryable"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	OriginalErr error         `json:"-"`
	Cause       error         `json:"cause,omitempty"`
}

func (de *DBSnapError) Error() string {
	if de.Context != "" {
		return fmt.Sprintf("[%s] %s: %s (context: %s)", de.Type, de.Message, de.Details, de.Context)
	}
	return fmt.Sprintf("[%s] %s: %s", de.Type, de.Message, de.Details)
}

func (de *DBSnapError) Unwrap() error {
	return de.OriginalErr
}

// RetryConfig holds retry configuration for the handful of operations the
// orchestrators retry automatically (CreateDatabase/DropDatabase contention).
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialDelay    time.Duration `json:"initial_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	BackoffFactor   float64       `json:"backoff_factor"`
	RetryableErrors []ErrorType   `json:"retryable_errors"`
}

// DefaultRetryConfig lists ConnectError and SubprocessError as retryable
// types, with exponential backoff and CI/CD-friendly defaults that fail fast
// rather than hang. An error is retried only when its own Retryable flag is
// also set, which classifyError never does for a subprocess exit.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		RetryableErrors: []ErrorType{
			ConnectError,
			SubprocessError,
		},
	}
}

// ErrorHandler provides structured error handling with retry logic, scoped
// to one orchestrator run (one dump or one load).
type ErrorHandler struct {
	config     RetryConfig
	context    string
	logger     *logrus.Logger
	errorCount map[ErrorType]int
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(config RetryConfig, context string) *ErrorHandler {
	return &ErrorHandler{
		config:     config,
		context:    context,
		logger:     logrus.StandardLogger(),
		errorCount: make(map[ErrorType]int),
	}
}

// WrapError wraps an error with additional context and a stack trace.
func (eh *ErrorHandler) WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	if de, ok := err.(*DBSnapError); ok {
		wrapped := errors.Wrap(err, message)
		return &DBSnapError{
			Type:        de.Type,
			Severity:    de.Severity,
			Message:     fmt.Sprintf("%s: %s", message, de.Message),
			Details:     de.Details,
			Context:     de.Context,
			Timestamp:   time.Now(),
			Retryable:   de.Retryable,
			RetryAfter:  de.RetryAfter,
			OriginalErr: de.OriginalErr,
			Cause:       wrapped,
		}
	}

	errType, severity, retryable, retryAfter := eh.classifyError(err)
	eh.errorCount[errType]++

	wrapped := errors.Wrap(err, message)

	return &DBSnapError{
		Type:        errType,
		Severity:    severity,
		Message:     message,
		Details:     err.Error(),
		Context:     eh.context,
		Timestamp:   time.Now(),
		Retryable:   retryable,
		RetryAfter:  retryAfter,
		OriginalErr: err,
		Cause:       wrapped,
	}
}

// GetRootCause extracts the root cause from a wrapped error.
func GetRootCause(err error) error {
	return errors.Cause(err)
}

// GetStackTrace extracts a stack trace from an error if one is attached.
func GetStackTrace(err error) string {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}

	if st, ok := err.(stackTracer); ok {
		return fmt.Sprintf("%+v", st.StackTrace())
	}
	return ""
}

// classifyError determines the error type, severity, and retry characteristics
// for an error that isn't already a *DBSnapError.
func (eh *ErrorHandler) classifyError(err error) (ErrorType, ErrorSeverity, bool, time.Duration) {
	errStr := strings.ToLower(err.Error())

	if pqErr, ok := err.(*pq.Error); ok {
		return eh.classifyPostgreSQLError(pqErr)
	}

	if strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "sqlite_busy") {
		return ConnectError, SeverityRetryable, true, 2 * time.Second
	}

	if strings.Contains(errStr, "connection") {
		if strings.Contains(errStr, "refused") || strings.Contains(errStr, "timeout") {
			return ConnectError, SeverityRetryable, true, 5 * time.Second
		}
		return ConnectError, SeverityFatal, false, 0
	}

	if strings.Contains(errStr, "no such file") || strings.Contains(errStr, "unable to open database file") {
		return ConnectError, SeverityFatal, false, 0
	}

	if strings.Contains(errStr, "exit status") {
		return SubprocessError, SeverityFatal, false, 0
	}

	if strings.Contains(errStr, "violat") || strings.Contains(errStr, "duplicate key") {
		return IntegrityError, SeverityFatal, false, 0
	}

	return QueryError, SeverityFatal, false, 0
}

// classifyPostgreSQLError maps SQLSTATE codes onto the spec's taxonomy.
func (eh *ErrorHandler) classifyPostgreSQLError(pqErr *pq.Error) (ErrorType, ErrorSeverity, bool, time.Duration) {
	switch pqErr.Code {
	// Connection exceptions (class 08).
	case "08000", "08003", "08006":
		return ConnectError, SeverityRetryable, true, 5 * time.Second

	// Insufficient privilege / invalid authorization.
	case "42501", "28000", "28P01":
		return ConnectError, SeverityFatal, false, 0

	// Object in use / too many connections — CreateDatabase/DropDatabase contention.
	case "55006", "53300":
		return ConnectError, SeverityRetryable, true, 2 * time.Second

	// Insufficient resources (class 53, excluding 53300 handled above).
	case "53000", "53100", "53200":
		return ConnectError, SeverityRetryable, true, 30 * time.Second

	// Integrity constraint violations (class 23).
	case "23000", "23001", "23502", "23503", "23505", "23514":
		return IntegrityError, SeverityFatal, false, 0

	// Lock timeout.
	case "55P03":
		return ConnectError, SeverityRetryable, true, 10 * time.Second

	// Disk full.
	case "58030":
		return SubprocessError, SeverityFatal, false, 0

	default:
		return QueryError, SeverityFatal, false, 0
	}
}

// ShouldRetry determines if an operation should be retried.
func (eh *ErrorHandler) ShouldRetry(err error, attempt int) (bool, time.Duration) {
	de, ok := err.(*DBSnapError)
	if !ok {
		return false, 0
	}

	if attempt >= eh.config.MaxAttempts {
		return false, 0
	}

	if !de.Retryable {
		return false, 0
	}

	retryable := false
	for _, t := range eh.config.RetryableErrors {
		if de.Type == t {
			retryable = true
			break
		}
	}
	if !retryable {
		return false, 0
	}

	return true, eh.calculateBackoff(attempt, de.RetryAfter)
}

func (eh *ErrorHandler) calculateBackoff(attempt int, suggestedDelay time.Duration) time.Duration {
	if suggestedDelay > 0 {
		return suggestedDelay
	}

	delay := time.Duration(float64(eh.config.InitialDelay) * (eh.config.BackoffFactor * float64(attempt)))
	if delay > eh.config.MaxDelay {
		delay = eh.config.MaxDelay
	}
	return delay
}

// RetryWithExponentialBackoff retries operation using cenkalti/backoff/v4,
// used by the PostgreSQL backend for CreateDatabase/DropDatabase (SQLSTATE
// 55006 contention).
func (eh *ErrorHandler) RetryWithExponentialBackoff(operation func() error, operationName string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = eh.config.InitialDelay
	b.MaxInterval = eh.config.MaxDelay
	b.Multiplier = eh.config.BackoffFactor
	b.MaxElapsedTime = time.Duration(eh.config.MaxAttempts) * eh.config.MaxDelay
	b.RandomizationFactor = 0.1

	var lastErr error
	attempt := 0

	retryableOperation := func() error {
		attempt++

		eh.logger.WithFields(logrus.Fields{
			"operation": operationName,
			"attempt":   attempt,
			"context":   eh.context,
		}).Debug("attempting operation")

		err := operation()
		if err == nil {
			return nil
		}

		wrapped := eh.WrapError(err, fmt.Sprintf("operation %q failed on attempt %d", operationName, attempt))
		lastErr = wrapped

		if de, ok := wrapped.(*DBSnapError); ok {
			if !de.Retryable {
				return backoff.Permanent(wrapped)
			}

			eh.logger.WithFields(logrus.Fields{
				"operation":   operationName,
				"attempt":     attempt,
				"error_type":  de.Type,
				"retry_after": de.RetryAfter,
			}).Warn("operation failed, will retry")

			return wrapped
		}

		return wrapped
	}

	if err := backoff.Retry(retryableOperation, b); err != nil {
		final := eh.WrapError(lastErr, fmt.Sprintf("operation %q failed after %d attempts", operationName, attempt))

		eh.logger.WithFields(logrus.Fields{
			"operation":      operationName,
			"total_attempts": attempt,
			"final_error":    err.Error(),
		}).Error("operation failed permanently")

		return final
	}

	eh.logger.WithFields(logrus.Fields{
		"operation": operationName,
		"attempts":  attempt,
	}).Info("operation succeeded")

	return nil
}

// GetErrorSummary returns a summary of errors encountered, by type.
func (eh *ErrorHandler) GetErrorSummary() map[ErrorType]int {
	summary := make(map[ErrorType]int, len(eh.errorCount))
	for t, count := range eh.errorCount {
		summary[t] = count
	}
	return summary
}

// NewInvalidRequest builds a non-retryable InvalidRequest error.
func NewInvalidRequest(message, details string) *DBSnapError {
	return &DBSnapError{
		Type:      InvalidRequest,
		Severity:  SeverityFatal,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
		Retryable: false,
	}
}

// NewQueryError builds a QueryError carrying the SQL fragment that failed.
func NewQueryError(sqlFragment string, err error) *DBSnapError {
	return &DBSnapError{
		Type:        QueryError,
		Severity:    SeverityFatal,
		Message:     "query failed",
		Details:     err.Error(),
		Context:     sqlFragment,
		Timestamp:   time.Now(),
		Retryable:   false,
		OriginalErr: err,
	}
}

// NewSubprocessError builds a SubprocessError carrying captured stderr.
func NewSubprocessError(command string, stderr string, err error) *DBSnapError {
	return &DBSnapError{
		Type:        SubprocessError,
		Severity:    SeverityFatal,
		Message:     fmt.Sprintf("command %q failed", command),
		Details:     stderr,
		Timestamp:   time.Now(),
		Retryable:   false,
		OriginalErr: err,
	}
}

// NewCancelled builds a Cancelled error after a cooperative-cancel rollback.
func NewCancelled(context string) *DBSnapError {
	return &DBSnapError{
		Type:      Cancelled,
		Severity:  SeverityWarning,
		Message:   "operation cancelled",
		Context:   context,
		Timestamp: time.Now(),
		Retryable: false,
	}
}
