package corefork

import (
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBSnapError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *DBSnapError
		expected string
	}{
		{
			name: "error with context",
			err: &DBSnapError{
				Type:    ConnectError,
				Message: "connection failed",
				Details: "timeout occurred",
				Context: "connecting to source database",
			},
			expected: "[connect_error] connection failed: timeout occurred (context: connecting to source database)",
		},
		{
			name: "error without context",
			err: &DBSnapError{
				Type:    IntegrityError,
				Message: "unique violation",
				Details: "duplicate key",
			},
			expected: "[integrity_error] unique violation: duplicate key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestDBSnapError_Unwrap(t *testing.T) {
	original := errors.New("original error")
	err := &DBSnapError{
		Type:        ConnectError,
		Message:     "wrapped error",
		OriginalErr: original,
	}

	assert.Equal(t, original, err.Unwrap())
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, time.Second, config.InitialDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.BackoffFactor)
	assert.Contains(t, config.RetryableErrors, ConnectError)
	assert.Contains(t, config.RetryableErrors, SubprocessError)
}

func TestNewErrorHandler(t *testing.T) {
	config := DefaultRetryConfig()
	handler := NewErrorHandler(config, "test operation")

	assert.Equal(t, config, handler.config)
	assert.Equal(t, "test operation", handler.context)
	assert.NotNil(t, handler.logger)
	assert.NotNil(t, handler.errorCount)
}

func TestErrorHandler_WrapError(t *testing.T) {
	handler := NewErrorHandler(DefaultRetryConfig(), "test context")

	tests := []struct {
		name          string
		err           error
		expectedType  ErrorType
		expectedRetry bool
		expectNil     bool
	}{
		{
			name:      "nil error",
			err:       nil,
			expectNil: true,
		},
		{
			name:          "connection refused error",
			err:           errors.New("connection refused"),
			expectedType:  ConnectError,
			expectedRetry: true,
		},
		{
			name:          "database locked error",
			err:           errors.New("database is locked"),
			expectedType:  ConnectError,
			expectedRetry: true,
		},
		{
			name:         "constraint violation",
			err:          errors.New("duplicate key value violates unique constraint"),
			expectedType: IntegrityError,
		},
		{
			name:         "subprocess exit error",
			err:          errors.New("exit status 1"),
			expectedType: SubprocessError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := handler.WrapError(tt.err, "operation failed")

			if tt.expectNil {
				assert.Nil(t, wrapped)
				return
			}

			require.Error(t, wrapped)
			de, ok := wrapped.(*DBSnapError)
			require.True(t, ok)
			assert.Equal(t, tt.expectedType, de.Type)
			assert.Equal(t, tt.expectedRetry, de.Retryable)
		})
	}
}

func TestErrorHandler_classifyPostgreSQLError(t *testing.T) {
	handler := NewErrorHandler(DefaultRetryConfig(), "pg test")

	tests := []struct {
		code         string
		expectedType ErrorType
		retryable    bool
	}{
		{"08000", ConnectError, true},
		{"55006", ConnectError, true},
		{"23505", IntegrityError, false},
		{"55P03", ConnectError, true},
		{"99999", QueryError, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			pqErr := &pq.Error{Code: pq.ErrorCode(tt.code)}
			errType, _, retryable, _ := handler.classifyPostgreSQLError(pqErr)
			assert.Equal(t, tt.expectedType, errType)
			assert.Equal(t, tt.retryable, retryable)
		})
	}
}

func TestErrorHandler_ShouldRetry(t *testing.T) {
	handler := NewErrorHandler(DefaultRetryConfig(), "retry test")

	retryable := &DBSnapError{Type: ConnectError, Retryable: true}
	should, _ := handler.ShouldRetry(retryable, 0)
	assert.True(t, should)

	should, _ = handler.ShouldRetry(retryable, 5)
	assert.False(t, should, "should not retry past MaxAttempts")

	nonRetryable := &DBSnapError{Type: IntegrityError, Retryable: false}
	should, _ = handler.ShouldRetry(nonRetryable, 0)
	assert.False(t, should)
}

func TestErrorHandler_RetryWithExponentialBackoff_SucceedsEventually(t *testing.T) {
	handler := NewErrorHandler(RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		BackoffFactor:   2.0,
		RetryableErrors: []ErrorType{ConnectError},
	}, "retry test")

	attempts := 0
	err := handler.RetryWithExponentialBackoff(func() error {
		attempts++
		if attempts < 2 {
			return errors.New("connection refused")
		}
		return nil
	}, "flaky operation")

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestErrorHandler_RetryWithExponentialBackoff_NonRetryableFailsFast(t *testing.T) {
	handler := NewErrorHandler(DefaultRetryConfig(), "retry test")

	attempts := 0
	err := handler.RetryWithExponentialBackoff(func() error {
		attempts++
		return errors.New("duplicate key value violates unique constraint")
	}, "bad insert")

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "non-retryable errors should not be retried")
}

func TestNewInvalidRequest(t *testing.T) {
	err := NewInvalidRequest("table in both full and partial", "employees")
	assert.Equal(t, InvalidRequest, err.Type)
	assert.False(t, err.Retryable)
	assert.Contains(t, err.Error(), "employees")
}

func TestNewQueryError(t *testing.T) {
	cause := errors.New("syntax error")
	err := NewQueryError("SELECT * FROM bogus", cause)
	assert.Equal(t, QueryError, err.Type)
	assert.Equal(t, "SELECT * FROM bogus", err.Context)
	assert.ErrorIs(t, err.Unwrap(), cause)
}

func TestNewSubprocessError(t *testing.T) {
	err := NewSubprocessError("pg_dump", "pg_dump: error: aborting", errors.New("exit status 1"))
	assert.Equal(t, SubprocessError, err.Type)
	assert.Contains(t, err.Details, "aborting")
}

func TestNewCancelled(t *testing.T) {
	err := NewCancelled("dump of orders")
	assert.Equal(t, Cancelled, err.Type)
	assert.Equal(t, SeverityWarning, err.Severity)
}

func TestGetRootCause(t *testing.T) {
	original := errors.New("root cause")
	wrapped := errors.New("wrapper: " + original.Error())
	assert.Equal(t, wrapped, GetRootCause(wrapped))
}
