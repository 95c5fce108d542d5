package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorSetsDefaults(t *testing.T) {
	err := NewError(ErrCodeNotFound, "no such entry")

	assert.Equal(t, ErrCodeNotFound, err.Code)
	assert.Equal(t, CategoryFilesystem, err.Category)
	assert.Equal(t, "no such entry", err.Message)
	assert.False(t, err.Retryable)
	assert.True(t, err.UserFacing)
	assert.False(t, err.Timestamp.IsZero())
}

func TestGetCategoryMapsEveryCode(t *testing.T) {
	assert.Equal(t, CategoryFilesystem, GetCategory(ErrCodeNotFound))
	assert.Equal(t, CategoryFilesystem, GetCategory(ErrCodeIsADirectory))
	assert.Equal(t, CategoryIntegrity, GetCategory(ErrCodeIntegrityFailure))
	assert.Equal(t, CategoryNetwork, GetCategory(ErrCodeNetworkFailure))
	assert.Equal(t, CategoryInput, GetCategory(ErrCodeMalformedInput))
	assert.Equal(t, CategoryInvariant, GetCategory(ErrCodeInvariantViolated))
	assert.Equal(t, CategoryStorage, GetCategory(ErrCodeStorageFailure))
	assert.Equal(t, CategoryConfiguration, GetCategory(ErrCodeInvalidConfig))
	assert.Equal(t, CategoryConfiguration, GetCategory(ErrCodeConfigValidation))
	assert.Equal(t, CategoryOperation, GetCategory(ErrCodeOperationTimeout))
	assert.Equal(t, CategoryOperation, GetCategory(ErrCodeOperationCanceled))
	assert.Equal(t, CategoryOperation, GetCategory(ErrCodeResourceExhausted))
	assert.Equal(t, CategoryInternal, GetCategory(ErrCodeInternalError))
}

func TestIsRetryableByDefault(t *testing.T) {
	retryable := []ErrorCode{
		ErrCodeNetworkFailure, ErrCodeOperationTimeout, ErrCodeResourceExhausted, ErrCodeInternalError,
	}
	for _, c := range retryable {
		assert.Truef(t, IsRetryableByDefault(c), "expected %s to be retryable", c)
	}

	notRetryable := []ErrorCode{
		ErrCodeNotFound, ErrCodeIsADirectory, ErrCodeIntegrityFailure,
		ErrCodeMalformedInput, ErrCodeInvariantViolated, ErrCodeStorageFailure,
	}
	for _, c := range notRetryable {
		assert.Falsef(t, IsRetryableByDefault(c), "expected %s not to be retryable", c)
	}
}

func TestIsUserFacingByDefault(t *testing.T) {
	assert.True(t, IsUserFacingByDefault(ErrCodeNotFound))
	assert.True(t, IsUserFacingByDefault(ErrCodeMalformedInput))
	assert.False(t, IsUserFacingByDefault(ErrCodeInternalError))
	assert.False(t, IsUserFacingByDefault(ErrCodeNetworkFailure))
}

func TestErrorStringFormatsComponentAndOperation(t *testing.T) {
	err := NewError(ErrCodeStorageFailure, "write failed").
		WithComponent("store").WithOperation("Put")

	assert.Equal(t, "[store:Put] STORAGE_FAILURE: write failed", err.Error())
}

func TestErrorStringWithoutOperation(t *testing.T) {
	err := NewError(ErrCodeStorageFailure, "write failed").WithComponent("store")
	assert.Equal(t, "[store] STORAGE_FAILURE: write failed", err.Error())
}

func TestErrorStringBare(t *testing.T) {
	err := NewError(ErrCodeStorageFailure, "write failed")
	assert.Equal(t, "STORAGE_FAILURE: write failed", err.Error())
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := NewError(ErrCodeStorageFailure, "write failed").WithCause(cause)

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, stderrors.Is(err, cause))
}

func TestIsMatchesByCode(t *testing.T) {
	a := NewError(ErrCodeNotFound, "missing a")
	b := NewError(ErrCodeNotFound, "missing b")
	c := NewError(ErrCodeStorageFailure, "write failed")

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
	assert.False(t, a.Is(stderrors.New("plain error")))
}

func TestWithDetailAndContext(t *testing.T) {
	err := NewError(ErrCodeMalformedInput, "bad lockfile").
		WithDetail("path", "package-lock.json").
		WithContext("package", "is-number")

	assert.Equal(t, "package-lock.json", err.Details["path"])
	assert.Equal(t, "is-number", err.Context["package"])
}

func TestJSONRoundTripsCode(t *testing.T) {
	err := NewError(ErrCodeIntegrityFailure, "hash mismatch").WithComponent("extract")
	payload := err.JSON()

	assert.Contains(t, payload, `"code":"INTEGRITY_FAILURE"`)
	assert.Contains(t, payload, `"component":"extract"`)
}

func TestUserFacingMessage(t *testing.T) {
	visible := NewError(ErrCodeNotFound, "package missing")
	assert.Equal(t, "package missing", visible.UserFacingMessage())

	hidden := NewError(ErrCodeInternalError, "nil pointer somewhere")
	assert.Equal(t, "an internal error occurred", hidden.UserFacingMessage())
}

func TestWithStackCapturesFrames(t *testing.T) {
	err := NewError(ErrCodeInternalError, "boom").WithStack()
	require.NotEmpty(t, err.Stack)
	assert.Contains(t, err.Stack, "TestWithStackCapturesFrames")
}
