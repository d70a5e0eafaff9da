package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("save: %w", ConcurrencyConflict("workflow", "wf-1", 3))

	assert.True(t, stderrors.Is(err, ErrConcurrencyConflict))
	assert.False(t, stderrors.Is(err, ErrConflict))
	assert.Equal(t, ErrCodeConcurrencyConflict, CodeOf(err))
	assert.Equal(t, "version", FieldOf(err))
	assert.True(t, Retryable(err))
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.False(t, IsCode(nil, ErrCodeInternal))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(cause, ErrCodeInternal, "failed to load workflow")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to load workflow")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		ErrCodeNotFound:            http.StatusNotFound,
		ErrCodeInvalidInput:        http.StatusBadRequest,
		ErrCodeInvalidTransition:   http.StatusUnprocessableEntity,
		ErrCodeForbidden:           http.StatusForbidden,
		ErrCodeConcurrencyConflict: http.StatusConflict,
		ErrCodeConflict:            http.StatusConflict,
		ErrCodeDegraded:            http.StatusServiceUnavailable,
		ErrCodeConfiguration:       http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), code)
	}
}

func TestErrorMessageIncludesField(t *testing.T) {
	err := InvalidTransition("action", "cannot return from the first step")
	assert.Equal(t, "INVALID_TRANSITION: cannot return from the first step (field: action)", err.Error())
}
