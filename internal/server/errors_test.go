package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/jonathan/splat-queue/internal/blob"
	"github.com/jonathan/splat-queue/internal/db"
)

func TestErrEmailAlreadyExists(t *testing.T) {
	err := &ErrEmailAlreadyExists{Email: "test@example.com"}
	assert.Equal(t, "email already registered: test@example.com", err.Error())
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))
}

func TestErrInvalidCredentials(t *testing.T) {
	err := &ErrInvalidCredentials{}
	assert.Equal(t, "invalid email or password", err.Error())
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(err))
}

func TestErrUserNotFound(t *testing.T) {
	userID := uuid.New()
	err := &ErrUserNotFound{UserID: userID}
	assert.Equal(t, "user not found: "+userID.String(), err.Error())
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
}

func TestErrValidation(t *testing.T) {
	err := &ErrValidation{Field: "email", Message: "invalid format"}
	assert.Equal(t, "validation error: email - invalid format", err.Error())
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "email exists", err: &ErrEmailAlreadyExists{Email: "a@b.c"}, expected: http.StatusConflict},
		{name: "email taken in store", err: fmt.Errorf("failed to create user: %w", db.ErrEmailTaken), expected: http.StatusConflict},
		{name: "invalid credentials", err: &ErrInvalidCredentials{}, expected: http.StatusUnauthorized},
		{name: "password mismatch", err: &ErrPasswordMismatch{}, expected: http.StatusUnauthorized},
		{name: "user not found", err: &ErrUserNotFound{UserID: uuid.New()}, expected: http.StatusNotFound},
		{name: "store not found", err: db.ErrNotFound, expected: http.StatusNotFound},
		{name: "wrapped store not found", err: fmt.Errorf("failed to like post: %w", db.ErrNotFound), expected: http.StatusNotFound},
		{name: "blob not found", err: blob.ErrNotFound, expected: http.StatusNotFound},
		{name: "request validation", err: &ErrValidation{Field: "id", Message: "bad"}, expected: http.StatusBadRequest},
		{name: "store validation", err: &db.ValidationError{Field: "body", Message: "too long"}, expected: http.StatusBadRequest},
		{name: "illegal transition", err: &db.IllegalTransitionError{From: db.JobStatusQueued, To: db.JobStatusProcessing}, expected: http.StatusConflict},
		{name: "retryable store error", err: &db.StoreError{Op: "claim job", Err: context.DeadlineExceeded}, expected: http.StatusServiceUnavailable},
		{name: "unknown", err: errors.New("boom"), expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.err))
		})
	}
}
