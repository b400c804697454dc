package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/repository"
	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

func TestTranslateError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("dispatch service: enqueue: %w", apperrors.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("messages: get: %w", repository.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("stall alerts: %w", domain.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("scheduler: run dispatch: %w", apperrors.ErrLocked), http.StatusConflict},
		{fmt.Errorf("dispatch service: enqueue: %w", apperrors.ErrOutsideWindow), http.StatusUnprocessableEntity},
		{apperrors.ErrUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		var fe *fiber.Error
		require.True(t, errors.As(translateError(tc.err), &fe), tc.err.Error())
		assert.Equal(t, tc.status, fe.Code, tc.err.Error())
	}

	assert.NoError(t, translateError(nil))

	plain := errors.New("boom")
	assert.Same(t, plain, translateError(plain))

	var fe *fiber.Error
	require.True(t, errors.As(translateError(fmt.Errorf("x: %w", repository.ErrNotFound)), &fe))
	assert.Equal(t, "resource not found", fe.Message)
}
