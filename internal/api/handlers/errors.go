package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/repository"
	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

type statusMapping struct {
	targets []error
	status  int
	message string // fixed body; empty keeps the wrapped error text
}

// First match wins.
var statusMappings = []statusMapping{
	{targets: []error{apperrors.ErrValidation}, status: http.StatusBadRequest},
	{targets: []error{repository.ErrNotFound, apperrors.ErrNotFound}, status: http.StatusNotFound, message: "resource not found"},
	{targets: []error{repository.ErrConflict, apperrors.ErrConflict, domain.ErrInvalidTransition}, status: http.StatusConflict},
	{targets: []error{apperrors.ErrLocked}, status: http.StatusConflict, message: "job is already running"},
	{targets: []error{apperrors.ErrOutsideWindow}, status: http.StatusUnprocessableEntity},
	{targets: []error{apperrors.ErrUnavailable}, status: http.StatusServiceUnavailable},
	{targets: []error{context.DeadlineExceeded}, status: http.StatusGatewayTimeout, message: "request timed out"},
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	for _, m := range statusMappings {
		for _, target := range m.targets {
			if !errors.Is(err, target) {
				continue
			}
			msg := m.message
			if msg == "" {
				msg = err.Error()
			}
			return fiber.NewError(m.status, msg)
		}
	}
	return err
}
