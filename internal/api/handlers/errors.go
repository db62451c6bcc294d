package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-dialer/internal/jobs"
	"github.com/acme/outbound-dialer/internal/repository"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// errorStatuses is checked in order; the first sentinel err wraps wins.
var errorStatuses = []struct {
	target error
	status int
}{
	{apperrors.ErrValidation, http.StatusBadRequest},
	{apperrors.ErrInvalidWebhookPayload, http.StatusBadRequest},
	{apperrors.ErrNotAuthenticated, http.StatusUnauthorized},
	{apperrors.ErrInvalidSignature, http.StatusUnauthorized},
	{repository.ErrConflict, http.StatusConflict},
	{jobs.ErrDuplicateJob, http.StatusConflict},
	{apperrors.ErrQuotaExceeded, http.StatusTooManyRequests},
	{apperrors.ErrQueueUnavailable, http.StatusServiceUnavailable},
	{apperrors.ErrUnavailable, http.StatusServiceUnavailable},
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return fiber.NewError(http.StatusNotFound, "resource not found")
	}
	for _, e := range errorStatuses {
		if errors.Is(err, e.target) {
			return fiber.NewError(e.status, err.Error())
		}
	}
	return err
}
