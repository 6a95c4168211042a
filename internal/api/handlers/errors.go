package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/dental-outreach/internal/repository"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "resource not found")
	case errors.Is(err, apperrors.ErrConflict), errors.Is(err, apperrors.ErrStaleVersion):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrInvariantViolation):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, apperrors.ErrUnavailable), errors.Is(err, apperrors.ErrRetryableExternal):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
