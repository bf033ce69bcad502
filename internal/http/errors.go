package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/logging"
	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/storage"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, persona.ErrValidation),
		errors.Is(err, score.ErrEmptyPersonaID),
		errors.Is(err, storage.ErrInvalidID),
		errors.Is(err, storage.ErrPathTraversal),
		errors.Is(err, registry.ErrUnknownParent):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrIDTaken):
		return http.StatusConflict
	case errors.Is(err, persona.ErrComposition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func statusCode(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return statusFor(err)
}

// fail converts err into an echo.HTTPError. Client errors carry the error
// text; server errors are logged and answered generically.
func (s *Server) fail(c echo.Context, op string, err error) error {
	code := statusFor(err)
	if code < http.StatusInternalServerError {
		return echo.NewHTTPError(code, err.Error())
	}
	ctx := c.Request().Context()
	fields := append(logging.ContextFields(ctx), zap.String("op", op), zap.Error(err))
	s.logger.Error("request failed", fields...)
	return echo.NewHTTPError(code, http.StatusText(code))
}
