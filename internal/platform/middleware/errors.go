package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/platform/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Path    string    `json:"path,omitempty"`
}

func statusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return apperr.HTTPStatus(err)
}

// HTTPErrorHandler maps domain errors onto status codes: validation and
// business rule violations 400, missing entities 404, duplicates and
// concurrent modification 409, anything else 500.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		body := ErrorBody{Time: time.Now().UTC(), Path: c.Request().URL.Path}
		status := statusOf(err)

		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			body.Type = http.StatusText(he.Code)
			body.Message = http.StatusText(he.Code)
			if m, ok := he.Message.(string); ok {
				body.Message = m
			}
		case apperr.KindOf(err) != apperr.KindInternal:
			body.Type = string(apperr.KindOf(err))
			body.Message = apperr.Message(err)
		default:
			body.Type = string(apperr.KindInternal)
			body.Message = "internal server error"
			logger.Error().Err(err).Str("request_id", RequestIDFrom(c)).Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
