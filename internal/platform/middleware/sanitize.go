package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/platform/apperr"
)

const maxHeaderValueSize = 8192

// Sanitize rejects requests carrying null bytes, path traversal, header
// injection or oversized header values before they reach a handler.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if reason := suspicious(c); reason != "" {
				logger.Warn().
					Str("request_id", RequestIDFrom(c)).
					Str("path", c.Request().URL.Path).
					Str("remote_ip", c.RealIP()).
					Msg(reason)
				return apperr.Validation("request.sanitize", "%s", reason)
			}
			return next(c)
		}
	}
}

func suspicious(c echo.Context) string {
	req := c.Request()
	for _, p := range []string{req.URL.Path, req.URL.RawPath} {
		if containsPathTraversal(p) {
			return "path traversal detected"
		}
		if containsNullByte(p) {
			return "null byte in path"
		}
	}
	for name, values := range req.Header {
		for _, v := range values {
			if len(v) > maxHeaderValueSize {
				return "header " + name + " exceeds maximum size"
			}
			if strings.ContainsAny(v, "\r\n") {
				return "newline in header " + name
			}
		}
	}
	for key, values := range req.URL.Query() {
		if containsNullByte(key) {
			return "null byte in query parameter"
		}
		for _, v := range values {
			if containsNullByte(v) {
				return "null byte in query parameter " + key
			}
		}
	}
	return ""
}

func containsPathTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(s, "..") || strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, 0) || strings.Contains(s, "%00")
}
