package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers for an API that serves personal data.
// Nothing is cacheable, and generated documents are always downloaded rather
// than rendered inline by the browser.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			if isDocumentPath(c.Request().URL.Path) {
				h.Set("X-Download-Options", "noopen")
			}
			return next(c)
		}
	}
}

func isDocumentPath(path string) bool {
	return strings.HasSuffix(path, "/pdf") || strings.HasSuffix(path, "/export")
}
