package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"weave.evalgo.org/security"
)

// APIKeyConfig configures the API key middleware.
type APIKeyConfig struct {
	// KeyHash is the bcrypt hash of the accepted API key. Empty
	// disables API key auth; requests carrying a key are then
	// rejected.
	KeyHash string

	// Header is the header carrying the key. Default: X-API-Key.
	Header string
}

// APIKeyAuth authenticates machine callers by API key. A request
// without the header passes through untouched for the JWT middleware to
// judge; a request carrying a wrong key is rejected here. Accepted
// requests get an unscoped principal.
func APIKeyAuth(config APIKeyConfig) echo.MiddlewareFunc {
	header := config.Header
	if header == "" {
		header = "X-API-Key"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get(header)
			if key == "" {
				return next(c)
			}
			if config.KeyHash == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "API key auth is not configured")
			}
			if err := security.VerifyAPIKey(config.KeyHash, key); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			SetPrincipal(c, Principal{Subject: "api-key"})
			c.Set(contextKeyAPIKey, true)
			return next(c)
		}
	}
}

// APIKeyAuthenticated reports whether the API key middleware accepted
// this request. The JWT middleware skips such requests.
func APIKeyAuthenticated(c echo.Context) bool {
	ok, _ := c.Get(contextKeyAPIKey).(bool)
	return ok
}
