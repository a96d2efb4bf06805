package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/jmehdipour/subsync/internal/config"
	echo "github.com/labstack/echo/v4"
)

// ClientFromCtx extracts the authenticated client name set by APIKeyMiddleware.
func ClientFromCtx(c echo.Context) (string, bool) {
	v, ok := c.Get("client").(string)
	return v, ok && v != ""
}

// APIKeyMiddleware authenticates requests using the X-API-Key header against
// the configured keys. On success it stores the client name and its rps
// override in context.
func APIKeyMiddleware(keys []config.APIKeyConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			for _, k := range keys {
				if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) != 1 {
					continue
				}
				name := k.Name
				if name == "" {
					name = "unnamed"
				}
				c.Set("client", name)
				if k.RPS > 0 {
					c.Set("client_rps", k.RPS)
				}
				return next(c)
			}
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		}
	}
}
