package middleware

import "github.com/labstack/echo/v4"

// NoStore marks responses as uncacheable. Used on listings whose contents
// depend on consent state that can change between requests.
func NoStore() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
			h.Set("Pragma", "no-cache")
			return next(c)
		}
	}
}
