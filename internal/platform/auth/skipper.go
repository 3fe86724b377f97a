package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists infrastructure endpoints reachable without credentials
// or a site.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/db":    true,
	"/health/ready": true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication and site resolution.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path bypasses auth and site middleware.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
