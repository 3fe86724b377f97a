package db

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	SiteIDKey contextKey = "site_id"
	DBTxKey   contextKey = "db_tx"
)

var siteIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SiteMiddleware resolves the operating site a request acts on. Every
// encounter and extraction box belongs to exactly one site.
func SiteMiddleware(defaultSite string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			siteID := extractSiteID(c, defaultSite)
			if !siteIDPattern.MatchString(siteID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid site identifier")
			}

			ctx := WithSite(c.Request().Context(), siteID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("site_id", siteID)
			return next(c)
		}
	}
}

func extractSiteID(c echo.Context, defaultSite string) string {
	// 1. JWT claim (set by auth middleware)
	if sid, ok := c.Get("jwt_site_id").(string); ok && sid != "" {
		return sid
	}
	// 2. X-Site-ID header
	if sid := c.Request().Header.Get("X-Site-ID"); sid != "" {
		return sid
	}
	return defaultSite
}

// ValidSiteID reports whether id is usable as a site identifier.
func ValidSiteID(id string) bool {
	return siteIDPattern.MatchString(id)
}

// WithSite returns a context scoped to siteID.
func WithSite(ctx context.Context, siteID string) context.Context {
	return context.WithValue(ctx, SiteIDKey, siteID)
}

// SiteFromContext retrieves the site id from context.
func SiteFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(SiteIDKey).(string)
	return sid
}

// TxFromContext retrieves the transaction started by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on pool and returns a context carrying it.
// Repositories that resolve their connection through TxFromContext join it.
func WithTx(ctx context.Context, pool *pgxpool.Pool) (context.Context, pgx.Tx, error) {
	if pool == nil {
		return ctx, nil, errors.New("no database pool")
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}
