package extraction

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labflow/labflow/internal/platform/db"
)

type catalogPG struct {
	pool        *pgxpool.Pool
	defaultSite string
	limit       int
}

// NewCatalog returns the Postgres box catalogue. At most limit boxes are
// returned per site.
func NewCatalog(pool *pgxpool.Pool, defaultSite string, limit int) Catalog {
	return &catalogPG{pool: pool, defaultSite: defaultSite, limit: limit}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func (c *catalogPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return c.pool
}

func (c *catalogPG) site(ctx context.Context) string {
	if s := db.SiteFromContext(ctx); s != "" {
		return s
	}
	return c.defaultSite
}

func (c *catalogPG) ListBoxes(ctx context.Context) ([]Box, error) {
	const op = "listBoxes"
	rows, err := c.conn(ctx).Query(ctx, `
		SELECT id, display_name, assigned_operator_id, position
		FROM extraction_box
		WHERE site_id = $1
		ORDER BY position, id
		LIMIT $2`, c.site(ctx), c.limit)
	if err != nil {
		return nil, db.Classify(op, err)
	}
	defer rows.Close()

	var boxes []Box
	for rows.Next() {
		var b Box
		if err := rows.Scan(&b.ID, &b.DisplayName, &b.AssignedOperatorID, &b.Position); err != nil {
			return nil, db.Classify(op, err)
		}
		boxes = append(boxes, b)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(op, err)
	}
	return boxes, nil
}
