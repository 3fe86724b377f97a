package db

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/labflow/labflow/internal/platform/apperror"
)

// Classify maps a driver error onto the application taxonomy. Missing rows
// become NotFound; anything that may have failed in transit (timeouts,
// dropped connections, cancelled contexts) becomes Network because the
// statement may or may not have been applied.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.NotFound(op, "record")
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperror.FromContext(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperror.Network(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return apperror.Conflict(op, "concurrent update: %s", pgErr.Message)
		case "23505":
			return apperror.Conflict(op, "duplicate: %s", pgErr.ConstraintName)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return apperror.Network(op, err)
	}
	return err
}
