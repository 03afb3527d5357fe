package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ClinicIDKey contextKey = "clinic_id"
	DBConnKey   contextKey = "db_conn"
)

var clinicIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ClinicMiddleware resolves the clinic of each request. With a pool, it also
// pins a connection whose search_path points at the clinic schema; a nil
// pool only records the clinic id.
func ClinicMiddleware(pool *pgxpool.Pool, defaultClinic string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clinicID := extractClinicID(c, defaultClinic)

			if !clinicIDPattern.MatchString(clinicID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
			}

			ctx := WithClinic(c.Request().Context(), clinicID)
			c.Set("clinic_id", clinicID)

			if pool != nil {
				conn, err := pool.Acquire(ctx)
				if err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
				}
				defer conn.Release()

				_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(clinicID)))
				if err != nil {
					return echo.NewHTTPError(http.StatusInternalServerError, "clinic resolution failed")
				}
				ctx = context.WithValue(ctx, DBConnKey, conn)
				c.Set("db", conn)
			}

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func extractClinicID(c echo.Context, defaultClinic string) string {
	// 1. JWT claim (set by auth middleware)
	if cid, ok := c.Get("jwt_clinic_id").(string); ok && cid != "" {
		return cid
	}

	// 2. X-Clinic-ID header
	if cid := c.Request().Header.Get("X-Clinic-ID"); cid != "" {
		return cid
	}

	// 3. Query parameter
	if cid := c.QueryParam("clinic_id"); cid != "" {
		return cid
	}

	return defaultClinic
}

// SchemaName returns the Postgres schema holding a clinic's tables.
func SchemaName(clinicID string) string {
	return "clinic_" + clinicID
}

// WithClinic returns ctx carrying clinicID.
func WithClinic(ctx context.Context, clinicID string) context.Context {
	return context.WithValue(ctx, ClinicIDKey, clinicID)
}

// ConnFromContext retrieves the clinic-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// ClinicFromContext retrieves the clinic ID from context.
func ClinicFromContext(ctx context.Context) string {
	cid, _ := ctx.Value(ClinicIDKey).(string)
	return cid
}

// CreateClinicSchema creates the schema for a clinic and runs all migrations
// against it. Migrations are skipped when migrations is nil.
func CreateClinicSchema(ctx context.Context, pool *pgxpool.Pool, clinicID string, migrations fs.FS) (int, error) {
	if !clinicIDPattern.MatchString(clinicID) {
		return 0, fmt.Errorf("invalid clinic identifier: %s", clinicID)
	}

	schema := SchemaName(clinicID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return 0, fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations == nil {
		return 0, nil
	}
	n, err := NewMigrator(pool, migrations).Up(ctx, schema)
	if err != nil {
		return n, fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return n, nil
}
