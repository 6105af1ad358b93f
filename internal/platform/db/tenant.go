package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
	DBTxKey     contextKey = "db_tx"
)

// SessionHospitalKey is the echo context key under which the auth layer
// stores the caller's hospital id.
const SessionHospitalKey = "session_hospital_id"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the Postgres schema holding a hospital's data.
func SchemaName(hospitalID string) string {
	return "tenant_" + hospitalID
}

// TenantMiddleware pins a pooled connection to the caller's hospital schema
// for the duration of the request. The X-Hospital-ID header and the default
// hospital are only honoured when trustHeader is set (development); otherwise
// the session must carry a hospital claim.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string, trustHeader bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := resolveTenant(c, defaultTenant, trustHeader)
			if err != nil {
				return err
			}

			ctx, release, err := WithTenantConn(c.Request().Context(), pool, tenantID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)

			return next(c)
		}
	}
}

// TenantContextMiddleware resolves the caller's hospital without touching
// Postgres. Stores that scope by a hospital field read it back through
// TenantFromContext.
func TenantContextMiddleware(defaultTenant string, trustHeader bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := resolveTenant(c, defaultTenant, trustHeader)
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(WithTenant(c.Request().Context(), tenantID)))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

// WithTenant returns a context scoped to tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithTenantConn acquires a connection whose search_path points at the
// hospital schema and returns a context carrying it. release must be called
// once the context is no longer used.
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string) (context.Context, func(), error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return ctx, nil, fmt.Errorf("invalid hospital identifier: %s", tenantID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, nil, err
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(tenantID))); err != nil {
		conn.Release()
		return ctx, nil, fmt.Errorf("set search_path for %s: %w", tenantID, err)
	}
	ctx = WithTenant(ctx, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, conn.Release, nil
}

// resolveTenant returns the caller's validated hospital id.
func resolveTenant(c echo.Context, defaultTenant string, trustHeader bool) (string, error) {
	tenantID, ok := extractTenantID(c, defaultTenant, trustHeader)
	if !ok {
		return "", echo.NewHTTPError(http.StatusForbidden, "session is not bound to a hospital")
	}
	if !tenantIDPattern.MatchString(tenantID) {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid hospital identifier")
	}
	return tenantID, nil
}

// extractTenantID reports false when nothing trusted names the hospital.
func extractTenantID(c echo.Context, defaultTenant string, trustHeader bool) (string, bool) {
	// The session claim wins; a patient can only see their own hospital.
	if tid, ok := c.Get(SessionHospitalKey).(string); ok && tid != "" {
		return tid, true
	}
	if !trustHeader {
		return "", false
	}
	if tid := c.Request().Header.Get("X-Hospital-ID"); tid != "" {
		return tid, true
	}
	return defaultTenant, true
}

// ConnFromContext retrieves the hospital-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the hospital id from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the schema for a newly provisioned hospital and
// applies migrator to it. A nil migrator skips migrations.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrator *Migrator) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid hospital identifier: %s", tenantID)
	}

	schema := SchemaName(tenantID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}

// TenantIDFromSchema is the inverse of SchemaName.
func TenantIDFromSchema(schema string) string {
	return strings.TrimPrefix(schema, "tenant_")
}

// ListTenantSchemas returns every hospital schema present in the database.
func ListTenantSchemas(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT schema_name FROM information_schema.schemata WHERE schema_name LIKE 'tenant\_%' ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list hospital schemas: %w", err)
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}
	return schemas, rows.Err()
}
