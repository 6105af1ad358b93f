package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hms/hms/internal/config"
	"github.com/hms/hms/internal/domain/dosage"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig() *config.Config {
	return &config.Config{
		Env:            "production",
		StoreDriver:    config.DriverPostgres,
		AuthSecret:     testSecret,
		SessionCookie:  "session",
		DefaultTenant:  "default",
		CORSOrigins:    []string{"http://localhost:3000"},
		RequestTimeout: 5 * time.Second,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	}
}

func testServer(cfg *config.Config) *echo.Echo {
	svc := dosage.NewService(nil, nil, zerolog.Nop())
	return newServer(cfg, zerolog.Nop(), svc, nil, nil)
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = "192.0.2.1:4000"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth_IsPublic(t *testing.T) {
	e := testServer(testConfig())
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, version, body["version"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestScheduler_RequiresSession(t *testing.T) {
	e := testServer(testConfig())
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/api/v1/scheduler/today", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
}

func TestScheduler_RejectsTamperedToken(t *testing.T) {
	cfg := testConfig()
	e := testServer(cfg)

	other := sessionConfig(cfg)
	other.Secret = []byte("ffffffffffffffffffffffffffffffff")
	token, err := auth.IssueToken(other, auth.Identity{UID: "p1", Role: auth.RolePatient}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scheduler/today", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)
}

func TestScheduler_ForbidsNonPatients(t *testing.T) {
	cfg := testConfig()
	e := testServer(cfg)

	token, err := auth.IssueToken(sessionConfig(cfg), auth.Identity{UID: "dr-1", Role: auth.RoleDoctor, HospitalID: "default"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scheduler/today", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, serve(e, req).Code)

	// The session cookie is accepted as well.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/scheduler/history", nil)
	req.AddCookie(&http.Cookie{Name: cfg.SessionCookie, Value: token})
	assert.Equal(t, http.StatusForbidden, serve(e, req).Code)
}

func TestScheduler_SessionWithoutHospitalIsForbidden(t *testing.T) {
	cfg := testConfig()
	svc := dosage.NewService(nil, nil, zerolog.Nop())
	e := newServer(cfg, zerolog.Nop(), svc, db.TenantContextMiddleware(cfg.DefaultTenant, cfg.IsDev()), nil)

	token, err := auth.IssueToken(sessionConfig(cfg), auth.Identity{UID: "p-1", Role: auth.RolePatient}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scheduler/today", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Hospital-ID", "other_hospital")
	assert.Equal(t, http.StatusForbidden, serve(e, req).Code)
}

func TestScheduler_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	e := testServer(cfg)

	first := serve(e, httptest.NewRequest(http.MethodGet, "/api/v1/scheduler/today", nil))
	assert.Equal(t, http.StatusUnauthorized, first.Code)

	second := serve(e, httptest.NewRequest(http.MethodGet, "/api/v1/scheduler/today", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// Health checks sit outside the limited group.
	assert.Equal(t, http.StatusOK, serve(e, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	e := testServer(testConfig())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/scheduler/today", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := serve(e, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestDevPatient(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultTenant = "general"

	id := devPatient(cfg)
	assert.Equal(t, auth.RolePatient, id.Role)
	assert.Equal(t, "general", id.HospitalID)
	assert.NotEmpty(t, id.UID)
}

func TestTargetSchemas_ExplicitSchema(t *testing.T) {
	schemas, err := targetSchemas(context.Background(), nil, "tenant_general")
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant_general"}, schemas)
}

func TestNewLogger(t *testing.T) {
	// Both variants must be usable without panicking.
	devLogger := newLogger("development")
	devLogger.Info().Msg("dev")
	prodLogger := newLogger("production")
	prodLogger.Info().Msg("prod")
}
