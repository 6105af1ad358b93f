package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Hospital-ID", "general_1")
	c := e.NewContext(req, httptest.NewRecorder())

	if tid, ok := extractTenantID(c, "default", true); !ok || tid != "general_1" {
		t.Errorf("expected general_1, got %s", tid)
	}
}

func TestExtractTenantID_SessionWins(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Hospital-ID", "header_hospital")
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set(SessionHospitalKey, "session_hospital")

	for _, trustHeader := range []bool{true, false} {
		if tid, ok := extractTenantID(c, "default", trustHeader); !ok || tid != "session_hospital" {
			t.Errorf("trustHeader=%v: expected session_hospital, got %s", trustHeader, tid)
		}
	}
}

func TestExtractTenantID_EmptySessionFallsThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set(SessionHospitalKey, "")

	if tid, ok := extractTenantID(c, "default", true); !ok || tid != "default" {
		t.Errorf("expected default, got %s", tid)
	}
}

func TestExtractTenantID_UntrustedHeaderIgnored(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Hospital-ID", "other_hospital")
	c := e.NewContext(req, httptest.NewRecorder())

	if tid, ok := extractTenantID(c, "default", false); ok {
		t.Errorf("expected no hospital without a session claim, got %s", tid)
	}
}

func TestTenantIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"hospital_1", true},
		{"A1B2C3", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"", false},
		{"'; DROP TABLE", false},
	}
	for _, tt := range tests {
		if got := tenantIDPattern.MatchString(tt.input); got != tt.valid {
			t.Errorf("tenantIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if SchemaName("st_marys") != "tenant_st_marys" {
		t.Errorf("unexpected schema name %s", SchemaName("st_marys"))
	}
}

func TestCreateTenantSchema_InvalidID(t *testing.T) {
	for _, id := range []string{"with-dash", "with.dot", "drop;table"} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid hospital ID %q", id)
		}
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn from empty context")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx from empty context")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant from empty context")
	}
}

func TestContextAccessors_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	ctx = context.WithValue(ctx, DBTxKey, "not-a-tx")
	ctx = context.WithValue(ctx, TenantIDKey, 12345)
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn for wrong type")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx for wrong type")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant for wrong type")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error when no connection in context")
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

func TestTenantIDFromSchema(t *testing.T) {
	if got := TenantIDFromSchema(SchemaName("st_marys")); got != "st_marys" {
		t.Errorf("expected st_marys, got %s", got)
	}
}

func TestWithTenantConn_InvalidID(t *testing.T) {
	if _, _, err := WithTenantConn(context.Background(), nil, "bad-id"); err == nil {
		t.Fatal("expected error for invalid hospital ID")
	}
}

func TestTenantContextMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(SessionHospitalKey, "st_marys")

	var seen string
	h := TenantContextMiddleware("default", false)(func(c echo.Context) error {
		seen = TenantFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "st_marys" {
		t.Errorf("expected tenant st_marys, got %q", seen)
	}
}

func TestTenantContextMiddleware_RejectsInvalidHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Hospital-ID", "x;drop")
	c := e.NewContext(req, httptest.NewRecorder())

	err := TenantContextMiddleware("default", true)(func(c echo.Context) error { return nil })(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestTenantContextMiddleware_RequiresClaimOutsideDev(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/import", nil)
	req.Header.Set("X-Hospital-ID", "other_hospital")
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	err := TenantContextMiddleware("default", false)(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
	if called {
		t.Error("handler ran without a trusted hospital")
	}
}

func TestTenantMiddleware_RequiresClaimBeforeAcquiring(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Hospital-ID", "other_hospital")
	c := e.NewContext(req, httptest.NewRecorder())

	// A nil pool would panic if the middleware tried to acquire a connection.
	err := TenantMiddleware(nil, "default", false)(func(c echo.Context) error { return nil })(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}
