package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRole(role string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if role != "" {
		req = req.WithContext(WithIdentity(req.Context(), &Identity{UID: "u1", Role: role}))
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole_Allowed(t *testing.T) {
	c := contextWithRole(RolePatient)
	if err := RequireRole(RolePatient)(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	c := contextWithRole(RoleDoctor)
	expectStatus(t, RequireRole(RolePatient)(okHandler)(c), http.StatusForbidden)
}

func TestRequireRole_SuperAdminBypass(t *testing.T) {
	c := contextWithRole(RoleSuperAdmin)
	if err := RequireRole(RolePatient)(okHandler)(c); err != nil {
		t.Errorf("expected super_admin to pass, got %v", err)
	}
}

func TestRequireRole_Unauthenticated(t *testing.T) {
	c := contextWithRole("")
	expectStatus(t, RequireRole(RolePatient)(okHandler)(c), http.StatusUnauthorized)
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/health") || !IsPublicPath("/health/db") {
		t.Error("expected health endpoints to be public")
	}
	if IsPublicPath("/api/v1/scheduler/today") {
		t.Error("expected scheduler endpoints to require auth")
	}
}
