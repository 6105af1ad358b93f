package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

const identityKey contextKey = "identity"

// HospitalContextKey is where the caller's hospital id is exposed on the
// echo context for hospital schema resolution.
const HospitalContextKey = "session_hospital_id"

// Roles issued by the session provider.
const (
	RolePatient       = "patient"
	RoleDoctor        = "doctor"
	RoleHospitalAdmin = "hospital_admin"
	RoleSuperAdmin    = "super_admin"
)

// Identity is the authenticated caller.
type Identity struct {
	UID        string `json:"uid"`
	Role       string `json:"role"`
	HospitalID string `json:"hospital_id,omitempty"`
}

type Claims struct {
	jwt.RegisteredClaims
	Role       string `json:"role"`
	HospitalID string `json:"hospital_id,omitempty"`
}

type SessionConfig struct {
	Secret     []byte
	Issuer     string
	Audience   string
	CookieName string
	Skipper    middleware.Skipper
}

// IssueToken signs a session token for id, valid for ttl.
func IssueToken(cfg SessionConfig, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:       id.Role,
		HospitalID: id.HospitalID,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
}

// ParseToken verifies a session token and returns the identity it carries.
func ParseToken(cfg SessionConfig, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return cfg.Secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("session token has no subject")
	}
	return &Identity{UID: claims.Subject, Role: claims.Role, HospitalID: claims.HospitalID}, nil
}

// credential returns the session token from the bearer header or, failing
// that, the session cookie.
func credential(c echo.Context, cookieName string) (string, error) {
	if header := c.Request().Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", fmt.Errorf("invalid authorization format")
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if cookieName != "" {
		if cookie, err := c.Cookie(cookieName); err == nil && cookie.Value != "" {
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("missing session")
}

// SessionMiddleware rejects requests without a valid session before any
// handler or storage is touched.
func SessionMiddleware(cfg SessionConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			tokenStr, err := credential(c, cfg.CookieName)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			id, err := ParseToken(cfg, tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid session")
			}
			setIdentity(c, id)
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as a fixed dev
// patient. Requests that do carry a credential are still verified.
func DevAuthMiddleware(cfg SessionConfig, devPatient Identity) echo.MiddlewareFunc {
	verify := SessionMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := verify(next)
		return func(c echo.Context) error {
			if _, err := credential(c, cfg.CookieName); err == nil && len(cfg.Secret) > 0 {
				return verified(c)
			}
			id := devPatient
			setIdentity(c, &id)
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, id *Identity) {
	c.Set(HospitalContextKey, id.HospitalID)
	c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller, or nil when unauthenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// UserIDFromContext returns the caller's uid, or "" when unauthenticated.
func UserIDFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.UID
	}
	return ""
}
