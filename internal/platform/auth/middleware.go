// Package auth authenticates callers and places the verified identifier and
// optional role claim on the request context. Resolution of that identifier
// into a stored principal happens in the identity domain.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	SubjectKey   contextKey = "auth_subject"
	RoleClaimKey contextKey = "auth_role_claim"
)

// Claims is the accepted token shape. Email wins over Subject as the stable
// principal identifier.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Identifier returns the principal identifier asserted by the token.
func (c *Claims) Identifier() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 verification; used for development and tests.
	SigningKey []byte
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	methods := []string{"RS256"}
	if len(cfg.SigningKey) > 0 {
		methods = []string{"HS256"}
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		keyFunc = jwksKeyFunc(NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL))
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Identifier() == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), claims.Identifier(), claims.Role)))
			return next(c)
		}
	}
}

// devRoles are the only role claims DevAuthMiddleware passes through. Admins
// are provisioned out of band, never by a header.
var devRoles = map[string]bool{"patient": true, "doctor": true}

// DevAuthMiddleware trusts the X-User-Email and X-User-Role headers. It must
// only be installed in development mode.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			email := strings.TrimSpace(c.Request().Header.Get("X-User-Email"))
			if email == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "X-User-Email header required")
			}
			role := strings.ToLower(strings.TrimSpace(c.Request().Header.Get("X-User-Role")))
			if !devRoles[role] {
				role = ""
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), email, role)))
			return next(c)
		}
	}
}

// WithIdentity stores an authenticated identifier and role claim on ctx.
func WithIdentity(ctx context.Context, subject, roleClaim string) context.Context {
	ctx = context.WithValue(ctx, SubjectKey, subject)
	return context.WithValue(ctx, RoleClaimKey, roleClaim)
}

func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(SubjectKey).(string)
	return s
}

func RoleClaimFromContext(ctx context.Context) string {
	r, _ := ctx.Value(RoleClaimKey).(string)
	return r
}
