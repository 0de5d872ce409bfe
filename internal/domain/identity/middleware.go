package identity

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jeeva/jeeva/internal/platform/apperr"
	"github.com/jeeva/jeeva/internal/platform/auth"
)

type contextKey string

const principalKey contextKey = "principal"

// Middleware resolves the authenticated subject into a Principal. It must run
// after one of the auth middlewares.
func Middleware(svc *Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			subject := auth.SubjectFromContext(ctx)
			if subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
			}
			p, err := svc.Resolve(ctx, subject, auth.RoleClaimFromContext(ctx))
			if err != nil {
				return apperr.HTTP(err)
			}
			c.SetRequest(c.Request().WithContext(WithPrincipal(ctx, p)))
			c.Set("principal_id", p.ID.String())
			return next(c)
		}
	}
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// RequireRole admits principals holding one of roles. Admins are not implicitly
// admitted: patient data routes rely on consent, not on admin rank.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := PrincipalFromContext(c.Request().Context())
			if p == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
			}
			for _, r := range roles {
				if p.Role == r {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "role not permitted")
		}
	}
}
