package session

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const contextKey = "auth_session"

// RequireSession rejects requests while no one is signed in and stores the
// session on the echo context.
func RequireSession(m *Manager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess, err := m.Current()
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
			}
			c.Set(contextKey, sess)
			return next(c)
		}
	}
}

// RequireRole allows the request when the session stored by RequireSession
// has one of roles. An unknown role is treated as a patient.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess := FromContext(c)
			if sess == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
			}
			have := sess.Role
			if have == RoleUnknown {
				have = RolePatient
			}
			for _, r := range roles {
				if r == have {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}

// FromContext returns the session stored by RequireSession.
func FromContext(c echo.Context) *AuthSession {
	sess, _ := c.Get(contextKey).(*AuthSession)
	return sess
}
