package auth

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/genomic-gateway/internal/platform/session"
)

type contextKey string

const SessionKeyCtx contextKey = "session_key"

// DefaultCookieName is the cookie that carries the signed session key.
const DefaultCookieName = "gg_session"

// SessionMiddleware resolves the session key from the signed cookie and puts
// it on the request context. Requests without a valid cookie pass through
// with no key; downstream code treats them as unauthenticated.
func SessionMiddleware(codec *session.CookieCodec, cookieName string) echo.MiddlewareFunc {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := c.Cookie(cookieName)
			if err != nil || cookie.Value == "" {
				return next(c)
			}
			key, err := codec.Parse(cookie.Value)
			if err != nil {
				return next(c)
			}

			c.Set(string(SessionKeyCtx), key)
			ctx := context.WithValue(c.Request().Context(), SessionKeyCtx, key)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// SessionKeyFromContext returns the session key resolved by SessionMiddleware.
func SessionKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(SessionKeyCtx).(string)
	return key
}

// WithSessionKey returns a context carrying key, for callers outside HTTP.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, SessionKeyCtx, key)
}

func sessionCookie(name, value string, maxAge int, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
