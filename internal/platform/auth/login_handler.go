package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/genomic-gateway/internal/platform/session"
)

const stateCookieName = "gg_oauth_state"

// LoginHandler exposes the login, callback and logout routes. It is the only
// writer of the session store.
type LoginHandler struct {
	provider   LoginProvider
	store      session.Store
	codec      *session.CookieCodec
	cookieName string
	secure     bool
	logger     zerolog.Logger
}

// LoginHandlerOption configures a LoginHandler.
type LoginHandlerOption func(*LoginHandler)

// WithCookieName overrides DefaultCookieName.
func WithCookieName(name string) LoginHandlerOption {
	return func(h *LoginHandler) {
		if name != "" {
			h.cookieName = name
		}
	}
}

// WithSecureCookies marks cookies Secure (HTTPS only).
func WithSecureCookies(secure bool) LoginHandlerOption {
	return func(h *LoginHandler) { h.secure = secure }
}

// NewLoginHandler creates a LoginHandler.
func NewLoginHandler(provider LoginProvider, store session.Store, codec *session.CookieCodec, logger zerolog.Logger, opts ...LoginHandlerOption) *LoginHandler {
	h := &LoginHandler{
		provider:   provider,
		store:      store,
		codec:      codec,
		cookieName: DefaultCookieName,
		logger:     logger,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterRoutes binds the login routes on e.
func (h *LoginHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/login", h.handleLogin)
	e.GET("/callback", h.handleCallback)
	e.GET("/logout", h.handleLogout)
}

func (h *LoginHandler) handleLogin(c echo.Context) error {
	state, err := newState()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start login")
	}
	c.SetCookie(sessionCookie(stateCookieName, state, 600, h.secure))
	h.logger.Info().Msg("user initiated login")
	return c.Redirect(http.StatusFound, h.provider.AuthCodeURL(state))
}

func (h *LoginHandler) handleCallback(c echo.Context) error {
	if errCode := c.QueryParam("error"); errCode != "" {
		h.logger.Warn().Str("error", errCode).Str("description", c.QueryParam("error_description")).Msg("login rejected by provider")
		return echo.NewHTTPError(http.StatusUnauthorized, "login failed: "+errCode)
	}

	stateCookie, err := c.Cookie(stateCookieName)
	if err != nil || !statesEqual(stateCookie.Value, c.QueryParam("state")) {
		return echo.NewHTTPError(http.StatusBadRequest, ErrStateMismatch.Error())
	}
	c.SetCookie(sessionCookie(stateCookieName, "", -1, h.secure))

	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing authorization code")
	}

	ctx := c.Request().Context()
	res, err := h.provider.Exchange(ctx, code)
	if err != nil {
		h.logger.Error().Err(err).Msg("token exchange failed")
		return echo.NewHTTPError(http.StatusUnauthorized, "login failed")
	}

	// A new login replaces whatever session the browser already held.
	if prev := SessionKeyFromContext(ctx); prev != "" {
		if err := h.store.Clear(ctx, prev); err != nil {
			h.logger.Error().Err(err).Msg("failed to clear previous session")
		}
	}

	key := session.NewKey()
	sess, err := h.store.Create(ctx, key, res.AccessToken, res.ExpiresIn, res.UserRole, res.Patient)
	if err != nil {
		h.logger.Error().Err(err).Str("role", string(res.UserRole)).Msg("could not create session")
		return echo.NewHTTPError(http.StatusUnauthorized, "login failed: "+err.Error())
	}

	value, err := h.codec.Issue(key)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to issue session")
	}
	c.SetCookie(sessionCookie(h.cookieName, value, int(h.codec.MaxAge().Seconds()), h.secure))

	h.logger.Info().
		Str("role", string(sess.Role)).
		Str("patient_id", sess.PatientID).
		Time("token_expiry", sess.Expiry).
		Msg("user logged in")
	return c.Redirect(http.StatusFound, "/")
}

func (h *LoginHandler) handleLogout(c echo.Context) error {
	if key := SessionKeyFromContext(c.Request().Context()); key != "" {
		if err := h.store.Clear(c.Request().Context(), key); err != nil {
			h.logger.Error().Err(err).Msg("failed to clear session")
		}
	}
	c.SetCookie(sessionCookie(h.cookieName, "", -1, h.secure))
	h.logger.Info().Msg("user logged out")
	return c.Redirect(http.StatusFound, "/")
}
