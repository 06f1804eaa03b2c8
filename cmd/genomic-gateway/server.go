package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/genomic-gateway/internal/config"
	"github.com/ehr/genomic-gateway/internal/domain/labs"
	"github.com/ehr/genomic-gateway/internal/platform/auth"
	"github.com/ehr/genomic-gateway/internal/platform/db"
	"github.com/ehr/genomic-gateway/internal/platform/middleware"
	"github.com/ehr/genomic-gateway/internal/platform/session"
	"github.com/ehr/genomic-gateway/internal/platform/telemetry"
	"github.com/ehr/genomic-gateway/internal/platform/upstream"
)

const (
	version              = "0.1.0"
	sessionSweepInterval = time.Minute
	pgCleanupInterval    = 10 * time.Minute
	limiterSweepInterval = 5 * time.Minute
)

// serverDeps are the collaborators built from config that tests replace.
type serverDeps struct {
	store    session.Store
	provider auth.LoginProvider
	// health is nil for the in-memory store.
	health  db.Pinger
	backend string
}

// newServer assembles the HTTP surface. Background sweeps stop with ctx.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, deps serverDeps) *echo.Echo {
	tokens := auth.NewTokenManager(deps.store)
	codec := session.NewCookieCodec([]byte(cfg.SessionSecret), session.DefaultExpiresIn)
	roleOf := sessionRole(tokens)

	metrics := telemetry.NewProvider(telemetry.Config{
		ServiceVersion: version,
		Environment:    cfg.Env,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
		ProcessMetrics: cfg.IsProduction(),
	})

	exec := upstream.NewExecutor(tokens, cfg.FHIRAPIBase,
		upstream.WithAttemptTimeout(cfg.UpstreamAttemptTimeout),
		upstream.WithBackOff(cfg.RetryBackoffInitial, cfg.RetryBackoffMax),
		upstream.WithLogger(logger.With().Str("component", "upstream").Logger()),
		upstream.WithObserver(metrics),
	)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		KeyFunc:           callerKey,
	})
	limiter.StartCleanup(ctx, limiterSweepInterval)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(auth.SessionMiddleware(codec, cfg.SessionCookieName))
	e.Use(middleware.Logger(logger, roleOf))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet},
		AllowHeaders:     []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(middleware.AccessAudit(logger, roleOf, metrics))

	// Login
	login := auth.NewLoginHandler(deps.provider, deps.store, codec, logger,
		auth.WithCookieName(cfg.SessionCookieName),
		auth.WithSecureCookies(cfg.IsProduction()),
	)
	login.RegisterRoutes(e)

	// Patient and lab data
	api := e.Group("/api",
		limiter.Middleware(),
		middleware.PatientParam(logger),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)
	svc := labs.NewService(tokens, exec, labs.DefaultRoles(), logger)
	labs.NewHandler(svc).RegisterRoutes(api)

	e.GET("/", dashboard(tokens))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if deps.health != nil {
		e.GET("/health/db", db.HealthHandler(deps.backend, deps.health))
	}
	if cfg.MetricsEnabled {
		e.GET("/metrics", metrics.Handler())
	}

	return e
}

// callerKey rate limits by session, or by client IP before login.
func callerKey(c echo.Context) string {
	if key := auth.SessionKeyFromContext(c.Request().Context()); key != "" {
		return "s:" + key
	}
	return "ip:" + c.RealIP()
}

// sessionRole resolves the caller's role for request and access logs.
func sessionRole(tokens *auth.TokenManager) middleware.RoleFunc {
	return func(c echo.Context) string {
		ctx := c.Request().Context()
		key := auth.SessionKeyFromContext(ctx)
		if key == "" {
			return ""
		}
		sess, err := tokens.Session(ctx, key)
		if err != nil || sess == nil {
			return ""
		}
		return string(sess.Role)
	}
}

func dashboard(tokens *auth.TokenManager) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		body := map[string]interface{}{
			"status":        "ok",
			"authenticated": false,
			"role":          "",
		}
		sess, err := tokens.Session(ctx, auth.SessionKeyFromContext(ctx))
		if err == nil && sess != nil {
			if _, err := tokens.TokenOf(sess); err == nil {
				body["authenticated"] = true
				body["role"] = string(sess.Role)
			}
		}
		return c.JSON(http.StatusOK, body)
	}
}

// jsonErrorHandler renders every error as {"error": message}.
func jsonErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := "internal server error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		} else {
			logger.Error().Err(err).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(code)
		} else {
			writeErr = c.JSON(code, map[string]string{"error": msg})
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("failed to write error response")
		}
	}
}

// openStore builds the session store selected by SESSION_STORE together with
// its health probe and the resources to release on shutdown.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (serverDeps, []io.Closer, error) {
	var (
		deps    serverDeps
		closers []io.Closer
		pool    *pgxpool.Pool
	)

	if cfg.SessionStore == session.KindPostgres {
		p, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return deps, nil, err
		}
		pool = p
		closers = append(closers, closerFunc(func() error { p.Close(); return nil }))
		logger.Info().Msg("connected to database")
	}

	store, closer, err := session.NewStore(ctx, cfg.SessionStore, session.Backends{
		Pool:          pool,
		RedisURL:      cfg.RedisURL,
		SweepInterval: sessionSweepInterval,
	})
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return deps, nil, err
	}
	// The store closes before the pool it runs on.
	closers = append([]io.Closer{closer}, closers...)

	deps.store = store
	deps.backend = cfg.SessionStore
	switch {
	case pool != nil:
		deps.health = pool
	default:
		if rc, ok := closer.(*redis.Client); ok {
			deps.health = db.PingFunc(func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		}
	}
	return deps, closers, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// cleanupLoop deletes expired rows from the PostgreSQL store until ctx ends.
func cleanupLoop(ctx context.Context, store *session.PGStore, logger zerolog.Logger) {
	ticker := time.NewTicker(pgCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Cleanup(ctx); err != nil {
				logger.Warn().Err(err).Msg("session cleanup failed")
			}
		}
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logger
	logger := newLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	deps, closers, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.SessionStore).Msg("failed to open session store")
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Msg("close failed")
			}
		}
	}()
	if pg, ok := deps.store.(*session.PGStore); ok {
		go cleanupLoop(ctx, pg, logger)
	}

	deps.provider = auth.NewEpicProvider(auth.EpicConfig{
		ClientID:     cfg.EpicClientID,
		ClientSecret: cfg.EpicClientSecret,
		AuthURL:      cfg.EpicAuthURL,
		TokenURL:     cfg.EpicTokenURL,
		RedirectURL:  cfg.EpicRedirectURI,
	})
	logger.Info().
		Str("epic_env", cfg.EpicEnv).
		Str("client_id", cfg.EpicClientID).
		Str("fhir_api_base", cfg.FHIRAPIBase).
		Msg("epic client configured")

	e := newServer(ctx, cfg, logger, deps)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("session_store", cfg.SessionStore).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
