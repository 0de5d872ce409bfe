package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jeeva/jeeva/internal/config"
	"github.com/jeeva/jeeva/internal/domain/audit"
	"github.com/jeeva/jeeva/internal/domain/consent"
	"github.com/jeeva/jeeva/internal/domain/identity"
	"github.com/jeeva/jeeva/internal/domain/insight"
	"github.com/jeeva/jeeva/internal/domain/records"
	"github.com/jeeva/jeeva/internal/domain/visibility"
	"github.com/jeeva/jeeva/internal/platform/auth"
	"github.com/jeeva/jeeva/internal/platform/blobstore"
	"github.com/jeeva/jeeva/internal/platform/db"
	"github.com/jeeva/jeeva/internal/platform/gemini"
	"github.com/jeeva/jeeva/internal/platform/middleware"
)

const version = "0.1.0"

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e, err := newServer(cfg, pool, logger, reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
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
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, reg *prometheus.Registry) (*echo.Echo, error) {
	authMW, err := authMiddleware(cfg, logger)
	if err != nil {
		return nil, err
	}
	files, err := blobstore.NewLocalStore(cfg.MediaRoot, cfg.MediaBaseURL, cfg.UploadMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}

	principals := identity.NewService(identity.NewPrincipalRepoPG(pool))
	consents := consent.NewService(consent.NewRequestRepoPG(pool), principals, cfg.ConsentEnforceExpiry).
		WithMetrics(consent.NewMetrics(reg)).
		WithLogger(logger)
	policy := visibility.NewPolicy(consents, principals)
	auditor := audit.NewAuditor(audit.NewAccessLogRepoPG(pool), logger, reg)

	recordSvc := records.NewService(records.Deps{
		Records:    records.NewRecordRepoPG(pool),
		Tx:         pool,
		Consents:   consents,
		Principals: principals,
		Policy:     policy,
		Auditor:    auditor,
		Files:      files,
		Logger:     logger,
	})

	insightDeps := insight.Deps{
		Insights:   insight.NewInsightRepoPG(pool),
		Consents:   consents,
		Principals: principals,
		Policy:     policy,
		Auditor:    auditor,
		Timeout:    cfg.AITimeout,
		Metrics:    insight.NewMetrics(reg),
		Logger:     logger,
	}
	if gen := newGenerator(cfg); gen != nil {
		insightDeps.Generator = gen
	} else {
		logger.Warn().Msg("GEMINI_API_KEY not set, analysis requests will fail")
	}
	insightSvc := insight.NewService(insightDeps)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(middleware.NewHTTPMetrics(reg)))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-User-Email", "X-User-Role"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	apiV1.Use(authMW)
	apiV1.Use(identity.Middleware(principals))

	identity.NewHandler(principals).RegisterRoutes(apiV1)
	consent.NewHandler(consents).RegisterRoutes(apiV1)
	records.NewHandler(recordSvc, cfg.UploadMaxBytes).RegisterRoutes(apiV1)
	insight.NewHandler(insightSvc, cfg.UploadMaxBytes).RegisterRoutes(apiV1)
	audit.NewHandler(auditor).RegisterRoutes(apiV1)

	return e, nil
}

// authMiddleware picks header-based identity only for development without a
// configured verifier. Everywhere else a bearer token is required.
func authMiddleware(cfg *config.Config, logger zerolog.Logger) (echo.MiddlewareFunc, error) {
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthJWKSURL == "" && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("using development auth: identity is read from X-User-Email")
		return auth.DevAuthMiddleware(), nil
	}

	key, err := decodeSigningKey(cfg.AuthSigningKey)
	if err != nil {
		return nil, err
	}
	jwksURL := cfg.AuthJWKSURL
	if jwksURL == "" && key == nil {
		jwksURL = strings.TrimRight(cfg.AuthIssuer, "/") + "/.well-known/jwks.json"
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    jwksURL,
		SigningKey: key,
	}), nil
}

// decodeSigningKey parses the hex-encoded HS256 key. An empty value means
// tokens are verified against the JWKS instead.
func decodeSigningKey(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_SIGNING_KEY hex value: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// newGenerator returns nil when no provider key is configured.
func newGenerator(cfg *config.Config) insight.Generator {
	if !cfg.AIConfigured() {
		return nil
	}
	// The service deadline is the one that matters; this only bounds a
	// transport that ignores the context.
	httpClient := &http.Client{Timeout: cfg.AITimeout + 5*time.Second}
	return gemini.NewClient(httpClient, cfg.GeminiBaseURL, cfg.GeminiModel, cfg.GeminiAPIKey)
}
