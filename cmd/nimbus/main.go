package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/nimbus-cp/nimbus/internal/admin"
	"github.com/nimbus-cp/nimbus/internal/app"
	"github.com/nimbus-cp/nimbus/internal/audit"
	"github.com/nimbus-cp/nimbus/internal/auth"
	"github.com/nimbus-cp/nimbus/internal/edge"
	"github.com/nimbus-cp/nimbus/internal/identity"
	"github.com/nimbus-cp/nimbus/internal/observability"
	"github.com/nimbus-cp/nimbus/internal/platform/db"
	"github.com/nimbus-cp/nimbus/internal/projects"
	"github.com/nimbus-cp/nimbus/internal/rbac"
	"github.com/nimbus-cp/nimbus/internal/shared"
	"github.com/nimbus-cp/nimbus/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	sessionManager := shared.NewSessionManager(redisClient, "nimbus_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	identityRepo := identity.NewRepository(pool)
	rbacRepo := rbac.NewRepository(pool)
	auditRepo := audit.NewRepository(pool)
	blocklistRepo := edge.NewBlocklistRepository(pool)

	if _, err := rbac.EnsureDefaults(ctx, rbacRepo); err != nil {
		logger.Error("bootstrap rbac defaults", slog.Any("error", err))
		os.Exit(1)
	}

	evaluator := rbac.NewEvaluator(rbacRepo, logger)
	guards := rbac.NewMiddleware(evaluator, logger)

	blocker, err := edge.NewBlocker(ctx, blocklistRepo, redisClient, logger)
	if err != nil {
		logger.Error("load blocklist", slog.Any("error", err))
		os.Exit(1)
	}
	blocker.SetStatic(cfg.AuthBlockedIPs, cfg.AuthBlockedIPRanges)
	edgeMiddleware := edge.NewMiddleware(edge.Config{
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		MaxRequestSize:    cfg.MaxRequestSize,
		BlockDuration:     cfg.BlockDuration,
		AuthBlockedPaths:  cfg.AuthBlockedPaths,
		BlockedMessage:    cfg.AuthBlockedMsg,
		BlockedRedirect:   cfg.AuthBlockedRedirectURL,
		AdminPrefixes:     cfg.AdminPrefixes,
		AdminWhitelist:    cfg.AdminWhitelistIPs,
	}, blocker, edge.NewScanner(), metrics, logger)

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	auditMiddleware := audit.NewMiddleware(logger, queueClient, metrics)
	auditService := audit.NewService(auditRepo, logger)

	authService := auth.NewService(identityRepo, logger)
	authenticator := auth.NewAuthenticator(identityRepo, logger)
	oauthRegistry := auth.NewOAuthRegistry(map[string]auth.ProviderConfig{
		"github": {
			ClientID:     cfg.OAuthGitHubClientID,
			ClientSecret: cfg.OAuthGitHubClientSecret,
			RedirectURL:  cfg.OAuthRedirectBase + "/auth/oauth/github/complete",
		},
		"gitlab": {
			ClientID:     cfg.OAuthGitLabClientID,
			ClientSecret: cfg.OAuthGitLabClientSecret,
			RedirectURL:  cfg.OAuthRedirectBase + "/auth/oauth/gitlab/complete",
		},
		"linkedin": {
			ClientID:     cfg.OAuthLinkedInClientID,
			ClientSecret: cfg.OAuthLinkedInClientSecret,
			RedirectURL:  cfg.OAuthRedirectBase + "/auth/oauth/linkedin/complete",
		},
		"google": {
			ClientID:     cfg.OAuthGoogleClientID,
			ClientSecret: cfg.OAuthGoogleClientSecret,
			RedirectURL:  cfg.OAuthRedirectBase + "/auth/oauth/google/complete",
		},
	})
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager, oauthRegistry)

	adminHandler := admin.NewHandler(logger, rbacRepo, identityRepo, blocklistRepo, blocker, auditService, guards)
	projectsHandler := projects.NewHandler(projects.NewStore(), guards)
	jobHandler := jobs.NewHandler(asynq.NewInspector(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Edge:            edgeMiddleware,
		SessionManager:  sessionManager,
		CSRFManager:     csrfManager,
		Authenticator:   authenticator,
		AuditMiddleware: auditMiddleware,
		AuthHandler:     authHandler,
		AdminHandler:    adminHandler,
		ProjectsHandler: projectsHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
		Pool:            pool,
		Redis:           redisClient,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.AppRequestTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
