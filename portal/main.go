package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/licitaflow/licitaflow-go/internal/automation"
	"github.com/licitaflow/licitaflow-go/internal/automation/dfd"
	"github.com/licitaflow/licitaflow-go/internal/automation/form2json"
	"github.com/licitaflow/licitaflow-go/internal/catalog"
	"github.com/licitaflow/licitaflow-go/internal/engine"
	"github.com/licitaflow/licitaflow-go/internal/platform/auditlog"
	"github.com/licitaflow/licitaflow-go/internal/platform/auth"
	"github.com/licitaflow/licitaflow-go/internal/platform/env"
	"github.com/licitaflow/licitaflow-go/internal/platform/httpserver"
	"github.com/licitaflow/licitaflow-go/internal/platform/objectstore"
	"github.com/licitaflow/licitaflow-go/internal/platform/postgres"
	pgrepo "github.com/licitaflow/licitaflow-go/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("PORTAL_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("PORTAL_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	workers, err := env.Int("PORTAL_WORKERS", 4)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	queueSize, err := env.Int("PORTAL_QUEUE_SIZE", 256)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	reapInterval, err := env.Duration("PORTAL_REAP_INTERVAL", time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	reapMaxAge, err := env.Duration("PORTAL_REAP_MAX_AGE", 15*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	catalogPath := env.String("PORTAL_CATALOG_PATH", "catalog.yaml")
	uiDir := env.String("PORTAL_UI_DIR", "ui")
	elevatedRoles := env.CSV("PORTAL_ELEVATED_ROLES", nil)

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	store, err := objectstore.New(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := store.EnsureBucket(startupCtx); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	cat, err := catalog.Load(catalogPath)
	if err != nil {
		logger.Error("invalid catalog", "error", err, "path", catalogPath)
		os.Exit(2)
	}

	dfdModule, err := dfd.New(store)
	if err != nil {
		logger.Error("dfd module init failed", "error", err)
		os.Exit(2)
	}
	registry, err := automation.NewRegistry(dfdModule, form2json.New())
	if err != nil {
		logger.Error("registry init failed", "error", err)
		os.Exit(2)
	}

	subs := pgrepo.NewSubmissionStore(db)
	users := pgrepo.NewUserStore(db)
	sessionStore := pgrepo.NewSessionStore(db)
	sink := auditlog.NewSink(db, logger)

	eng, err := engine.New(engine.Config{
		Service:       "portal",
		Workers:       workers,
		QueueSize:     queueSize,
		ElevatedRoles: elevatedRoles,
	}, registry, subs, sink, logger)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}
	eng.Start(ctx)
	eng.StartReaper(ctx, reapInterval, reapMaxAge)

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	sessions, err := auth.NewSessions(authCfg, users, sessionStore, logger)
	if err != nil {
		logger.Error("session service init failed", "error", err)
		os.Exit(2)
	}

	var authenticator auth.Authenticator = sessions
	if authCfg.Mode == auth.ModeDev {
		logger.Warn("dev auth mode enabled; do not use in production")
		authenticator = auth.NewDevAuthenticator(authCfg)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("portal"))
	mux.HandleFunc(
		"/readyz",
		httpserver.Readyz(
			"portal",
			httpserver.ReadinessCheck{
				Name:  "postgres",
				Check: httpserver.WithTimeout(750*time.Millisecond, db.PingContext),
			},
			httpserver.ReadinessCheck{
				Name:  "minio",
				Check: httpserver.WithTimeout(750*time.Millisecond, store.CheckBucket),
			},
		),
	)

	portalAPI := &api{
		logger:   logger,
		engine:   eng,
		registry: registry,
		catalog:  cat,
		sessions: sessions,
		uiDir:    uiDir,
	}
	portalAPI.register(mux)

	skipPrefixes := []string{"/healthz", "/readyz", "/api/auth/login"}
	if authCfg.Mode == auth.ModeOIDC {
		oidcSvc, err := auth.NewOIDCService(ctx, authCfg, sessions, users)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(2)
		}
		loginHandler, err := oidcSvc.LoginHandler()
		if err != nil {
			logger.Error("oidc login handler init failed", "error", err)
			os.Exit(2)
		}
		callbackHandler, err := oidcSvc.CallbackHandler()
		if err != nil {
			logger.Error("oidc callback handler init failed", "error", err)
			os.Exit(2)
		}
		mux.HandleFunc("GET /api/auth/oidc/login", loginHandler)
		mux.HandleFunc("GET /api/auth/oidc/callback", callbackHandler)
		skipPrefixes = append(skipPrefixes, "/api/auth/oidc/")
	}

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "portal", event)
		},
		SkipPrefixes: skipPrefixes,
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "portal",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "portal", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
