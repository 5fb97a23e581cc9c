package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"seatgate/internal/config"
	"seatgate/internal/infrastructure"
	"seatgate/internal/license"
	customMiddleware "seatgate/internal/middleware"
	"seatgate/internal/observability"
	"seatgate/internal/seats"
	"seatgate/internal/store"
	"seatgate/internal/token"
	handlers "seatgate/internal/transport/http"
	"seatgate/internal/vault"
)

const (
	VERSION = "1.0.0"
	AppName = "seatgate"
)

// Application represents the main application container
type Application struct {
	Config *config.Config
	Router *chi.Mux
	Server *http.Server
	DB     *gorm.DB
	Logger *slog.Logger

	LicenseService *license.Service
	SeatController *seats.Controller
	Reaper         *seats.Reaper
	Vault          *vault.Service
	Credentials    *vault.Credentials
	TokenSigner    *token.Signer

	cancelBackground context.CancelFunc
}

// NewApplication creates a new application instance with dependency injection
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", VERSION))

	db, err := store.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect store: %w", err)
	}

	wrapper, err := vault.NewWrapper(ctx, cfg.Vault)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key management: %w", err)
	}

	observability.InitMetrics()

	app := &Application{
		Config:         cfg,
		DB:             db,
		Logger:         logger,
		LicenseService: license.NewService(store.NewLicenseRepository(db), cfg.License, logger),
		SeatController: seats.NewController(store.NewConnectionRepository(db), cfg.Seats, logger),
		Reaper:         seats.NewReaper(store.NewConnectionRepository(db), cfg.Seats, logger),
		Vault:          vault.NewService(wrapper),
		TokenSigner:    token.NewSigner(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL),
	}

	app.Credentials = vault.NewCredentials(store.NewCredentialRepository(db), app.Vault)

	app.setupRouter(ctx)
	app.createServer()
	return app, nil
}

// setupRouter wires the middleware chain and mounts all handlers.
func (a *Application) setupRouter(ctx context.Context) {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)

	validateHandler := handlers.NewValidateHandler(a.LicenseService, a.Logger)
	connectionHandler := handlers.NewConnectionHandler(a.SeatController, a.Logger)
	credentialsHandler := handlers.NewCredentialsHandler(a.Credentials, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.DB, a.Vault, a.Logger)

	rateLimiter := customMiddleware.NewRateLimiter(ctx, a.Config.Server.RateLimit, a.Logger)
	tokenAuth := customMiddleware.TokenAuth(a.TokenSigner, a.Logger)
	adminAuth := customMiddleware.AdminAuth(a.Config.Auth.AdminSecretHash, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.With(rateLimiter.Handler).Mount("/validate", validateHandler.Routes())
		r.With(adminAuth).Get("/stats/{key}", validateHandler.Stats)
		r.With(adminAuth).Mount("/credentials", credentialsHandler.Routes())
		r.With(tokenAuth).Mount("/connections", connectionHandler.Routes())

		r.Get("/healthz", healthHandler.HealthCheck)
		r.Get("/healthz/live", healthHandler.LivenessCheck)
	})

	r.Handle("/metrics", promhttp.Handler())

	a.Router = r
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start starts the application
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.Int("port", a.Config.Server.Port),
		slog.String("level", a.Config.Logging.Level))

	// Background services run until Stop cancels them.
	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	a.cancelBackground = cancelBackground
	go a.Reaper.Run(backgroundCtx)

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if err := a.performStartupHealthCheck(ctx); err != nil {
		a.Logger.WarnContext(ctx, "Startup health check warnings", slog.String("warnings", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))
	return nil
}

// performStartupHealthCheck verifies the store and the key-management
// backend are reachable before traffic arrives. Failures are warnings,
// not fatal, so a transient outage at boot does not crash-loop the
// process.
func (a *Application) performStartupHealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := store.Ping(checkCtx, a.DB); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	if err := a.Vault.TestConnection(checkCtx); err != nil {
		return fmt.Errorf("key management unreachable: %w", err)
	}
	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if a.cancelBackground != nil {
		a.cancelBackground()
	}

	if err := infrastructure.CloseLogFile(); err != nil {
		a.Logger.ErrorContext(ctx, "Error closing log file", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return nil
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
	}

	return a.Stop(context.Background())
}
