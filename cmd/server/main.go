package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/darkden-lab/notifier/internal/auth"
	"github.com/darkden-lab/notifier/internal/broker"
	"github.com/darkden-lab/notifier/internal/cache"
	"github.com/darkden-lab/notifier/internal/config"
	"github.com/darkden-lab/notifier/internal/db"
	"github.com/darkden-lab/notifier/internal/httputil"
	"github.com/darkden-lab/notifier/internal/logging"
	mw "github.com/darkden-lab/notifier/internal/middleware"
	"github.com/darkden-lab/notifier/internal/notifications"
	"github.com/darkden-lab/notifier/internal/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	if cfg.MigrationsPath != "" {
		if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath, log); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	// Cache (best effort: a broken cache only costs database reads)
	notifCache, err := cache.New(cfg, log)
	if err != nil {
		log.Warn("cache setup failed, continuing without cache", "error", err)
		notifCache = cache.Noop{}
	}
	defer notifCache.Close() //nolint:errcheck // best-effort cleanup on shutdown

	// Broker connection: exits the process when every attempt fails
	dial, _, err := broker.NewDialer(cfg, log)
	if err != nil {
		log.Error("broker setup failed", "error", err)
		os.Exit(1)
	}
	manager := broker.NewManager(dial, broker.ManagerConfig{
		RetryCount: cfg.RetryCount,
		RetryDelay: cfg.RetryDelay,
	}, log)
	manager.MustConnect(ctx)
	defer manager.Close() //nolint:errcheck // best-effort cleanup on shutdown

	// Real-time gateway
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	gateway := realtime.NewGateway(jwtService, cfg.OriginList(), log)

	// Notifications
	store := notifications.NewPostgresStore(database.Pool)
	service := notifications.NewService(store, notifCache, cfg.CacheTTL(), gateway, log)

	consumer := notifications.NewConsumer(manager, service, notifications.ConsumerConfig{
		Queues:           notifications.QueuesFromNames(cfg.QueueNames()),
		MessageTimeout:   cfg.MessageTimeout,
		RequeueOnFailure: cfg.RequeueOnFailure,
		RequeueDelay:     cfg.RequeueDelay,
	}, log)
	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer failed to start", "error", err)
		os.Exit(1)
	}
	go manager.Supervise(ctx, consumer.Restart)

	sweeper := notifications.NewSweeper(service, cfg.RetentionWindow, cfg.SweepInterval, log)
	sweeper.Start()

	publisher := broker.NewPublisher(manager, cfg.QueueNames(), log)

	// Router
	r := mux.NewRouter()
	r.Use(mw.RequestLogger(log))

	// Health check (no auth)
	r.HandleFunc("/healthz", healthzHandler(manager, database)).Methods(http.MethodGet)

	// WebSocket (token checked by the gateway)
	gateway.RegisterRoutes(r)

	if cfg.ServiceSecret == "" {
		log.Warn("SERVICE_SECRET is empty; internal endpoints are unauthenticated")
	}

	// Service-to-service routes
	internal := r.PathPrefix("").Subrouter()
	internal.Use(mw.ServiceSecretMiddleware(cfg.ServiceSecret))
	notifications.NewEventHandlers(publisher).RegisterRoutes(internal)

	// Protected routes
	protected := r.PathPrefix("").Subrouter()
	protected.Use(mw.ServiceSecretMiddleware(cfg.ServiceSecret))
	protected.Use(mw.AuthMiddleware(jwtService))
	protected.Use(mw.RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))
	notifications.NewHandlers(service).RegisterRoutes(protected)

	// HTTP Server: CORS wraps the entire router so OPTIONS preflight
	// requests are handled before mux routing.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mw.CORS(cfg.OriginList())(r),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	gateway.Close()
	sweeper.Stop()
	consumer.Stop()

	log.Info("server stopped")
}

type healthChecker interface {
	Ping(ctx context.Context) error
}

func healthzHandler(manager *broker.Manager, database healthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{
			"status":   "ok",
			"broker":   manager.State().String(),
			"database": "ok",
		}
		if manager.State() != broker.Connected {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := database.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = "unavailable"
		}
		httputil.WriteJSON(w, status, body)
	}
}
