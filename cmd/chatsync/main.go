// Package main is the entry point for the chat sync engine.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unibook/chatsync/internal/api"
	"github.com/unibook/chatsync/internal/config"
	"github.com/unibook/chatsync/internal/directory"
	"github.com/unibook/chatsync/internal/dispatch"
	"github.com/unibook/chatsync/internal/engine"
	"github.com/unibook/chatsync/internal/feed"
	"github.com/unibook/chatsync/internal/handler"
	"github.com/unibook/chatsync/internal/ledger"
	"github.com/unibook/chatsync/internal/middleware"
	"github.com/unibook/chatsync/internal/model"
	"github.com/unibook/chatsync/internal/presence"
	"github.com/unibook/chatsync/internal/sse"
	"github.com/unibook/chatsync/pkg/logger"
	"github.com/unibook/chatsync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if cfg.UserID == "" {
		log.Error("CHATSYNC_USER_ID is required")
		os.Exit(1)
	}
	log = log.WithUser(cfg.UserID)

	log.Info("starting chat sync engine")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatsync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Build components
	pres := presence.NewTracker()

	apiClient := api.New(api.Config{
		BaseURL:       cfg.APIBaseURL,
		Timeout:       cfg.APITimeout,
		JWTSecret:     cfg.JWTSecret,
		JWTExpiration: cfg.JWTExpiration,
		UserID:        cfg.UserID,
	}, log)

	led := ledger.New(apiClient, log)
	dispatcher := dispatch.New(dispatch.Config{
		ToastTTL:        cfg.ToastTTL,
		PreviewMaxRunes: cfg.PreviewMaxRune,
	}, led, pres, apiClient, log)
	dir := directory.New(apiClient, log)

	// Connect to the realtime message log
	feedClient, err := feed.Connect(ctx, feed.Config{
		URL:              cfg.NATSURL,
		CAFile:           cfg.NATSCAFile,
		CertFile:         cfg.NATSCertFile,
		KeyFile:          cfg.NATSKeyFile,
		Token:            cfg.NATSToken,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectCeiling: cfg.ReconnectCeiling,
	}, log)
	if err != nil {
		log.Error("failed to connect to message log", "error", err)
		os.Exit(1)
	}
	defer feedClient.Close()

	if err := feedClient.EnsureStream(ctx); err != nil {
		log.Error("failed to ensure stream", "error", err)
		os.Exit(1)
	}

	eng := engine.New(engine.Deps{
		API:        apiClient,
		Ledger:     led,
		Presence:   pres,
		Dispatcher: dispatcher,
		Directory:  dir,
		Subscribe: func(ctx context.Context, conv *model.Conversation, h feed.Handler, onErr feed.ErrorFunc) (directory.Releaser, error) {
			return feedClient.Subscribe(ctx, conv, feed.ModeLatest, h, onErr)
		},
		Publish:  feedClient.Publish,
		Logger:   log,
		UserID:   cfg.UserID,
		UserName: cfg.UserName,
	})
	defer eng.Shutdown()
	feedClient.SetStatusFunc(eng.SetOnline)

	// Initial synchronization
	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	if err := eng.Start(startCtx); err != nil {
		log.Error("initial synchronization failed", "error", err)
	}
	cancelStart()

	// Server notification stream. A run that exhausts its reconnect budget
	// terminates; manual resync relaunches it.
	sseCtx, cancelSSE := context.WithCancel(ctx)
	defer cancelSSE()
	if cfg.SSEEnabled {
		consumer := sse.New(sse.Config{
			StreamURL:        cfg.APIBaseURL + cfg.SSEPath,
			ReconnectInitial: cfg.ReconnectInitial,
			ReconnectCeiling: cfg.ReconnectCeiling,
			MaxElapsed:       cfg.ReconnectMaxElapsed,
		}, apiClient.AuthToken, sse.Handlers{
			OnNotification: eng.HandleNotification,
			OnCountUpdate:  eng.HandleCountUpdate,
		}, log)

		launchStream := func() {
			consumer.Launch(sseCtx, func(err error) {
				if err != nil {
					log.Error("notification stream offline", "error", err)
					eng.SetOnline(false)
				}
			})
		}
		launchStream()
		eng.SetStreamRearm(launchStream)
	}

	// Build handlers
	healthHandler := handler.NewHealthHandler(feedClient)
	stateHandler := handler.NewStateHandler(eng, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))

		r.Get("/state", stateHandler.State)
		r.Post("/presence", stateHandler.Presence)

		r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
			Post("/resync", stateHandler.Resync)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Post("/open", stateHandler.OpenConversation)
			r.Post("/messages", stateHandler.SendMessage)
		})

		r.Route("/toasts/{id}", func(r chi.Router) {
			r.Post("/dismiss", stateHandler.DismissToast)
			r.Post("/open", stateHandler.OpenToast)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("status server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancelSSE()
	eng.Shutdown()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("stopped")
}
