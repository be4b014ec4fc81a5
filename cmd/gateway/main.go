package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/llmops/inference-gateway/internal/cloud"
	"github.com/llmops/inference-gateway/internal/gateway/forwarder"
	"github.com/llmops/inference-gateway/internal/gateway/handlers"
	"github.com/llmops/inference-gateway/internal/gateway/metrics"
	"github.com/llmops/inference-gateway/internal/gateway/ratelimit"
	"github.com/llmops/inference-gateway/internal/gateway/routing"
	"github.com/llmops/inference-gateway/internal/gateway/usage"
	"github.com/llmops/inference-gateway/internal/provisioner"
	"github.com/llmops/inference-gateway/internal/shared/config"
	"github.com/llmops/inference-gateway/internal/shared/database"
	"github.com/llmops/inference-gateway/internal/shared/logging"
	"github.com/llmops/inference-gateway/internal/shared/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.Setup(cfg.LogLevel, cfg.LogFile)
	metrics.Register()

	log.Infof("Starting inference gateway on port %s (env: %s)", cfg.Port, cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.AutoMigrate(); err != nil {
		log.Fatalf("Failed to migrate database schema: %v", err)
	}
	log.Info("Connected to database")

	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Info("Connected to Redis")

	publicIP := cfg.PublicIP
	if publicIP == "" {
		publicIP = config.DetectPublicIP()
		log.Infof("Detected public IP %s for VM security rules", publicIP)
	}

	limiter := ratelimit.New(redisClient)
	selector := routing.New(db)
	recorder := usage.NewRecorder(db)
	fwd := forwarder.New(recorder, cfg.UpstreamTimeout)

	cloudClient := cloud.NewClient(cfg.CloudAPIURL, cfg.CloudAPIKey)
	prov := provisioner.New(db, cloudClient, provisioner.Options{
		VMStatusAttempts:    cfg.VMStatusAttempts,
		VMStatusDelay:       cfg.VMStatusDelay,
		EngineProbeAttempts: cfg.EngineProbeAttempts,
		EngineProbeDelay:    cfg.EngineProbeDelay,
	})

	chatHandler := handlers.NewChatHandler(selector, fwd)
	adminHandler := handlers.NewAdminHandler(db, prov, publicIP)
	mw := handlers.NewMiddleware(db, limiter, cfg.AdminAPIKey)

	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS)
	r.Use(mw.Observe)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Completion path: caller API keys, rate limited per key.
		r.Group(func(r chi.Router) {
			r.Use(mw.Auth)
			r.Use(mw.RateLimit)

			r.Post("/chat/completions", chatHandler.HandleChatCompletion)
		})

		// Control plane: admin secret only.
		r.Group(func(r chi.Router) {
			r.Use(mw.AdminAuth)

			r.Post("/generate_api_key", adminHandler.HandleGenerateAPIKey)
			r.Post("/delete_api_key", adminHandler.HandleDeleteAPIKey)

			r.Get("/models", adminHandler.HandleListModels)
			r.Post("/models", adminHandler.HandleCreateModel)
			r.Get("/models/{name}", adminHandler.HandleGetModel)
			r.Delete("/models/{id:[0-9]+}", adminHandler.HandleDeleteModel)

			r.Get("/models/{id:[0-9]+}/replicas", adminHandler.HandleListReplicas)
			r.Post("/models/{id:[0-9]+}/replicas", adminHandler.HandleCreateReplica)
			r.Put("/models/replicas/{id:[0-9]+}", adminHandler.HandleUpdateReplica)
			r.Delete("/replicas/{id:[0-9]+}", adminHandler.HandleDeleteReplica)
		})
	})

	// WriteTimeout stays unset: SSE responses are open for the full
	// generation and are cancelled through the request context instead.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Infof("Server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown error: %v", err)
	}

	log.Info("Server stopped")
}
