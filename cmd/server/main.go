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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-transfer-connector/internal/config"
	"github.com/otcheredev/dicom-transfer-connector/internal/connector"
	"github.com/otcheredev/dicom-transfer-connector/internal/database"
	"github.com/otcheredev/dicom-transfer-connector/internal/handlers"
	"github.com/otcheredev/dicom-transfer-connector/internal/metrics"
	"github.com/otcheredev/dicom-transfer-connector/internal/middleware"
	"github.com/otcheredev/dicom-transfer-connector/internal/receiver"
	"github.com/otcheredev/dicom-transfer-connector/internal/repository"
	"github.com/otcheredev/dicom-transfer-connector/internal/services"
	"github.com/otcheredev/dicom-transfer-connector/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("env", cfg.Server.Env).Str("calling_ae", cfg.DICOM.CallingAETitle).Msg("Starting DICOM transfer connector")

	dbConfig := database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	}
	if err := database.Connect(dbConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	checks := map[string]handlers.Check{
		"database": func(context.Context) error { return database.Ping() },
	}

	// Receiver broker for C-MOVE downloads
	var subscriber receiver.Subscriber
	if cfg.Redis.Enabled {
		broker, err := receiver.NewRedisBroker(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer broker.Close()
		checks["redis"] = broker.Ping
		subscriber = broker
		log.Info().Str("addr", cfg.Redis.Addr()).Msg("Redis receiver broker initialized")
	} else {
		broker := receiver.NewMemoryBroker()
		defer broker.Close()
		subscriber = broker
		log.Info().Msg("Redis disabled, C-MOVE downloads use the in-process broker")
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	transferService := services.NewTransferService(
		repository.NewServerRepository(),
		repository.NewAuditRepository(),
		collector,
		cfg.Connector(),
		services.BreakerSettings{
			ConsecutiveFailures: cfg.DICOM.BreakerFailures,
			Timeout:             cfg.DICOM.BreakerTimeout,
		},
		connector.WithReceiver(receiver.NewBridge(subscriber)),
	)

	healthHandler := handlers.NewHealthHandler(checks)
	serverHandler := handlers.NewServerHandler(transferService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(collector))
	r.Use(chimiddleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(cfg.Server.OperationTimeout))
		serverHandler.Routes(r)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
