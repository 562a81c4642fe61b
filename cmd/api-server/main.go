package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/paystream/fraud-engine/configs"
	"github.com/paystream/fraud-engine/internal/analytics"
	"github.com/paystream/fraud-engine/internal/ingestion"
	"github.com/paystream/fraud-engine/internal/kafka"
	"github.com/paystream/fraud-engine/internal/ml"
	"github.com/paystream/fraud-engine/internal/repositories"
	"github.com/paystream/fraud-engine/internal/state"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting fraud engine API server")

	// Decision store
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to decision store")
	}
	defer db.Close()

	decisionRepo := repositories.NewDecisionRepository(db)

	// Warm state, only probed for health here
	stateClient, err := state.NewClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer stateClient.Close()

	// Inbound topic producer
	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka producer")
	}
	defer producer.Close()

	txPublisher := kafka.NewTransactionPublisher(producer, cfg.Kafka.InTopic)
	modelClient := ml.NewClient(cfg.ML)

	ingestService := ingestion.NewService(txPublisher)
	ingestHandler := ingestion.NewHandler(ingestService)

	queryService := analytics.NewService(decisionRepo, map[string]analytics.HealthProbe{
		"postgres": func(ctx context.Context) bool { return db.HealthCheck(ctx) == nil },
		"redis":    func(ctx context.Context) bool { return stateClient.Ping(ctx) == nil },
		"model":    modelClient.IsHealthy,
	})
	queryHandler := analytics.NewHandler(queryService)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware())

	queryHandler.RegisterHealth(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	ingestHandler.Register(api)
	queryHandler.Register(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
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

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}
