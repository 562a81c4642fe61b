package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/paystream/fraud-engine/configs"
	"github.com/paystream/fraud-engine/internal/kafka"
	"github.com/paystream/fraud-engine/internal/ml"
	"github.com/paystream/fraud-engine/internal/processor"
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
		Str("group_id", cfg.Kafka.GroupID).
		Str("in_topic", cfg.Kafka.InTopic).
		Str("out_topic", cfg.Kafka.OutTopic).
		Msg("Starting fraud engine worker")

	// Decision store
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to decision store")
	}
	defer db.Close()

	decisionRepo := repositories.NewDecisionRepository(db)

	// Warm per-user state
	stateClient, err := state.NewClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer stateClient.Close()

	// Producers for decisions and dead letters
	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka producer")
	}
	defer producer.Close()

	decisionPublisher := kafka.NewDecisionPublisher(producer, cfg.Kafka.OutTopic)
	dlqPublisher := kafka.NewDeadLetterPublisher(producer, cfg.Kafka.DeadLetterTopic)

	// Model client, with the feature contract checked once at startup
	modelClient := ml.NewClient(cfg.ML)
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	modelClient.VerifyFeatureContract(startupCtx)
	startupCancel()

	proc := processor.New(
		stateClient,
		decisionRepo,
		decisionPublisher,
		dlqPublisher,
		modelClient,
		cfg.Rules,
		cfg.ML,
		cfg.Sink,
	)

	consumer, err := kafka.NewConsumerGroup(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create consumer group")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics and liveness side port
	metricsSrv := startMetricsServer(cfg.Server.MetricsPort, db, stateClient)

	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, proc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutting down worker...")
		cancel()
		<-done
	case err := <-done:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Consumer stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Metrics server forced to shutdown")
	}

	log.Info().Msg("Worker exited")
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

// startMetricsServer exposes /metrics and a shallow /healthz probe on the
// side port so the worker is observable without joining the API surface.
func startMetricsServer(port string, db *repositories.Database, stateClient *state.Client) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			http.Error(w, "decision store unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := stateClient.Ping(ctx); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		log.Info().Str("port", port).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}
