// Worker consumes envelopes from Kafka, persists them and broadcasts them to subscribers and sinks.
// Requires KAFKA_BROKERS and DATABASE_URL. REDIS_ADDR, LOKI_URL, INFLUX_URL and
// OTEL_EXPORTER_OTLP_ENDPOINT each enable one broadcast sink.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-telemetry/backend/internal/broadcast"
	"fleet-telemetry/backend/internal/config"
	"fleet-telemetry/backend/internal/db"
	"fleet-telemetry/backend/internal/processor"
	"fleet-telemetry/backend/internal/queue"
	"fleet-telemetry/backend/internal/server"
	"fleet-telemetry/backend/internal/telemetry"
	otelsetup "fleet-telemetry/backend/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("worker: DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Config{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "fleet-worker",
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()
	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		log.Fatalf("telemetry: metrics: %v", err)
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()
	store := processor.NewSQLStore(conn, db.DialectFor(cfg.DatabaseURL))

	var sinks []broadcast.Publisher
	if cfg.RedisAddr != "" {
		rdb := broadcast.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer rdb.Close()
		sinks = append(sinks, broadcast.NewRedisPublisher(rdb, cfg.BroadcastChannel))
	}
	if cfg.LokiURL != "" {
		loki, err := broadcast.NewLokiPublisher(cfg.LokiURL)
		if err != nil {
			log.Fatalf("worker: loki: %v", err)
		}
		sinks = append(sinks, loki)
	}
	if cfg.InfluxURL != "" {
		influx := broadcast.NewInfluxPublisher(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer influx.Close()
		sinks = append(sinks, influx)
	}
	if cfg.OTelEndpoint != "" {
		sinks = append(sinks, broadcast.NewOTelPublisher(providers.LoggerProvider))
	}
	if len(sinks) == 0 {
		log.Println("worker: no broadcast sinks configured; events are persisted only")
	}

	proc, err := processor.New(store, broadcast.NewFanout(sinks...),
		processor.WithMetrics(metrics),
		processor.WithTracerProvider(providers.TracerProvider),
	)
	if err != nil {
		log.Fatalf("worker: processor: %v", err)
	}

	if err := queue.EnsureTopics(ctx, brokers, queue.IngestTopics(cfg.IngestTopic, cfg.IngestDLQTopic, cfg.WorkerConcurrency)...); err != nil {
		log.Printf("worker: ensure topics: %v", err)
	}

	var dlq queue.MessageWriter
	if cfg.IngestDLQTopic != "" {
		w := queue.NewKafkaWriter(brokers, cfg.IngestDLQTopic)
		defer w.Close()
		dlq = w
	}
	consumer, err := queue.NewKafkaConsumer(queue.ConsumerConfig{
		Brokers:     brokers,
		Topic:       cfg.IngestTopic,
		GroupID:     cfg.KafkaGroupID,
		Concurrency: cfg.WorkerConcurrency,
		MaxAttempts: cfg.ProcessMaxAttempts,
		IsPermanent: processor.IsPermanent,
	}, dlq, proc.HandleMessage)
	if err != nil {
		log.Fatalf("worker: consumer: %v", err)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer lis.Close()
	s := server.NewGRPCServer()
	server.RegisterServices(s, server.Deps{ServiceName: "fleet.worker", HealthPinger: store})
	go func() {
		log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
		if err := s.Serve(lis); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()

	log.Printf("worker: consuming from %s (group %s)", cfg.IngestTopic, cfg.KafkaGroupID)
	if err := consumer.Run(ctx); err != nil {
		log.Printf("worker: consumer: %v", err)
	}
	log.Println("worker: shutting down...")
	s.GracefulStop()
	log.Println("worker: stopped")
}
