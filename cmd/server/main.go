// Server runs the ingestion gateway: HTTP ingest, negotiate, health and subscriber sockets, optional
// MQTT ingress, and gRPC health. Accepted envelopes go to KAFKA_BROKERS / INGEST_KAFKA_TOPIC.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-telemetry/backend/internal/broadcast"
	"fleet-telemetry/backend/internal/config"
	"fleet-telemetry/backend/internal/db"
	"fleet-telemetry/backend/internal/ingest/auth"
	"fleet-telemetry/backend/internal/ingest/handler"
	"fleet-telemetry/backend/internal/ingest/mqtt"
	"fleet-telemetry/backend/internal/ingest/service"
	"fleet-telemetry/backend/internal/policy/engine"
	"fleet-telemetry/backend/internal/queue"
	"fleet-telemetry/backend/internal/security"
	"fleet-telemetry/backend/internal/server"
	"fleet-telemetry/backend/internal/telemetry"
	otelsetup "fleet-telemetry/backend/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Config{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "fleet-gateway",
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

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("server: KAFKA_BROKERS is required")
	}
	producer, err := queue.NewKafkaProducer(brokers, cfg.IngestTopic)
	if err != nil {
		log.Fatalf("server: kafka producer: %v", err)
	}
	defer producer.Close()

	authn := auth.New(auth.Config{
		LegacyPassphrases: cfg.LegacyPassphrases(),
		MachineGroups:     cfg.EnableMachineGroups,
	})
	if authn.Open() {
		log.Println("server: no passphrases configured and machine groups disabled; accepting every event")
	}
	gwOpts := []service.Option{service.WithMetrics(metrics)}
	if cfg.IngestPolicyFile != "" {
		src, err := engine.LoadPolicyFile(cfg.IngestPolicyFile)
		if err != nil {
			log.Fatalf("server: %v", err)
		}
		evaluator, err := engine.NewOPAEvaluator(ctx, src)
		if err != nil {
			log.Fatalf("server: %v", err)
		}
		if err := evaluator.HealthCheck(ctx); err != nil {
			log.Printf("server: admission policy health check failed: %v", err)
		}
		gwOpts = append(gwOpts, service.WithAdmission(evaluator))
		log.Printf("server: admission policy loaded from %s", cfg.IngestPolicyFile)
	}
	gateway, err := service.NewGateway(authn, producer, gwOpts...)
	if err != nil {
		log.Fatalf("server: gateway: %v", err)
	}

	hcfg := handler.Config{HubName: cfg.BroadcastChannel}
	var pinger handler.Pinger
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer conn.Close()
		pinger = db.Pinger(conn)
		hcfg.Pinger = pinger
	}

	var validator broadcast.TokenValidator
	if cfg.SubscriberTokensEnabled() {
		signer, pub, err := security.LoadKeyPair(cfg.SubscriberTokenPrivateKey, cfg.SubscriberTokenPublicKey)
		if err != nil {
			log.Fatalf("server: subscriber token keys: %v", err)
		}
		tokens := security.NewTokenProvider(signer, pub, cfg.SubscriberTTL())
		validator = tokens
		hcfg.Tokens = tokens
	} else {
		log.Println("server: subscriber tokens not configured; /ws accepts anonymous subscribers")
	}

	hub := broadcast.NewHub()
	defer hub.Stop()
	if cfg.RedisAddr != "" {
		rdb := broadcast.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer rdb.Close()
		relay := broadcast.NewRelay(rdb, cfg.BroadcastChannel, hub)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Printf("server: broadcast relay: %v", err)
			}
		}()
	} else {
		log.Println("server: REDIS_ADDR not set; subscribers will not receive events")
	}
	hcfg.WS = broadcast.NewWSHandler(hub, cfg.BroadcastChannel, validator)

	h, err := handler.New(gateway, hcfg)
	if err != nil {
		log.Fatalf("server: handler: %v", err)
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	if cfg.MQTTBrokerURL != "" {
		sub, err := mqtt.NewSubscriber(mqtt.Config{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
			QoS:       1,
		}, gateway)
		if err != nil {
			log.Fatalf("server: mqtt: %v", err)
		}
		defer sub.Close()
		go func() {
			if err := sub.Connect(ctx, time.Second, 30*time.Second); err != nil && ctx.Err() == nil {
				log.Printf("server: mqtt connect: %v", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer lis.Close()
	s := server.NewGRPCServer()
	server.RegisterServices(s, server.Deps{ServiceName: "fleet.gateway", HealthPinger: pinger})
	go func() {
		log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
		if err := s.Serve(lis); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	s.GracefulStop()
	log.Println("gateway stopped")
}
