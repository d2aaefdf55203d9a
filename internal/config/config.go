// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the ingest/negotiate/health HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN, or sqlite://path for the embedded dialect.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// ClientPassphrases is a comma-separated list of legacy shared passphrases. Empty disables legacy mode.
	ClientPassphrases string `mapstructure:"CLIENT_PASSPHRASES"`
	// EnableMachineGroups turns on machine-group mode: any non-blank passphrase is hashed and accepted.
	EnableMachineGroups bool `mapstructure:"ENABLE_MACHINE_GROUPS"`

	// IngestPolicyFile is an optional Rego module (package fleet.admission) evaluated for each authenticated submission.
	IngestPolicyFile string `mapstructure:"INGEST_POLICY_FILE"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// IngestTopic is the Kafka topic accepted envelopes are written to.
	IngestTopic string `mapstructure:"INGEST_KAFKA_TOPIC"`
	// IngestDLQTopic receives envelopes that exhausted processing attempts.
	IngestDLQTopic string `mapstructure:"INGEST_KAFKA_DLQ_TOPIC"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// WorkerConcurrency is the number of Kafka readers the worker runs in its group.
	WorkerConcurrency int `mapstructure:"WORKER_CONCURRENCY"`
	// ProcessMaxAttempts bounds how many times one message is processed before it is dead-lettered.
	ProcessMaxAttempts int `mapstructure:"PROCESS_MAX_ATTEMPTS"`

	// RedisAddr is the Redis address used as the broadcast transport. Empty disables broadcast.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is optional.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// BroadcastChannel is the Redis pub/sub channel (hub name) processed envelopes are published on.
	BroadcastChannel string `mapstructure:"BROADCAST_CHANNEL"`

	// LokiURL, when set, makes the worker push processed envelopes to Loki (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// InfluxURL, when set, makes the worker write run metrics (cimian_run, munki_run) to InfluxDB.
	InfluxURL    string `mapstructure:"INFLUX_URL"`
	InfluxToken  string `mapstructure:"INFLUX_TOKEN"`
	InfluxOrg    string `mapstructure:"INFLUX_ORG"`
	InfluxBucket string `mapstructure:"INFLUX_BUCKET"`

	// MQTTBrokerURL, when set, enables MQTT ingress on the gateway (e.g. tcp://localhost:1883).
	MQTTBrokerURL string `mapstructure:"MQTT_BROKER_URL"`
	// MQTTTopic is the subscription filter for MQTT ingress.
	MQTTTopic string `mapstructure:"MQTT_TOPIC"`
	// MQTTClientID is the MQTT client identifier.
	MQTTClientID string `mapstructure:"MQTT_CLIENT_ID"`

	// OTelEndpoint is the OTLP gRPC collector endpoint. Empty disables exporters.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelInsecure disables TLS to the collector.
	OTelInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// SubscriberTokenPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file used to sign subscriber tokens.
	SubscriberTokenPrivateKey string `mapstructure:"SUBSCRIBER_TOKEN_PRIVATE_KEY"`
	// SubscriberTokenPublicKey is the PEM-encoded public key or path to file; used with SUBSCRIBER_TOKEN_PRIVATE_KEY.
	SubscriberTokenPublicKey string `mapstructure:"SUBSCRIBER_TOKEN_PUBLIC_KEY"`
	// SubscriberTokenTTL is the subscriber token lifetime (e.g. "60m").
	SubscriberTokenTTL string `mapstructure:"SUBSCRIBER_TOKEN_TTL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("CLIENT_PASSPHRASES", "")
	v.SetDefault("ENABLE_MACHINE_GROUPS", false)
	v.SetDefault("INGEST_POLICY_FILE", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("INGEST_KAFKA_TOPIC", "fleet-events")
	v.SetDefault("INGEST_KAFKA_DLQ_TOPIC", "fleet-events-dlq")
	v.SetDefault("KAFKA_GROUP_ID", "fleet-event-processor")
	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("PROCESS_MAX_ATTEMPTS", 5)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("BROADCAST_CHANNEL", "fleet")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("INFLUX_URL", "")
	v.SetDefault("INFLUX_TOKEN", "")
	v.SetDefault("INFLUX_ORG", "")
	v.SetDefault("INFLUX_BUCKET", "fleet")
	v.SetDefault("MQTT_BROKER_URL", "")
	v.SetDefault("MQTT_TOPIC", "fleet/events")
	v.SetDefault("MQTT_CLIENT_ID", "fleet-gateway")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("SUBSCRIBER_TOKEN_PRIVATE_KEY", "")
	v.SetDefault("SUBSCRIBER_TOKEN_PUBLIC_KEY", "")
	v.SetDefault("SUBSCRIBER_TOKEN_TTL", "60m")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, errors.New("config: WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.ProcessMaxAttempts < 1 {
		return nil, errors.New("config: PROCESS_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.IngestDLQTopic != "" && cfg.IngestDLQTopic == cfg.IngestTopic {
		return nil, errors.New("config: INGEST_KAFKA_DLQ_TOPIC must differ from INGEST_KAFKA_TOPIC")
	}
	if (cfg.SubscriberTokenPrivateKey == "") != (cfg.SubscriberTokenPublicKey == "") {
		return nil, errors.New("config: SUBSCRIBER_TOKEN_PRIVATE_KEY and SUBSCRIBER_TOKEN_PUBLIC_KEY must be set together")
	}

	return &cfg, nil
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list means the queue is not configured.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// LegacyPassphrases returns the trimmed, non-empty legacy passphrases. Nil when legacy mode is off.
func (c *Config) LegacyPassphrases() []string {
	if c == nil {
		return nil
	}
	return splitList(c.ClientPassphrases)
}

// SubscriberTTL parses SubscriberTokenTTL as a time.Duration. Returns 60m if unset or invalid.
func (c *Config) SubscriberTTL() time.Duration {
	d, err := time.ParseDuration(c.SubscriberTokenTTL)
	if err != nil || d <= 0 {
		return 60 * time.Minute
	}
	return d
}

// SubscriberTokensEnabled reports whether both subscriber token keys are configured.
func (c *Config) SubscriberTokensEnabled() bool {
	return c != nil && c.SubscriberTokenPrivateKey != "" && c.SubscriberTokenPublicKey != ""
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
