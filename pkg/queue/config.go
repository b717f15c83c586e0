package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Config describes the report publisher. It is read from the environment.
type Config struct {
	Brokers        string        `env:"KEEPER_KAFKA_BROKERS"`                                      // comma separated; empty disables reporting
	Topic          string        `env:"KEEPER_KAFKA_TOPIC"           envDefault:"keeper-attempts"` // destination topic
	ClientID       string        `env:"KEEPER_KAFKA_CLIENT_ID"       envDefault:"keeper"`          // producer client.id
	Acks           string        `env:"KEEPER_KAFKA_ACKS"            envDefault:"all"`             // required broker acknowledgements
	Linger         time.Duration `env:"KEEPER_KAFKA_LINGER"          envDefault:"5ms"`             // batching delay
	PublishTimeout time.Duration `env:"KEEPER_KAFKA_PUBLISH_TIMEOUT" envDefault:"5s"`              // per-report delivery wait
}

// LoadConfig parses Config from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse kafka config: %w", err)
	}
	return cfg, nil
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Brokers) != ""
}

// ConfigMap builds the librdkafka producer configuration.
func (c Config) ConfigMap() (*kafka.ConfigMap, error) {
	if !c.Enabled() {
		return nil, errors.New("invalid brokers: must not be empty")
	}
	if c.Topic == "" {
		return nil, errors.New("invalid topic: must not be empty")
	}
	return &kafka.ConfigMap{
		"bootstrap.servers": c.Brokers,
		"client.id":         c.ClientID,
		"acks":              c.Acks,
		"linger.ms":         int(c.Linger.Milliseconds()),
	}, nil
}
