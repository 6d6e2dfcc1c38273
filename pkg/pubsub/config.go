package pubsub

import (
	"fmt"
	"time"
)

// Driver names.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverKafka  = "kafka"
)

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`

	// InstanceID is appended to GroupID so that every instance consumes
	// every message instead of competing within one group.
	InstanceID string `mapstructure:"-"`
}

// Config holds the configuration for the pub/sub system.
type Config struct {
	Driver string      `mapstructure:"driver"` // "memory", "redis", "kafka"
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver: DriverMemory,
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:    "localhost:9092",
			GroupID:    "collab-service",
			Partitions: 4,
		},
	}
}

// NewPubSub creates a new PubSub instance based on the configuration.
func NewPubSub(cfg Config) (PubSub, error) {
	switch cfg.Driver {
	case DriverKafka:
		return NewKafkaPubSub(cfg.Kafka)
	case DriverRedis:
		return NewRedisPubSub(cfg.Redis)
	case DriverMemory, "":
		return NewMemoryPubSub(), nil
	default:
		return nil, fmt.Errorf("unsupported pubsub driver: %q", cfg.Driver)
	}
}
