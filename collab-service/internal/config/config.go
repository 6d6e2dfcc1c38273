package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/liveness"
	pkgconfig "github.com/weiawesome/wes-trip-collab/pkg/config"
	"github.com/weiawesome/wes-trip-collab/pkg/database"
	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
	"github.com/weiawesome/wes-trip-collab/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Identity  IdentityConfig
	Database  database.Config
	PubSub    pubsub.Config
	Liveness  LivenessConfig
	Log       pkglog.Config
}

type ServerConfig struct {
	Host       string
	Port       int
	InstanceID string `mapstructure:"instance_id"`
}

type WebSocketConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	SendBuffer       int           `mapstructure:"send_buffer"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type IdentityConfig struct {
	Enabled  bool
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LivenessConfig enables instance heartbeats in redis so members of a
// crashed peer are reaped.
type LivenessConfig struct {
	Enabled         bool
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
	liveness.Config `mapstructure:",squash"`
}

// Load reads ./config/config.yaml and the environment.
func Load() (*Config, error) {
	return LoadFrom("./config")
}

// LoadFrom reads config.yaml from dir and the environment.
func LoadFrom(dir string) (*Config, error) {
	v, err := pkgconfig.Load(dir, "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.instance_id", "")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.handshake_timeout", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("identity.enabled", false)
	v.SetDefault("identity.cache_ttl", "5m")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "collab.db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("pubsub.driver", pubsub.DriverMemory)
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.redis.read_timeout", "3s")
	v.SetDefault("pubsub.redis.write_timeout", "3s")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "collab-service")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("liveness.enabled", false)
	v.SetDefault("liveness.prefix", "collab")
	v.SetDefault("liveness.key_ttl", "30s")
	v.SetDefault("liveness.heartbeat_interval", "10s")
	v.SetDefault("liveness.reap_interval", "15s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	if err := pkgconfig.BindEnv(v, map[string]string{
		"server.port":           "PORT",
		"server.instance_id":    "INSTANCE_ID",
		"auth.jwt_secret":       "JWT_SECRET",
		"auth.issuer":           "JWT_ISSUER",
		"identity.enabled":      "IDENTITY_ENABLED",
		"database.driver":       "DB_DRIVER",
		"database.host":         "DB_HOST",
		"database.port":         "DB_PORT",
		"database.user":         "DB_USER",
		"database.password":     "DB_PASSWORD",
		"database.dbname":       "DB_NAME",
		"database.file_path":    "DB_FILE_PATH",
		"pubsub.driver":         "PUBSUB_DRIVER",
		"pubsub.redis.address":  "REDIS_ADDRESS",
		"pubsub.redis.password": "REDIS_PASSWORD",
		"pubsub.kafka.brokers":  "KAFKA_BROKERS",
		"liveness.enabled":      "LIVENESS_ENABLED",
		"log.level":             "LOG_LEVEL",
	}); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.WebSocket.HandshakeTimeout = pkgconfig.Duration(v, "websocket.handshake_timeout", 10*time.Second)
	cfg.Auth.TokenTTL = pkgconfig.Duration(v, "auth.token_ttl", 24*time.Hour)
	cfg.Identity.CacheTTL = pkgconfig.Duration(v, "identity.cache_ttl", 5*time.Minute)
	cfg.PubSub.Redis.ReadTimeout = pkgconfig.Duration(v, "pubsub.redis.read_timeout", 3*time.Second)
	cfg.PubSub.Redis.WriteTimeout = pkgconfig.Duration(v, "pubsub.redis.write_timeout", 3*time.Second)
	cfg.Liveness.KeyTTL = pkgconfig.Duration(v, "liveness.key_ttl", 30*time.Second)
	cfg.Liveness.HeartbeatInterval = pkgconfig.Duration(v, "liveness.heartbeat_interval", 10*time.Second)
	cfg.Liveness.ReapInterval = pkgconfig.Duration(v, "liveness.reap_interval", 15*time.Second)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return fmt.Errorf("websocket.ping_interval (%s) must be shorter than websocket.pong_wait (%s)",
			c.WebSocket.PingInterval, c.WebSocket.PongWait)
	}
	if c.Liveness.Enabled && c.Liveness.HeartbeatInterval >= c.Liveness.KeyTTL {
		return fmt.Errorf("liveness.heartbeat_interval (%s) must be shorter than liveness.key_ttl (%s)",
			c.Liveness.HeartbeatInterval, c.Liveness.KeyTTL)
	}
	if c.WebSocket.SendBuffer <= 0 {
		c.WebSocket.SendBuffer = 256
	}
	if c.Server.InstanceID == "" {
		c.Server.InstanceID = uuid.New().String()
	}
	c.PubSub.Kafka.InstanceID = c.Server.InstanceID
	c.Log.ServiceName = "collab-service"
	return nil
}
