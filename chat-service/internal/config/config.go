package config

import (
	"time"

	pkgconfig "github.com/weiawesome/wes-io-relay/pkg/config"
	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/directory"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
	"github.com/weiawesome/wes-io-relay/pkg/queue"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Router    RouterConfig
	Database  database.Config
	Redis     RedisConfig
	Directory directory.Config
	Queue     QueueConfig
	PubSub    pubsub.Config `mapstructure:"pubsub"`
	Log       log.Config
}

type ServerConfig struct {
	Host string
	Port int
	// AdvertiseAddress is the base URL other services use to reach the
	// internal endpoints of this instance.
	AdvertiseAddress string `mapstructure:"advertise_address"`
	InternalToken    string `mapstructure:"internal_token"`
}

type WebSocketConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	InboundQueueSize int           `mapstructure:"inbound_queue_size"`
	SendQueueSize    int           `mapstructure:"send_queue_size"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	TokenSecret string `mapstructure:"token_secret"`
	TokenIssuer string `mapstructure:"token_issuer"`
}

type RouterConfig struct {
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
}

type RedisConfig struct {
	Address        string
	Password       string
	DB             int
	MemberCacheTTL time.Duration `mapstructure:"member_cache_ttl"`
}

type QueueConfig struct {
	Prefix     string
	Visibility time.Duration
	Backoff    queue.Backoff
}

// DefaultWebSocketConfig returns the connection defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         30 * time.Second,
		WriteWait:        10 * time.Second,
		MaxMessageSize:   64 * 1024,
		InboundQueueSize: 64,
		SendQueueSize:    256,
	}
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load(pkgconfig.ConfigPath(), "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.advertise_address", "http://localhost:8088")
	v.SetDefault("server.internal_token", "")
	v.SetDefault("websocket.handshake_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "30s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 64*1024)
	v.SetDefault("websocket.inbound_queue_size", 64)
	v.SetDefault("websocket.send_queue_size", 256)
	v.SetDefault("auth.token_issuer", "wes-io-relay")
	v.SetDefault("router.dedupe_window", "5m")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "relay.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.member_cache_ttl", "1m")
	v.SetDefault("directory.prefix", "relay:directory")
	v.SetDefault("directory.key_ttl", "90s")
	v.SetDefault("directory.heartbeat_interval", "30s")
	v.SetDefault("queue.prefix", "relay:queue")
	v.SetDefault("queue.visibility", "2m")
	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.topic", "relay-events")
	v.SetDefault("pubsub.kafka.group_id", "chat-service")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "chat-service")

	// Override from environment
	if err := pkgconfig.BindEnvs(v, map[string]string{
		"server.port":              "PORT",
		"server.advertise_address": "ADVERTISE_ADDRESS",
		"server.internal_token":    "INTERNAL_TOKEN",
		"auth.token_secret":        "TOKEN_SECRET",
		"database.driver":          "DATABASE_DRIVER",
		"database.host":            "DATABASE_HOST",
		"database.port":            "DATABASE_PORT",
		"database.user":            "DATABASE_USER",
		"database.password":        "DATABASE_PASSWORD",
		"database.dbname":          "DATABASE_NAME",
		"database.file_path":       "DATABASE_FILE_PATH",
		"redis.address":            "REDIS_ADDRESS",
		"redis.password":           "REDIS_PASSWORD",
		"pubsub.driver":            "PUBSUB_DRIVER",
		"pubsub.kafka.brokers":     "KAFKA_BROKERS",
		"log.level":                "LOG_LEVEL",
		"log.instance_id":          "INSTANCE_ID",
	}); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	def := DefaultWebSocketConfig()
	cfg.WebSocket.HandshakeTimeout = pkgconfig.Duration(v, "websocket.handshake_timeout", def.HandshakeTimeout)
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", def.PingInterval)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", def.PongWait)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", def.WriteWait)
	cfg.Router.DedupeWindow = pkgconfig.Duration(v, "router.dedupe_window", 5*time.Minute)
	cfg.Redis.MemberCacheTTL = pkgconfig.Duration(v, "redis.member_cache_ttl", time.Minute)
	cfg.Directory.KeyTTL = pkgconfig.Duration(v, "directory.key_ttl", 90*time.Second)
	cfg.Directory.HeartbeatInterval = pkgconfig.Duration(v, "directory.heartbeat_interval", 30*time.Second)
	cfg.Queue.Visibility = pkgconfig.Duration(v, "queue.visibility", 2*time.Minute)
	cfg.Queue.Backoff = queue.DefaultBackoff()
	cfg.Database.ConnMaxLifetime = pkgconfig.Duration(v, "database.conn_max_lifetime", time.Hour)

	// The event bus shares the Redis connection settings.
	cfg.PubSub.Redis.Address = cfg.Redis.Address
	cfg.PubSub.Redis.Password = cfg.Redis.Password
	cfg.PubSub.Redis.DB = cfg.Redis.DB

	return &cfg, nil
}
