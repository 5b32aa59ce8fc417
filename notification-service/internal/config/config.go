package config

import (
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-relay/notification-service/internal/delivery"
	"github.com/weiawesome/wes-io-relay/notification-service/internal/provider"
	"github.com/weiawesome/wes-io-relay/notification-service/internal/scheduler"
	"github.com/weiawesome/wes-io-relay/notification-service/internal/worker"
	pkgconfig "github.com/weiawesome/wes-io-relay/pkg/config"
	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/directory"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
	"github.com/weiawesome/wes-io-relay/pkg/queue"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Database  database.Config
	Redis     RedisConfig
	Directory directory.Config
	Queue     QueueConfig
	PubSub    pubsub.Config `mapstructure:"pubsub"`
	Delivery  delivery.Config
	Worker    worker.Config
	Scheduler scheduler.Config
	Live      LiveConfig
	Providers []provider.Config
	Log       log.Config
}

type ServerConfig struct {
	Host string
	Port int
	// AdminToken guards tenant registration. Empty disables it.
	AdminToken string `mapstructure:"admin_token"`
}

type AuthConfig struct {
	TokenSecret   string        `mapstructure:"token_secret"`
	TokenIssuer   string        `mapstructure:"token_issuer"`
	TokenLifetime time.Duration `mapstructure:"token_lifetime"`
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

// LiveConfig reaches the chat-service instances for websocket delivery.
type LiveConfig struct {
	InternalToken string `mapstructure:"internal_token"`
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load(pkgconfig.ConfigPath(), "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8089)
	v.SetDefault("server.admin_token", "")
	v.SetDefault("auth.token_issuer", "wes-io-relay")
	v.SetDefault("auth.token_lifetime", "1h")
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
	v.SetDefault("queue.prefix", "relay:queue")
	v.SetDefault("queue.visibility", "2m")
	v.SetDefault("queue.backoff.base", "30s")
	v.SetDefault("queue.backoff.max", "30m")
	v.SetDefault("queue.backoff.factor", 2.0)
	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.topic", "relay-events")
	v.SetDefault("pubsub.kafka.group_id", "notification-service")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("delivery.send_timeout", "30s")
	v.SetDefault("delivery.suspend_threshold", delivery.DefaultSuspendThreshold)
	v.SetDefault("delivery.bulk_threshold", delivery.DefaultBulkThreshold)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.reap_interval", "30s")
	v.SetDefault("scheduler.spec", "@every 30s")
	v.SetDefault("scheduler.requeue_after", "1m")
	v.SetDefault("scheduler.stale_after", "5m")
	v.SetDefault("scheduler.batch_size", 200)
	v.SetDefault("live.internal_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "notification-service")

	// Override from environment
	if err := pkgconfig.BindEnvs(v, map[string]string{
		"server.port":          "PORT",
		"server.admin_token":   "ADMIN_TOKEN",
		"auth.token_secret":    "TOKEN_SECRET",
		"database.driver":      "DATABASE_DRIVER",
		"database.host":        "DATABASE_HOST",
		"database.port":        "DATABASE_PORT",
		"database.user":        "DATABASE_USER",
		"database.password":    "DATABASE_PASSWORD",
		"database.dbname":      "DATABASE_NAME",
		"database.file_path":   "DATABASE_FILE_PATH",
		"redis.address":        "REDIS_ADDRESS",
		"redis.password":       "REDIS_PASSWORD",
		"pubsub.driver":        "PUBSUB_DRIVER",
		"pubsub.kafka.brokers": "KAFKA_BROKERS",
		"worker.concurrency":   "WORKER_CONCURRENCY",
		"live.internal_token":  "INTERNAL_TOKEN",
		"log.level":            "LOG_LEVEL",
		"log.instance_id":      "INSTANCE_ID",
	}); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Auth.TokenLifetime = pkgconfig.Duration(v, "auth.token_lifetime", time.Hour)
	cfg.Redis.MemberCacheTTL = pkgconfig.Duration(v, "redis.member_cache_ttl", time.Minute)
	cfg.Queue.Visibility = pkgconfig.Duration(v, "queue.visibility", 2*time.Minute)
	def := queue.DefaultBackoff()
	cfg.Queue.Backoff.Base = pkgconfig.Duration(v, "queue.backoff.base", def.Base)
	cfg.Queue.Backoff.Max = pkgconfig.Duration(v, "queue.backoff.max", def.Max)
	if cfg.Queue.Backoff.Factor < 1 {
		cfg.Queue.Backoff.Factor = def.Factor
	}
	cfg.Delivery.SendTimeout = pkgconfig.Duration(v, "delivery.send_timeout", delivery.DefaultSendTimeout)
	cfg.Worker.PollInterval = pkgconfig.Duration(v, "worker.poll_interval", time.Second)
	cfg.Worker.ReapInterval = pkgconfig.Duration(v, "worker.reap_interval", 30*time.Second)
	cfg.Scheduler.RequeueAfter = pkgconfig.Duration(v, "scheduler.requeue_after", time.Minute)
	cfg.Scheduler.StaleAfter = pkgconfig.Duration(v, "scheduler.stale_after", 5*time.Minute)
	cfg.Database.ConnMaxLifetime = pkgconfig.Duration(v, "database.conn_max_lifetime", time.Hour)

	// The event bus shares the Redis connection settings.
	cfg.PubSub.Redis.Address = cfg.Redis.Address
	cfg.PubSub.Redis.Password = cfg.Redis.Password
	cfg.PubSub.Redis.DB = cfg.Redis.DB

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	for i, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("providers[%d]: type is required", i)
		}
	}
	return nil
}
