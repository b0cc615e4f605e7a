// Package config loads the Kestrel configuration from defaults, an optional
// file and KESTREL_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. KESTREL_SERVER_PORT.
const EnvPrefix = "KESTREL"

// Load builds the configuration. The tier defaults are chosen by KESTREL_TIER
// before anything else is read. path may be empty.
func Load(path string) (*domain.Config, error) {
	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(os.Getenv(EnvPrefix+"_TIER"))) == domain.TierPro {
		base = domain.ProConfig()
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, base)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides resolve
// without a config file.
func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("tier", string(c.Tier))

	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)

	v.SetDefault("repository.driver", c.Repository.Driver)
	v.SetDefault("repository.sqlite_path", c.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", c.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", c.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", c.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", c.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", c.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", c.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", c.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", c.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", c.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", c.Cache.Type)
	v.SetDefault("cache.local_max_size", c.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", c.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", c.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", c.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", c.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", c.Cache.EnableTwoPhase)

	v.SetDefault("event_bus.type", c.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", c.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", c.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", c.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_max_reconnects", c.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", c.EventBus.NATSReconnectWait)
	v.SetDefault("event_bus.kafka_brokers", c.EventBus.KafkaBrokers)
	v.SetDefault("event_bus.kafka_group_id", c.EventBus.KafkaGroupID)

	v.SetDefault("scoring.type", c.Scoring.Type)
	v.SetDefault("scoring.expression", c.Scoring.Expression)
	v.SetDefault("scoring.remote_url", c.Scoring.RemoteURL)
	v.SetDefault("scoring.remote_timeout_ms", c.Scoring.RemoteTimeoutMs)
	v.SetDefault("scoring.breaker_threshold", c.Scoring.BreakerThreshold)
	v.SetDefault("scoring.breaker_cooldown_s", c.Scoring.BreakerCooldownS)
	v.SetDefault("scoring.serve", c.Scoring.Serve)

	v.SetDefault("txlog.enabled", c.TxLog.Enabled)
	v.SetDefault("txlog.max_attempts", c.TxLog.MaxAttempts)
	v.SetDefault("txlog.initial_backoff", c.TxLog.InitialBackoff)
	v.SetDefault("txlog.max_backoff", c.TxLog.MaxBackoff)
	v.SetDefault("txlog.write_timeout", c.TxLog.WriteTimeout)
	v.SetDefault("txlog.stats_ttl", c.TxLog.StatsTTL)

	v.SetDefault("velocity.enabled", c.Velocity.Enabled)
	v.SetDefault("velocity.window", c.Velocity.Window)
	v.SetDefault("velocity.lookback", c.Velocity.Lookback)

	v.SetDefault("worker.enabled", c.Worker.Enabled)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.file", c.Logging.File)
	v.SetDefault("logging.max_size_mb", c.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", c.Logging.MaxAgeDays)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
	v.SetDefault("tracing.endpoint", c.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", c.Tracing.Insecure)
	v.SetDefault("tracing.sample_ratio", c.Tracing.SampleRatio)
}

func validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return fmt.Errorf("unknown tier %q", cfg.Tier)
	}
	if cfg.TxLog.Enabled && cfg.TxLog.MaxAttempts < 1 {
		return fmt.Errorf("txlog.max_attempts must be at least 1")
	}
	return nil
}
