package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier selects the default backing stack
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"event_bus"`
	Scoring    ScoringConfig    `json:"scoring" mapstructure:"scoring"`
	TxLog      TxLogConfig      `json:"txlog" mapstructure:"txlog"`
	Velocity   VelocityConfig   `json:"velocity" mapstructure:"velocity"`
	Worker     WorkerConfig     `json:"worker" mapstructure:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds
}

// TxLogConfig controls the transaction log writer.
type TxLogConfig struct {
	Enabled        bool          `json:"enabled" mapstructure:"enabled"`
	MaxAttempts    int           `json:"maxAttempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `json:"initialBackoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `json:"maxBackoff" mapstructure:"max_backoff"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	StatsTTL       time.Duration `json:"statsTtl" mapstructure:"stats_ttl"`
}

// VelocityConfig controls per-card velocity assembly.
type VelocityConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Window   time.Duration `json:"window" mapstructure:"window"`
	Lookback time.Duration `json:"lookback" mapstructure:"lookback"`
}

// WorkerConfig controls the asynchronous scoring worker.
type WorkerConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text

	// File enables a rotated log file next to stdout
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"maxSizeMb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"maxBackups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"maxAgeDays" mapstructure:"max_age_days"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"service_name"`

	// Endpoint is an OTLP/gRPC collector address; empty keeps spans in-process
	Endpoint    string  `json:"endpoint" mapstructure:"endpoint"`
	Insecure    bool    `json:"insecure" mapstructure:"insecure"`
	SampleRatio float64 `json:"sampleRatio" mapstructure:"sample_ratio"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			Type:             "expression",
			RemoteTimeoutMs:  2000,
			BreakerThreshold: 5,
			BreakerCooldownS: 30,
		},
		TxLog: TxLogConfig{
			Enabled:        true,
			MaxAttempts:    3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
			WriteTimeout:   2 * time.Second,
			StatsTTL:       5 * time.Second,
		},
		Velocity: VelocityConfig{
			Enabled:  true,
			Window:   time.Hour,
			Lookback: 30 * 24 * time.Hour,
		},
		Worker: WorkerConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
