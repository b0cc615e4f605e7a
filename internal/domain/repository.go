// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the persistence contract of the transaction log.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *TransactionRecord) error
	GetTransaction(ctx context.Context, id string) (*TransactionRecord, error)
	ListTransactions(ctx context.Context, limit int) ([]*TransactionRecord, error)
	ListTransactionsByCard(ctx context.Context, cardNumber string, since time.Time) ([]*TransactionRecord, error)

	// DeleteTransaction removes a transaction and its flag in one unit of work.
	DeleteTransaction(ctx context.Context, id string) error

	// Flag operations
	// SaveFlag stores a flag unless the transaction already has one and
	// returns the persisted flag either way.
	SaveFlag(ctx context.Context, flag *FlaggedRecord) (*FlaggedRecord, error)
	GetFlag(ctx context.Context, id string) (*FlaggedRecord, error)
	ListFlagged(ctx context.Context, limit int) ([]*FlaggedTransaction, error)
	ReviewFlag(ctx context.Context, id string, notes string, at time.Time) (*FlaggedRecord, error)

	// Aggregates
	Statistics(ctx context.Context) (*FraudStatistics, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "memory"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
