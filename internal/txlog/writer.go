// Package txlog records scored transactions and their flags in the transaction log.
package txlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
	"github.com/opensource-finance/kestrel/internal/policy"
)

const (
	DefaultRecentLimit  = 20
	DefaultFlaggedLimit = 50
	MaxListLimit        = 500

	statsCacheKey = "txlog:fraud_statistics"

	stageTransaction = "transaction"
	stageFlag        = "flag"
)

// FlagWriteError reports a partial write: the transaction is in the log but
// its flag could not be written.
type FlagWriteError struct {
	TransactionID string
	Err           error
}

func (e *FlagWriteError) Error() string {
	return fmt.Sprintf("transaction %s recorded but flag write failed: %v", e.TransactionID, e.Err)
}

func (e *FlagWriteError) Unwrap() []error {
	return []error{domain.ErrFlagWriteFailed, domain.ErrLogWriteFailed, e.Err}
}

// RecordResult identifies what Record persisted.
type RecordResult struct {
	TransactionID string
	Flag          *domain.FlaggedRecord
}

// Writer wraps a repository with bounded retries, per-attempt timeouts and a
// short-lived statistics cache.
type Writer struct {
	repo    domain.Repository
	cache   domain.Cache
	metrics *observability.Metrics
	cfg     domain.TxLogConfig
	now     func() time.Time
	newID   func() string

	// statsGen counts invalidations so a read that raced a write does not cache its snapshot.
	statsGen atomic.Uint64
}

// NewWriter creates a transaction log writer. cache and metrics may be nil.
func NewWriter(repo domain.Repository, cache domain.Cache, metrics *observability.Metrics, cfg domain.TxLogConfig) *Writer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 50 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}

	return &Writer{
		repo:    repo,
		cache:   cache,
		metrics: metrics,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
}

// Record writes the transaction and then, for REVIEW and BLOCK, its flag.
// A failed transaction write returns an error wrapping domain.ErrLogWriteFailed.
// A failed flag write returns *FlagWriteError with the transaction id filled in.
func (w *Writer) Record(ctx context.Context, tx *domain.TransactionRecord) (*RecordResult, error) {
	if tx.ID == "" {
		tx.ID = w.newID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = w.now()
	}

	err := w.retry(ctx, stageTransaction, func(ctx context.Context) error {
		return w.repo.SaveTransaction(ctx, tx)
	})
	if err != nil {
		w.metrics.ObserveLogWriteFailure(stageTransaction)
		return nil, fmt.Errorf("%w: transaction %s: %w", domain.ErrLogWriteFailed, tx.ID, err)
	}

	w.invalidateStats(ctx)
	result := &RecordResult{TransactionID: tx.ID}

	flag := policy.NewFlag(w.newID(), tx.ID, tx.Decision, w.now())
	if flag == nil {
		return result, nil
	}

	var saved *domain.FlaggedRecord
	err = w.retry(ctx, stageFlag, func(ctx context.Context) error {
		var err error
		saved, err = w.repo.SaveFlag(ctx, flag)
		return err
	})
	if err != nil {
		w.metrics.ObserveLogWriteFailure(stageFlag)
		return result, &FlagWriteError{TransactionID: tx.ID, Err: err}
	}

	result.Flag = saved
	return result, nil
}

// retry runs op with exponential backoff until it succeeds, fails permanently,
// runs out of attempts or ctx is done. Each attempt gets its own timeout.
func (w *Writer) retry(ctx context.Context, stage string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()

		err := op(attemptCtx)
		if errors.Is(err, domain.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, wait time.Duration) {
		w.metrics.ObserveLogWriteRetry(stage)
		slog.Warn("transaction log write failed, retrying",
			"stage", stage,
			"attempt", attempt,
			"max_attempts", w.cfg.MaxAttempts,
			"backoff", wait,
			"error", err,
		)
	})
}

// ListRecent returns up to limit transactions, newest first.
func (w *Writer) ListRecent(ctx context.Context, limit int) ([]*domain.TransactionRecord, error) {
	return w.repo.ListTransactions(ctx, clampLimit(limit, DefaultRecentLimit))
}

// ListFlagged returns up to limit flags with their transactions, newest flag first.
func (w *Writer) ListFlagged(ctx context.Context, limit int) ([]*domain.FlaggedTransaction, error) {
	return w.repo.ListFlagged(ctx, clampLimit(limit, DefaultFlaggedLimit))
}

func (w *Writer) GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	return w.repo.GetTransaction(ctx, id)
}

func (w *Writer) GetFlag(ctx context.Context, id string) (*domain.FlaggedRecord, error) {
	return w.repo.GetFlag(ctx, id)
}

// ReviewFlag marks a flag reviewed with the given notes.
// Unknown ids return domain.ErrFlagNotFound; identical repeats change nothing.
func (w *Writer) ReviewFlag(ctx context.Context, flagID string, notes string) (*domain.FlaggedRecord, error) {
	return w.repo.ReviewFlag(ctx, flagID, notes, w.now())
}

// DeleteTransaction removes a transaction together with its flag.
func (w *Writer) DeleteTransaction(ctx context.Context, id string) error {
	if err := w.repo.DeleteTransaction(ctx, id); err != nil {
		return err
	}
	w.invalidateStats(ctx)
	return nil
}

// FraudStatistics aggregates the whole log. Results are cached for StatsTTL
// and invalidated by every write, including writes that land while a
// statistics read is in flight.
func (w *Writer) FraudStatistics(ctx context.Context) (*domain.FraudStatistics, error) {
	caching := w.cache != nil && w.cfg.StatsTTL > 0
	if caching {
		if data, err := w.cache.Get(ctx, statsCacheKey); err == nil && data != nil {
			var stats domain.FraudStatistics
			if err := json.Unmarshal(data, &stats); err == nil {
				return &stats, nil
			}
		}
	}

	gen := w.statsGen.Load()
	stats, err := w.repo.Statistics(ctx)
	if err != nil {
		return nil, err
	}

	if caching && w.statsGen.Load() == gen {
		w.cacheStats(ctx, stats, gen)
	}

	return stats, nil
}

func (w *Writer) cacheStats(ctx context.Context, stats *domain.FraudStatistics, gen uint64) {
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := w.cache.Set(ctx, statsCacheKey, data, w.cfg.StatsTTL); err != nil {
		slog.Debug("failed to cache fraud statistics", "error", err)
		return
	}
	// A write between the check and the Set may already have deleted the key.
	if w.statsGen.Load() != gen {
		w.dropStats(ctx)
	}
}

// Ping checks the underlying store.
func (w *Writer) Ping(ctx context.Context) error {
	return w.repo.Ping(ctx)
}

func (w *Writer) invalidateStats(ctx context.Context) {
	w.statsGen.Add(1)
	if w.cache == nil {
		return
	}
	w.dropStats(ctx)
}

func (w *Writer) dropStats(ctx context.Context) {
	if err := w.cache.Delete(ctx, statsCacheKey); err != nil {
		slog.Warn("failed to invalidate cached statistics", "error", err)
	}
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
