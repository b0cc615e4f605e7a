// Package velocity fills per-card velocity inputs from the transaction log.
package velocity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const counterPrefix = "velocity:"

// Service assembles velocity features for a card from recent history.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	cfg   domain.VelocityConfig
	now   func() time.Time
}

// NewService creates a new velocity service. cache may be nil, in which case
// txn_count_1h is counted from the log instead.
func NewService(repo domain.Repository, cache domain.Cache, cfg domain.VelocityConfig) *Service {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * 24 * time.Hour
	}
	return &Service{
		repo:  repo,
		cache: cache,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Enrich fills the velocity fields the caller left empty.
// Transactions without a card number are left untouched.
func (s *Service) Enrich(ctx context.Context, f *domain.Features) error {
	if f.CardNumber == "" || !needsEnrichment(f) {
		return nil
	}

	now := s.now()
	history, err := s.repo.ListTransactionsByCard(ctx, f.CardNumber, now.Add(-s.cfg.Lookback))
	if err != nil {
		return fmt.Errorf("failed to load card history: %w", err)
	}

	if f.TxnCount1h == nil {
		count, err := s.countInWindow(ctx, f.CardNumber, history, now)
		if err != nil {
			return err
		}
		f.TxnCount1h = domain.Int(int(count))
	}

	if f.TxnTimeGap == nil {
		gap := 0.0
		if latest := latest(history); latest != nil {
			gap = now.Sub(latest.CreatedAt).Seconds()
			if gap < 0 {
				gap = 0
			}
		}
		f.TxnTimeGap = domain.Float(gap)
	}

	if f.AvgAmtPerCard == nil {
		f.AvgAmtPerCard = domain.Float(meanAmount(history, f.Amount))
	}

	if f.AmtDeviation == nil {
		f.AmtDeviation = domain.Float(f.Amount / (*f.AvgAmtPerCard + 1))
	}

	slog.Debug("velocity assembled",
		"history", len(history),
		"txn_count_1h", *f.TxnCount1h,
		"txn_time_gap", *f.TxnTimeGap,
	)
	return nil
}

// counterKey names a card's window counter without exposing the card number.
func counterKey(card string) string {
	sum := sha256.Sum256([]byte(card))
	return counterPrefix + hex.EncodeToString(sum[:16])
}

// countInWindow counts the current transaction plus the card's others within the window.
// The counter is bumped before scoring, so a request that later fails still counts.
func (s *Service) countInWindow(ctx context.Context, card string, history []*domain.TransactionRecord, now time.Time) (int64, error) {
	if s.cache != nil {
		count, err := s.cache.IncrementCounter(ctx, counterKey(card), s.cfg.Window)
		if err == nil {
			return count, nil
		}
		slog.Warn("velocity counter unavailable, counting from log", "error", err)
	}

	since := now.Add(-s.cfg.Window)
	var count int64 = 1
	for _, tx := range history {
		if !tx.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func needsEnrichment(f *domain.Features) bool {
	return f.TxnCount1h == nil || f.TxnTimeGap == nil || f.AvgAmtPerCard == nil || f.AmtDeviation == nil
}

func latest(history []*domain.TransactionRecord) *domain.TransactionRecord {
	var out *domain.TransactionRecord
	for _, tx := range history {
		if out == nil || tx.CreatedAt.After(out.CreatedAt) {
			out = tx
		}
	}
	return out
}

func meanAmount(history []*domain.TransactionRecord, current float64) float64 {
	if len(history) == 0 {
		return current
	}
	var sum float64
	for _, tx := range history {
		sum += tx.Amount
	}
	return sum / float64(len(history))
}
