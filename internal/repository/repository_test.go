package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newSQLiteRepository(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	runRepositoryContract(t, newSQLiteRepository)
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) domain.Repository {
		return NewMemoryRepository()
	})
}

func TestNewUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "oracle"})
	assert.Error(t, err)
}

var baseTime = time.Date(2026, 5, 2, 14, 0, 0, 0, time.UTC)

func record(id string, offset time.Duration, p float64, decision domain.Decision, prediction int) *domain.TransactionRecord {
	return &domain.TransactionRecord{
		ID:        id,
		CreatedAt: baseTime.Add(offset),
		Features: domain.Features{
			Amount:      125.5,
			Category:    "shopping_net",
			Merchant:    "fraud_Kirlin and Sons",
			CustomerAge: domain.Int(42),
			State:       "NY",
			CardNumber:  "4000123412341234",
			Gender:      "F",
			TxnHour:     domain.Int(23),
			IsWeekend:   domain.Int(1),
			DistanceKm:  domain.Float(81.2),
		},
		FraudProbability: p,
		FraudPrediction:  prediction,
		Decision:         decision,
	}
}

func runRepositoryContract(t *testing.T, open func(t *testing.T) domain.Repository) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.Ping(ctx))
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		repo := open(t)
		tx := record("tx-001", 0, 0.65, domain.DecisionReview, 1)
		require.NoError(t, repo.SaveTransaction(ctx, tx))

		got, err := repo.GetTransaction(ctx, "tx-001")
		require.NoError(t, err)
		assert.Equal(t, tx.ID, got.ID)
		assert.True(t, tx.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, 125.5, got.Amount)
		assert.Equal(t, "shopping_net", got.Category)
		assert.Equal(t, "NY", got.State)
		assert.Equal(t, "F", got.Gender)
		require.NotNil(t, got.CustomerAge)
		assert.Equal(t, 42, *got.CustomerAge)
		require.NotNil(t, got.TxnHour)
		assert.Equal(t, 23, *got.TxnHour)
		require.NotNil(t, got.DistanceKm)
		assert.Equal(t, 81.2, *got.DistanceKm)
		assert.Nil(t, got.CityPop)
		assert.Nil(t, got.TxnCount1h)
		assert.Equal(t, 0.65, got.FraudProbability)
		assert.Equal(t, 1, got.FraudPrediction)
		assert.Equal(t, domain.DecisionReview, got.Decision)
	})

	t.Run("SaveTransactionIsIdempotent", func(t *testing.T) {
		repo := open(t)
		tx := record("tx-001", 0, 0.1, domain.DecisionAllow, 0)
		require.NoError(t, repo.SaveTransaction(ctx, tx))
		require.NoError(t, repo.SaveTransaction(ctx, tx))

		stats, err := repo.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Total)
	})

	t.Run("StoredRecordIsDetachedFromCaller", func(t *testing.T) {
		repo := open(t)
		tx := record("tx-001", 0, 0.1, domain.DecisionAllow, 0)
		tx.CustomerAge = domain.Int(30)
		tx.TxnHour = domain.Int(3)
		require.NoError(t, repo.SaveTransaction(ctx, tx))

		*tx.CustomerAge = 99
		*tx.TxnHour = 22
		*tx.DistanceKm = 1

		got, err := repo.GetTransaction(ctx, "tx-001")
		require.NoError(t, err)
		assert.Equal(t, 30, *got.CustomerAge)
		assert.Equal(t, 3, *got.TxnHour)
		assert.Equal(t, 81.2, *got.DistanceKm)

		*got.CustomerAge = 55
		listed, err := repo.ListTransactions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, 30, *listed[0].CustomerAge)

		*listed[0].TxnHour = 12
		again, err := repo.GetTransaction(ctx, "tx-001")
		require.NoError(t, err)
		assert.Equal(t, 3, *again.TxnHour)
	})

	t.Run("SaveTransactionRejectsInvalidInput", func(t *testing.T) {
		repo := open(t)
		assert.ErrorIs(t, repo.SaveTransaction(ctx, record("", 0, 0.1, domain.DecisionAllow, 0)), domain.ErrInvalidInput)
		assert.ErrorIs(t, repo.SaveTransaction(ctx, record("tx-x", 0, 0.1, "MAYBE", 0)), domain.ErrInvalidInput)
	})

	t.Run("NotFound", func(t *testing.T) {
		repo := open(t)
		_, err := repo.GetTransaction(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = repo.GetFlag(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrFlagNotFound)

		assert.ErrorIs(t, repo.DeleteTransaction(ctx, "missing"), domain.ErrNotFound)
	})

	t.Run("ListTransactionsNewestFirst", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.SaveTransaction(ctx, record("tx-a", 0, 0.1, domain.DecisionAllow, 0)))
		require.NoError(t, repo.SaveTransaction(ctx, record("tx-c", 2*time.Minute, 0.9, domain.DecisionBlock, 1)))
		require.NoError(t, repo.SaveTransaction(ctx, record("tx-b", time.Minute, 0.6, domain.DecisionReview, 1)))

		records, err := repo.ListTransactions(ctx, 20)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "tx-c", records[0].ID)
		assert.Equal(t, "tx-b", records[1].ID)
		assert.Equal(t, "tx-a", records[2].ID)

		records, err = repo.ListTransactions(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("ListTransactionsByCard", func(t *testing.T) {
		repo := open(t)
		old := record("tx-old", -48*time.Hour, 0.1, domain.DecisionAllow, 0)
		recent := record("tx-recent", 0, 0.1, domain.DecisionAllow, 0)
		other := record("tx-other", 0, 0.1, domain.DecisionAllow, 0)
		other.CardNumber = "5500000000000004"
		for _, tx := range []*domain.TransactionRecord{old, recent, other} {
			require.NoError(t, repo.SaveTransaction(ctx, tx))
		}

		records, err := repo.ListTransactionsByCard(ctx, "4000123412341234", baseTime.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "tx-recent", records[0].ID)
	})

	t.Run("SaveFlagAtMostOnce", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.SaveTransaction(ctx, record("tx-001", 0, 0.95, domain.DecisionBlock, 1)))

		first, err := repo.SaveFlag(ctx, &domain.FlaggedRecord{
			ID: "flag-1", TransactionID: "tx-001", RiskLevel: domain.RiskCritical, CreatedAt: baseTime,
		})
		require.NoError(t, err)
		assert.Equal(t, "flag-1", first.ID)
		assert.False(t, first.Reviewed)
		assert.Nil(t, first.ReviewedAt)

		second, err := repo.SaveFlag(ctx, &domain.FlaggedRecord{
			ID: "flag-2", TransactionID: "tx-001", RiskLevel: domain.RiskCritical, CreatedAt: baseTime,
		})
		require.NoError(t, err)
		assert.Equal(t, "flag-1", second.ID)

		flagged, err := repo.ListFlagged(ctx, 50)
		require.NoError(t, err)
		assert.Len(t, flagged, 1)
	})

	t.Run("SaveFlagRequiresTransaction", func(t *testing.T) {
		repo := open(t)
		_, err := repo.SaveFlag(ctx, &domain.FlaggedRecord{
			ID: "flag-1", TransactionID: "missing", RiskLevel: domain.RiskHigh, CreatedAt: baseTime,
		})
		assert.Error(t, err)
	})

	t.Run("ListFlaggedJoinsTransactions", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.SaveTransaction(ctx, record("tx-1", 0, 0.65, domain.DecisionReview, 1)))
		require.NoError(t, repo.SaveTransaction(ctx, record("tx-2", time.Minute, 0.95, domain.DecisionBlock, 1)))
		_, err := repo.SaveFlag(ctx, &domain.FlaggedRecord{ID: "flag-1", TransactionID: "tx-1", RiskLevel: domain.RiskHigh, CreatedAt: baseTime})
		require.NoError(t, err)
		_, err = repo.SaveFlag(ctx, &domain.FlaggedRecord{ID: "flag-2", TransactionID: "tx-2", RiskLevel: domain.RiskCritical, CreatedAt: baseTime.Add(time.Minute)})
		require.NoError(t, err)

		flagged, err := repo.ListFlagged(ctx, 50)
		require.NoError(t, err)
		require.Len(t, flagged, 2)
		assert.Equal(t, "flag-2", flagged[0].ID)
		assert.Equal(t, domain.RiskCritical, flagged[0].RiskLevel)
		assert.Equal(t, domain.DecisionBlock, flagged[0].Decision)
		assert.Equal(t, 0.95, flagged[0].FraudProbability)
		assert.Equal(t, "fraud_Kirlin and Sons", flagged[0].Merchant)
		assert.Equal(t, "flag-1", flagged[1].ID)

		flagged, err = repo.ListFlagged(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, flagged, 1)
	})

	t.Run("ReviewFlagIsIdempotent", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.SaveTransaction(ctx, record("tx-1", 0, 0.65, domain.DecisionReview, 1)))
		_, err := repo.SaveFlag(ctx, &domain.FlaggedRecord{ID: "flag-1", TransactionID: "tx-1", RiskLevel: domain.RiskHigh, CreatedAt: baseTime})
		require.NoError(t, err)

		firstAt := baseTime.Add(time.Hour)
		first, err := repo.ReviewFlag(ctx, "flag-1", "confirmed with cardholder", firstAt)
		require.NoError(t, err)
		assert.True(t, first.Reviewed)
		require.NotNil(t, first.ReviewedAt)
		assert.True(t, firstAt.Equal(*first.ReviewedAt))
		require.NotNil(t, first.ReviewerNotes)
		assert.Equal(t, "confirmed with cardholder", *first.ReviewerNotes)

		second, err := repo.ReviewFlag(ctx, "flag-1", "confirmed with cardholder", firstAt.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, second.ReviewedAt)
		assert.True(t, firstAt.Equal(*second.ReviewedAt))

		stored, err := repo.GetFlag(ctx, "flag-1")
		require.NoError(t, err)
		require.NotNil(t, stored.ReviewedAt)
		assert.True(t, firstAt.Equal(*stored.ReviewedAt))

		changedAt := firstAt.Add(2 * time.Hour)
		changed, err := repo.ReviewFlag(ctx, "flag-1", "chargeback filed", changedAt)
		require.NoError(t, err)
		assert.True(t, changedAt.Equal(*changed.ReviewedAt))
		assert.Equal(t, "chargeback filed", *changed.ReviewerNotes)
	})

	t.Run("ReviewUnknownFlag", func(t *testing.T) {
		repo := open(t)
		_, err := repo.ReviewFlag(ctx, "missing", "notes", baseTime)
		assert.ErrorIs(t, err, domain.ErrFlagNotFound)
	})

	t.Run("DeleteCascadesToFlag", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.SaveTransaction(ctx, record("tx-1", 0, 0.95, domain.DecisionBlock, 1)))
		_, err := repo.SaveFlag(ctx, &domain.FlaggedRecord{ID: "flag-1", TransactionID: "tx-1", RiskLevel: domain.RiskCritical, CreatedAt: baseTime})
		require.NoError(t, err)

		require.NoError(t, repo.DeleteTransaction(ctx, "tx-1"))

		_, err = repo.GetTransaction(ctx, "tx-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = repo.GetFlag(ctx, "flag-1")
		assert.ErrorIs(t, err, domain.ErrFlagNotFound)

		flagged, err := repo.ListFlagged(ctx, 50)
		require.NoError(t, err)
		assert.Empty(t, flagged)
	})

	t.Run("StatisticsEmpty", func(t *testing.T) {
		repo := open(t)
		stats, err := repo.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.FraudStatistics{}, *stats)
	})

	t.Run("Statistics", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.SaveTransaction(ctx, record("tx-1", 0, 0.1234, domain.DecisionAllow, 0)))
		require.NoError(t, repo.SaveTransaction(ctx, record("tx-2", time.Second, 0.65, domain.DecisionReview, 1)))
		require.NoError(t, repo.SaveTransaction(ctx, record("tx-3", 2*time.Second, 0.95, domain.DecisionBlock, 1)))

		stats, err := repo.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.Total)
		assert.Equal(t, int64(2), stats.FraudCount)
		assert.Equal(t, 66.67, stats.FraudRatePercent)
		assert.Equal(t, int64(1), stats.AllowedCount)
		assert.Equal(t, int64(1), stats.ReviewCount)
		assert.Equal(t, int64(1), stats.BlockedCount)
	})
}

func TestFraudRatePercent(t *testing.T) {
	assert.Equal(t, 0.0, FraudRatePercent(0, 0))
	assert.Equal(t, 66.67, FraudRatePercent(2, 3))
	assert.Equal(t, 33.33, FraudRatePercent(1, 3))
	assert.Equal(t, 100.0, FraudRatePercent(5, 5))
	assert.Equal(t, 0.13, FraudRatePercent(1, 800))
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &SQLRepository{driver: "sqlite"}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}
