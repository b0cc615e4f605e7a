package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryRepository is an in-process domain.Repository.
// Records are copied on the way in and out so callers never share state with the store.
type MemoryRepository struct {
	mu           sync.RWMutex
	transactions map[string]*domain.TransactionRecord
	flags        map[string]*domain.FlaggedRecord
	flagByTx     map[string]string
	closed       bool
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		transactions: make(map[string]*domain.TransactionRecord),
		flags:        make(map[string]*domain.FlaggedRecord),
		flagByTx:     make(map[string]string),
	}
}

// SaveTransaction stores a record; an existing id is left untouched.
func (m *MemoryRepository) SaveTransaction(ctx context.Context, tx *domain.TransactionRecord) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", domain.ErrInvalidInput)
	}
	if !tx.Decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidInput, tx.Decision)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, ok := m.transactions[tx.ID]; ok {
		return nil
	}

	stored := copyTransaction(tx)
	stored.CreatedAt = tx.CreatedAt.UTC()
	m.transactions[tx.ID] = stored
	return nil
}

// GetTransaction retrieves a record by ID.
func (m *MemoryRepository) GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyTransaction(tx), nil
}

// ListTransactions returns up to limit records, newest first.
func (m *MemoryRepository) ListTransactions(ctx context.Context, limit int) ([]*domain.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.sortedTransactions(func(*domain.TransactionRecord) bool { return true })
	if limit >= 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// ListTransactionsByCard returns a card's records created at or after since, newest first.
func (m *MemoryRepository) ListTransactionsByCard(ctx context.Context, cardNumber string, since time.Time) ([]*domain.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedTransactions(func(tx *domain.TransactionRecord) bool {
		return tx.CardNumber == cardNumber && !tx.CreatedAt.Before(since)
	}), nil
}

// DeleteTransaction removes a record together with its flag.
func (m *MemoryRepository) DeleteTransaction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[id]; !ok {
		return domain.ErrNotFound
	}
	if flagID, ok := m.flagByTx[id]; ok {
		delete(m.flags, flagID)
		delete(m.flagByTx, id)
	}
	delete(m.transactions, id)
	return nil
}

// SaveFlag stores a flag unless its transaction already has one.
func (m *MemoryRepository) SaveFlag(ctx context.Context, flag *domain.FlaggedRecord) (*domain.FlaggedRecord, error) {
	if flag == nil || flag.ID == "" || flag.TransactionID == "" {
		return nil, fmt.Errorf("%w: flag id and transaction id are required", domain.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if _, ok := m.transactions[flag.TransactionID]; !ok {
		return nil, fmt.Errorf("%w: transaction %s does not exist", domain.ErrInvalidInput, flag.TransactionID)
	}

	if existing, ok := m.flagByTx[flag.TransactionID]; ok {
		return copyFlag(m.flags[existing]), nil
	}

	stored := copyFlag(flag)
	stored.CreatedAt = flag.CreatedAt.UTC()
	m.flags[flag.ID] = stored
	m.flagByTx[flag.TransactionID] = flag.ID
	return copyFlag(stored), nil
}

// GetFlag retrieves a flag by ID.
func (m *MemoryRepository) GetFlag(ctx context.Context, id string) (*domain.FlaggedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, ok := m.flags[id]
	if !ok {
		return nil, domain.ErrFlagNotFound
	}
	return copyFlag(flag), nil
}

// ListFlagged returns flags joined with their transactions, newest flag first.
func (m *MemoryRepository) ListFlagged(ctx context.Context, limit int) ([]*domain.FlaggedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flagged := make([]*domain.FlaggedTransaction, 0, len(m.flags))
	for _, flag := range m.flags {
		tx := m.transactions[flag.TransactionID]
		if tx == nil {
			continue
		}
		flagged = append(flagged, &domain.FlaggedTransaction{
			FlaggedRecord:    *copyFlag(flag),
			Amount:           tx.Amount,
			Category:         tx.Category,
			Merchant:         tx.Merchant,
			FraudProbability: tx.FraudProbability,
			Decision:         tx.Decision,
			TransactionAt:    tx.CreatedAt,
		})
	}

	sort.Slice(flagged, func(i, j int) bool {
		if !flagged[i].CreatedAt.Equal(flagged[j].CreatedAt) {
			return flagged[i].CreatedAt.After(flagged[j].CreatedAt)
		}
		return flagged[i].ID > flagged[j].ID
	})

	if limit >= 0 && len(flagged) > limit {
		flagged = flagged[:limit]
	}
	return flagged, nil
}

// ReviewFlag marks a flag reviewed; identical repeats are no-ops.
func (m *MemoryRepository) ReviewFlag(ctx context.Context, id string, notes string, at time.Time) (*domain.FlaggedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, ok := m.flags[id]
	if !ok {
		return nil, domain.ErrFlagNotFound
	}

	if flag.Reviewed && notesOf(flag) == notes {
		return copyFlag(flag), nil
	}

	reviewedAt := at.UTC()
	flag.Reviewed = true
	flag.ReviewedAt = &reviewedAt
	flag.ReviewerNotes = nil
	if notes != "" {
		n := notes
		flag.ReviewerNotes = &n
	}
	return copyFlag(flag), nil
}

// Statistics aggregates all stored records.
func (m *MemoryRepository) Statistics(ctx context.Context) (*domain.FraudStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats domain.FraudStatistics
	for _, tx := range m.transactions {
		stats.Total++
		if tx.FraudPrediction == 1 {
			stats.FraudCount++
		}
		switch tx.Decision {
		case domain.DecisionAllow:
			stats.AllowedCount++
		case domain.DecisionReview:
			stats.ReviewCount++
		case domain.DecisionBlock:
			stats.BlockedCount++
		}
	}

	stats.FraudRatePercent = FraudRatePercent(stats.FraudCount, stats.Total)
	return &stats, nil
}

// Ping reports whether the repository is still open.
func (m *MemoryRepository) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkOpen()
}

// Close marks the repository closed; later writes fail.
func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryRepository) checkOpen() error {
	if m.closed {
		return fmt.Errorf("memory repository is closed")
	}
	return nil
}

func (m *MemoryRepository) sortedTransactions(keep func(*domain.TransactionRecord) bool) []*domain.TransactionRecord {
	records := make([]*domain.TransactionRecord, 0, len(m.transactions))
	for _, tx := range m.transactions {
		if keep(tx) {
			records = append(records, copyTransaction(tx))
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
	return records
}

func copyTransaction(tx *domain.TransactionRecord) *domain.TransactionRecord {
	out := *tx
	out.Features = copyFeatures(tx.Features)
	return &out
}

// copyFeatures detaches every optional field from the source.
func copyFeatures(f domain.Features) domain.Features {
	f.CustomerAge = cloneInt(f.CustomerAge)
	f.CityPop = cloneFloat(f.CityPop)
	f.Lat = cloneFloat(f.Lat)
	f.Long = cloneFloat(f.Long)
	f.MerchLat = cloneFloat(f.MerchLat)
	f.MerchLong = cloneFloat(f.MerchLong)
	f.DistanceKm = cloneFloat(f.DistanceKm)
	f.TxnHour = cloneInt(f.TxnHour)
	f.IsWeekend = cloneInt(f.IsWeekend)
	f.TxnTimeGap = cloneFloat(f.TxnTimeGap)
	f.TxnCount1h = cloneInt(f.TxnCount1h)
	f.AvgAmtPerCard = cloneFloat(f.AvgAmtPerCard)
	f.AmtDeviation = cloneFloat(f.AmtDeviation)
	return f
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyFlag(flag *domain.FlaggedRecord) *domain.FlaggedRecord {
	out := *flag
	if flag.ReviewedAt != nil {
		t := *flag.ReviewedAt
		out.ReviewedAt = &t
	}
	if flag.ReviewerNotes != nil {
		n := *flag.ReviewerNotes
		out.ReviewerNotes = &n
	}
	return &out
}
