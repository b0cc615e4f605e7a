// Package repository provides transaction log persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const transactionColumns = `
	id, created_at, amt, category, merchant, state, customer_age,
	city_pop, lat, long, merch_lat, merch_long, distance_km,
	txn_time_gap, txn_count_1h, avg_amt_per_card, amt_deviation,
	txn_hour, is_weekend, gender, cc_num,
	fraud_probability, fraud_prediction, decision`

const flagColumns = `id, transaction_id, risk_level, reviewed, reviewed_at, reviewer_notes, created_at`

// SaveTransaction stores a transaction record. Saving an id that already
// exists is a no-op so that retried writes stay idempotent.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.TransactionRecord) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", domain.ErrInvalidInput)
	}
	if !tx.Decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidInput, tx.Decision)
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	f := tx.Features
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.CreatedAt, f.Amount, f.Category, f.Merchant,
		nullString(f.State), f.CustomerAge,
		f.CityPop, f.Lat, f.Long, f.MerchLat, f.MerchLong, f.DistanceKm,
		f.TxnTimeGap, f.TxnCount1h, f.AvgAmtPerCard, f.AmtDeviation,
		f.TxnHour, f.IsWeekend, nullString(f.Gender), nullString(f.CardNumber),
		tx.FraudProbability, tx.FraudPrediction, string(tx.Decision),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactions returns up to limit records, newest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, limit int) ([]*domain.TransactionRecord, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	return r.queryTransactions(ctx, query, limit)
}

// ListTransactionsByCard returns a card's records created at or after since, newest first.
func (r *SQLRepository) ListTransactionsByCard(ctx context.Context, cardNumber string, since time.Time) ([]*domain.TransactionRecord, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE cc_num = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
	`
	return r.queryTransactions(ctx, query, cardNumber, since.UTC())
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.TransactionRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.TransactionRecord
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, tx)
	}

	return records, rows.Err()
}

// DeleteTransaction removes a transaction and its flag in one database transaction.
// The flag delete is explicit so the cascade does not depend on foreign key enforcement.
func (r *SQLRepository) DeleteTransaction(ctx context.Context, id string) error {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, r.rebind(`DELETE FROM flagged_transactions WHERE transaction_id = ?`), id); err != nil {
		return err
	}

	result, err := dbtx.ExecContext(ctx, r.rebind(`DELETE FROM transactions WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return dbtx.Commit()
}

// SaveFlag stores a flag unless its transaction already has one, then returns
// the persisted flag.
func (r *SQLRepository) SaveFlag(ctx context.Context, flag *domain.FlaggedRecord) (*domain.FlaggedRecord, error) {
	if flag == nil || flag.ID == "" || flag.TransactionID == "" {
		return nil, fmt.Errorf("%w: flag id and transaction id are required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO flagged_transactions (` + flagColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		flag.ID, flag.TransactionID, string(flag.RiskLevel),
		boolToInt(flag.Reviewed), flag.ReviewedAt, flag.ReviewerNotes, flag.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	query = `SELECT ` + flagColumns + ` FROM flagged_transactions WHERE transaction_id = ?`
	saved, err := scanFlag(r.db.QueryRowContext(ctx, r.rebind(query), flag.TransactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFlagNotFound
	}
	return saved, err
}

// GetFlag retrieves a flag by ID.
func (r *SQLRepository) GetFlag(ctx context.Context, id string) (*domain.FlaggedRecord, error) {
	query := `SELECT ` + flagColumns + ` FROM flagged_transactions WHERE id = ?`

	flag, err := scanFlag(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFlagNotFound
	}
	if err != nil {
		return nil, err
	}
	return flag, nil
}

// ListFlagged returns flags joined with their transactions, newest flag first.
func (r *SQLRepository) ListFlagged(ctx context.Context, limit int) ([]*domain.FlaggedTransaction, error) {
	// Same projection as the recent_flagged_transactions view, joined directly
	// so column types come from the base tables.
	query := `
		SELECT f.id, f.transaction_id, f.risk_level, f.reviewed, f.reviewed_at,
			   f.reviewer_notes, f.created_at,
			   t.amt, t.category, t.merchant, t.fraud_probability, t.decision, t.created_at
		FROM flagged_transactions f
		JOIN transactions t ON t.id = f.transaction_id
		ORDER BY f.created_at DESC, f.id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flagged []*domain.FlaggedTransaction
	for rows.Next() {
		var ft domain.FlaggedTransaction
		var riskLevel, decision string
		var reviewed int
		var reviewedAt sql.NullTime
		var notes sql.NullString

		if err := rows.Scan(
			&ft.ID, &ft.TransactionID, &riskLevel, &reviewed, &reviewedAt, &notes, &ft.CreatedAt,
			&ft.Amount, &ft.Category, &ft.Merchant, &ft.FraudProbability, &decision, &ft.TransactionAt,
		); err != nil {
			return nil, err
		}

		ft.RiskLevel = domain.RiskLevel(riskLevel)
		ft.Decision = domain.Decision(decision)
		applyReview(&ft.FlaggedRecord, reviewed, reviewedAt, notes)
		flagged = append(flagged, &ft)
	}

	return flagged, rows.Err()
}

// ReviewFlag marks a flag reviewed. Repeating the call with the same notes
// leaves the stored record untouched.
func (r *SQLRepository) ReviewFlag(ctx context.Context, id string, notes string, at time.Time) (*domain.FlaggedRecord, error) {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbtx.Rollback()

	query := `SELECT ` + flagColumns + ` FROM flagged_transactions WHERE id = ?`
	flag, err := scanFlag(dbtx.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFlagNotFound
	}
	if err != nil {
		return nil, err
	}

	if flag.Reviewed && notesOf(flag) == notes {
		return flag, dbtx.Commit()
	}

	reviewedAt := at.UTC()
	_, err = dbtx.ExecContext(ctx, r.rebind(`
		UPDATE flagged_transactions
		SET reviewed = 1, reviewed_at = ?, reviewer_notes = ?
		WHERE id = ?
	`), reviewedAt, nullString(notes), id)
	if err != nil {
		return nil, err
	}

	if err := dbtx.Commit(); err != nil {
		return nil, err
	}

	flag.Reviewed = true
	flag.ReviewedAt = &reviewedAt
	flag.ReviewerNotes = nil
	if notes != "" {
		flag.ReviewerNotes = &notes
	}
	return flag, nil
}

// Statistics aggregates the fraud_statistics view.
func (r *SQLRepository) Statistics(ctx context.Context) (*domain.FraudStatistics, error) {
	query := `
		SELECT total_transactions, fraud_count, allowed_count, review_count, blocked_count
		FROM fraud_statistics
	`

	var stats domain.FraudStatistics
	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.Total, &stats.FraudCount,
		&stats.AllowedCount, &stats.ReviewCount, &stats.BlockedCount,
	)
	if err != nil {
		return nil, err
	}

	stats.FraudRatePercent = FraudRatePercent(stats.FraudCount, stats.Total)
	return &stats, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.TransactionRecord, error) {
	var tx domain.TransactionRecord
	var state, gender, card sql.NullString
	var decision string

	f := &tx.Features
	if err := s.Scan(
		&tx.ID, &tx.CreatedAt, &f.Amount, &f.Category, &f.Merchant, &state, &f.CustomerAge,
		&f.CityPop, &f.Lat, &f.Long, &f.MerchLat, &f.MerchLong, &f.DistanceKm,
		&f.TxnTimeGap, &f.TxnCount1h, &f.AvgAmtPerCard, &f.AmtDeviation,
		&f.TxnHour, &f.IsWeekend, &gender, &card,
		&tx.FraudProbability, &tx.FraudPrediction, &decision,
	); err != nil {
		return nil, err
	}

	f.State = state.String
	f.Gender = gender.String
	f.CardNumber = card.String
	tx.Decision = domain.Decision(decision)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}

func scanFlag(s scanner) (*domain.FlaggedRecord, error) {
	var flag domain.FlaggedRecord
	var riskLevel string
	var reviewed int
	var reviewedAt sql.NullTime
	var notes sql.NullString

	if err := s.Scan(
		&flag.ID, &flag.TransactionID, &riskLevel, &reviewed, &reviewedAt, &notes, &flag.CreatedAt,
	); err != nil {
		return nil, err
	}

	flag.RiskLevel = domain.RiskLevel(riskLevel)
	applyReview(&flag, reviewed, reviewedAt, notes)
	return &flag, nil
}

func applyReview(flag *domain.FlaggedRecord, reviewed int, reviewedAt sql.NullTime, notes sql.NullString) {
	flag.Reviewed = reviewed == 1
	flag.CreatedAt = flag.CreatedAt.UTC()
	if reviewedAt.Valid {
		t := reviewedAt.Time.UTC()
		flag.ReviewedAt = &t
	}
	if notes.Valid {
		n := notes.String
		flag.ReviewerNotes = &n
	}
}

func notesOf(flag *domain.FlaggedRecord) string {
	if flag.ReviewerNotes == nil {
		return ""
	}
	return *flag.ReviewerNotes
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
