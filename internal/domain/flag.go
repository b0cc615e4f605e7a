package domain

import (
	"time"
)

// RiskLevel classifies a flagged transaction.
type RiskLevel string

const (
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// FlaggedRecord marks a logged transaction for manual review.
// There is at most one per transaction and it is deleted with its parent.
type FlaggedRecord struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	RiskLevel     RiskLevel  `json:"risk_level"`
	Reviewed      bool       `json:"reviewed"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
	ReviewerNotes *string    `json:"reviewer_notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// FlaggedTransaction joins a flag with the transaction it refers to.
type FlaggedTransaction struct {
	FlaggedRecord
	Amount           float64   `json:"amt"`
	Category         string    `json:"category"`
	Merchant         string    `json:"merchant"`
	FraudProbability float64   `json:"fraud_probability"`
	Decision         Decision  `json:"decision"`
	TransactionAt    time.Time `json:"transaction_created_at"`
}

// FraudStatistics is the aggregate view over all logged transactions.
type FraudStatistics struct {
	Total            int64   `json:"total_transactions"`
	FraudCount       int64   `json:"fraud_count"`
	FraudRatePercent float64 `json:"fraud_rate_percent"`
	AllowedCount     int64   `json:"allowed_count"`
	ReviewCount      int64   `json:"review_count"`
	BlockedCount     int64   `json:"blocked_count"`
}
