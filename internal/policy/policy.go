// Package policy maps a fraud probability to a decision and a risk flag.
// Everything here is pure: no I/O, no clocks beyond what callers pass in.
package policy

import (
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Thresholds are closed lower bounds compared exactly.
const (
	BlockThreshold  = 0.8
	ReviewThreshold = 0.5

	// Below this an ALLOW is reported with high confidence.
	HighConfidenceAllowCeiling = 0.2
)

const (
	MessageBlock  = "Transaction BLOCKED - High fraud risk detected"
	MessageReview = "Transaction flagged for REVIEW - Moderate fraud risk"
	MessageAllow  = "Transaction ALLOWED - Low fraud risk"
)

// Decide returns the decision for a fraud probability in [0, 1].
func Decide(p float64) (domain.DecisionResult, error) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return domain.DecisionResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidProbability, p)
	}

	switch {
	case p >= BlockThreshold:
		return domain.DecisionResult{
			Decision:   domain.DecisionBlock,
			Prediction: 1,
			Confidence: domain.ConfidenceHigh,
			Message:    MessageBlock,
		}, nil
	case p >= ReviewThreshold:
		return domain.DecisionResult{
			Decision:   domain.DecisionReview,
			Prediction: 1,
			Confidence: domain.ConfidenceMedium,
			Message:    MessageReview,
		}, nil
	}

	confidence := domain.ConfidenceMedium
	if p < HighConfidenceAllowCeiling {
		confidence = domain.ConfidenceHigh
	}
	return domain.DecisionResult{
		Decision:   domain.DecisionAllow,
		Prediction: 0,
		Confidence: confidence,
		Message:    MessageAllow,
	}, nil
}

// RiskLevelFor reports whether a decision must be flagged and at what level.
func RiskLevelFor(d domain.Decision) (domain.RiskLevel, bool) {
	switch d {
	case domain.DecisionBlock:
		return domain.RiskCritical, true
	case domain.DecisionReview:
		return domain.RiskHigh, true
	default:
		return "", false
	}
}

// NewFlag builds the unreviewed flag for a decided transaction.
// It returns nil when the decision does not require one.
func NewFlag(id, transactionID string, d domain.Decision, now time.Time) *domain.FlaggedRecord {
	level, ok := RiskLevelFor(d)
	if !ok {
		return nil
	}
	return &domain.FlaggedRecord{
		ID:            id,
		TransactionID: transactionID,
		RiskLevel:     level,
		CreatedAt:     now.UTC(),
	}
}
