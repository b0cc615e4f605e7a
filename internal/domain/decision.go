package domain

import (
	"time"
)

// Decision is the three-way action for a scored transaction.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionReview Decision = "REVIEW"
	DecisionBlock  Decision = "BLOCK"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionReview, DecisionBlock:
		return true
	}
	return false
}

// Confidence is a qualitative label attached to a decision.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
)

// DecisionResult is the output of the decision policy for one probability.
type DecisionResult struct {
	Decision   Decision   `json:"decision"`
	Prediction int        `json:"fraud_prediction"`
	Confidence Confidence `json:"confidence"`
	Message    string     `json:"message"`
}

// Score is what a scoring collaborator returns for a feature set.
type Score struct {
	Probability float64 `json:"fraud_probability"`
	Label       int     `json:"fraud_prediction"`
}

// Assessment is the complete outcome of scoring one transaction.
type Assessment struct {
	TransactionID    string         `json:"transaction_id"`
	FraudProbability float64        `json:"fraud_probability"`
	Result           DecisionResult `json:"result"`
	RiskLevel        RiskLevel      `json:"risk_level,omitempty"`
	FlagID           string         `json:"flag_id,omitempty"`
	Scorer           string         `json:"scorer"`
	Logged           bool           `json:"logged"`
	ScoredAt         time.Time      `json:"scored_at"`
	DurationMs       int64          `json:"duration_ms"`
}

// DecisionEvent is published on the event bus after each assessment.
type DecisionEvent struct {
	TransactionID    string     `json:"transaction_id"`
	RequestID        string     `json:"request_id,omitempty"`
	FraudProbability float64    `json:"fraud_probability"`
	Decision         Decision   `json:"decision"`
	Confidence       Confidence `json:"confidence"`
	RiskLevel        RiskLevel  `json:"risk_level,omitempty"`
	Amount           float64    `json:"amt"`
	Merchant         string     `json:"merchant"`
	Timestamp        time.Time  `json:"timestamp"`
}
