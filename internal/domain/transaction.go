package domain

import (
	"time"
)

// Features is the feature set submitted for scoring.
// Required fields are validated with go-playground/validator tags;
// optional fields are pointers so an absent value is distinguishable from zero.
type Features struct {
	Amount      float64 `json:"amt" validate:"required,gt=0"`
	Category    string  `json:"category" validate:"required"`
	Merchant    string  `json:"merchant" validate:"required"`
	CustomerAge *int    `json:"customer_age" validate:"required,min=18,max=120"`
	State       string  `json:"state,omitempty" validate:"omitempty,len=2,alpha"`

	// Card and location
	CardNumber string   `json:"cc_num,omitempty"`
	Gender     string   `json:"gender,omitempty" validate:"omitempty,oneof=M F"`
	CityPop    *float64 `json:"city_pop,omitempty" validate:"omitempty,min=0"`
	Lat        *float64 `json:"lat,omitempty" validate:"omitempty,min=-90,max=90"`
	Long       *float64 `json:"long,omitempty" validate:"omitempty,min=-180,max=180"`
	MerchLat   *float64 `json:"merch_lat,omitempty" validate:"omitempty,min=-90,max=90"`
	MerchLong  *float64 `json:"merch_long,omitempty" validate:"omitempty,min=-180,max=180"`
	DistanceKm *float64 `json:"distance_km,omitempty" validate:"omitempty,min=0"`

	// Temporal
	TxnHour   *int `json:"txn_hour,omitempty" validate:"omitempty,min=0,max=23"`
	IsWeekend *int `json:"is_weekend,omitempty" validate:"omitempty,oneof=0 1"`

	// Velocity
	TxnTimeGap    *float64 `json:"txn_time_gap,omitempty" validate:"omitempty,min=0"`
	TxnCount1h    *int     `json:"txn_count_1h,omitempty" validate:"omitempty,min=0"`
	AvgAmtPerCard *float64 `json:"avg_amt_per_card,omitempty" validate:"omitempty,min=0"`
	AmtDeviation  *float64 `json:"amt_deviation,omitempty" validate:"omitempty,min=0"`
}

// TransactionRecord is one scored transaction as persisted in the log.
// Records are written once and never updated.
type TransactionRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Features

	FraudProbability float64  `json:"fraud_probability"`
	FraudPrediction  int      `json:"fraud_prediction"`
	Decision         Decision `json:"decision"`
}

// NewTransactionRecord builds the log record for a decided transaction.
func NewTransactionRecord(id string, f *Features, probability float64, result DecisionResult, now time.Time) *TransactionRecord {
	return &TransactionRecord{
		ID:               id,
		CreatedAt:        now.UTC(),
		Features:         *f,
		FraudProbability: probability,
		FraudPrediction:  result.Prediction,
		Decision:         result.Decision,
	}
}

// Float returns a pointer to v. Convenience for optional feature fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v. Convenience for optional feature fields.
func Int(v int) *int { return &v }
