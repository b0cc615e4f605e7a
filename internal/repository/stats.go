package repository

import (
	"github.com/shopspring/decimal"
)

// FraudRatePercent returns fraudCount/total as a percentage rounded half away
// from zero to two decimals, or 0 for an empty log.
func FraudRatePercent(fraudCount, total int64) float64 {
	if total <= 0 {
		return 0
	}
	rate := decimal.NewFromInt(fraudCount).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(total), 2)
	return rate.InexactFloat64()
}
