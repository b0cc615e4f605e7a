package scoring

import (
	"context"
	"fmt"
	"math"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultExpression is a bounded additive risk model over the feature set.
// Each term saturates, and the weights sum to exactly 1.0.
const DefaultExpression = `(amt >= 1000.0 ? 0.375 : amt / 1000.0 * 0.375)
  + (txn_count_1h >= 5 ? 0.25 : double(txn_count_1h) * 0.05)
  + (txn_hour >= 0 && txn_hour < 6 ? 0.125 : 0.0)
  + (distance_km >= 100.0 ? 0.125 : distance_km / 100.0 * 0.125)
  + (amt_deviation >= 3.0 ? 0.125 : amt_deviation / 3.0 * 0.125)`

// ExpressionScorer evaluates a CEL expression over the feature set.
// The expression is compiled once; evaluation is safe for concurrent use.
type ExpressionScorer struct {
	expression string
	program    cel.Program
}

// NewExpressionScorer compiles expr, or DefaultExpression when expr is empty.
func NewExpressionScorer(expr string) (*ExpressionScorer, error) {
	if expr == "" {
		expr = DefaultExpression
	}

	env, err := cel.NewEnv(
		cel.Variable("amt", cel.DoubleType),
		cel.Variable("category", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("state", cel.StringType),
		cel.Variable("gender", cel.StringType),
		cel.Variable("customer_age", cel.IntType),
		cel.Variable("city_pop", cel.DoubleType),
		cel.Variable("lat", cel.DoubleType),
		cel.Variable("long", cel.DoubleType),
		cel.Variable("merch_lat", cel.DoubleType),
		cel.Variable("merch_long", cel.DoubleType),
		cel.Variable("distance_km", cel.DoubleType),
		// txn_hour is -1 when unknown
		cel.Variable("txn_hour", cel.IntType),
		cel.Variable("is_weekend", cel.IntType),
		cel.Variable("txn_time_gap", cel.DoubleType),
		cel.Variable("txn_count_1h", cel.IntType),
		cel.Variable("avg_amt_per_card", cel.DoubleType),
		cel.Variable("amt_deviation", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile scoring expression: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if !outputType.IsExactType(cel.DoubleType) && !outputType.IsExactType(cel.IntType) {
		return nil, fmt.Errorf("scoring expression must return double or int, got %s", outputType)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create scoring program: %w", err)
	}

	return &ExpressionScorer{expression: expr, program: program}, nil
}

// Score evaluates the expression. The result is returned as is; range
// checking belongs to the decision policy.
func (s *ExpressionScorer) Score(ctx context.Context, f *domain.Features) (domain.Score, error) {
	if err := ctx.Err(); err != nil {
		return domain.Score{}, err
	}

	out, _, err := s.program.Eval(activation(f))
	if err != nil {
		return domain.Score{}, fmt.Errorf("evaluation error: %w", err)
	}

	p, err := toProbability(out)
	if err != nil {
		return domain.Score{}, err
	}

	return domain.Score{Probability: p, Label: label(p)}, nil
}

// Ready always succeeds once the expression has compiled.
func (s *ExpressionScorer) Ready(context.Context) error { return nil }

func (s *ExpressionScorer) Name() string { return "expression" }

// Expression returns the compiled source.
func (s *ExpressionScorer) Expression() string { return s.expression }

func activation(f *domain.Features) map[string]any {
	customerAge := 0
	if f.CustomerAge != nil {
		customerAge = *f.CustomerAge
	}

	return map[string]any{
		"amt":              f.Amount,
		"category":         f.Category,
		"merchant":         f.Merchant,
		"state":            f.State,
		"gender":           f.Gender,
		"customer_age":     int64(customerAge),
		"city_pop":         floatOr(f.CityPop, 0),
		"lat":              floatOr(f.Lat, 0),
		"long":             floatOr(f.Long, 0),
		"merch_lat":        floatOr(f.MerchLat, 0),
		"merch_long":       floatOr(f.MerchLong, 0),
		"distance_km":      floatOr(f.DistanceKm, 0),
		"txn_hour":         intOr(f.TxnHour, -1),
		"is_weekend":       intOr(f.IsWeekend, 0),
		"txn_time_gap":     floatOr(f.TxnTimeGap, 0),
		"txn_count_1h":     intOr(f.TxnCount1h, 0),
		"avg_amt_per_card": floatOr(f.AvgAmtPerCard, 0),
		"amt_deviation":    floatOr(f.AmtDeviation, 0),
	}
}

func toProbability(val ref.Val) (float64, error) {
	var p float64
	switch v := val.(type) {
	case types.Double:
		p = float64(v)
	case types.Int:
		p = float64(v)
	default:
		return 0, fmt.Errorf("scoring expression returned %s, want double", val.Type())
	}
	if math.IsNaN(p) {
		return 0, fmt.Errorf("scoring expression returned NaN")
	}
	return p, nil
}

func label(p float64) int {
	if p >= 0.5 {
		return 1
	}
	return 0
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int64 {
	if v == nil {
		return int64(def)
	}
	return int64(*v)
}
