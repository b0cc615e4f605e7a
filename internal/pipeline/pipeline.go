// Package pipeline scores a transaction, decides on it and records the outcome.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/txlog"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

var tracer = otel.Tracer("kestrel-pipeline")

// Options holds the optional collaborators of a Pipeline.
type Options struct {
	// Log records assessments; nil disables the transaction log.
	Log *txlog.Writer

	// Velocity fills missing per-card inputs; nil disables it.
	Velocity *velocity.Service

	// Bus receives decision and flagged events; nil disables publishing.
	Bus domain.EventBus

	Metrics *observability.Metrics
}

// Pipeline runs validate, enrich, score, decide, record and publish.
type Pipeline struct {
	scorer   domain.Scorer
	log      *txlog.Writer
	velocity *velocity.Service
	bus      domain.EventBus
	metrics  *observability.Metrics
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

// New creates a pipeline around scorer.
func New(scorer domain.Scorer, opts Options) *Pipeline {
	return &Pipeline{
		scorer:   scorer,
		log:      opts.Log,
		velocity: opts.Velocity,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		validate: newValidator(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks a feature set. Failures wrap domain.ErrInvalidInput.
func (p *Pipeline) Validate(f *domain.Features) error {
	if f == nil {
		return fmt.Errorf("%w: features are required", domain.ErrInvalidInput)
	}

	err := p.validate.Struct(f)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "len":
		return fmt.Sprintf("%s must be %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// Assess runs the full pipeline for one feature set.
func (p *Pipeline) Assess(ctx context.Context, f *domain.Features) (*domain.Assessment, error) {
	return p.AssessRequest(ctx, "", f)
}

// AssessRequest is Assess with a caller request id carried into the decision event.
//
// A score is never replaced by a default: scorer failures return
// domain.ErrScoringUnavailable and nothing is recorded. Log failures do not
// fail the call; they are reported through Assessment.Logged.
func (p *Pipeline) AssessRequest(ctx context.Context, requestID string, f *domain.Features) (*domain.Assessment, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.Assess",
		trace.WithAttributes(attribute.String("request.id", requestID)),
	)
	defer span.End()

	if err := p.Validate(f); err != nil {
		span.SetStatus(codes.Error, "invalid input")
		return nil, err
	}

	if p.velocity != nil {
		if err := p.velocity.Enrich(ctx, f); err != nil {
			slog.Warn("velocity assembly failed", "error", err)
		}
	}

	scoreStart := time.Now()
	score, err := p.scorer.Score(ctx, f)
	p.metrics.ObserveScoring(time.Since(scoreStart))
	if err != nil {
		p.metrics.ObserveScoringFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "scoring unavailable")
		slog.Error("scoring failed",
			"scorer", p.scorer.Name(),
			"request_id", requestID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", domain.ErrScoringUnavailable, err)
	}

	result, err := policy.Decide(score.Probability)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid probability")
		slog.Error("scorer returned an invalid probability",
			"scorer", p.scorer.Name(),
			"probability", score.Probability,
		)
		return nil, err
	}
	p.metrics.ObserveDecision(result.Decision)

	now := p.now()
	assessment := &domain.Assessment{
		TransactionID:    p.newID(),
		FraudProbability: score.Probability,
		Result:           result,
		Scorer:           p.scorer.Name(),
		ScoredAt:         now,
	}
	if level, ok := policy.RiskLevelFor(result.Decision); ok {
		assessment.RiskLevel = level
	}

	span.SetAttributes(
		attribute.String("transaction.id", assessment.TransactionID),
		attribute.Float64("fraud.probability", score.Probability),
		attribute.String("fraud.decision", string(result.Decision)),
	)

	p.record(ctx, assessment, f)

	p.publish(ctx, requestID, assessment, f)

	assessment.DurationMs = time.Since(start).Milliseconds()

	slog.Info("transaction scored",
		"transaction_id", assessment.TransactionID,
		"decision", result.Decision,
		"probability", score.Probability,
		"logged", assessment.Logged,
		"duration_ms", assessment.DurationMs,
	)

	return assessment, nil
}

// record writes the transaction log entry. It outlives a cancelled caller.
func (p *Pipeline) record(ctx context.Context, a *domain.Assessment, f *domain.Features) {
	if p.log == nil {
		return
	}

	tx := domain.NewTransactionRecord(a.TransactionID, f, a.FraudProbability, a.Result, a.ScoredAt)
	res, err := p.log.Record(context.WithoutCancel(ctx), tx)
	if err == nil {
		a.Logged = true
		if res.Flag != nil {
			a.FlagID = res.Flag.ID
		}
		return
	}

	stage := "transaction"
	var flagErr *txlog.FlagWriteError
	if errors.As(err, &flagErr) {
		stage = "flag"
		// The transaction itself is in the log.
		a.Logged = true
	}

	slog.Error("failed to record transaction",
		"transaction_id", a.TransactionID,
		"decision", a.Result.Decision,
		"amt", f.Amount,
		"stage", stage,
		"error", err,
	)
}

func (p *Pipeline) publish(ctx context.Context, requestID string, a *domain.Assessment, f *domain.Features) {
	if p.bus == nil {
		return
	}

	event := domain.DecisionEvent{
		TransactionID:    a.TransactionID,
		RequestID:        requestID,
		FraudProbability: a.FraudProbability,
		Decision:         a.Result.Decision,
		Confidence:       a.Result.Confidence,
		RiskLevel:        a.RiskLevel,
		Amount:           f.Amount,
		Merchant:         f.Merchant,
		Timestamp:        a.ScoredAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode decision event", "error", err)
		return
	}

	if err := p.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Error("failed to publish decision",
			"transaction_id", a.TransactionID,
			"error", err,
		)
	}

	if a.RiskLevel != "" {
		if err := p.bus.Publish(ctx, domain.TopicFlagged, payload); err != nil {
			slog.Error("failed to publish flagged transaction",
				"transaction_id", a.TransactionID,
				"error", err,
			)
		}
	}
}

// Ready reports whether the scorer can take requests.
func (p *Pipeline) Ready(ctx context.Context) error {
	return p.scorer.Ready(ctx)
}

// ScorerName returns the configured scorer's name.
func (p *Pipeline) ScorerName() string {
	return p.scorer.Name()
}
