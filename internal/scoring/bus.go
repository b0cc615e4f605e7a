package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultBusTimeout = 2 * time.Second

// scoreReply is the payload answered on scoring.request.
type scoreReply struct {
	FraudProbability float64 `json:"fraud_probability"`
	FraudPrediction  int     `json:"fraud_prediction"`
	Error            string  `json:"error,omitempty"`
}

// BusScorer asks a scoring service over the event bus.
type BusScorer struct {
	bus     domain.EventBus
	timeout time.Duration
}

// NewBusScorer creates a scorer that sends requests on domain.TopicScoreRequest.
func NewBusScorer(bus domain.EventBus, timeout time.Duration) *BusScorer {
	if timeout <= 0 {
		timeout = defaultBusTimeout
	}
	return &BusScorer{bus: bus, timeout: timeout}
}

func (s *BusScorer) Score(ctx context.Context, f *domain.Features) (domain.Score, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return domain.Score{}, fmt.Errorf("failed to encode features: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.bus.Request(ctx, domain.TopicScoreRequest, payload)
	if err != nil {
		return domain.Score{}, fmt.Errorf("scoring request failed: %w", err)
	}

	var reply scoreReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return domain.Score{}, fmt.Errorf("failed to decode scoring reply: %w", err)
	}
	if reply.Error != "" {
		return domain.Score{}, fmt.Errorf("remote scorer: %s", reply.Error)
	}

	return domain.Score{Probability: reply.FraudProbability, Label: reply.FraudPrediction}, nil
}

func (s *BusScorer) Ready(ctx context.Context) error {
	return s.bus.Ping(ctx)
}

func (s *BusScorer) Name() string { return "bus" }

// Serve answers scoring requests on the bus with scorer until the
// subscription is cancelled.
func Serve(ctx context.Context, bus domain.EventBus, scorer domain.Scorer) (domain.Subscription, error) {
	return bus.Subscribe(ctx, domain.TopicScoreRequest, func(ctx context.Context, msg *domain.Message) error {
		var reply scoreReply

		var f domain.Features
		if err := json.Unmarshal(msg.Payload, &f); err != nil {
			reply.Error = fmt.Sprintf("invalid features: %v", err)
		} else if score, err := scorer.Score(ctx, &f); err != nil {
			reply.Error = err.Error()
		} else {
			reply.FraudProbability = score.Probability
			reply.FraudPrediction = score.Label
		}

		data, err := json.Marshal(reply)
		if err != nil {
			return err
		}
		if err := bus.Reply(ctx, msg, data); err != nil {
			slog.Warn("failed to reply to scoring request", "id", msg.ID, "error", err)
			return err
		}
		return nil
	})
}
