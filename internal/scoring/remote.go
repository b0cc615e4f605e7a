package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// predictResponse is the model server's answer to POST /predict_proba.
type predictResponse struct {
	FraudProbability *float64 `json:"fraud_probability"`
	FraudPrediction  int      `json:"fraud_prediction"`
}

// RemoteScorer calls an external model server over HTTP behind a circuit breaker.
type RemoteScorer struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRemoteScorer creates a scorer for the model server at cfg.RemoteURL.
func NewRemoteScorer(cfg domain.ScoringConfig) (*RemoteScorer, error) {
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("remote scorer requires remote_url")
	}

	timeout := time.Duration(cfg.RemoteTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := time.Duration(cfg.BreakerCooldownS) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.RemoteURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-scorer",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up says nothing about the model server.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("scoring circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &RemoteScorer{client: client, breaker: breaker}, nil
}

// Score posts the feature set to the model server.
func (s *RemoteScorer) Score(ctx context.Context, f *domain.Features) (domain.Score, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		var body predictResponse
		resp, err := s.client.R().
			SetContext(ctx).
			SetBody(f).
			SetResult(&body).
			Post("/predict_proba")
		if err != nil {
			return nil, fmt.Errorf("model server request failed: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("model server returned status %d", resp.StatusCode())
		}
		if body.FraudProbability == nil {
			return nil, fmt.Errorf("model server response has no fraud_probability")
		}
		return domain.Score{
			Probability: *body.FraudProbability,
			Label:       body.FraudPrediction,
		}, nil
	})
	if err != nil {
		return domain.Score{}, err
	}
	return out.(domain.Score), nil
}

// Ready checks the model server's /health endpoint unless the breaker is open.
func (s *RemoteScorer) Ready(ctx context.Context) error {
	if s.breaker.State() == gobreaker.StateOpen {
		return gobreaker.ErrOpenState
	}

	resp, err := s.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("model server health returned status %d", resp.StatusCode())
	}
	return nil
}

func (s *RemoteScorer) Name() string { return "remote" }

// BreakerState reports the circuit breaker state.
func (s *RemoteScorer) BreakerState() gobreaker.State {
	return s.breaker.State()
}
