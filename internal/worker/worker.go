// Package worker provides async transaction scoring from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Outcome labels for the worker metric.
const (
	OutcomeScored   = "scored"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Worker scores transactions published on domain.TopicTransactionSubmitted.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline
	metrics  *observability.Metrics

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// SubmitMessage is the payload of a transaction.submitted message.
type SubmitMessage struct {
	RequestID string           `json:"request_id"`
	Features  *domain.Features `json:"features"`
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, p *pipeline.Pipeline, metrics *observability.Metrics) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: p,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes the worker to submitted transactions.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionSubmitted, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicTransactionSubmitted,
	)
	return nil
}

// handleMessage runs one submitted transaction through the pipeline.
// Decision and flagged events are published by the pipeline itself.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var submit SubmitMessage
	if err := json.Unmarshal(msg.Payload, &submit); err != nil {
		w.failed.Add(1)
		w.metrics.ObserveWorker(OutcomeRejected)
		slog.Error("failed to parse submitted transaction",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	requestID := submit.RequestID
	if requestID == "" {
		requestID = msg.ID
	}

	slog.Debug("processing transaction",
		"request_id", requestID,
	)

	assessment, err := w.pipeline.AssessRequest(ctx, requestID, submit.Features)
	if err != nil {
		w.failed.Add(1)
		outcome := OutcomeFailed
		if errors.Is(err, domain.ErrInvalidInput) {
			outcome = OutcomeRejected
		}
		w.metrics.ObserveWorker(outcome)
		slog.Error("async scoring failed",
			"request_id", requestID,
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	w.metrics.ObserveWorker(OutcomeScored)

	slog.Info("transaction processed",
		"request_id", requestID,
		"transaction_id", assessment.TransactionID,
		"decision", assessment.Result.Decision,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
