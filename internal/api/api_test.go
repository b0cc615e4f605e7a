package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/txlog"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// tieredExpression maps amount bands onto the three decisions.
const tieredExpression = `amt >= 5000.0 ? 0.95 : (amt >= 1000.0 ? 0.65 : 0.1234)`

type downScorer struct{}

func (downScorer) Score(context.Context, *domain.Features) (domain.Score, error) {
	return domain.Score{}, errors.New("connection refused")
}
func (downScorer) Ready(context.Context) error { return errors.New("connection refused") }
func (downScorer) Name() string                { return "remote" }

func testConfig() domain.ServerConfig {
	return domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
}

// createTestServer creates a server backed by an in-memory transaction log.
func createTestServer(t *testing.T, expression string, eventBus domain.EventBus) *Server {
	t.Helper()

	scorer, err := scoring.NewExpressionScorer(expression)
	if err != nil {
		t.Fatalf("failed to create scorer: %v", err)
	}

	metrics := observability.NewMetrics()
	writer := txlog.NewWriter(repository.NewMemoryRepository(), nil, metrics, domain.TxLogConfig{MaxAttempts: 1})
	p := pipeline.New(scorer, pipeline.Options{Log: writer, Bus: eventBus, Metrics: metrics})

	return NewServer(testConfig(), Dependencies{
		Pipeline: p,
		Log:      writer,
		Bus:      eventBus,
		Metrics:  metrics,
		Version:  "test-v1",
	})
}

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func predictBody(amt float64) string {
	body, _ := json.Marshal(map[string]interface{}{
		"amt":          amt,
		"category":     "shopping_net",
		"merchant":     "fraud_Kirlin and Sons",
		"customer_age": 45,
		"state":        "CA",
		"gender":       "F",
		"txn_hour":     14,
	})
	return string(body)
}

func decodePredict(t *testing.T, rr *httptest.ResponseRecorder) PredictResponse {
	t.Helper()
	var resp PredictResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v (%s)", err, rr.Body.String())
	}
	return resp
}

func TestPredictEndpoint(t *testing.T) {
	server := createTestServer(t, tieredExpression, nil)

	t.Run("Allow", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/predict", predictBody(100))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decodePredict(t, rr)
		if resp.FraudProbability != 0.1234 {
			t.Errorf("expected probability 0.1234, got %v", resp.FraudProbability)
		}
		if resp.Decision != domain.DecisionAllow || resp.FraudPrediction != 0 {
			t.Errorf("expected ALLOW/0, got %s/%d", resp.Decision, resp.FraudPrediction)
		}
		if resp.Confidence != domain.ConfidenceHigh {
			t.Errorf("expected high confidence, got %s", resp.Confidence)
		}
		if resp.Message != "Transaction ALLOWED - Low fraud risk" {
			t.Errorf("unexpected message %q", resp.Message)
		}
		if resp.TransactionID == "" {
			t.Error("expected transaction_id in response")
		}
		if resp.RiskLevel != "" {
			t.Errorf("expected no risk level, got %s", resp.RiskLevel)
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header")
		}
	})

	t.Run("Review", func(t *testing.T) {
		resp := decodePredict(t, do(t, server, http.MethodPost, "/predict", predictBody(1500)))
		if resp.Decision != domain.DecisionReview || resp.FraudPrediction != 1 {
			t.Errorf("expected REVIEW/1, got %s/%d", resp.Decision, resp.FraudPrediction)
		}
		if resp.Confidence != domain.ConfidenceMedium {
			t.Errorf("expected medium confidence, got %s", resp.Confidence)
		}
		if resp.RiskLevel != domain.RiskHigh {
			t.Errorf("expected HIGH, got %s", resp.RiskLevel)
		}
	})

	t.Run("Block", func(t *testing.T) {
		resp := decodePredict(t, do(t, server, http.MethodPost, "/predict", predictBody(7500)))
		if resp.Decision != domain.DecisionBlock {
			t.Errorf("expected BLOCK, got %s", resp.Decision)
		}
		if resp.Message != "Transaction BLOCKED - High fraud risk detected" {
			t.Errorf("unexpected message %q", resp.Message)
		}
		if resp.RiskLevel != domain.RiskCritical {
			t.Errorf("expected CRITICAL, got %s", resp.RiskLevel)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/predict", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ValidationError", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/predict", `{"amt": 10, "category": "misc_pos"}`)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "merchant is required") {
			t.Errorf("expected field error, got %s", rr.Body.String())
		}
	})
}

func TestPredictFailures(t *testing.T) {
	t.Run("ScoringUnavailable", func(t *testing.T) {
		writer := txlog.NewWriter(repository.NewMemoryRepository(), nil, nil, domain.TxLogConfig{MaxAttempts: 1})
		server := NewServer(testConfig(), Dependencies{
			Pipeline: pipeline.New(downScorer{}, pipeline.Options{Log: writer}),
			Log:      writer,
		})

		rr := do(t, server, http.MethodPost, "/predict", predictBody(100))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", rr.Code)
		}
		if strings.Contains(rr.Body.String(), "ALLOW") {
			t.Error("scoring failure must not produce a decision")
		}

		stats := do(t, server, http.MethodGet, "/statistics", "")
		if !strings.Contains(stats.Body.String(), `"total_transactions":0`) {
			t.Errorf("expected nothing logged, got %s", stats.Body.String())
		}

		health := do(t, server, http.MethodGet, "/health", "")
		if !strings.Contains(health.Body.String(), `"model_loaded":false`) {
			t.Errorf("expected model_loaded false, got %s", health.Body.String())
		}

		ready := do(t, server, http.MethodGet, "/ready", "")
		if ready.Code != http.StatusServiceUnavailable {
			t.Errorf("expected /ready 503, got %d", ready.Code)
		}
	})

	t.Run("InvalidProbability", func(t *testing.T) {
		server := createTestServer(t, "amt / 10.0", nil)

		rr := do(t, server, http.MethodPost, "/predict", predictBody(100))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("LoggingDisabled", func(t *testing.T) {
		scorer, _ := scoring.NewExpressionScorer("")
		server := NewServer(testConfig(), Dependencies{
			Pipeline: pipeline.New(scorer, pipeline.Options{}),
		})

		rr := do(t, server, http.MethodPost, "/predict", predictBody(100))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if resp := decodePredict(t, rr); resp.TransactionID != "" {
			t.Errorf("expected no transaction_id without a log, got %s", resp.TransactionID)
		}

		for _, path := range []string{"/transactions", "/flagged", "/statistics"} {
			if rr := do(t, server, http.MethodGet, path, ""); rr.Code != http.StatusServiceUnavailable {
				t.Errorf("%s: expected status 503, got %d", path, rr.Code)
			}
		}
	})
}

func TestTransactionLogEndpoints(t *testing.T) {
	server := createTestServer(t, tieredExpression, nil)

	allow := decodePredict(t, do(t, server, http.MethodPost, "/predict", predictBody(100)))
	review := decodePredict(t, do(t, server, http.MethodPost, "/predict", predictBody(2000)))
	block := decodePredict(t, do(t, server, http.MethodPost, "/predict", predictBody(9000)))

	t.Run("ListTransactions", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/transactions?limit=2", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Transactions []domain.TransactionRecord `json:"transactions"`
			Count        int                        `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 2 {
			t.Errorf("expected 2 transactions, got %d", resp.Count)
		}

		if rr := do(t, server, http.MethodGet, "/transactions?limit=abc", ""); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}
	})

	t.Run("GetTransaction", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/transactions/"+block.TransactionID, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var tx domain.TransactionRecord
		if err := json.Unmarshal(rr.Body.Bytes(), &tx); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if tx.Decision != domain.DecisionBlock || tx.FraudProbability != 0.95 {
			t.Errorf("expected BLOCK at 0.95, got %s at %v", tx.Decision, tx.FraudProbability)
		}
		if tx.Amount != 9000 || tx.Gender != "F" {
			t.Errorf("expected features to be stored, got amt=%v gender=%q", tx.Amount, tx.Gender)
		}

		if rr := do(t, server, http.MethodGet, "/transactions/missing", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	var reviewFlagID string

	t.Run("ListFlagged", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/flagged", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Flagged []domain.FlaggedTransaction `json:"flagged"`
			Count   int                         `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 2 {
			t.Fatalf("expected 2 flagged, got %d", resp.Count)
		}

		levels := map[string]domain.RiskLevel{}
		for _, f := range resp.Flagged {
			levels[f.TransactionID] = f.RiskLevel
			if f.TransactionID == review.TransactionID {
				reviewFlagID = f.ID
			}
			if f.TransactionID == allow.TransactionID {
				t.Error("ALLOW must not be flagged")
			}
		}
		if levels[review.TransactionID] != domain.RiskHigh {
			t.Errorf("expected HIGH for review, got %s", levels[review.TransactionID])
		}
		if levels[block.TransactionID] != domain.RiskCritical {
			t.Errorf("expected CRITICAL for block, got %s", levels[block.TransactionID])
		}
	})

	t.Run("ReviewFlag", func(t *testing.T) {
		if reviewFlagID == "" {
			t.Skip("no flag from previous subtest")
		}

		path := "/flagged/" + reviewFlagID + "/review"
		first := do(t, server, http.MethodPost, path, `{"notes":"legitimate purchase"}`)
		if first.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", first.Code, first.Body.String())
		}

		var flag1, flag2 domain.FlaggedRecord
		_ = json.Unmarshal(first.Body.Bytes(), &flag1)
		if !flag1.Reviewed || flag1.ReviewedAt == nil {
			t.Fatal("expected flag to be reviewed")
		}

		second := do(t, server, http.MethodPost, path, `{"notes":"legitimate purchase"}`)
		_ = json.Unmarshal(second.Body.Bytes(), &flag2)
		if !flag1.ReviewedAt.Equal(*flag2.ReviewedAt) {
			t.Errorf("expected repeat review to keep reviewed_at, got %v then %v", flag1.ReviewedAt, flag2.ReviewedAt)
		}

		got := do(t, server, http.MethodGet, "/flagged/"+reviewFlagID, "")
		if got.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", got.Code)
		}

		if rr := do(t, server, http.MethodPost, "/flagged/unknown/review", `{"notes":"x"}`); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodPost, path, "{bad"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Statistics", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/statistics", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var stats domain.FraudStatistics
		if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if stats.Total != 3 || stats.FraudCount != 2 {
			t.Errorf("expected 3 total / 2 fraud, got %d / %d", stats.Total, stats.FraudCount)
		}
		if stats.FraudRatePercent != 66.67 {
			t.Errorf("expected 66.67%%, got %v", stats.FraudRatePercent)
		}
	})

	t.Run("DeleteTransaction", func(t *testing.T) {
		rr := do(t, server, http.MethodDelete, "/transactions/"+review.TransactionID, "")
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rr.Code)
		}

		if rr := do(t, server, http.MethodGet, "/flagged/"+reviewFlagID, ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected flag to be deleted with its transaction, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodDelete, "/transactions/"+review.TransactionID, ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 on second delete, got %d", rr.Code)
		}
	})
}

func TestPredictAsync(t *testing.T) {
	t.Run("WithoutBus", func(t *testing.T) {
		server := createTestServer(t, tieredExpression, nil)

		rr := do(t, server, http.MethodPost, "/predict/async", predictBody(100))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("SubmittedToWorker", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		server := createTestServer(t, tieredExpression, eventBus)
		w := worker.NewWorker(eventBus, server.Handler().pipeline, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		decisions := make(chan domain.DecisionEvent, 1)
		sub, _ := eventBus.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			var ev domain.DecisionEvent
			_ = json.Unmarshal(msg.Payload, &ev)
			decisions <- ev
			return nil
		})
		defer sub.Unsubscribe()

		req := httptest.NewRequest(http.MethodPost, "/predict/async", bytes.NewBufferString(predictBody(6000)))
		req.Header.Set(RequestIDHeader, "req-async-1")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp AsyncResponse
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.RequestID != "req-async-1" {
			t.Errorf("expected request_id req-async-1, got %s", resp.RequestID)
		}

		select {
		case ev := <-decisions:
			if ev.RequestID != "req-async-1" || ev.Decision != domain.DecisionBlock {
				t.Errorf("unexpected decision event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("expected decision event from worker")
		}
	})

	t.Run("ValidatedBeforeSubmit", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()
		server := createTestServer(t, tieredExpression, eventBus)

		rr := do(t, server, http.MethodPost, "/predict/async", `{"amt": -1}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestServiceEndpoints(t *testing.T) {
	server := createTestServer(t, "", nil)

	t.Run("Info", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"scorer":"expression"`) {
			t.Errorf("expected scorer name, got %s", rr.Body.String())
		}
	})

	t.Run("Health", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Status      string            `json:"status"`
			ModelLoaded bool              `json:"model_loaded"`
			Components  map[string]string `json:"components"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Status != "healthy" || !resp.ModelLoaded {
			t.Errorf("expected healthy with model loaded, got %+v", resp)
		}
		if resp.Components["store"] != "ok" {
			t.Errorf("expected store ok, got %q", resp.Components["store"])
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		do(t, server, http.MethodPost, "/predict", predictBody(50))

		rr := do(t, server, http.MethodGet, "/metrics", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		body := rr.Body.String()
		if !strings.Contains(body, `kestrel_decisions_total{decision="ALLOW"} 1`) {
			t.Error("expected decision counter in metrics output")
		}
		if !strings.Contains(body, `route="/predict"`) {
			t.Error("expected HTTP histogram labelled by route")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		rr := do(t, server, http.MethodOptions, "/predict", "")
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
	})
}
