package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/txlog"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *pipeline.Pipeline
	log      *txlog.Writer
	cache    domain.Cache
	bus      domain.EventBus
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		pipeline: deps.Pipeline,
		log:      deps.Log,
		cache:    deps.Cache,
		bus:      deps.Bus,
		version:  deps.Version,
	}
}

// PredictResponse is the response for POST /predict.
type PredictResponse struct {
	FraudProbability float64           `json:"fraud_probability"`
	FraudPrediction  int               `json:"fraud_prediction"`
	Decision         domain.Decision   `json:"decision"`
	Confidence       domain.Confidence `json:"confidence"`
	Message          string            `json:"message"`
	TransactionID    string            `json:"transaction_id,omitempty"`
	RiskLevel        domain.RiskLevel  `json:"risk_level,omitempty"`
}

// AsyncResponse is the response for POST /predict/async.
type AsyncResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// ReviewRequest is the request body for POST /flagged/{id}/review.
type ReviewRequest struct {
	Notes string `json:"notes"`
}

// Info returns service information.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "kestrel",
		"version": h.version,
		"scorer":  h.pipeline.ScorerName(),
		"logging": h.log != nil,
		"endpoints": []string{
			"POST /predict",
			"POST /predict/async",
			"GET /transactions",
			"GET /flagged",
			"GET /statistics",
			"GET /health",
			"GET /metrics",
		},
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	components := map[string]string{}

	modelLoaded := true
	if err := h.pipeline.Ready(ctx); err != nil {
		modelLoaded = false
		status = "degraded"
		components["scorer"] = err.Error()
	} else {
		components["scorer"] = "ok"
	}

	if h.log != nil {
		if err := h.log.Ping(ctx); err != nil {
			status = "degraded"
			components["store"] = err.Error()
		} else {
			components["store"] = "ok"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			status = "degraded"
			components["cache"] = err.Error()
		} else {
			components["cache"] = "ok"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			status = "degraded"
			components["bus"] = err.Error()
		} else {
			components["bus"] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"version":      h.version,
		"model_loaded": modelLoaded,
		"components":   components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// Predict handles POST /predict requests.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var f domain.Features
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	a, err := h.pipeline.AssessRequest(r.Context(), GetRequestID(r.Context()), &f)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := PredictResponse{
		FraudProbability: a.FraudProbability,
		FraudPrediction:  a.Result.Prediction,
		Decision:         a.Result.Decision,
		Confidence:       a.Result.Confidence,
		Message:          a.Result.Message,
		RiskLevel:        a.RiskLevel,
	}
	if a.Logged {
		resp.TransactionID = a.TransactionID
	}

	writeJSON(w, http.StatusOK, resp)
}

// PredictAsync handles POST /predict/async by handing the request to the worker.
func (h *Handler) PredictAsync(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var f domain.Features
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := h.pipeline.Validate(&f); err != nil {
		writeError(w, err)
		return
	}

	requestID := GetRequestID(r.Context())
	payload, err := json.Marshal(worker.SubmitMessage{RequestID: requestID, Features: &f})
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.bus.Publish(r.Context(), domain.TopicTransactionSubmitted, payload); err != nil {
		slog.Error("failed to submit transaction", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to submit transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, AsyncResponse{
		RequestID: requestID,
		Status:    "accepted",
	})
}

// ListTransactions handles GET /transactions?limit=.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	if !h.requireLog(w) {
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := h.log.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": records,
		"count":        len(records),
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if !h.requireLog(w) {
		return
	}

	tx, err := h.log.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// DeleteTransaction removes a transaction and its flag.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if !h.requireLog(w) {
		return
	}

	if err := h.log.DeleteTransaction(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListFlagged handles GET /flagged?limit=.
func (h *Handler) ListFlagged(w http.ResponseWriter, r *http.Request) {
	if !h.requireLog(w) {
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	flagged, err := h.log.ListFlagged(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flagged": flagged,
		"count":   len(flagged),
	})
}

// GetFlag retrieves a flagged record by ID.
func (h *Handler) GetFlag(w http.ResponseWriter, r *http.Request) {
	if !h.requireLog(w) {
		return
	}

	flag, err := h.log.GetFlag(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

// ReviewFlag marks a flagged record as reviewed.
func (h *Handler) ReviewFlag(w http.ResponseWriter, r *http.Request) {
	if !h.requireLog(w) {
		return
	}

	var req ReviewRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	flag, err := h.log.ReviewFlag(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

// Statistics handles GET /statistics.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	if !h.requireLog(w) {
		return
	}

	stats, err := h.log.FraudStatistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) requireLog(w http.ResponseWriter) bool {
	if h.log == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "transaction log not enabled",
		})
		return false
	}
	return true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "limit must be a non-negative integer",
		})
		return 0, false
	}
	return limit, true
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrScoringUnavailable):
		status, msg = http.StatusServiceUnavailable, "scoring service unavailable"
	case errors.Is(err, domain.ErrInvalidProbability):
		msg = "scorer returned an invalid probability"
	case errors.Is(err, domain.ErrFlagNotFound):
		status, msg = http.StatusNotFound, "flagged transaction not found"
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, "transaction not found"
	default:
		slog.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
