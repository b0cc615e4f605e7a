package observability

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestInitLogger(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	t.Run("JSONToStdout", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := initLogger(domain.LoggingConfig{Level: "info", Format: "json"}, &buf)
		require.NoError(t, err)
		defer closer.Close()

		logger.Debug("hidden")
		logger.Info("scored", "decision", "BLOCK")

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)

		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
		assert.Equal(t, "scored", entry["msg"])
		assert.Equal(t, "BLOCK", entry["decision"])
	})

	t.Run("RotatedFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "kestrel.log")

		logger, closer, err := initLogger(domain.LoggingConfig{
			Level:     "debug",
			Format:    "text",
			File:      path,
			MaxSizeMB: 1,
		}, io.Discard)
		require.NoError(t, err)

		logger.Debug("written to file")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "written to file")
	})
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.ObserveDecision(domain.DecisionBlock)
	m.ObserveDecision(domain.DecisionBlock)
	m.ObserveDecision(domain.DecisionAllow)
	m.ObserveLogWriteFailure("flag")
	m.ObserveScoringFailure()
	m.ObserveHTTP("POST", "/predict", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("BLOCK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("ALLOW")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.logWriteFailures.WithLabelValues("flag")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scoringFailures))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `kestrel_decisions_total{decision="BLOCK"} 2`)
	assert.Contains(t, rec.Body.String(), "kestrel_http_request_duration_seconds")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision(domain.DecisionReview)
		m.ObserveScoringFailure()
		m.ObserveScoring(time.Millisecond)
		m.ObserveLogWriteFailure("transaction")
		m.ObserveLogWriteRetry("transaction")
		m.ObserveHTTP("GET", "/", 200, time.Millisecond)
		m.ObserveWorker("ok")
	})
}
