package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"harmony/internal/batch"
	"harmony/internal/config"
	"harmony/internal/download"
	"harmony/internal/idempotency"
	"harmony/internal/metrics"
	"harmony/internal/orchestrator"
	"harmony/internal/sidecar"
)

type okRunner struct{}

func (okRunner) Execute(ctx context.Context, item download.Item, attempt int) (*download.Outcome, error) {
	return &download.Outcome{FinalPath: "/music/" + item.Title + ".flac", BytesWritten: 42}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Default()
	cfg.WorkerConcurrency = 2

	registry := prometheus.NewRegistry()
	agg := batch.NewAggregator(metrics.New(registry), log)
	sc, err := sidecar.NewStore(t.TempDir(), log)
	require.NoError(t, err)

	orch := orchestrator.New(cfg, okRunner{}, idempotency.NewMemoryStore(), agg, sc, log)
	orch.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	return NewServer(orch, registry, t.TempDir(), log)
}

func TestSubmitBatchAccepted(t *testing.T) {
	s := newTestServer(t)

	body := `{"requested_by":"tester","items":[{"artist":"A","title":"T"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/batches", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		BatchID    string `json:"batch_id"`
		ItemsTotal int    `json:"items_total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.BatchID)
	require.Equal(t, 1, resp.ItemsTotal)
}

func TestSubmitBatchWaitReturnsSummary(t *testing.T) {
	s := newTestServer(t)

	body := `{"requested_by":"tester","batch_id":"waitme","items":[{"artist":"A","title":"T"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/batches?wait=true", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var sum batch.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	require.Equal(t, "waitme", sum.BatchID)
	require.Equal(t, batch.StatusSuccess, sum.Status)
	require.Equal(t, 1, sum.Totals.Succeeded)
}

func TestSubmitBatchValidation(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/batches", strings.NewReader(`{"items":[]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/batches", strings.NewReader(`{not json`))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBatchStatus(t *testing.T) {
	s := newTestServer(t)

	body := `{"requested_by":"tester","batch_id":"lookup","items":[{"artist":"A","title":"T"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/batches?wait=true", strings.NewReader(body))
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/api/batches/lookup", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var sum batch.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	require.Equal(t, "lookup", sum.BatchID)

	req = httptest.NewRequest(http.MethodGet, "/api/batches/missing", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Contains(t, health, "queue_depth")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
