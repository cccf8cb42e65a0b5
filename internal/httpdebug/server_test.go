package httpdebug

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotagate/internal/backend"
	"quotagate/internal/config"
	"quotagate/internal/domain"
	"quotagate/internal/scheduler"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Models = map[string]domain.ModelConfig{
		"model-a": {
			TokensPerMinute: 1_000,
			DefaultEstimate: domain.ResourceEstimate{EstimatedUsedTokens: 100},
		},
	}
	be := backend.NewInMemory(cfg.Models, time.Minute)
	sched, err := scheduler.New(scheduler.Options{Config: cfg, Backend: be, Logger: slog.Default()})
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { sched.Stop(context.Background()) })

	return New(Config{Port: 0, BindAddress: "127.0.0.1"}, sched, slog.Default())
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestDebugEndpoints(t *testing.T) {
	srv := newTestServer(t)

	t.Run("stats", func(t *testing.T) {
		rec := get(t, srv, "/debug/stats")
		require.Equal(t, http.StatusOK, rec.Code)

		var snap scheduler.StatsSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Contains(t, snap.Models, "model-a")
		assert.Regexp(t, `^inst-`, snap.InstanceID)
	})

	t.Run("allocation", func(t *testing.T) {
		rec := get(t, srv, "/debug/allocation")
		require.Equal(t, http.StatusOK, rec.Code)

		var info domain.AllocationInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
		assert.Equal(t, 1, info.InstanceCount)
		assert.Equal(t, int64(1_000), info.Pools["model-a"].TokensPerMinute)
	})

	t.Run("jobs", func(t *testing.T) {
		rec := get(t, srv, "/debug/jobs")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			InstanceID string   `json:"instance_id"`
			ActiveJobs []string `json:"active_jobs"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Empty(t, body.ActiveJobs)
	})

	t.Run("healthz", func(t *testing.T) {
		rec := get(t, srv, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get(t, srv, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("submission is not served", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/debug/jobs", nil)
		rec := httptest.NewRecorder()
		srv.srv.Handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
