package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimit_QueriesTier(t *testing.T) {
	h := setupAPI(t)
	h.cfg.Server.RateLimit.Enabled = true
	h.cfg.Server.RateLimit.Queries.RequestsPerMinute = 2
	h.cfg.Server.RateLimit.Callbacks.RequestsPerMinute = 100
	h.rebuildRouter(t)

	// The burst equals the per-minute budget; the third request in the
	// same minute is rejected.
	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodGet, "/api/v1/workers", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec := h.do(t, http.MethodGet, "/api/v1/workers", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The callback tier has its own budget and is unaffected.
	rec = h.do(t, http.MethodPost, "/api/v1/callbacks/results",
		map[string]any{"worker_check_id": "unknown",
			"results": map[string]any{"overall_status": "healthy"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Health and metrics stay reachable for probes.
	rec = h.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_DisabledByDefault(t *testing.T) {
	h := setupAPI(t)

	for i := 0; i < 20; i++ {
		rec := h.do(t, http.MethodGet, "/api/v1/workers", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", extractIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", extractIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", extractIP(req))
}
