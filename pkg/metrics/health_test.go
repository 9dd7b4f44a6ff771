package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	RegisterComponent("store", true, "connected")
	RegisterComponent("scheduler", true, "ticking")

	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, 200, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Components["store"])
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	RegisterComponent("store", false, "connection refused")
	defer RegisterComponent("store", true, "connected")

	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, 503, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "unhealthy", health.Status)
	assert.Contains(t, health.Components["store"], "connection refused")
}
