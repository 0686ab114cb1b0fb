package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct{ err error }

func (s stubChecker) HealthCheck(context.Context) error { return s.err }

func serveReady(t *testing.T, h *HealthHandler) (*httptest.ResponseRecorder, readinessResponse) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ready", h.Ready)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var body readinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestReadyReportsFailingDependency(t *testing.T) {
	h := &HealthHandler{deps: []dependency{
		{"postgres", stubChecker{}},
		{"redis", nil},
		{"queue", stubChecker{err: errors.New("stream unavailable")}},
	}}

	w, body := serveReady(t, h)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"].Status)
	assert.Equal(t, "disabled", body.Checks["redis"].Status)
	assert.Equal(t, "error", body.Checks["queue"].Status)
	assert.Equal(t, "stream unavailable", body.Checks["queue"].Error)
}

func TestReadyWithoutDependencies(t *testing.T) {
	w, body := serveReady(t, NewHealthHandler(nil, nil, nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body.Checks, 3)
}

func TestHealthReportsVersion(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", NewHealthHandler(nil, nil, nil).WithVersion("v1.2.3").Health)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","version":"v1.2.3"}`, w.Body.String())
}
