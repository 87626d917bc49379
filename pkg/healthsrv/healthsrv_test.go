package healthsrv

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthEndpointReturnsOK(t *testing.T) {
	s := New("test-version")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyEndpointPassesWhenAllChecksOK(t *testing.T) {
	s := New("test-version")
	s.AddCheck("cache", func() error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyEndpointFailsWhenACheckErrors(t *testing.T) {
	s := New("test-version")
	s.AddCheck("disk", func() error { return fmt.Errorf("disk full") })

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := New("test-version")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
