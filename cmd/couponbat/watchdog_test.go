package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckHealth(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	assert.NoError(t, checkHealth(healthy.URL+"/", time.Second))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	assert.Error(t, checkHealth(broken.URL, time.Second))
}

func TestHandleUnhealthy(t *testing.T) {
	t.Parallel()

	assert.Error(t, handleUnhealthy(""))
	assert.NoError(t, handleUnhealthy("true"))
	assert.Error(t, handleUnhealthy("exit 3"))
}
