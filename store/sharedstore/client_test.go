package sharedstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_CommitRate_RoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rate/commit", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req rateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user-a:GET|/x", req.Key)
		_ = json.NewEncoder(w).Encode(rateResponse{Current: 1, ResetInSeconds: 60})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	res, err := c.CommitRate(context.Background(), "user-a:GET|/x", 10, 60)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Current)
	assert.False(t, res.Exceeded)
}

func TestClient_Call_RetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(rateResponse{Current: 5})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	res, err := c.PeekRate(context.Background(), "user-a:GET|/x", 10, 60)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Current)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestClient_Call_OpensBreakerAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.maxRetries = 0

	for i := 0; i < 5; i++ {
		_, err := c.PeekRate(context.Background(), "user-a:GET|/x", 10, 60)
		require.Error(t, err)
	}

	_, err := c.PeekRate(context.Background(), "user-a:GET|/x", 10, 60)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
}

func TestClient_Reset_SendsKeyOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/reset", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"key": "user-a:GET|/x"}, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	require.NoError(t, c.Reset(context.Background(), "user-a:GET|/x"))
}
