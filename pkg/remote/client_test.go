package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "graphbuilder", r.Header.Get("User-Agent"))
		w.Write([]byte(`{"name":"TP53"}`))
	}))
	defer srv.Close()

	c := New(Options{})
	var out struct{ Name string }
	require.NoError(t, c.GetJSON(context.Background(), srv.URL, &out))
	assert.Equal(t, "TP53", out.Name)
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(Options{}).Get(context.Background(), srv.URL)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := New(Options{Timeout: 20 * time.Millisecond}).Get(context.Background(), srv.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultBreakerConfig("test")
	cfg.MinRequests = 2
	cfg.FailureThreshold = 0.5
	c := New(Options{Breaker: cfg})

	for i := 0; i < 2; i++ {
		_, err := c.Get(context.Background(), srv.URL)
		require.Error(t, err)
	}
	_, err := c.Get(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}
