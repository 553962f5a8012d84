package boxapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// staticToken is a test TokenSource that returns a fixed token.
type staticToken string

func (t staticToken) Token(_ context.Context) (string, error) {
	return string(t), nil
}

// failingToken is a test TokenSource that always returns an error and counts
// how often it is asked.
type failingToken struct {
	calls atomic.Int32
}

func (f *failingToken) Token(_ context.Context) (string, error) {
	f.calls.Add(1)
	return "", errors.New("token error")
}

// countingRecoverer records Recover calls and optionally fails.
type countingRecoverer struct {
	calls atomic.Int32
	err   error
}

func (r *countingRecoverer) Recover(_ context.Context) error {
	r.calls.Add(1)
	return r.err
}

// newTestClient creates a Client pointing at the given httptest server
// with instant retry sleeps for fast tests.
func newTestClient(t *testing.T, url string, recoverer AuthRecoverer) *Client {
	t.Helper()

	c := NewClient(url, url, http.DefaultClient, staticToken("test-token"), recoverer, slog.Default())
	c.sleepFunc = noopSleep

	return c
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value":"ok"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	resp, err := client.Do(context.Background(), http.MethodGet, "/files/1", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"value":"ok"}`, string(body))
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrForbidden},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusConflict, ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":"test_code","message":"test message","request_id":"req123"}`))
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL, nil)
			_, err := client.Do(context.Background(), http.MethodGet, "/files/1", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "test_code", apiErr.Code)
			assert.Equal(t, "test message", apiErr.Message)
			assert.Equal(t, "req123", apiErr.RequestID)
		})
	}
}

func TestDo_ServerErrorRetriesThenFails(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	_, err := client.Do(context.Background(), http.MethodGet, "/files/1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(maxRetries+1), requests.Load())
}

func TestDo_TransientThenSuccess(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test body read
		assert.Equal(t, `{"name":"x"}`, string(body))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	// The body must be replayed intact on the retry.
	resp, err := client.Do(context.Background(), http.MethodPost, "/folders", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(2), requests.Load())
}

func TestDo_NetworkErrorBackoffSchedule(t *testing.T) {
	// A closed server refuses every connection, driving the network-error
	// retry branch to exhaustion.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := newTestClient(t, url, nil)

	var delays []time.Duration

	client.sleepFunc = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := client.Do(context.Background(), http.MethodGet, "/files/1", nil)
	require.Error(t, err)
	require.Len(t, delays, maxRetries)

	// base × 2^attempt: 1s, 2s, 4s, ...
	assert.Equal(t, 1*time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, 4*time.Second, delays[2])

	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1], "backoff delays must strictly increase")
	}
}

func TestDo_RetryAfterHeader(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	var delays []time.Duration

	client.sleepFunc = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	resp, err := client.Do(context.Background(), http.MethodGet, "/files/1", nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, delays, 1)
	assert.Equal(t, 7*time.Second, delays[0])
}

func TestDo_401RecoverySucceeds(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	rec := &countingRecoverer{}
	client := newTestClient(t, srv.URL, rec)

	resp, err := client.Do(context.Background(), http.MethodGet, "/files/1", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(1), rec.calls.Load(), "exactly one recovery cycle")
	assert.Equal(t, int32(2), requests.Load())
}

func TestDo_401RecoveryOnlyOnce(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := &countingRecoverer{}
	client := newTestClient(t, srv.URL, rec)

	_, err := client.Do(context.Background(), http.MethodGet, "/files/1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), rec.calls.Load(), "no second recovery attempt for the same call")
	assert.Equal(t, int32(2), requests.Load())
}

func TestDo_401RecoveryFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := &countingRecoverer{err: errors.New("refresh rejected")}
	client := newTestClient(t, srv.URL, rec)

	_, err := client.Do(context.Background(), http.MethodGet, "/files/1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authorization recovery failed")
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestDo_401WithoutRecovererSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	_, err := client.Do(context.Background(), http.MethodGet, "/files/1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDo_TokenFailureNotRetried(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tok := &failingToken{}
	client := newTestClient(t, srv.URL, nil)
	client.token = tok

	var sleeps int

	client.sleepFunc = func(_ context.Context, _ time.Duration) error {
		sleeps++
		return nil
	}

	_, err := client.Do(context.Background(), http.MethodGet, "/files/1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token error")

	// A token source that cannot produce a token has already exhausted its
	// own refresh and recovery; the executor must fail the call immediately.
	assert.Equal(t, int32(1), tok.calls.Load(), "one token attempt per logical call")
	assert.Zero(t, sleeps, "no backoff scheduled for token failure")
	assert.Zero(t, requests.Load(), "no request leaves without a token")
}

func TestCalcBackoff(t *testing.T) {
	client := newTestClient(t, "http://unused", nil)

	assert.Equal(t, 1000*time.Millisecond, client.calcBackoff(0))
	assert.Equal(t, 2000*time.Millisecond, client.calcBackoff(1))
	assert.Equal(t, 4000*time.Millisecond, client.calcBackoff(2))
	assert.Equal(t, maxBackoff, client.calcBackoff(20), "backoff is capped")
}
