package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{BaseURL: srv.URL + "/", Token: "s3cret", VerifySSL: true, MaxRetries: 3},
		WithRetryInterval(time.Millisecond))
}

func TestLaunchJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v2/job_templates/12/launch/", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))

		var body map[string]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "motor_speed", body["extra_vars"]["tag_name"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 4711, "status": "pending", "url": "/api/v2/jobs/4711/"}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv).LaunchJob(context.Background(), 12, map[string]any{"tag_name": "motor_speed"})
	require.NoError(t, err)
	assert.Equal(t, 4711, res.JobID)
	assert.Equal(t, data.JobPending, res.Status)
	assert.Equal(t, "/api/v2/jobs/4711/", res.URL)
}

func TestRetriesOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status": "successful", "failed": false, "elapsed": 12.5}`))
	}))
	defer srv.Close()

	st, err := newTestClient(srv).JobStatus(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, data.JobSuccessful, st.Status)
	assert.True(t, st.Finished)
	assert.False(t, st.Failed)
	assert.Equal(t, 12.5, st.Elapsed)
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).JobStatus(context.Background(), 9)
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"detail":"Not found."}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).LaunchJob(context.Background(), 99, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestJobOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/jobs/5/stdout/", r.URL.Path)
		assert.Equal(t, "txt", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte("PLAY RECAP"))
	}))
	defer srv.Close()

	out, err := newTestClient(srv).JobOutput(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "PLAY RECAP", out)
}

func TestMapStatus(t *testing.T) {
	tests := map[string]data.JobStatus{
		"new":        data.JobPending,
		"waiting":    data.JobPending,
		"running":    data.JobRunning,
		"successful": data.JobSuccessful,
		"error":      data.JobFailed,
		"canceled":   data.JobCancelled,
	}
	for in, want := range tests {
		assert.Equal(t, want, mapStatus(in), in)
	}
}

func TestMockProgression(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 123_000_000, time.UTC)
	clock := func() time.Time { return now }
	c := New(Config{}, WithClock(clock))
	require.True(t, c.Mock())

	res, err := c.LaunchJob(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, data.JobPending, res.Status)

	if res.JobID%1000 < 50 {
		st, _ := c.JobStatus(context.Background(), res.JobID)
		assert.Equal(t, data.JobFailed, st.Status)
		return
	}

	st, _ := c.JobStatus(context.Background(), res.JobID)
	assert.Equal(t, data.JobPending, st.Status)

	now = now.Add(6 * time.Second)
	st, _ = c.JobStatus(context.Background(), res.JobID)
	assert.Equal(t, data.JobRunning, st.Status)
	assert.False(t, st.Finished)

	now = now.Add(10 * time.Second)
	st, _ = c.JobStatus(context.Background(), res.JobID)
	assert.Equal(t, data.JobSuccessful, st.Status)
	assert.True(t, st.Finished)

	out, err := c.JobOutput(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Contains(t, out, "PLAY RECAP")
}

func TestMockLaunchIDsAreUnique(t *testing.T) {
	now := time.Now()
	c := New(Config{}, WithClock(func() time.Time { return now }))
	a, _ := c.LaunchJob(context.Background(), 1, nil)
	b, _ := c.LaunchJob(context.Background(), 1, nil)
	assert.NotEqual(t, a.JobID, b.JobID)
}
