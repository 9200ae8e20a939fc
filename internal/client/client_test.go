package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sykell/url-monitor/internal/db"
)

func TestDoDispatchesOnContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/text":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("plain words"))
		case "/empty":
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()
	c := New(server.URL)

	body, err := c.Do(context.Background(), http.MethodGet, "/json", nil)
	require.NoError(t, err)
	jsonBody, ok := body.(JSONBody)
	require.True(t, ok)
	var v map[string]bool
	require.NoError(t, jsonBody.Decode(&v))
	assert.True(t, v["ok"])

	body, err = c.Do(context.Background(), http.MethodGet, "/text", nil)
	require.NoError(t, err)
	assert.Equal(t, TextBody{Text: "plain words"}, body)

	body, err = c.Do(context.Background(), http.MethodDelete, "/empty", nil)
	require.NoError(t, err)
	assert.Equal(t, TextBody{Text: ""}, body)
}

func TestDoSurfacesRawErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json-error":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"url: scheme \"ftp\" is not http or https"}`))
		case "/text-error":
			http.Error(w, "gateway sad", http.StatusBadGateway)
		case "/bare":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	c := New(server.URL)

	_, err := c.Do(context.Background(), http.MethodPost, "/json-error", map[string]string{"url": "ftp://x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, `{"error":"url: scheme \"ftp\" is not http or https"}`, err.Error())

	_, err = c.Do(context.Background(), http.MethodGet, "/text-error", nil)
	require.Error(t, err)
	assert.Equal(t, "gateway sad\n", err.Error())

	_, err = c.Do(context.Background(), http.MethodGet, "/bare", nil)
	require.Error(t, err)
	assert.Equal(t, "HTTP 404", err.Error())
}

func TestTypedHelpers(t *testing.T) {
	var created CreateJobRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(db.Job{ID: "j1", URL: created.URL, IntervalSeconds: created.IntervalSeconds})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs":
			_, _ = w.Write([]byte(`[{"id":"j1","url":"https://example.com"}]`))
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/j1/runs":
			assert.Equal(t, "1", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`[{"id":"r1","status":"completed","risk_level":"high","flags":["weapons_sale"]}]`))
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/j2/runs":
			_, _ = w.Write([]byte(`[]`))
		case r.Method == http.MethodPost && r.URL.Path == "/jobs/j1/run":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"status":"queued","run_id":"r2"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/jobs/j1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Job not found"}`))
		}
	}))
	defer server.Close()

	c := New(server.URL, WithToken("tok"))
	ctx := context.Background()

	job, err := c.CreateJob(ctx, CreateJobRequest{URL: "example.com", IntervalSeconds: 3600})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", created.URL)
	assert.Equal(t, "auto", created.Mode)
	assert.Equal(t, "j1", job.ID)

	_, err = c.CreateJob(ctx, CreateJobRequest{URL: "http://plain.example.com", IntervalSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, "http://plain.example.com", created.URL)

	jobs, err := c.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	run, err := c.LatestRun(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "Rescue (weapons_sale)", Summary(run))

	run, err = c.LatestRun(ctx, "j2")
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Equal(t, "No runs yet", Summary(run))

	res, err := c.RunNow(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Status)

	require.NoError(t, c.DeleteJob(ctx, "j1"))
	err = c.DeleteJob(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, `{"error":"Job not found"}`, err.Error())
}

func TestSummary(t *testing.T) {
	none := db.RiskNone
	low := db.RiskLow

	assert.Equal(t, "Loading", Summary(&db.Run{Status: db.RunRunning}))
	assert.Equal(t, "Safe", Summary(&db.Run{Status: db.RunCompleted, RiskLevel: &none}))
	assert.Equal(t, "Rescue (gambling, crypto_scam)", Summary(&db.Run{Status: db.RunCompleted, RiskLevel: &low, Flags: []string{"gambling", "crypto_scam"}}))
	assert.Equal(t, "Failed (timeout)", Summary(&db.Run{Status: db.RunFailed, Flags: []string{"timeout"}}))
	assert.False(t, IsRisky(&db.Run{Status: db.RunFailed}))
}

func TestLoginStoresToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/auth/login" {
			_, _ = w.Write([]byte(`{"token":"abc","expires_at":"2030-01-01T00:00:00Z"}`))
			return
		}
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := New(server.URL)
	token, err := c.Login(context.Background(), "admin", "password123")
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	jobs, err := c.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
