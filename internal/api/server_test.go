package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gramsight/sentiment-service/internal/analyzer"
	"github.com/gramsight/sentiment-service/internal/batch"
	"github.com/gramsight/sentiment-service/internal/clock/system"
	"github.com/gramsight/sentiment-service/internal/config"
	"github.com/gramsight/sentiment-service/internal/dispatcher"
	"github.com/gramsight/sentiment-service/internal/id/uuid"
	jobmem "github.com/gramsight/sentiment-service/internal/jobstore/memory"
	queuemem "github.com/gramsight/sentiment-service/internal/queue/memory"
	resmem "github.com/gramsight/sentiment-service/internal/resultstore/memory"
	"github.com/gramsight/sentiment-service/internal/status"
	"github.com/gramsight/sentiment-service/internal/worker"
)

type testServer struct {
	srv     *httptest.Server
	store   *jobmem.JobStore
	queue   *queuemem.Queue
	results *resmem.Store
}

func newTestServer(t *testing.T, withWorker bool) *testServer {
	t.Helper()

	clk := system.New()
	store := jobmem.NewJobStore(clk)
	q := queuemem.New(queuemem.Config{Depth: 64, Lease: time.Second, MaxAttempts: 3})
	results := resmem.New()

	cfg := config.Config{
		Server:    config.ServerConfig{Port: 8080, TimeoutSeconds: 10},
		Retention: config.RetentionConfig{TTLHours: 720},
		Worker:    config.WorkerConfig{LivenessSeconds: 30},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var workers []*worker.Worker
	if withWorker {
		w := worker.New(
			q, store, results,
			&analyzer.StubPostFetcher{}, &analyzer.StubCommentFetcher{}, &analyzer.KeywordScorer{},
			clk, nil,
			worker.Config{ID: "w-test", StageTimeout: time.Second, MaxAttempts: 3, HeartbeatInterval: 5 * time.Millisecond},
			zap.NewNop(),
		)
		workers = append(workers, w)
	}
	disp := dispatcher.New(q, workers)
	go disp.Run(ctx)

	coord := batch.NewCoordinator(store, q, results, clk, batch.Config{
		MaxURLs:       10,
		Stagger:       time.Millisecond,
		MaxConcurrent: 3,
		Timeout:       5 * time.Second,
		PollInterval:  10 * time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(coord.Wait)

	rec := status.NewReconciler(store, results, nil)
	server := NewServer(store, q, disp, coord, rec, uuid.New(), clk, cfg, zap.NewNop())

	ts := &testServer{srv: httptest.NewServer(server.Handler()), store: store, queue: q, results: results}
	t.Cleanup(ts.srv.Close)
	t.Cleanup(func() { _ = q.Close() })
	return ts
}

func (ts *testServer) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (ts *testServer) pollUntilStatus(t *testing.T, jobID, want string) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		resp, body := ts.get(t, "/jobs/"+jobID)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		last = body
		job, _ := body["job"].(map[string]any)
		return job != nil && job["status"] == want
	}, 5*time.Second, 20*time.Millisecond)
	return last
}

func TestSubmitAndPollSucceeds(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, true)
	resp, body := ts.post(t, "/jobs", map[string]any{"url": "https://www.instagram.com/p/ABC12345678/"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "queued", body["status"])
	jobID, ok := body["job_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, jobID)

	view := ts.pollUntilStatus(t, jobID, "succeeded")
	result, ok := view["result"].(map[string]any)
	require.True(t, ok, "succeeded job must carry its result payload")
	sa, ok := result["sentiment_analysis"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, []any{"positive", "negative", "neutral"}, sa["overall_sentiment"])
	require.Equal(t, "ABC12345678", result["post_id"])
}

func TestSubmitNeverRacesPolling(t *testing.T) {
	t.Parallel()

	// No worker: the job stays queued, so the immediate poll exercises
	// create-then-read visibility rather than a completed run.
	ts := newTestServer(t, false)
	resp, body := ts.post(t, "/jobs", map[string]any{"url": "https://instagr.am/reel/XYZ_1234567"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID := body["job_id"].(string)

	getResp, view := ts.get(t, "/jobs/"+jobID)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	job := view["job"].(map[string]any)
	require.Equal(t, "queued", job["status"])
	require.Equal(t, "reel", job["post_kind"])
}

func TestSubmitInvalidURLRejected(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	resp, body := ts.post(t, "/jobs", map[string]any{"url": "not a url"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Invalid Instagram URL provided", body["error"])
}

func TestSubmitFailsJobWhenQueueFull(t *testing.T) {
	t.Parallel()

	clk := system.New()
	store := jobmem.NewJobStore(clk)
	q := queuemem.New(queuemem.Config{Depth: 1, Lease: time.Second, MaxAttempts: 3})
	t.Cleanup(func() { _ = q.Close() })
	cfg := config.Config{
		Server:    config.ServerConfig{Port: 8080, TimeoutSeconds: 10},
		Retention: config.RetentionConfig{TTLHours: 720},
		Worker:    config.WorkerConfig{LivenessSeconds: 30},
	}
	results := resmem.New()
	disp := dispatcher.New(q, nil)
	coord := batch.NewCoordinator(store, q, results, clk, batch.Config{}, zap.NewNop())
	rec := status.NewReconciler(store, results, nil)
	server := NewServer(store, q, disp, coord, rec, uuid.New(), clk, cfg, zap.NewNop())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	ts := &testServer{srv: srv, store: store, queue: q, results: results}

	// No workers drain the queue, so the first submission occupies the only
	// slot and the second cannot be enqueued.
	resp, _ := ts.post(t, "/jobs", map[string]any{"url": "https://www.instagram.com/p/AAAAAAAAAAA/"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = ts.post(t, "/jobs", map[string]any{"url": "https://www.instagram.com/p/BBBBBBBBBBB/"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// The record must not linger as queued: no worker will ever reach it.
	// The 503 body carries no id, so find the record through the store.
	var rejectedID string
	jobs, err := store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		if job.PostID == "BBBBBBBBBBB" {
			rejectedID = job.ID
		}
	}
	require.NotEmpty(t, rejectedID)

	getResp, view := ts.get(t, "/jobs/"+rejectedID)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	job := view["job"].(map[string]any)
	require.Equal(t, "failed", job["status"])
	jobErr := job["error"].(map[string]any)
	require.Equal(t, "system_unavailable", jobErr["kind"])
}

func TestGetUnknownJobReturns404(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	resp, body := ts.get(t, "/jobs/does-not-exist")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not found", body["error"])
}

func TestListJobsReturnsRecent(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	for i := 0; i < 3; i++ {
		url := fmt.Sprintf("https://www.instagram.com/p/POST%07d/", i)
		resp, _ := ts.post(t, "/jobs", map[string]any{"url": url})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := ts.get(t, "/jobs?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 2)
	require.Equal(t, float64(2), body["total"])
}

func TestListJobsRejectsBadLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	resp, _ := ts.get(t, "/jobs?limit=zero")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatchSubmitCompletes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, true)
	resp, body := ts.post(t, "/jobs/batch", map[string]any{
		"urls": []string{
			"https://www.instagram.com/p/AAAAAAAAAAA/",
			"https://www.instagram.com/p/BBBBBBBBBBB/",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	batchID := body["job_id"].(string)

	view := ts.pollUntilStatus(t, batchID, "succeeded")
	children := view["children"].([]any)
	require.Len(t, children, 2)
	for _, c := range children {
		child := c.(map[string]any)
		require.Equal(t, "succeeded", child["status"])
	}
}

func TestBatchSubmitOverCapRejected(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	urls := make([]string, 11)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://www.instagram.com/p/POST%07d/", i)
	}
	resp, body := ts.post(t, "/jobs/batch", map[string]any{"urls": urls})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "maximum is 10")
}

func TestBatchSubmitEnumeratesInvalidURLs(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	resp, body := ts.post(t, "/jobs/batch", map[string]any{
		"urls": []string{
			"https://www.instagram.com/p/AAAAAAAAAAA/",
			"not a url",
			"https://example.com/p/BBBBBBBBBBB/",
		},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	invalid := body["invalid_urls"].([]any)
	require.Equal(t, []any{"not a url", "https://example.com/p/BBBBBBBBBBB/"}, invalid)
}

func TestCancelQueuedJob(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	_, body := ts.post(t, "/jobs", map[string]any{"url": "https://www.instagram.com/p/ABC12345678/"})
	jobID := body["job_id"].(string)

	resp, cancelBody := ts.post(t, "/jobs/"+jobID+"/cancel", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, cancelBody["cancelled"])
}

func TestCancelTerminalJobRejected(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, true)
	_, body := ts.post(t, "/jobs", map[string]any{"url": "https://www.instagram.com/p/ABC12345678/"})
	jobID := body["job_id"].(string)
	ts.pollUntilStatus(t, jobID, "succeeded")

	resp, cancelBody := ts.post(t, "/jobs/"+jobID+"/cancel", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "job already finished", cancelBody["error"])

	// The recorded outcome must be untouched.
	_, view := ts.get(t, "/jobs/"+jobID)
	require.Equal(t, "succeeded", view["job"].(map[string]any)["status"])
}

func TestParseURLEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	resp, body := ts.post(t, "/urls/parse", map[string]any{
		"url": "http://m.instagram.com/tv/ABC12345678?utm_source=share",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ABC12345678", body["post_id"])
	require.Equal(t, "tv", body["post_kind"])
	require.Equal(t, "https://www.instagram.com/tv/ABC12345678/", body["canonical_url"])

	resp, body = ts.post(t, "/urls/parse", map[string]any{"url": "https://twitter.com/p/ABC12345678/"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Invalid Instagram URL provided", body["error"])
}

func TestSystemHealthReports503WithoutWorkers(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	resp, body := ts.get(t, "/system/health")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, float64(0), body["workers"])
	require.Equal(t, "ok", body["store"])
	require.Equal(t, "ok", body["queue"])
}

func TestSystemHealthReportsWorkers(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, true)
	require.Eventually(t, func() bool {
		resp, body := ts.get(t, "/system/health")
		return resp.StatusCode == http.StatusOK && body["workers"].(float64) >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	clk := system.New()
	store := jobmem.NewJobStore(clk)
	q := queuemem.New(queuemem.Config{Depth: 8, Lease: time.Second, MaxAttempts: 3})
	t.Cleanup(func() { _ = q.Close() })
	cfg := config.Config{
		Server:    config.ServerConfig{Port: 8080, TimeoutSeconds: 10},
		Auth:      config.AuthConfig{Enabled: true, APIKey: "secret"},
		Retention: config.RetentionConfig{TTLHours: 720},
		Worker:    config.WorkerConfig{LivenessSeconds: 30},
	}
	results := resmem.New()
	disp := dispatcher.New(q, nil)
	coord := batch.NewCoordinator(store, q, results, clk, batch.Config{}, zap.NewNop())
	rec := status.NewReconciler(store, results, nil)
	server := NewServer(store, q, disp, coord, rec, uuid.New(), clk, cfg, zap.NewNop())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/jobs?limit=1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/jobs?limit=1", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	require.Equal(t, http.StatusOK, authed.StatusCode)
}
