package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quillstats/rankwatch/internal/books"
	"github.com/quillstats/rankwatch/internal/jobs"
	"github.com/quillstats/rankwatch/internal/monitor"
	"github.com/quillstats/rankwatch/internal/scheduler"
	"github.com/quillstats/rankwatch/internal/source"
)

type fakeScheduler struct {
	triggered [][]string
	runAt     time.Time
	execs     map[string]jobs.Execution
	stats     scheduler.Stats
	err       error
}

func (f *fakeScheduler) TriggerJob(_ context.Context, sourceIDs []string, runAt time.Time) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.triggered = append(f.triggered, sourceIDs)
	f.runAt = runAt
	return "exec-1", nil
}

func (f *fakeScheduler) GetExecution(_ context.Context, executionID string) (jobs.Execution, error) {
	exec, ok := f.execs[executionID]
	if !ok {
		return jobs.Execution{}, jobs.ErrNotFound
	}
	return exec, nil
}

func (f *fakeScheduler) ListExecutions(_ context.Context, filter jobs.ListFilter) ([]jobs.Execution, error) {
	var out []jobs.Execution
	for _, exec := range f.execs {
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

func (f *fakeScheduler) GetStats() scheduler.Stats { return f.stats }

type fakeGaps struct {
	gaps []monitor.Gap
}

func (f *fakeGaps) OpenGaps() []monitor.Gap { return f.gaps }

func testServer(t *testing.T, sched Scheduler, gaps GapReporter, cfg Config) *Server {
	t.Helper()
	catalog, err := source.NewCatalog([]source.Config{
		{ID: "hot", Kind: source.KindHotList, URLTemplate: "https://upstream.test/hot"},
	})
	require.NoError(t, err)
	return NewServer(sched, gaps, catalog, cfg, zap.NewNop())
}

func TestTriggerCrawlAccepted(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	server := testServer(t, sched, nil, Config{})

	body := []byte(`{"source":"hot"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "exec-1")
	require.Equal(t, [][]string{{"hot"}}, sched.triggered)
}

func TestTriggerCrawlBatchWithRunAt(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	server := testServer(t, sched, nil, Config{})

	body := []byte(`{"sources":["hot","cat-fantasy"],"run_at":"2025-06-01T15:00:00Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, [][]string{{"hot", "cat-fantasy"}}, sched.triggered)
	require.Equal(t, time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC), sched.runAt)
}

func TestTriggerCrawlRejectsBadRequests(t *testing.T) {
	t.Parallel()

	server := testServer(t, &fakeScheduler{}, nil, Config{})

	for name, body := range map[string]string{
		"invalid json": "{invalid",
		"no sources":   `{}`,
		"bad run_at":   `{"source":"hot","run_at":"tomorrow"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestTriggerCrawlUnknownSource(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{err: &books.ConfigurationError{Detail: `unknown source id "nope"`}}
	server := testServer(t, sched, nil, Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewBufferString(`{"source":"nope"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown source id")
}

func TestGetExecution(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{execs: map[string]jobs.Execution{
		"exec-1": {ID: "exec-1", JobID: "hot", Status: jobs.StatusCompleted, ItemsCrawled: 3},
	}}
	server := testServer(t, sched, nil, Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/executions/exec-1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"items_crawled":3`)

	req = httptest.NewRequest(http.MethodGet, "/v1/executions/missing", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExecutionsFiltersByStatus(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{execs: map[string]jobs.Execution{
		"exec-1": {ID: "exec-1", Status: jobs.StatusCompleted},
		"exec-2": {ID: "exec-2", Status: jobs.StatusFailed},
	}}
	server := testServer(t, sched, nil, Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/executions?status=failed&page_size=10", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Executions []jobs.Execution `json:"executions"`
		PageSize   int              `json:"page_size"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Executions, 1)
	require.Equal(t, "exec-2", resp.Executions[0].ID)
	require.Equal(t, 10, resp.PageSize)
}

func TestSchedulerStats(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{stats: scheduler.Stats{Running: true, Succeeded: 12, Failed: 2}}
	server := testServer(t, sched, nil, Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/scheduler/stats", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"succeeded":12`)
}

func TestMonitorGaps(t *testing.T) {
	t.Parallel()

	gaps := &fakeGaps{gaps: []monitor.Gap{{SourceID: "hot", RetryCount: 1}}}
	server := testServer(t, &fakeScheduler{}, gaps, Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/monitor/gaps", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"hot"`)
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{stats: scheduler.Stats{Running: true}}
	server := testServer(t, sched, nil, Config{AuthEnabled: true, APIKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/v1/scheduler/stats", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/scheduler/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health stays open without a key.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReflectsScheduler(t *testing.T) {
	t.Parallel()

	server := testServer(t, &fakeScheduler{stats: scheduler.Stats{Running: false}}, nil, Config{})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	server = testServer(t, &fakeScheduler{stats: scheduler.Stats{Running: true}}, nil, Config{})
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
