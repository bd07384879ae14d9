package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/monitor/monitortest"
	"github.com/JakeFAU/pagewatch/internal/progress/sinks"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
)

type apiFixture struct {
	tasks   *memory.TaskStore
	results *memory.ResultStore
	sched   *scheduler.Scheduler
	clock   *monitortest.Clock
	server  *Server
}

func newFixture(t *testing.T, opts Options) *apiFixture {
	t.Helper()
	targets := []monitor.Target{
		{ID: "home", URL: "https://example.com", Device: "desktop", Enabled: true},
		{ID: "cart", URL: "https://example.com/cart", Device: "mobile", Enabled: true},
	}
	f := &apiFixture{
		tasks:   memory.NewTaskStore(),
		results: memory.NewResultStore(targets, monitor.DefaultBlankScreenConfig(), monitor.TaskConfig{MaxConcurrent: 2}),
		clock:   monitortest.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.sched = scheduler.New(scheduler.Config{MaxConcurrent: 2}, f.tasks, f.results, nil, nil, nil, nil,
		monitortest.NewSequentialIDs("task"), f.clock, zap.NewNop())
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("pagewatch_up 1\n"))
		})
	}
	f.server = NewServer(f.sched, f.results, opts, zap.NewNop())
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) seedFinished(t *testing.T, id string, status monitor.TaskStatus) {
	t.Helper()
	require.NoError(t, f.tasks.CreateTask(context.Background(), monitor.Task{
		ID: id, TargetID: "home", TargetURL: "https://example.com",
		Status: status, PageStatus: monitor.PageNormal, CreatedAt: f.clock.Now(),
	}))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "").Code)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pagewatch_up")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsDependencyFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{Ready: func(context.Context) error { return errors.New("db down") }})
	require.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestServer_CreateTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/v1/tasks", `{"target_ids":["home","cart"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode[map[string][]string](t, rec)
	require.Equal(t, []string{"task-1", "task-2"}, body["task_ids"])

	task, err := f.tasks.GetTask(context.Background(), "task-2")
	require.NoError(t, err)
	require.Equal(t, monitor.TaskPending, task.Status)
	require.Equal(t, "mobile", task.Device)
}

func TestServer_CreateTasks_Rejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/tasks", "{invalid").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/tasks", `{"target_ids":[]}`).Code)

	rec := f.do(t, http.MethodPost, "/v1/tasks", `{"target_ids":["home","nope"]}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "target not found")

	tasks, err := f.tasks.ListTasks(context.Background(), monitor.TaskFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks, "an unknown target must not enqueue anything")
}

func TestServer_ListTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.seedFinished(t, "a", monitor.TaskSuccess)
	f.clock.Advance(time.Second)
	f.seedFinished(t, "b", monitor.TaskFailed)
	f.clock.Advance(time.Second)
	f.seedFinished(t, "c", monitor.TaskSuccess)

	rec := f.do(t, http.MethodGet, "/v1/tasks?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]monitor.Task](t, rec)
	require.Len(t, body["tasks"], 2)
	require.Equal(t, "c", body["tasks"][0].ID)
	require.Equal(t, "b", body["tasks"][1].ID)

	rec = f.do(t, http.MethodGet, "/v1/tasks?status=SUCCESS&target_id=home", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[map[string][]monitor.Task](t, rec)
	require.Len(t, body["tasks"], 2)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/tasks?status=bogus", "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/tasks?limit=-1", "").Code)
}

func TestServer_GetTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.seedFinished(t, "done", monitor.TaskSuccess)

	rec := f.do(t, http.MethodGet, "/v1/tasks/done", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"done"`)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/tasks/missing", "").Code)
}

func TestServer_DeleteTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.seedFinished(t, "done", monitor.TaskSuccess)
	queued := f.do(t, http.MethodPost, "/v1/tasks", `{"target_ids":["home"]}`)
	require.Equal(t, http.StatusAccepted, queued.Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/v1/tasks/done", "").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/tasks/done", "").Code)

	rec := f.do(t, http.MethodDelete, "/v1/tasks/task-1", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	_, err := f.tasks.GetTask(context.Background(), "task-1")
	require.NoError(t, err, "pending task must survive a rejected delete")
}

func TestServer_TaskStats(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.seedFinished(t, "a", monitor.TaskSuccess)
	f.seedFinished(t, "b", monitor.TaskSuccess)
	f.seedFinished(t, "c", monitor.TaskSuccess)
	f.seedFinished(t, "d", monitor.TaskFailed)

	rec := f.do(t, http.MethodGet, "/v1/tasks/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Stats         monitor.TaskStats `json:"stats"`
		MaxConcurrent int               `json:"max_concurrent"`
	}](t, rec)
	require.Equal(t, 4, body.Stats.Total)
	require.InDelta(t, 0.75, body.Stats.SuccessRate, 1e-9)
	require.Equal(t, 2, body.MaxConcurrent)
}

func TestServer_Reload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.results.SetTaskConfig(monitor.TaskConfig{MaxConcurrent: 5})

	rec := f.do(t, http.MethodPost, "/v1/scheduler/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"max_concurrent":5}`, rec.Body.String())
	require.Equal(t, 5, f.sched.MaxConcurrent())
}

func TestServer_Targets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	require.NoError(t, f.results.UpsertTargetStats(context.Background(), sinks.TargetStatsDelta{
		TargetID: "home", Runs: 3, Blank: 1, Bytes: 2048, LastStatus: monitor.PageAbnormal, At: f.clock.Now(),
	}))

	rec := f.do(t, http.MethodGet, "/v1/targets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"cart"`)

	rec = f.do(t, http.MethodGet, "/v1/targets/home/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]statsDTO](t, rec)
	require.Equal(t, int64(3), body["stats"].Runs)
	require.Equal(t, "abnormal", body["stats"].LastStatus)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/targets/cart/stats", "").Code)
}

func TestServer_TargetsWithoutRepository(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	server := NewServer(f.sched, nil, Options{MetricsHandler: http.NotFoundHandler()}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/targets", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/v1/tasks", "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/tasks?api_key=secret", "").Code)
	// Probes stay open for the orchestrator.
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecordsHTTPMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	f := newFixture(t, Options{Metrics: metrics.New(reg)})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	require.Contains(t, names, "http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareKeepsIncomingID(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}
