package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/internal/api"
	"github.com/kiranshivaraju/taskrunner/internal/api/handler"
	mw "github.com/kiranshivaraju/taskrunner/internal/api/middleware"
	"github.com/kiranshivaraju/taskrunner/internal/processor"
	"github.com/kiranshivaraju/taskrunner/internal/queue"
	queuemock "github.com/kiranshivaraju/taskrunner/internal/queue/mock"
	"github.com/kiranshivaraju/taskrunner/internal/scheduler"
	storemock "github.com/kiranshivaraju/taskrunner/internal/store/mock"
	"github.com/kiranshivaraju/taskrunner/internal/tasks"
	"github.com/kiranshivaraju/taskrunner/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── mock cache ──────────────────────────────────────────────────────────────

type mockCache struct {
	counters map[string]int64
}

func newMockCache() *mockCache {
	return &mockCache{counters: make(map[string]int64)}
}

func (c *mockCache) Ping(_ context.Context) error { return nil }

func (c *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.counters[key]++
	return c.counters[key], nil
}

// ─── test server ─────────────────────────────────────────────────────────────

type testServer struct {
	server *httptest.Server
	store  *storemock.MemoryStore
	broker *queuemock.MockBroker
	engine *worker.Engine
}

func newTestServer(t *testing.T, rateLimit int) *testServer {
	t.Helper()

	ms := storemock.NewMemoryStore()
	mb := queuemock.NewMockBroker()
	reg := processor.NewDefaultRegistry()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	svc := tasks.NewService(ms, mb, reg, scheduler.New(loc), 5)
	engine := worker.NewEngine(ms, mb, reg, worker.Policy{
		MaxRetries: 3,
		RetryDelay: time.Minute,
		TimeLimit:  time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	deps := api.Dependencies{
		Auth:      mw.NewAuth(ms),
		RateLimit: mw.NewRateLimit(newMockCache(), rateLimit),

		CreateUserHandler: handler.NewCreateUserHandler(ms),
		CreateTaskHandler: handler.NewCreateTaskHandler(svc),
		ListTasksHandler:  handler.NewListTasksHandler(svc),
		GetTaskHandler:    handler.NewGetTaskHandler(svc),
		TaskTypesHandler:  handler.NewTaskTypesHandler(svc),
	}

	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: ms, broker: mb, engine: engine}
}

// register creates a user through the API and returns its raw key.
func (ts *testServer) register(t *testing.T, username string) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/v1/users", "", map[string]any{"username": username})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data := parseBody(t, resp)["data"].(map[string]any)
	return data["api_key"].(string)
}

func (ts *testServer) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) submit(t *testing.T, key string, body any) (int, map[string]any) {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/v1/tasks", key, body)
	defer resp.Body.Close()
	return resp.StatusCode, parseBody(t, resp)
}

// work runs every message that is due right now through the engine.
func (ts *testServer) work(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		msg, err := ts.broker.Reserve(ctx, time.Minute)
		require.NoError(t, err)
		if msg == nil {
			return
		}
		require.NoError(t, ts.engine.Process(ctx, *msg))
	}
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func errCode(body map[string]any) string {
	return body["error"].(map[string]any)["code"].(string)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTRACT TESTS
// ═══════════════════════════════════════════════════════════════════════════════

// ─── POST /api/v1/tasks ──────────────────────────────────────────────────────

func TestSubmit_201_ThenWorkerCompletes(t *testing.T) {
	ts := newTestServer(t, 100)
	key := ts.register(t, "alice")

	code, body := ts.submit(t, key, map[string]any{"type": "sum", "input": map[string]any{"values": []int{1, 2, 3}}})
	require.Equal(t, http.StatusCreated, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "PENDING", data["status"])
	assert.Contains(t, data["result"], "dispatch_id")
	id := data["id"].(string)

	ts.work(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/tasks/"+id, key, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "SUCCESS", got["status"])
	assert.Equal(t, "Done", got["status_display"])
	result := got["result"].(map[string]any)
	assert.Equal(t, float64(6), result["result"])
	assert.Equal(t, "Sum of numbers 1,2,3 is 6", result["message"])
}

func TestSubmit_400_UnknownType(t *testing.T) {
	ts := newTestServer(t, 100)
	key := ts.register(t, "alice")

	code, body := ts.submit(t, key, map[string]any{"type": "reverse", "input": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errCode(body))
	assert.Equal(t, 0, ts.store.JobCount())
}

func TestSubmit_201_PastScheduleIsFailure(t *testing.T) {
	ts := newTestServer(t, 100)
	key := ts.register(t, "alice")

	code, body := ts.submit(t, key, map[string]any{
		"type":  "sum",
		"input": map[string]any{"values": []int{1}, "scheduled_at": "2020-01-01 10:00"},
	})
	require.Equal(t, http.StatusCreated, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "FAILURE", data["status"])
	assert.Equal(t, "ValidationError", data["result"].(map[string]any)["error_type"])
	assert.Equal(t, 0, ts.broker.Pending())
}

func TestSubmit_201_FutureScheduleStaysPending(t *testing.T) {
	ts := newTestServer(t, 100)
	key := ts.register(t, "alice")

	code, body := ts.submit(t, key, map[string]any{
		"type":  "sum",
		"input": map[string]any{"values": []int{1}, "scheduled_at": "2099-01-01T10:00:00Z"},
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "PENDING", body["data"].(map[string]any)["status"])

	ts.work(t)
	assert.Equal(t, 1, ts.broker.Pending())
}

func TestSubmit_429_CapacityExceeded(t *testing.T) {
	ts := newTestServer(t, 100)
	key := ts.register(t, "alice")
	other := ts.register(t, "bob")

	// Delayed jobs stay Pending, so each one holds an admission slot.
	task := map[string]any{
		"type":  "sum",
		"input": map[string]any{"values": []int{1}, "scheduled_at": "2099-01-01 00:00"},
	}
	for i := 0; i < 5; i++ {
		code, _ := ts.submit(t, key, task)
		require.Equal(t, http.StatusCreated, code)
	}

	code, body := ts.submit(t, key, task)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "CAPACITY_EXCEEDED", errCode(body))
	assert.Equal(t, 5, ts.store.JobCount())

	// The cap is per user.
	code, _ = ts.submit(t, other, task)
	assert.Equal(t, http.StatusCreated, code)
}

// ─── GET /api/v1/tasks/{taskID} ──────────────────────────────────────────────

func TestGet_404_OtherUsersTask(t *testing.T) {
	ts := newTestServer(t, 100)
	alice := ts.register(t, "alice")
	bob := ts.register(t, "bob")

	_, body := ts.submit(t, alice, map[string]any{"type": "sum", "input": map[string]any{"values": []int{1}}})
	id := body["data"].(map[string]any)["id"].(string)

	resp := ts.do(t, http.MethodGet, "/api/v1/tasks/"+id, bob, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errCode(parseBody(t, resp)))
}

func TestGet_200_BackendDownShowsEngineUnavailable(t *testing.T) {
	ts := newTestServer(t, 100)
	key := ts.register(t, "alice")

	_, body := ts.submit(t, key, map[string]any{"type": "sum", "input": map[string]any{"values": []int{1}}})
	id := body["data"].(map[string]any)["id"].(string)

	ts.broker.StatusFunc = queuemock.NewUnavailableBroker(errors.New("connection refused")).StatusFunc

	resp := ts.do(t, http.MethodGet, "/api/v1/tasks/"+id, key, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "FAILURE", data["status"])
	assert.Equal(t, "EngineUnavailableError", data["result"].(map[string]any)["error_type"])

	// The stored record is untouched.
	stored, err := ts.store.GetJob(context.Background(), uuid.MustParse(id))
	require.NoError(t, err)
	assert.Equal(t, "PENDING", string(stored.Status))
}

// ─── GET /api/v1/tasks ───────────────────────────────────────────────────────

func TestList_200_FilteredAndScoped(t *testing.T) {
	ts := newTestServer(t, 100)
	alice := ts.register(t, "alice")
	bob := ts.register(t, "bob")

	ts.submit(t, alice, map[string]any{"type": "sum", "input": map[string]any{"values": []int{1}}})
	ts.submit(t, alice, map[string]any{"type": "sum", "input": map[string]any{"values": []int{1}, "scheduled_at": "bogus"}})
	ts.submit(t, bob, map[string]any{"type": "sum", "input": map[string]any{"values": []int{1}}})

	resp := ts.do(t, http.MethodGet, "/api/v1/tasks?status=FAILURE", alice, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, float64(1), body["meta"].(map[string]any)["total"])

	resp2 := ts.do(t, http.MethodGet, "/api/v1/tasks", alice, nil)
	defer resp2.Body.Close()
	assert.Len(t, parseBody(t, resp2)["data"], 2)
}

func TestList_400_InvalidStatus(t *testing.T) {
	ts := newTestServer(t, 100)
	key := ts.register(t, "alice")

	resp := ts.do(t, http.MethodGet, "/api/v1/tasks?status=DONE", key, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_STATUS", errCode(parseBody(t, resp)))
}

// ─── GET /api/v1/task-types ──────────────────────────────────────────────────

func TestTaskTypes_200(t *testing.T) {
	ts := newTestServer(t, 100)
	key := ts.register(t, "alice")

	resp := ts.do(t, http.MethodGet, "/api/v1/task-types", key, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"countdown", "sum"}, parseBody(t, resp)["data"])
}

// ─── Auth and rate limiting ──────────────────────────────────────────────────

func TestAuth_AllProtectedEndpoints_Reject401(t *testing.T) {
	ts := newTestServer(t, 100)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/tasks"},
		{"GET", "/api/v1/tasks"},
		{"GET", "/api/v1/tasks/" + uuid.NewString()},
		{"GET", "/api/v1/task-types"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			resp := ts.do(t, ep.method, ep.path, "tr_wrong_key_that_does_not_match", nil)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "INVALID_TOKEN", errCode(parseBody(t, resp)))
		})
	}
}

func TestRateLimit_429_Exceeded(t *testing.T) {
	ts := newTestServer(t, 3)
	key := ts.register(t, "alice")

	var last *http.Response
	for i := 0; i < 4; i++ {
		resp := ts.do(t, http.MethodGet, "/api/v1/task-types", key, nil)
		if i < 3 {
			assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
			resp.Body.Close()
			continue
		}
		last = resp
	}
	defer last.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.NotEmpty(t, last.Header.Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(parseBody(t, last)))
}

// ─── Response format ─────────────────────────────────────────────────────────

func TestResponseFormat_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, 100)

	resp := ts.do(t, http.MethodPost, "/api/v1/tasks", "", nil)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body := parseBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.NotEmpty(t, errObj["code"])
	assert.NotEmpty(t, errObj["message"])
}

var _ queue.Broker = (*queuemock.MockBroker)(nil)
