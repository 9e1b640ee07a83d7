package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-agents/internal/agent"
	"github.com/nidhogg/nuka-agents/internal/comm"
	"github.com/nidhogg/nuka-agents/internal/memory"
)

type testEnv struct {
	ts       *httptest.Server
	registry *agent.Registry
	comm     *comm.Handler
	memory   *memory.RedisHandler
	release  chan struct{}
}

// newTestEnv wires two actors over an in-process broker and a miniredis
// backed memory handler. "echo" answers immediately; "gate" blocks until
// release is closed and holds at most one queued task.
func newTestEnv(t *testing.T, journal MessageJournal) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mem := memory.NewRedisHandler(rdb, memory.RedisOptions{TTL: time.Hour, MaxEntriesPerAgent: 100}, logger)

	ch := comm.NewHandler(comm.NewLocalBroker(64, logger), logger)
	registry := agent.NewRegistry(logger)
	release := make(chan struct{})

	echo := agent.New(agent.Config{ID: "echo", Type: "generative", Capabilities: []string{"chat"}},
		agent.ProcessorFunc(func(_ context.Context, task *agent.Task) (*agent.Output, error) {
			return &agent.Output{Content: agent.PromptFrom(task.Payload), Confidence: 0.9}, nil
		}), logger)
	gate := agent.New(agent.Config{ID: "gate", Type: "worker", Scheduler: agent.SchedulerConfig{QueueSize: 1, MaxConcurrent: 1}},
		agent.ProcessorFunc(func(ctx context.Context, task *agent.Task) (*agent.Output, error) {
			select {
			case <-release:
				return &agent.Output{Content: "opened"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}), logger)
	for _, a := range []*agent.Actor{echo, gate} {
		a.SetCommunicationHandler(ch)
		if err := registry.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.ID(), err)
		}
	}
	if err := registry.StartAll(ctx); err != nil {
		t.Fatalf("start agents: %v", err)
	}

	h := NewHandler(registry, ch, mem, journal, nil, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		ts.Close()
		select {
		case <-release:
		default:
			close(release)
		}
		registry.StopAll(ctx)
		ch.Shutdown(ctx)
	})
	return &testEnv{ts: ts, registry: registry, comm: ch, memory: mem, release: release}
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d (%v)", want, resp.StatusCode, body)
	}
}

func submit(t *testing.T, ts *httptest.Server, agentID string, payload any) string {
	t.Helper()
	resp := postJSON(t, ts, "/api/agents/"+agentID+"/tasks", map[string]any{"payload": payload})
	expectStatus(t, resp, http.StatusAccepted)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["task_id"] == "" {
		t.Fatal("expected task_id")
	}
	return body["task_id"]
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := getJSON(t, env.ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["agents"] != 2.0 {
		t.Errorf("expected 2 agents, got %v", body["agents"])
	}
}

func TestListAndGetAgents(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := getJSON(t, env.ts, "/api/agents")
	expectStatus(t, resp, http.StatusOK)
	var list []agentView
	decodeJSON(t, resp, &list)
	if len(list) != 2 || list[0].ID != "echo" || list[1].ID != "gate" {
		t.Fatalf("unexpected agents: %+v", list)
	}
	if list[0].Status != agent.StatusIdle {
		t.Errorf("expected idle, got %s", list[0].Status)
	}
	if list[0].Comm == nil || !list[0].Comm.Registered {
		t.Errorf("expected echo registered with comm, got %+v", list[0].Comm)
	}

	resp = getJSON(t, env.ts, "/api/agents/echo")
	expectStatus(t, resp, http.StatusOK)
	var one agentView
	decodeJSON(t, resp, &one)
	if one.Type != "generative" || len(one.Capabilities) != 1 {
		t.Errorf("unexpected agent: %+v", one)
	}

	resp = getJSON(t, env.ts, "/api/agents/nobody")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSubmitAndFetchResult(t *testing.T) {
	env := newTestEnv(t, nil)

	id := submit(t, env.ts, "echo", map[string]string{"prompt": "hello there"})
	resp := getJSON(t, env.ts, "/api/agents/echo/tasks/"+id+"?timeout=2s")
	expectStatus(t, resp, http.StatusOK)
	var res agent.TaskResult
	decodeJSON(t, resp, &res)
	if res.TaskID.String() != id {
		t.Errorf("expected task %s, got %s", id, res.TaskID)
	}
	if res.Content != "hello there" {
		t.Errorf("unexpected content %v", res.Content)
	}
	if res.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", res.Confidence)
	}

	resp = getJSON(t, env.ts, "/api/agents/echo")
	var v agentView
	decodeJSON(t, resp, &v)
	if v.Metrics.Processed != 1 {
		t.Errorf("expected 1 processed, got %d", v.Metrics.Processed)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := postJSON(t, env.ts, "/api/agents/echo/tasks", map[string]any{})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp, err := http.Post(env.ts.URL+"/api/agents/echo/tasks", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, env.ts, "/api/agents/nobody/tasks", map[string]any{"payload": "x"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestQueueFullAndTimeout(t *testing.T) {
	env := newTestEnv(t, nil)

	running := submit(t, env.ts, "gate", "first")
	gate, _ := env.registry.Get("gate")
	deadline := time.Now().Add(time.Second)
	for gate.Status() != agent.StatusProcessing {
		if time.Now().After(deadline) {
			t.Fatal("gate never started processing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The loop takes "second" and parks on the concurrency slot, so the
	// queue itself holds only "third".
	submit(t, env.ts, "gate", "second")
	for gate.Metrics().Queued != 0 {
		if time.Now().After(deadline) {
			t.Fatal("second task never dequeued")
		}
		time.Sleep(5 * time.Millisecond)
	}
	submit(t, env.ts, "gate", "third")

	resp := postJSON(t, env.ts, "/api/agents/gate/tasks", map[string]any{"payload": "fourth"})
	expectStatus(t, resp, http.StatusTooManyRequests)
	resp.Body.Close()

	resp = getJSON(t, env.ts, "/api/agents/gate/tasks/"+running+"?timeout=0.05")
	expectStatus(t, resp, http.StatusGatewayTimeout)
	resp.Body.Close()

	close(env.release)
	resp = getJSON(t, env.ts, "/api/agents/gate/tasks/"+running+"?timeout=2s")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestTaskResultErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []struct {
		path string
		want int
	}{
		{"/api/agents/echo/tasks/not-a-uuid", http.StatusBadRequest},
		{"/api/agents/echo/tasks/6f1f8a52-8f3c-4e61-9d0c-2b1f0a4f2c11", http.StatusNotFound},
		{"/api/agents/echo/tasks/6f1f8a52-8f3c-4e61-9d0c-2b1f0a4f2c11?timeout=soon", http.StatusBadRequest},
		{"/api/agents/echo/tasks/6f1f8a52-8f3c-4e61-9d0c-2b1f0a4f2c11?timeout=-1s", http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := getJSON(t, env.ts, tc.path)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.path, tc.want, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestMemoryRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	store := memory.NewStore(env.memory, "echo", zap.NewNop())
	if _, err := store.RememberFact(ctx, "postgres runs on port 5432", "ops"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RememberConversation(ctx, "hi", "hello", "gate"); err != nil {
		t.Fatal(err)
	}

	resp := getJSON(t, env.ts, "/api/agents/echo/memories?q=5432")
	expectStatus(t, resp, http.StatusOK)
	var entries []memory.Entry
	decodeJSON(t, resp, &entries)
	if len(entries) != 1 || entries[0].Type != memory.Semantic {
		t.Fatalf("expected the fact, got %+v", entries)
	}

	resp = getJSON(t, env.ts, "/api/agents/echo/memories?type=episodic&limit=5")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &entries)
	if len(entries) != 1 || entries[0].Type != memory.Episodic {
		t.Fatalf("expected the conversation, got %+v", entries)
	}

	resp = getJSON(t, env.ts, "/api/agents/echo/memories?type=dream")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
	resp = getJSON(t, env.ts, "/api/agents/echo/memories?limit=zero")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = getJSON(t, env.ts, "/api/agents/gate/memories")
	expectStatus(t, resp, http.StatusOK)
	var none []memory.Entry
	decodeJSON(t, resp, &none)
	if len(none) != 0 {
		t.Errorf("expected no memories for gate, got %d", len(none))
	}

	resp = getJSON(t, env.ts, "/api/agents/echo/memories/stats")
	expectStatus(t, resp, http.StatusOK)
	var st memory.Stats
	decodeJSON(t, resp, &st)
	if st.Total != 2 || st.ByType[memory.Semantic] != 1 || st.ByType[memory.Episodic] != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestMessagesFromHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	echo, _ := env.registry.Get("echo")
	ctx := context.Background()

	res, err := echo.Collaborate(ctx, "gate", "ignored", 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected gate to time out, got %+v", res)
	}
	if err := echo.Communicate(ctx, "gate", comm.TypeNotification, "fyi"); err != nil {
		t.Fatal(err)
	}

	resp := getJSON(t, env.ts, "/api/messages?agent=echo&limit=10")
	expectStatus(t, resp, http.StatusOK)
	var body messagesResponse
	decodeJSON(t, resp, &body)
	if body.Source != "history" {
		t.Errorf("expected history source, got %s", body.Source)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.Messages))
	}
	if body.Messages[0].Type != comm.TypeNotification {
		t.Errorf("expected newest first, got %s", body.Messages[0].Type)
	}
}

type fakeJournal struct {
	agentID string
	limit   int
}

func (f *fakeJournal) ListMessages(_ context.Context, agentID string, limit int) ([]*comm.Message, error) {
	f.agentID, f.limit = agentID, limit
	msg, err := comm.NewMessage("a", comm.TypeNotification, "journaled")
	if err != nil {
		return nil, err
	}
	return []*comm.Message{msg}, nil
}

func TestMessagesFromJournal(t *testing.T) {
	j := &fakeJournal{}
	env := newTestEnv(t, j)

	resp := getJSON(t, env.ts, "/api/messages?agent=echo")
	expectStatus(t, resp, http.StatusOK)
	var body messagesResponse
	decodeJSON(t, resp, &body)
	if body.Source != "journal" || len(body.Messages) != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
	if j.agentID != "echo" || j.limit != defaultListLimit {
		t.Errorf("journal called with %q/%d", j.agentID, j.limit)
	}
}

func TestCommStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := getJSON(t, env.ts, "/api/comm/status")
	expectStatus(t, resp, http.StatusOK)
	var st comm.Status
	decodeJSON(t, resp, &st)
	if len(st.Actors) != 2 || st.Actors[0] != "echo" {
		t.Errorf("unexpected actors %v", st.Actors)
	}
	if st.Broker.Backend != "local" || !st.Broker.Listening {
		t.Errorf("unexpected broker stats %+v", st.Broker)
	}
}

func TestUnconfiguredDependencies(t *testing.T) {
	registry := agent.NewRegistry(zap.NewNop())
	a := agent.New(agent.Config{ID: "bare"}, agent.ProcessorFunc(func(context.Context, *agent.Task) (*agent.Output, error) {
		return &agent.Output{}, nil
	}), zap.NewNop())
	registry.Register(a)
	ts := httptest.NewServer(NewHandler(registry, nil, nil, nil, []string{"http://localhost:3000"}, zap.NewNop()).Router())
	defer ts.Close()

	for _, path := range []string{"/api/agents/bare/memories", "/api/agents/bare/memories/stats", "/api/messages", "/api/comm/status"} {
		resp := getJSON(t, ts, path)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestParseWait(t *testing.T) {
	cases := map[string]time.Duration{
		"":      defaultResultWait,
		"250ms": 250 * time.Millisecond,
		"2":     2 * time.Second,
		"1h":    maxResultWait,
	}
	for in, want := range cases {
		got, err := parseWait(in)
		if err != nil || got != want {
			t.Errorf("parseWait(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestStatusForWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("lookup planner: %w", agent.ErrAgentNotFound), http.StatusNotFound},
		{fmt.Errorf("result: %w", agent.ErrTaskNotFound), http.StatusNotFound},
		{fmt.Errorf("submit: %w", agent.ErrQueueFull), http.StatusTooManyRequests},
		{errors.New("agent not found"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d; want %d", tc.err, got, tc.want)
		}
	}
}
