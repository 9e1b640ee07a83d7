package provider

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
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-agents/internal/retry"
)

var fastPolicy = retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

type fakeProvider struct {
	id       string
	failures int32
	calls    atomic.Int32
	reply    string
	lastReq  *ChatRequest
}

func (f *fakeProvider) ID() string   { return f.id }
func (f *fakeProvider) Name() string { return "fake " + f.id }

func (f *fakeProvider) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	n := f.calls.Add(1)
	f.lastReq = req
	if n <= f.failures {
		return nil, errors.New("upstream 503")
	}
	return &ChatResponse{Content: f.reply}, nil
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{id: "p1", failures: 2, reply: "answer"}
	r := NewRouter(fastPolicy, zap.NewNop())
	r.Register(p)

	text, err := r.Generate(context.Background(), "agent-1", "question", "be brief")
	require.NoError(t, err)
	assert.Equal(t, "answer", text)
	assert.EqualValues(t, 3, p.calls.Load())
	require.Len(t, p.lastReq.Messages, 2)
	assert.Equal(t, Message{Role: "system", Content: "be brief"}, p.lastReq.Messages[0])
	assert.Equal(t, Message{Role: "user", Content: "question"}, p.lastReq.Messages[1])
}

func TestGenerateFailsWithErrProviderAfterAttempts(t *testing.T) {
	p := &fakeProvider{id: "p1", failures: 100}
	r := NewRouter(fastPolicy, zap.NewNop())
	r.Register(p)

	_, err := r.For("agent-1").Generate(context.Background(), "q", "")
	assert.ErrorIs(t, err, ErrProvider)
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestGenerateTreatsEmptyCompletionAsFailure(t *testing.T) {
	p := &fakeProvider{id: "p1", reply: "   "}
	r := NewRouter(fastPolicy, zap.NewNop())
	r.Register(p)

	_, err := r.Generate(context.Background(), "a", "q", "")
	assert.ErrorIs(t, err, ErrProvider)
}

func TestRouteUsesBindingThenFallbacks(t *testing.T) {
	primary := &fakeProvider{id: "primary", failures: 100}
	backup := &fakeProvider{id: "backup", reply: "from backup"}
	other := &fakeProvider{id: "other", reply: "from other"}

	r := NewRouter(fastPolicy, zap.NewNop())
	r.Register(other)
	r.Register(primary)
	r.Register(backup)
	r.Bind("writer", "primary")
	r.SetFallbacks("writer", []string{"missing", "backup"})

	resp, err := r.Route(context.Background(), "writer", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)

	resp, err = r.Route(context.Background(), "unbound", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from other", resp.Content, "first registered provider is the default")
	assert.Equal(t, "other", r.DefaultID())
}

func TestRouteWithoutProviders(t *testing.T) {
	r := NewRouter(fastPolicy, zap.NewNop())
	_, err := r.Route(context.Background(), "a", &ChatRequest{})
	assert.Error(t, err)
}

func TestOpenAIProviderChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body["model"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oa", APIKey: "k", Endpoint: srv.URL, Model: "test-model"})
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "ping"}}})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestAnthropicProviderChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotNil(t, body["system"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"hello "},{"type":"text","text":"there"}],
			"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "an", APIKey: "k", Endpoint: srv.URL, Model: "claude-test"})
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "hi"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestNewByType(t *testing.T) {
	p, err := New(ProviderConfig{ID: "x", Type: "anthropic"})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicProvider{}, p)

	_, err = New(ProviderConfig{ID: "y", Type: "carrier-pigeon"})
	assert.Error(t, err)
}
