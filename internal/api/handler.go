package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-agents/internal/agent"
	"github.com/nidhogg/nuka-agents/internal/comm"
	"github.com/nidhogg/nuka-agents/internal/memory"
)

const (
	defaultResultWait = 30 * time.Second
	maxResultWait     = 5 * time.Minute
	defaultListLimit  = 50
)

// MessageJournal lists persisted messages, newest first.
type MessageJournal interface {
	ListMessages(ctx context.Context, agentID string, limit int) ([]*comm.Message, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry    *agent.Registry
	comm        *comm.Handler
	memory      memory.Handler
	journal     MessageJournal
	corsOrigins []string
	logger      *zap.Logger
}

// NewHandler creates a new API handler. commHandler, mem and journal may
// be nil; the routes that need them answer 503.
func NewHandler(
	registry *agent.Registry,
	commHandler *comm.Handler,
	mem memory.Handler,
	journal MessageJournal,
	corsOrigins []string,
	logger *zap.Logger,
) *Handler {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	return &Handler{
		registry:    registry,
		comm:        commHandler,
		memory:      mem,
		journal:     journal,
		corsOrigins: corsOrigins,
		logger:      logger.Named("api"),
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)
		r.Route("/agents/{id}", func(r chi.Router) {
			r.Get("/", h.getAgent)
			r.Post("/tasks", h.submitTask)
			r.Get("/tasks/{taskID}", h.taskResult)
			r.Get("/memories", h.searchMemories)
			r.Get("/memories/stats", h.memoryStats)
		})
		r.Get("/messages", h.listMessages)
		r.Get("/comm/status", h.commStatus)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "nuka-agents",
		"agents":  len(h.registry.IDs()),
	})
}

type agentView struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Capabilities []string          `json:"capabilities"`
	Status       agent.Status      `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	Metrics      agent.Metrics     `json:"metrics"`
	Comm         *comm.ActorStatus `json:"comm,omitempty"`
}

func (h *Handler) view(a *agent.Actor) agentView {
	v := agentView{
		ID:           a.ID(),
		Type:         a.Type(),
		Capabilities: a.Capabilities(),
		Status:       a.Status(),
		CreatedAt:    a.CreatedAt(),
		Metrics:      a.Metrics(),
	}
	if h.comm != nil {
		st := h.comm.ActorStatus(a.ID())
		v.Comm = &st
	}
	return v
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	list := h.registry.List()
	out := make([]agentView, 0, len(list))
	for _, a := range list {
		out = append(out, h.view(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (*agent.Actor, bool) {
	id := chi.URLParam(r, "id")
	a, ok := h.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, agent.ErrAgentNotFound)
		return nil, false
	}
	return a, true
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.view(a))
}

type submitRequest struct {
	Payload     any               `json:"payload"`
	SourceAgent string            `json:"source_agent"`
	Metadata    map[string]string `json:"metadata"`
	Priority    int               `json:"priority"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Payload == nil {
		writeError(w, http.StatusBadRequest, errors.New("payload is required"))
		return
	}

	task := agent.NewTask(req.Payload)
	task.SourceAgent = req.SourceAgent
	task.Metadata = req.Metadata
	task.Priority = req.Priority
	id, err := a.Submit(task)
	if err != nil {
		h.logger.Warn("submit rejected", zap.String("agent", a.ID()), zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id.String()})
}

func (h *Handler) taskResult(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wait, err := parseWait(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := a.AwaitResult(r.Context(), id, wait)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// parseWait accepts a Go duration ("1500ms") or a number of seconds.
func parseWait(s string) (time.Duration, error) {
	if s == "" {
		return defaultResultWait, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		secs, nerr := strconv.ParseFloat(s, 64)
		if nerr != nil {
			return 0, errors.New("timeout: want a duration or seconds")
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return 0, errors.New("timeout must be positive")
	}
	return min(d, maxResultWait), nil
}

func (h *Handler) searchMemories(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	if h.memory == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("memory not configured"))
		return
	}
	q := r.URL.Query()
	typ := memory.Type(q.Get("type"))
	if typ != "" && !typ.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown memory type "+string(typ)))
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entries, err := h.memory.Search(r.Context(), memory.Query{
		AgentID: a.ID(),
		Text:    q.Get("q"),
		Type:    typ,
		Tags:    q["tag"],
		Limit:   limit,
	})
	if err != nil {
		h.logger.Error("memory search failed", zap.String("agent", a.ID()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*memory.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) memoryStats(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	if h.memory == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("memory not configured"))
		return
	}
	st, err := h.memory.Stats(r.Context(), a.ID())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type messagesResponse struct {
	Source   string          `json:"source"`
	Messages []*comm.Message `json:"messages"`
}

// listMessages serves the journal when one is configured, otherwise the
// in-process history. Both are returned newest first.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	agentID := q.Get("agent")

	if h.journal != nil {
		msgs, err := h.journal.ListMessages(r.Context(), agentID, limit)
		if err != nil {
			h.logger.Error("list journal failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if msgs == nil {
			msgs = []*comm.Message{}
		}
		writeJSON(w, http.StatusOK, messagesResponse{Source: "journal", Messages: msgs})
		return
	}
	if h.comm == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("communication not configured"))
		return
	}
	msgs := h.comm.History(agentID, limit)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []*comm.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Source: "history", Messages: msgs})
}

func (h *Handler) commStatus(w http.ResponseWriter, r *http.Request) {
	if h.comm == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("communication not configured"))
		return
	}
	writeJSON(w, http.StatusOK, h.comm.Status())
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

// statusFor maps scheduler errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, agent.ErrShuttingDown), errors.Is(err, agent.ErrNotPickedUp):
		return http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrTaskNotFound), errors.Is(err, agent.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, agent.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
