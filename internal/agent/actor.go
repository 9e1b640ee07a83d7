package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-agents/internal/comm"
	"github.com/nidhogg/nuka-agents/internal/memory"
	"github.com/nidhogg/nuka-agents/internal/retry"
)

const defaultRequestTimeout = 30 * time.Second

// Config describes one actor.
type Config struct {
	ID           string
	Type         string
	Capabilities []string
	Scheduler    SchedulerConfig
	// RequestTimeout bounds how long an inbound request waits for its task.
	RequestTimeout time.Duration
	// Retry governs outbound sends made through Communicate.
	Retry retry.Policy
}

// Actor is an autonomous worker: a Scheduler for its own tasks, an optional
// communication handler for talking to peers and an optional memory store.
type Actor struct {
	cfg    Config
	sched  *Scheduler
	logger *zap.Logger

	mu       sync.RWMutex
	comm     *comm.Handler
	mem      *memory.Store
	routes   map[comm.MessageType]comm.MessageHandler
	fallback comm.MessageHandler

	communicating atomic.Int32
	createdAt     time.Time
}

// New creates an actor that runs tasks with proc.
func New(cfg Config, proc Processor, logger *zap.Logger) *Actor {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	log := logger.Named("agent")
	a := &Actor{
		cfg:       cfg,
		sched:     NewScheduler(cfg.ID, proc, cfg.Scheduler, log),
		logger:    log.With(zap.String("agent", cfg.ID)),
		createdAt: time.Now().UTC(),
	}
	a.routes = map[comm.MessageType]comm.MessageHandler{
		comm.TypeRequest:              a.serveRequest,
		comm.TypeCollaborationRequest: a.serveRequest,
		comm.TypeNotification:         a.logNotification,
	}
	return a
}

func (a *Actor) ID() string             { return a.cfg.ID }
func (a *Actor) Type() string           { return a.cfg.Type }
func (a *Actor) Capabilities() []string { return a.cfg.Capabilities }
func (a *Actor) CreatedAt() time.Time   { return a.createdAt }

// SetCommunicationHandler attaches the handler used for peer messaging.
// It takes effect at Start.
func (a *Actor) SetCommunicationHandler(h *comm.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.comm = h
}

// SetMemory attaches a memory store.
func (a *Actor) SetMemory(m *memory.Store) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mem = m
}

// Memory returns the attached memory store, or nil.
func (a *Actor) Memory() *memory.Store {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mem
}

func (a *Actor) commHandler() *comm.Handler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.comm
}

// Handle installs fn for inbound messages of type t, replacing any default.
func (a *Actor) Handle(t comm.MessageType, fn comm.MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes[t] = fn
}

// OnMessage installs the handler for message types without a route.
func (a *Actor) OnMessage(fn comm.MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = fn
}

// Start launches the scheduler and registers with the communication handler.
func (a *Actor) Start(ctx context.Context) error {
	if err := a.sched.Start(); err != nil {
		return err
	}
	if h := a.commHandler(); h != nil {
		if err := h.RegisterActor(ctx, a.cfg.ID, a.handleMessage); err != nil {
			_ = a.sched.Shutdown(ctx)
			return fmt.Errorf("start agent %s: %w", a.cfg.ID, err)
		}
	}
	a.logger.Info("agent started", zap.String("type", a.cfg.Type))
	return nil
}

// Stop unregisters from the communication handler and shuts the scheduler down.
func (a *Actor) Stop(ctx context.Context) error {
	var errs []error
	if h := a.commHandler(); h != nil {
		if err := h.UnregisterActor(ctx, a.cfg.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.sched.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("agent stopped")
	return errors.Join(errs...)
}

// Submit queues a task.
func (a *Actor) Submit(task *Task) (uuid.UUID, error) {
	return a.sched.Submit(task)
}

// AwaitResult waits for a submitted task's result.
func (a *Actor) AwaitResult(ctx context.Context, id uuid.UUID, timeout time.Duration) (*TaskResult, error) {
	return a.sched.AwaitResult(ctx, id, timeout)
}

// Run submits payload and waits for its result.
func (a *Actor) Run(ctx context.Context, payload any, timeout time.Duration) (*TaskResult, error) {
	id, err := a.Submit(NewTask(payload))
	if err != nil {
		return nil, err
	}
	return a.AwaitResult(ctx, id, timeout)
}

// Metrics returns the actor's task counters.
func (a *Actor) Metrics() Metrics {
	return a.sched.Metrics()
}

// Status derives the lifecycle state from the scheduler and outbound traffic.
func (a *Actor) Status() Status {
	switch {
	case a.sched.stopped():
		return StatusShutdown
	case a.sched.stopping():
		return StatusShuttingDown
	case a.sched.busy():
		return StatusProcessing
	case a.communicating.Load() > 0:
		return StatusCommunicating
	}
	return StatusIdle
}

func (a *Actor) beginCommunicating() func() {
	a.communicating.Add(1)
	return func() { a.communicating.Add(-1) }
}

// Communicate sends a message of type t to target, retrying transport
// failures with the actor's retry policy.
func (a *Actor) Communicate(ctx context.Context, target string, t comm.MessageType, payload any) error {
	h := a.commHandler()
	if h == nil {
		return fmt.Errorf("agent %s has no communication handler", a.cfg.ID)
	}
	defer a.beginCommunicating()()

	msg, err := comm.NewMessage(a.cfg.ID, t, payload)
	if err != nil {
		return err
	}
	err = retry.DoNotify(ctx, a.cfg.Retry, func(ctx context.Context) error {
		err := h.Send(ctx, target, msg)
		if errors.Is(err, comm.ErrHandlerClosed) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		a.logger.Warn("send failed, retrying", zap.String("target", target), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("agent %s communicate with %s: %w", a.cfg.ID, target, err)
	}
	return nil
}

// Request sends a request to target and waits for the correlated response.
func (a *Actor) Request(ctx context.Context, target string, t comm.MessageType, payload any, timeout time.Duration) (*comm.Message, error) {
	h := a.commHandler()
	if h == nil {
		return nil, fmt.Errorf("agent %s has no communication handler", a.cfg.ID)
	}
	defer a.beginCommunicating()()

	msg, err := comm.NewMessage(a.cfg.ID, t, payload)
	if err != nil {
		return nil, err
	}
	return h.SendRequest(ctx, target, msg, timeout)
}

// Collaborate asks target to run payload as a task and returns its result.
func (a *Actor) Collaborate(ctx context.Context, target string, payload any, timeout time.Duration) (*TaskResult, error) {
	resp, err := a.Request(ctx, target, comm.TypeCollaborationRequest, payload, timeout)
	if err != nil {
		return nil, err
	}
	var res TaskResult
	if err := resp.DecodePayload(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Broadcast sends a copy of payload to every target except this actor.
func (a *Actor) Broadcast(ctx context.Context, t comm.MessageType, payload any, targets []string) error {
	h := a.commHandler()
	if h == nil {
		return fmt.Errorf("agent %s has no communication handler", a.cfg.ID)
	}
	defer a.beginCommunicating()()

	msg, err := comm.NewMessage(a.cfg.ID, t, payload)
	if err != nil {
		return err
	}
	return h.Broadcast(ctx, msg, targets)
}

// handleMessage routes an inbound message by type.
func (a *Actor) handleMessage(ctx context.Context, msg *comm.Message) error {
	a.mu.RLock()
	fn, ok := a.routes[msg.Type]
	fallback := a.fallback
	a.mu.RUnlock()
	if ok {
		return fn(ctx, msg)
	}
	if fallback != nil {
		return fallback(ctx, msg)
	}
	a.logger.Debug("unhandled message",
		zap.String("type", string(msg.Type)),
		zap.String("from", msg.FromActor))
	return nil
}

// serveRequest runs the request payload as a task and replies with its result.
func (a *Actor) serveRequest(ctx context.Context, msg *comm.Message) error {
	var payload any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return a.reply(ctx, msg, a.failedResult(uuid.Nil, fmt.Errorf("decode request: %w", err)))
		}
	}
	task := NewTask(payload)
	task.SourceAgent = msg.FromActor
	task.Metadata = map[string]string{
		"message_id":   msg.ID.String(),
		"message_type": string(msg.Type),
	}

	id, err := a.Submit(task)
	if err != nil {
		return a.reply(ctx, msg, a.failedResult(task.ID, err))
	}
	res, err := a.AwaitResult(ctx, id, a.cfg.RequestTimeout)
	if err != nil {
		res = a.failedResult(id, err)
	}
	return a.reply(ctx, msg, res)
}

func (a *Actor) failedResult(id uuid.UUID, err error) *TaskResult {
	return &TaskResult{
		TaskID:      id,
		AgentID:     a.cfg.ID,
		Content:     map[string]string{"error": err.Error()},
		Error:       err.Error(),
		CompletedAt: time.Now().UTC(),
	}
}

func (a *Actor) reply(ctx context.Context, req *comm.Message, res *TaskResult) error {
	h := a.commHandler()
	if h == nil {
		return nil
	}
	resp, err := comm.NewMessage(a.cfg.ID, comm.TypeResponse, res)
	if err != nil {
		return err
	}
	return h.SendResponse(ctx, req, resp)
}

func (a *Actor) logNotification(_ context.Context, msg *comm.Message) error {
	a.logger.Info("notification received",
		zap.String("from", msg.FromActor),
		zap.ByteString("payload", msg.Payload))
	return nil
}
