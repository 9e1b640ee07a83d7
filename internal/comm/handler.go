package comm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHistoryLimit   = 1000
	defaultBroadcastLimit = 16
	defaultRequestTimeout = 30 * time.Second
)

// Recorder persists sent messages. Failures are logged and never block a send.
type Recorder interface {
	RecordMessage(ctx context.Context, msg *Message) error
}

type pendingRequest struct {
	from string
	ch   chan *Message
}

// Handler routes messages between actors over a Broker. It owns the
// actor-to-handler table, the pending request table and a bounded history
// of sent messages.
type Handler struct {
	broker Broker
	logger *zap.Logger

	mu      sync.RWMutex
	actors  map[string]MessageHandler
	pending map[uuid.UUID]*pendingRequest
	closed  bool

	historyMu    sync.Mutex
	history      []*Message
	historyLimit int

	fanout   int
	recorder Recorder

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
	once     sync.Once
}

// Option configures a Handler.
type Option func(*Handler)

// WithHistoryLimit bounds the sent-message history. When the bound is
// exceeded the oldest half is discarded.
func WithHistoryLimit(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.historyLimit = n
		}
	}
}

// WithBroadcastFanout caps concurrent sends during Broadcast.
func WithBroadcastFanout(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.fanout = n
		}
	}
}

// WithRecorder journals every sent message.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// NewHandler creates a communication handler on top of broker.
func NewHandler(broker Broker, logger *zap.Logger, opts ...Option) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		broker:       broker,
		logger:       logger.Named("comm"),
		actors:       make(map[string]MessageHandler),
		pending:      make(map[uuid.UUID]*pendingRequest),
		historyLimit: defaultHistoryLimit,
		fanout:       defaultBroadcastLimit,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterActor subscribes the actor's channel and routes its inbound
// messages to fn.
func (h *Handler) RegisterActor(ctx context.Context, actorID string, fn MessageHandler) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandlerClosed
	}
	h.actors[actorID] = fn
	h.mu.Unlock()

	if err := h.broker.Subscribe(ctx, ChannelFor(actorID), h.dispatch); err != nil {
		h.mu.Lock()
		delete(h.actors, actorID)
		h.mu.Unlock()
		return fmt.Errorf("register actor %s: %w", actorID, err)
	}
	h.logger.Info("actor registered", zap.String("actor", actorID))
	return nil
}

// UnregisterActor removes the actor's subscription. Unknown actors are a no-op.
func (h *Handler) UnregisterActor(ctx context.Context, actorID string) error {
	h.mu.Lock()
	_, ok := h.actors[actorID]
	delete(h.actors, actorID)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.broker.Unsubscribe(ctx, ChannelFor(actorID)); err != nil {
		return fmt.Errorf("unregister actor %s: %w", actorID, err)
	}
	h.logger.Info("actor unregistered", zap.String("actor", actorID))
	return nil
}

// IsRegistered reports whether actorID currently receives messages here.
func (h *Handler) IsRegistered(actorID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.actors[actorID]
	return ok
}

// Send publishes msg to target's channel.
func (h *Handler) Send(ctx context.Context, target string, msg *Message) error {
	if h.isClosed() {
		return ErrHandlerClosed
	}
	msg.ToActor = target
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := h.broker.Publish(ctx, ChannelFor(target), msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.ID, target, err)
	}
	h.appendHistory(msg)
	if h.recorder != nil {
		if err := h.recorder.RecordMessage(ctx, msg); err != nil {
			h.logger.Warn("journal message failed", zap.String("id", msg.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// SendRequest sends msg and waits for the response correlated to it.
func (h *Handler) SendRequest(ctx context.Context, target string, msg *Message, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	p := &pendingRequest{from: msg.FromActor, ch: make(chan *Message, 1)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandlerClosed
	}
	h.pending[msg.ID] = p
	h.mu.Unlock()
	defer h.removePending(msg.ID)

	if err := h.Send(ctx, target, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-p.ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s to %s: %w", msg.ID, target, ErrRequestTimeout)
	case <-h.done:
		return nil, fmt.Errorf("request %s to %s: %w", msg.ID, target, ErrRequestCanceled)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendResponse answers req. The response is addressed to the requester and
// correlated to the request ID.
func (h *Handler) SendResponse(ctx context.Context, req *Message, resp *Message) error {
	id := req.ID
	resp.CorrelationID = &id
	resp.Type = TypeResponse
	if resp.FromActor == "" {
		resp.FromActor = req.ToActor
	}
	return h.Send(ctx, req.FromActor, resp)
}

// Broadcast sends a copy of msg to every target except the sender. With no
// targets it reaches every registered actor. All targets are attempted;
// failures are joined into the returned error.
func (h *Handler) Broadcast(ctx context.Context, msg *Message, targets []string) error {
	if len(targets) == 0 {
		targets = h.actorIDs()
	}
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(h.fanout)
	for _, target := range targets {
		if target == msg.FromActor {
			continue
		}
		out := msg.Clone()
		out.ID = uuid.New()
		g.Go(func() error {
			if err := h.Send(ctx, target, out); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		h.logger.Warn("broadcast partially failed",
			zap.String("from", msg.FromActor), zap.Int("failed", len(errs)), zap.Int("targets", len(targets)))
	}
	return errors.Join(errs...)
}

// dispatch is the broker callback for every actor channel.
func (h *Handler) dispatch(_ context.Context, msg *Message) error {
	if msg.Type == TypeResponse && msg.CorrelationID != nil {
		h.mu.Lock()
		p, ok := h.pending[*msg.CorrelationID]
		if ok && p.from != "" && p.from != msg.ToActor {
			h.mu.Unlock()
			h.logger.Warn("response addressed to wrong actor dropped",
				zap.String("correlation", msg.CorrelationID.String()),
				zap.String("expected", p.from),
				zap.String("got", msg.ToActor))
			return nil
		}
		if ok {
			delete(h.pending, *msg.CorrelationID)
		}
		h.mu.Unlock()
		if ok {
			p.ch <- msg
			return nil
		}
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil
	}
	fn, ok := h.actors[msg.ToActor]
	if !ok {
		h.mu.RUnlock()
		h.logger.Warn("no handler for message",
			zap.String("to", msg.ToActor), zap.String("id", msg.ID.String()))
		return nil
	}
	h.inflight.Add(1)
	h.mu.RUnlock()

	go func() {
		defer h.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("actor handler panicked",
					zap.String("actor", msg.ToActor), zap.Any("panic", r))
			}
		}()
		if err := fn(h.ctx, msg); err != nil {
			h.logger.Warn("actor handler failed",
				zap.String("actor", msg.ToActor),
				zap.String("type", string(msg.Type)),
				zap.Error(err))
		}
	}()
	return nil
}

func (h *Handler) removePending(id uuid.UUID) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// PendingRequests is the number of requests still awaiting a response.
func (h *Handler) PendingRequests() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending)
}

func (h *Handler) appendHistory(msg *Message) {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	h.history = append(h.history, msg)
	if len(h.history) > h.historyLimit {
		keep := h.historyLimit / 2
		h.history = append([]*Message(nil), h.history[len(h.history)-keep:]...)
	}
}

// History returns up to limit of the most recent sent messages, oldest first.
// When actorID is set only messages from or to that actor are returned.
func (h *Handler) History(actorID string, limit int) []*Message {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()

	var out []*Message
	for i := len(h.history) - 1; i >= 0; i-- {
		m := h.history[i]
		if actorID != "" && m.FromActor != actorID && m.ToActor != actorID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ActorStatus summarises one actor's registration and traffic.
type ActorStatus struct {
	ActorID    string `json:"actor_id"`
	Registered bool   `json:"registered"`
	Sent       int    `json:"sent"`
	Received   int    `json:"received"`
}

// ActorStatus reports registration and history counters for actorID.
func (h *Handler) ActorStatus(actorID string) ActorStatus {
	st := ActorStatus{ActorID: actorID, Registered: h.IsRegistered(actorID)}
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	for _, m := range h.history {
		if m.FromActor == actorID {
			st.Sent++
		}
		if m.ToActor == actorID {
			st.Received++
		}
	}
	return st
}

// Status describes the handler as a whole.
type Status struct {
	Actors          []string    `json:"actors"`
	PendingRequests int         `json:"pending_requests"`
	HistorySize     int         `json:"history_size"`
	Broker          BrokerStats `json:"broker"`
	Closed          bool        `json:"closed"`
}

func (h *Handler) Status() Status {
	h.mu.RLock()
	actors := make([]string, 0, len(h.actors))
	for id := range h.actors {
		actors = append(actors, id)
	}
	st := Status{Actors: actors, PendingRequests: len(h.pending), Closed: h.closed}
	h.mu.RUnlock()
	sort.Strings(st.Actors)

	h.historyMu.Lock()
	st.HistorySize = len(h.history)
	h.historyMu.Unlock()
	st.Broker = h.broker.Stats()
	return st
}

func (h *Handler) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Shutdown cancels pending requests, unregisters every actor, waits for
// in-flight handler calls and disconnects the broker.
func (h *Handler) Shutdown(ctx context.Context) error {
	var errs []error
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		actors := make([]string, 0, len(h.actors))
		for id := range h.actors {
			actors = append(actors, id)
		}
		h.actors = make(map[string]MessageHandler)
		h.pending = make(map[uuid.UUID]*pendingRequest)
		h.mu.Unlock()
		close(h.done)

		for _, id := range actors {
			if err := h.broker.Unsubscribe(ctx, ChannelFor(id)); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribe %s: %w", id, err))
			}
		}
		h.cancel()

		waited := make(chan struct{})
		go func() {
			h.inflight.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for handlers: %w", ctx.Err()))
		}

		if err := h.broker.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect broker: %w", err))
		}
		h.logger.Info("communication handler shut down", zap.Int("actors", len(actors)))
	})
	return errors.Join(errs...)
}

func (h *Handler) actorIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.actors))
	for id := range h.actors {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
