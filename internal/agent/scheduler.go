package agent

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultQueueSize     = 100
	defaultPickupTimeout = 5 * time.Second
	defaultShutdownGrace = 30 * time.Second
	defaultResultHistory = 1000
	defaultAwaitTimeout  = 30 * time.Second
)

const (
	stateNew int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// SchedulerConfig tunes a Scheduler. Zero values take defaults.
type SchedulerConfig struct {
	QueueSize     int
	TaskTimeout   time.Duration // per-task deadline; zero means none
	PickupTimeout time.Duration
	ShutdownGrace time.Duration
	ResultHistory int // finished but never fetched results kept
	MaxConcurrent int // zero means one goroutine per task without a cap
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.PickupTimeout <= 0 {
		c.PickupTimeout = defaultPickupTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.ResultHistory <= 0 {
		c.ResultHistory = defaultResultHistory
	}
	return c
}

type taskEntry struct {
	task       *Task
	picked     chan struct{}
	done       chan struct{}
	result     *TaskResult
	fetched    bool
	finishedAt time.Time
}

// Scheduler runs an actor's tasks. A single loop dequeues tasks and starts
// one goroutine per task; results are kept until fetched by AwaitResult.
type Scheduler struct {
	agentID string
	proc    Processor
	cfg     SchedulerConfig
	logger  *zap.Logger

	queue chan *taskEntry
	pool  chan struct{}

	mu      sync.Mutex
	tasks   map[uuid.UUID]*taskEntry
	metrics Metrics

	state  atomic.Int32
	active atomic.Int32

	runCtx   context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	units    sync.WaitGroup
}

// NewScheduler creates a scheduler for agentID backed by proc.
func NewScheduler(agentID string, proc Processor, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		agentID: agentID,
		proc:    proc,
		cfg:     cfg,
		logger:  logger.With(zap.String("agent", agentID)),
		queue:   make(chan *taskEntry, cfg.QueueSize),
		tasks:   make(map[uuid.UUID]*taskEntry),
	}
	if cfg.MaxConcurrent > 0 {
		s.pool = make(chan struct{}, cfg.MaxConcurrent)
	}
	return s
}

// Start launches the dequeue loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.state.Load() != stateNew {
		s.mu.Unlock()
		return fmt.Errorf("scheduler for %s already started", s.agentID)
	}
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.loopDone = make(chan struct{})
	s.state.Store(stateRunning)
	s.mu.Unlock()
	go s.loop()
	s.logger.Info("scheduler started", zap.Int("queue_size", s.cfg.QueueSize))
	return nil
}

// Submit enqueues task without blocking. Tasks may be submitted before Start.
func (s *Scheduler) Submit(task *Task) (uuid.UUID, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.state.Load(); st == stateStopping || st == stateStopped {
		return uuid.Nil, ErrShuttingDown
	}
	if _, dup := s.tasks[task.ID]; dup {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	e := &taskEntry{task: task, picked: make(chan struct{}), done: make(chan struct{})}
	select {
	case s.queue <- e:
	default:
		return uuid.Nil, ErrQueueFull
	}
	s.tasks[task.ID] = e
	s.logger.Debug("task queued", zap.String("task", task.ID.String()), zap.Int("queued", len(s.queue)))
	return task.ID, nil
}

// AwaitResult waits for the task's result. It first waits for the task to
// be dequeued (bounded by the pickup timeout), then up to timeout for it to
// finish.
func (s *Scheduler) AwaitResult(ctx context.Context, id uuid.UUID, timeout time.Duration) (*TaskResult, error) {
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}
	s.mu.Lock()
	e, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	select {
	case <-e.picked:
	default:
		pickup := time.NewTimer(min(s.cfg.PickupTimeout, timeout))
		select {
		case <-e.picked:
			pickup.Stop()
		case <-pickup.C:
			return nil, fmt.Errorf("%w: %s", ErrNotPickedUp, id)
		case <-ctx.Done():
			pickup.Stop()
			return nil, ctx.Err()
		}
	}

	wait := time.NewTimer(timeout)
	defer wait.Stop()
	select {
	case <-e.done:
	case <-wait.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	e.fetched = true
	res := e.result
	s.mu.Unlock()
	return res, nil
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		if s.runCtx.Err() != nil {
			return
		}
		select {
		case <-s.runCtx.Done():
			return
		case e := <-s.queue:
			if !s.acquire() {
				s.abandon(e, ErrShuttingDown)
				return
			}
			s.dispatch(e)
			s.prune()
		}
	}
}

func (s *Scheduler) acquire() bool {
	if s.pool == nil {
		return true
	}
	select {
	case s.pool <- struct{}{}:
		return true
	case <-s.runCtx.Done():
		return false
	}
}

func (s *Scheduler) release() {
	if s.pool != nil {
		<-s.pool
	}
}

func (s *Scheduler) dispatch(e *taskEntry) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.cfg.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.runCtx, s.cfg.TaskTimeout)
	} else {
		ctx, cancel = context.WithCancel(s.runCtx)
	}
	close(e.picked)
	s.units.Add(1)
	s.active.Add(1)
	go s.run(ctx, cancel, e)
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, e *taskEntry) {
	defer s.units.Done()
	defer cancel()
	defer s.release()
	defer s.active.Add(-1)

	s.logger.Debug("task started", zap.String("task", e.task.ID.String()))
	start := time.Now()
	out, err := s.invoke(ctx, e.task)
	elapsed := time.Since(start)

	res := &TaskResult{
		TaskID:         e.task.ID,
		AgentID:        s.agentID,
		ProcessingTime: elapsed,
		CompletedAt:    time.Now().UTC(),
	}
	if err == nil && out == nil {
		err = fmt.Errorf("processor returned no output")
	}
	if err != nil {
		res.Error = err.Error()
		res.Content = map[string]string{"error": err.Error()}
	} else {
		res.Content = out.Content
		res.Confidence = clamp(out.Confidence)
		res.Metadata = out.Metadata
	}
	s.finish(e, res)

	if err != nil {
		s.logger.Warn("task failed",
			zap.String("task", e.task.ID.String()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return
	}
	s.logger.Debug("task completed",
		zap.String("task", e.task.ID.String()),
		zap.Duration("elapsed", elapsed),
		zap.Float64("confidence", res.Confidence))
}

// invoke calls the processor, converting a panic into an error.
func (s *Scheduler) invoke(ctx context.Context, task *Task) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return s.proc.Process(ctx, task)
}

func (s *Scheduler) finish(e *taskEntry, res *TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.result = res
	e.finishedAt = time.Now()
	if res.Failed() {
		s.metrics.Failed++
	} else {
		s.metrics.Processed++
	}
	s.metrics.TotalProcessingTime += res.ProcessingTime
	s.metrics.LastActivity = e.finishedAt
	close(e.done)
}

// abandon resolves a task that will never run.
func (s *Scheduler) abandon(e *taskEntry, cause error) {
	select {
	case <-e.picked:
	default:
		close(e.picked)
	}
	s.finish(e, &TaskResult{
		TaskID:      e.task.ID,
		AgentID:     s.agentID,
		Content:     map[string]string{"error": cause.Error()},
		Error:       cause.Error(),
		CompletedAt: time.Now().UTC(),
	})
}

// prune drops fetched results, then evicts the oldest unfetched results
// beyond the history bound.
func (s *Scheduler) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unfetched []*taskEntry
	for id, e := range s.tasks {
		if e.finishedAt.IsZero() {
			continue
		}
		if e.fetched {
			delete(s.tasks, id)
			continue
		}
		unfetched = append(unfetched, e)
	}
	excess := len(unfetched) - s.cfg.ResultHistory
	if excess <= 0 {
		return
	}
	sort.Slice(unfetched, func(i, j int) bool {
		return unfetched[i].finishedAt.Before(unfetched[j].finishedAt)
	})
	for _, e := range unfetched[:excess] {
		delete(s.tasks, e.task.ID)
	}
	s.logger.Debug("evicted unfetched results", zap.Int("count", excess))
}

// Shutdown stops accepting tasks, cancels running ones, resolves queued
// ones with ErrShuttingDown and waits up to the grace period for running
// tasks to return.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state.Load()
	if prev == stateStopping || prev == stateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state.Store(stateStopping)
	s.mu.Unlock()

	if prev == stateRunning {
		s.cancel()
		<-s.loopDone
	}

	drained := 0
drain:
	for {
		select {
		case e := <-s.queue:
			s.abandon(e, ErrShuttingDown)
			drained++
		default:
			break drain
		}
	}

	waited := make(chan struct{})
	go func() {
		s.units.Wait()
		close(waited)
	}()
	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	var err error
	select {
	case <-waited:
	case <-grace.C:
		err = fmt.Errorf("scheduler %s: %d tasks still running after %s", s.agentID, s.active.Load(), s.cfg.ShutdownGrace)
	case <-ctx.Done():
		err = fmt.Errorf("scheduler %s shutdown: %w", s.agentID, ctx.Err())
	}

	s.state.Store(stateStopped)
	s.logger.Info("scheduler stopped", zap.Int("drained", drained), zap.Error(err))
	return err
}

// Metrics returns a snapshot of the counters.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	m.Queued = len(s.queue)
	m.Active = int(s.active.Load())
	return m
}

// Tracked is the number of task entries currently held.
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) stopping() bool { return s.state.Load() == stateStopping }
func (s *Scheduler) stopped() bool  { return s.state.Load() == stateStopped }
func (s *Scheduler) busy() bool     { return s.active.Load() > 0 }

func clamp(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
