package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Submit when the task queue is at capacity.
	ErrQueueFull = errors.New("task queue full")
	// ErrNotPickedUp is returned when a task is not dequeued within the pickup window.
	ErrNotPickedUp = errors.New("task not picked up")
	// ErrTimeout is returned when a task does not finish within the await timeout.
	ErrTimeout = errors.New("task result timeout")
	// ErrShuttingDown is returned once the scheduler stops accepting work.
	ErrShuttingDown = errors.New("scheduler shutting down")
	// ErrTaskNotFound is returned for unknown or already pruned task IDs.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateTask is returned when a task ID is already tracked.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrAgentNotFound is returned when an agent ID doesn't exist.
	ErrAgentNotFound = errors.New("agent not found")
)

// Task is one unit of work submitted to an actor.
type Task struct {
	ID          uuid.UUID         `json:"id"`
	Payload     any               `json:"payload"`
	SourceAgent string            `json:"source_agent,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Priority    int               `json:"priority"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// NewTask wraps payload in a task with a fresh ID.
func NewTask(payload any) *Task {
	return &Task{ID: uuid.New(), Payload: payload, SubmittedAt: time.Now().UTC()}
}

// TaskResult is the outcome of a task. A failed task has Confidence 0 and a
// non-empty Error.
type TaskResult struct {
	TaskID         uuid.UUID      `json:"task_id"`
	AgentID        string         `json:"agent_id"`
	Content        any            `json:"content"`
	Confidence     float64        `json:"confidence"`
	ProcessingTime time.Duration  `json:"processing_time"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// Failed reports whether the task ended in error.
func (r *TaskResult) Failed() bool { return r.Error != "" }

// Output is what a Processor produces for a task.
type Output struct {
	Content    any
	Confidence float64
	Metadata   map[string]any
}

// Processor performs the work for a task. It must honour ctx cancellation.
type Processor interface {
	Process(ctx context.Context, task *Task) (*Output, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task *Task) (*Output, error)

func (f ProcessorFunc) Process(ctx context.Context, task *Task) (*Output, error) {
	return f(ctx, task)
}

// Status is an actor's lifecycle state.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusProcessing    Status = "processing"
	StatusCommunicating Status = "communicating"
	StatusShuttingDown  Status = "shutting_down"
	StatusShutdown      Status = "shutdown"
)

// Metrics are cumulative task counters for one actor.
type Metrics struct {
	Processed           int64         `json:"processed"`
	Failed              int64         `json:"failed"`
	TotalProcessingTime time.Duration `json:"total_processing_time"`
	LastActivity        time.Time     `json:"last_activity"`
	Queued              int           `json:"queued"`
	Active              int           `json:"active"`
}
