package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoProcessor() Processor {
	return ProcessorFunc(func(_ context.Context, t *Task) (*Output, error) {
		return &Output{Content: t.Payload, Confidence: 0.9}, nil
	})
}

// blockingProcessor waits for ctx to end, or release to close.
func blockingProcessor(started chan<- uuid.UUID, release <-chan struct{}) Processor {
	return ProcessorFunc(func(ctx context.Context, t *Task) (*Output, error) {
		if started != nil {
			started <- t.ID
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return &Output{Content: "released", Confidence: 1}, nil
		}
	})
}

func startScheduler(t *testing.T, proc Processor, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	s := NewScheduler("test-agent", proc, cfg, zap.NewNop())
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestSubmitAndAwait(t *testing.T) {
	s := startScheduler(t, echoProcessor(), SchedulerConfig{})

	id, err := s.Submit(NewTask("hello"))
	require.NoError(t, err)
	res, err := s.AwaitResult(context.Background(), id, time.Second)
	require.NoError(t, err)

	assert.Equal(t, id, res.TaskID)
	assert.Equal(t, "test-agent", res.AgentID)
	assert.Equal(t, "hello", res.Content)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.False(t, res.Failed())

	m := s.Metrics()
	assert.EqualValues(t, 1, m.Processed)
	assert.Zero(t, m.Failed)
	assert.False(t, m.LastActivity.IsZero())
}

func TestSubmitQueueFull(t *testing.T) {
	s := NewScheduler("a", echoProcessor(), SchedulerConfig{QueueSize: 2}, zap.NewNop())

	_, err := s.Submit(NewTask(1))
	require.NoError(t, err)
	_, err = s.Submit(NewTask(2))
	require.NoError(t, err)
	_, err = s.Submit(NewTask(3))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSubmitDuplicateID(t *testing.T) {
	s := NewScheduler("a", echoProcessor(), SchedulerConfig{}, zap.NewNop())
	task := NewTask(1)
	_, err := s.Submit(task)
	require.NoError(t, err)
	_, err = s.Submit(task)
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestAwaitNotPickedUp(t *testing.T) {
	s := NewScheduler("a", echoProcessor(), SchedulerConfig{PickupTimeout: 30 * time.Millisecond}, zap.NewNop())
	id, err := s.Submit(NewTask("never runs"))
	require.NoError(t, err)

	start := time.Now()
	_, err = s.AwaitResult(context.Background(), id, 10*time.Second)
	assert.ErrorIs(t, err, ErrNotPickedUp)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitTimeout(t *testing.T) {
	s := startScheduler(t, blockingProcessor(nil, nil), SchedulerConfig{})
	id, err := s.Submit(NewTask("slow"))
	require.NoError(t, err)

	_, err = s.AwaitResult(context.Background(), id, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAwaitUnknownTask(t *testing.T) {
	s := startScheduler(t, echoProcessor(), SchedulerConfig{})
	_, err := s.AwaitResult(context.Background(), uuid.New(), time.Second)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestFailuresBecomeResults(t *testing.T) {
	proc := ProcessorFunc(func(_ context.Context, t *Task) (*Output, error) {
		switch t.Payload {
		case "error":
			return nil, errors.New("model unavailable")
		case "panic":
			panic("nil map")
		case "nil":
			return nil, nil
		}
		return &Output{Content: "ok", Confidence: 7}, nil
	})
	s := startScheduler(t, proc, SchedulerConfig{})

	for _, payload := range []string{"error", "panic", "nil"} {
		id, err := s.Submit(NewTask(payload))
		require.NoError(t, err)
		res, err := s.AwaitResult(context.Background(), id, time.Second)
		require.NoError(t, err, payload)
		assert.True(t, res.Failed(), payload)
		assert.Zero(t, res.Confidence, payload)
	}

	id, _ := s.Submit(NewTask("fine"))
	res, err := s.AwaitResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Confidence, "confidence is clamped")

	m := s.Metrics()
	assert.EqualValues(t, 1, m.Processed)
	assert.EqualValues(t, 3, m.Failed)
}

func TestTaskDeadline(t *testing.T) {
	s := startScheduler(t, blockingProcessor(nil, nil), SchedulerConfig{TaskTimeout: 20 * time.Millisecond})
	id, err := s.Submit(NewTask("x"))
	require.NoError(t, err)

	res, err := s.AwaitResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Error, context.DeadlineExceeded.Error())
	assert.GreaterOrEqual(t, s.Metrics().TotalProcessingTime, 20*time.Millisecond)
}

func TestTasksRunConcurrently(t *testing.T) {
	var running, peak atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, _ *Task) (*Output, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return &Output{Content: "done"}, nil
	})
	s := startScheduler(t, proc, SchedulerConfig{})

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		id, err := s.Submit(NewTask(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		_, err := s.AwaitResult(context.Background(), id, time.Second)
		require.NoError(t, err)
	}
	assert.Greater(t, peak.Load(), int32(1))
}

func TestMaxConcurrentCapsParallelism(t *testing.T) {
	var running, peak atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, _ *Task) (*Output, error) {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return &Output{Content: "done"}, nil
	})
	s := startScheduler(t, proc, SchedulerConfig{MaxConcurrent: 1})

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		id, _ := s.Submit(NewTask(i))
		ids = append(ids, id)
	}
	for _, id := range ids {
		_, err := s.AwaitResult(context.Background(), id, time.Second)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, peak.Load())
}

func TestFetchedResultsArePruned(t *testing.T) {
	s := startScheduler(t, echoProcessor(), SchedulerConfig{})

	first, _ := s.Submit(NewTask(1))
	_, err := s.AwaitResult(context.Background(), first, time.Second)
	require.NoError(t, err)

	second, _ := s.Submit(NewTask(2))
	require.Eventually(t, func() bool {
		_, err := s.AwaitResult(context.Background(), first, time.Millisecond)
		return errors.Is(err, ErrTaskNotFound)
	}, time.Second, 5*time.Millisecond)

	_, err = s.AwaitResult(context.Background(), second, time.Second)
	require.NoError(t, err)
}

func TestUnfetchedResultsAreBounded(t *testing.T) {
	s := startScheduler(t, echoProcessor(), SchedulerConfig{ResultHistory: 2, MaxConcurrent: 1})

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		id, _ := s.Submit(NewTask(i))
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool { return s.Metrics().Processed == 4 }, time.Second, 5*time.Millisecond)

	_, _ = s.Submit(NewTask("trigger prune"))
	require.Eventually(t, func() bool { return s.Tracked() <= 3 }, time.Second, 5*time.Millisecond)

	_, err := s.AwaitResult(context.Background(), ids[0], time.Millisecond)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	res, err := s.AwaitResult(context.Background(), ids[3], time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Content)
}

func TestShutdownResolvesQueuedTasks(t *testing.T) {
	s := NewScheduler("a", echoProcessor(), SchedulerConfig{}, zap.NewNop())
	id1, _ := s.Submit(NewTask(1))
	id2, _ := s.Submit(NewTask(2))

	require.NoError(t, s.Shutdown(context.Background()))
	for _, id := range []uuid.UUID{id1, id2} {
		res, err := s.AwaitResult(context.Background(), id, time.Second)
		require.NoError(t, err)
		assert.Equal(t, ErrShuttingDown.Error(), res.Error)
	}

	_, err := s.Submit(NewTask(3))
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Error(t, s.Start())
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	started := make(chan uuid.UUID, 1)
	s := NewScheduler("a", blockingProcessor(started, nil), SchedulerConfig{}, zap.NewNop())
	require.NoError(t, s.Start())

	id, _ := s.Submit(NewTask("long"))
	<-started
	assert.True(t, s.busy())

	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, s.stopped())
	res, err := s.AwaitResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Error, context.Canceled.Error())
}

func TestShutdownGraceExpires(t *testing.T) {
	stuck := ProcessorFunc(func(context.Context, *Task) (*Output, error) {
		time.Sleep(300 * time.Millisecond)
		return &Output{}, nil
	})
	s := NewScheduler("a", stuck, SchedulerConfig{ShutdownGrace: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, s.Start())
	id, _ := s.Submit(NewTask("ignores ctx"))
	require.Eventually(t, s.busy, time.Second, time.Millisecond)

	start := time.Now()
	err := s.Shutdown(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, s.stopped())

	_, err = s.AwaitResult(context.Background(), id, time.Second)
	require.NoError(t, err)
}

func TestNaNConfidenceIsZeroed(t *testing.T) {
	proc := ProcessorFunc(func(context.Context, *Task) (*Output, error) {
		return &Output{Content: "unsure", Confidence: math.NaN()}, nil
	})
	s := startScheduler(t, proc, SchedulerConfig{})

	id, err := s.Submit(NewTask("x"))
	require.NoError(t, err)
	res, err := s.AwaitResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Zero(t, res.Confidence)

	_, err = json.Marshal(res)
	require.NoError(t, err)
}

func TestStartRacingShutdown(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := NewScheduler("racy", echoProcessor(), SchedulerConfig{}, zap.NewNop())
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Start()
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = s.Shutdown(ctx)
		}()
		wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, s.Shutdown(ctx))
		cancel()
		_, err := s.Submit(NewTask("late"))
		assert.ErrorIs(t, err, ErrShuttingDown)
	}
}
