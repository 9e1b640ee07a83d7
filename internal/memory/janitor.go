package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically prunes index references to expired entries.
type Janitor struct {
	handler  Handler
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	removed int
}

// NewJanitor creates a janitor that runs every interval once started.
func NewJanitor(handler Handler, interval time.Duration, logger *zap.Logger) *Janitor {
	return &Janitor{
		handler:  handler,
		interval: interval,
		logger:   logger.Named("memory-janitor"),
	}
}

// Start launches the cleanup loop. It is a no-op when already running or
// when the interval is not positive.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil || j.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.loop(ctx, j.done)
	j.logger.Info("memory janitor started", zap.Duration("interval", j.interval))
}

// Stop ends the loop and waits for a running pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (j *Janitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass and returns the references removed.
func (j *Janitor) RunOnce(ctx context.Context) int {
	n, err := j.handler.CleanupExpired(ctx)
	if err != nil {
		j.logger.Warn("memory cleanup failed", zap.Error(err))
	}
	j.mu.Lock()
	j.removed += n
	j.mu.Unlock()
	return n
}

// Removed is the total number of references pruned since creation.
func (j *Janitor) Removed() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.removed
}
