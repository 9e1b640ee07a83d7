package comm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type envelope struct {
	channel string
	data    []byte
}

// LocalBroker is an in-process Broker. Messages are serialised on publish so
// subscribers never share the publisher's value, and delivered in publish
// order by a single goroutine that lives while at least one channel is
// subscribed.
type LocalBroker struct {
	mu       sync.Mutex
	handlers map[string]MessageHandler
	queue    chan envelope
	stop     context.CancelFunc
	loopDone chan struct{}
	closed   bool
	logger   *zap.Logger
}

// NewLocalBroker creates an in-process broker with the given queue depth.
func NewLocalBroker(queueSize int, logger *zap.Logger) *LocalBroker {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &LocalBroker{
		handlers: make(map[string]MessageHandler),
		queue:    make(chan envelope, queueSize),
		logger:   logger.Named("local-broker"),
	}
}

func (b *LocalBroker) Publish(ctx context.Context, channel string, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: broker disconnected", ErrPublish)
	}
	_, subscribed := b.handlers[channel]
	b.mu.Unlock()
	if !subscribed {
		b.logger.Debug("no subscriber, message dropped",
			zap.String("channel", channel), zap.String("id", msg.ID.String()))
		return nil
	}

	select {
	case b.queue <- envelope{channel: channel, data: data}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPublish, ctx.Err())
	}
}

func (b *LocalBroker) Subscribe(_ context.Context, channel string, fn MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("subscribe %s: broker disconnected", channel)
	}
	b.handlers[channel] = fn
	if b.stop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		b.stop = cancel
		b.loopDone = make(chan struct{})
		go b.listen(ctx, b.loopDone)
	}
	return nil
}

func (b *LocalBroker) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[channel]; !ok {
		return nil
	}
	delete(b.handlers, channel)
	if len(b.handlers) == 0 && b.stop != nil {
		b.stop()
		b.stop = nil
		b.loopDone = nil
	}
	return nil
}

func (b *LocalBroker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = make(map[string]MessageHandler)
	stop, done := b.stop, b.loopDone
	b.stop, b.loopDone = nil, nil
	b.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Stats() BrokerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return BrokerStats{
		Backend:   "local",
		Connected: !b.closed,
		Listening: b.stop != nil,
		Channels:  channels,
	}
}

func (b *LocalBroker) listen(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.queue:
			b.mu.Lock()
			fn := b.handlers[env.channel]
			b.mu.Unlock()
			if fn == nil {
				continue
			}
			msg, err := Decode(env.data)
			if err != nil {
				b.logger.Warn("dropping undecodable message", zap.Error(err))
				continue
			}
			deliver(ctx, b.logger, env.channel, fn, msg)
		}
	}
}

// deliver runs one handler call, isolating its errors and panics from the
// delivery loop.
func deliver(ctx context.Context, logger *zap.Logger, channel string, fn MessageHandler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message handler panicked",
				zap.String("channel", channel),
				zap.String("id", msg.ID.String()),
				zap.Any("panic", r))
		}
	}()
	if err := fn(ctx, msg); err != nil {
		logger.Warn("message handler failed",
			zap.String("channel", channel),
			zap.String("id", msg.ID.String()),
			zap.Error(err))
	}
}
