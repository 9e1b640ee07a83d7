package comm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultSubscribeTimeout = 5 * time.Second
	receiveRetryDelay       = 500 * time.Millisecond
)

// RedisBroker implements Broker on Redis Pub/Sub. All subscriptions share one
// PubSub connection and one listen goroutine; both are created by the first
// Subscribe and released with the last Unsubscribe.
type RedisBroker struct {
	rdb        *redis.Client
	ownsClient bool
	logger     *zap.Logger

	subscribeTimeout time.Duration

	mu       sync.Mutex
	ps       *redis.PubSub
	handlers map[string]MessageHandler
	waiters  map[string][]chan struct{}
	stop     context.CancelFunc
	loopDone chan struct{}
	closed   bool
}

// NewRedisBroker connects to redisURL and verifies the connection.
func NewRedisBroker(redisURL string, logger *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b := NewRedisBrokerFromClient(rdb, logger)
	b.ownsClient = true
	return b, nil
}

// NewRedisBrokerFromClient uses an existing client. Disconnect leaves the
// client open.
func NewRedisBrokerFromClient(rdb *redis.Client, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{
		rdb:              rdb,
		logger:           logger.Named("redis-broker"),
		subscribeTimeout: defaultSubscribeTimeout,
		handlers:         make(map[string]MessageHandler),
		waiters:          make(map[string][]chan struct{}),
	}
}

// SetSubscribeTimeout bounds how long Subscribe waits for the server's
// confirmation when ctx carries no deadline.
func (b *RedisBroker) SetSubscribeTimeout(d time.Duration) {
	if d > 0 {
		b.subscribeTimeout = d
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("%w: channel %s: %v", ErrPublish, channel, err)
	}
	b.logger.Debug("published message",
		zap.String("channel", channel),
		zap.String("from", msg.FromActor),
		zap.String("type", string(msg.Type)))
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string, fn MessageHandler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s: broker disconnected", channel)
	}
	if _, ok := b.handlers[channel]; ok {
		b.handlers[channel] = fn
		b.mu.Unlock()
		return nil
	}
	b.handlers[channel] = fn
	confirmed := make(chan struct{})
	b.waiters[channel] = append(b.waiters[channel], confirmed)

	ps := b.ps
	if ps == nil {
		ps = b.rdb.Subscribe(context.Background())
		loopCtx, cancel := context.WithCancel(context.Background())
		b.ps = ps
		b.stop = cancel
		b.loopDone = make(chan struct{})
		go b.listen(loopCtx, ps, b.loopDone)
	}
	b.mu.Unlock()

	if err := ps.Subscribe(ctx, channel); err != nil {
		b.forget(channel, confirmed)
		_ = b.Unsubscribe(context.Background(), channel)
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	wait := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, b.subscribeTimeout)
		defer cancel()
	}
	select {
	case <-confirmed:
		b.logger.Debug("subscribed", zap.String("channel", channel))
		return nil
	case <-wait.Done():
		b.forget(channel, confirmed)
		_ = b.Unsubscribe(context.Background(), channel)
		return fmt.Errorf("subscribe %s: no confirmation: %w", channel, wait.Err())
	}
}

func (b *RedisBroker) forget(channel string, confirmed chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[channel]
	for i, w := range ws {
		if w == confirmed {
			b.waiters[channel] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.waiters[channel]) == 0 {
		delete(b.waiters, channel)
	}
}

func (b *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	if _, ok := b.handlers[channel]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.handlers, channel)
	ps := b.ps
	var stop context.CancelFunc
	if len(b.handlers) == 0 {
		stop = b.stop
		b.ps, b.stop, b.loopDone = nil, nil, nil
	}
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	if stop != nil {
		// Closing the connection unblocks Receive; the loop exits on its own.
		stop()
		if err := ps.Close(); err != nil {
			b.logger.Debug("close pubsub", zap.Error(err))
		}
		return nil
	}
	if err := ps.Unsubscribe(ctx, channel); err != nil {
		b.logger.Warn("unsubscribe failed", zap.String("channel", channel), zap.Error(err))
	}
	return nil
}

func (b *RedisBroker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps, stop, done := b.ps, b.stop, b.loopDone
	b.ps, b.stop, b.loopDone = nil, nil, nil
	b.handlers = make(map[string]MessageHandler)
	b.mu.Unlock()

	var errs []error
	if stop != nil {
		stop()
		if err := ps.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if b.ownsClient {
		if err := b.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (b *RedisBroker) Stats() BrokerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return BrokerStats{
		Backend:   "redis",
		Connected: !b.closed,
		Listening: b.ps != nil,
		Channels:  channels,
	}
}

func (b *RedisBroker) listen(ctx context.Context, ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	for {
		raw, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			b.logger.Warn("pubsub receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		switch m := raw.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.confirm(m.Channel)
			}
		case *redis.Message:
			b.mu.Lock()
			fn := b.handlers[m.Channel]
			b.mu.Unlock()
			if fn == nil {
				continue
			}
			msg, err := Decode([]byte(m.Payload))
			if err != nil {
				b.logger.Warn("dropping undecodable message",
					zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			deliver(ctx, b.logger, m.Channel, fn, msg)
		}
	}
}

func (b *RedisBroker) confirm(channel string) {
	b.mu.Lock()
	ws := b.waiters[channel]
	delete(b.waiters, channel)
	b.mu.Unlock()
	for _, w := range ws {
		close(w)
	}
}
