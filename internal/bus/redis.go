package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisBus is a Bus backed by Redis pub/sub.
type RedisBus struct {
	client     *redis.Client
	bufferSize int
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisBus creates a RedisBus. The client dials lazily.
func NewRedisBus(cfg Config, logger *slog.Logger) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	return NewRedisBusFromClient(client, cfg.BufferSize, logger)
}

// NewRedisBusFromClient wraps an existing client. The bus takes ownership
// and closes it on Close.
func NewRedisBusFromClient(client *redis.Client, bufferSize int, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize < 1 {
		bufferSize = DefaultConfig().BufferSize
	}
	return &RedisBus{
		client:     client,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Ping checks that Redis is reachable.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Subscribe subscribes to channel and waits for the server confirmation.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if b.isClosed() {
		return nil, ErrBusClosed
	}

	ps := b.client.Subscribe(ctx, channel)

	// Receive the subscribe confirmation so connection errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := newRedisSubscription(ps, b.bufferSize, b.logger.With("channel", channel))
	go sub.receiveLoop()

	b.logger.Debug("redis subscription confirmed", "channel", channel)
	return sub, nil
}

// Publish publishes payload to channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Close closes the Redis client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	return b.client.Close()
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// redisSubscription adapts *redis.PubSub to Subscription.
type redisSubscription struct {
	ps     *redis.PubSub
	logger *slog.Logger

	msgs   chan Message
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func newRedisSubscription(ps *redis.PubSub, bufferSize int, logger *slog.Logger) *redisSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &redisSubscription{
		ps:     ps,
		logger: logger,
		msgs:   make(chan Message, bufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.msgs
}

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		// Closing the PubSub unblocks a pending ReceiveMessage.
		err = s.ps.Close()
	})
	return err
}

// receiveLoop forwards messages until the connection fails or Close is called.
// It does not let go-redis resubscribe behind the caller's back.
func (s *redisSubscription) receiveLoop() {
	defer close(s.msgs)

	for {
		msg, err := s.ps.ReceiveMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.mu.Lock()
				s.err = fmt.Errorf("%w: %v", ErrSubscriptionLost, err)
				s.mu.Unlock()
				s.logger.Warn("redis subscription lost", "error", err)
				s.cancel()
				s.ps.Close()
			}
			return
		}

		select {
		case s.msgs <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.ctx.Done():
			return
		}
	}
}
