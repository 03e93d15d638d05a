package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus is a Bus backed by RabbitMQ fanout exchanges.
//
// Each channel name maps to a fanout exchange. Every Subscription owns its
// own connection and an exclusive auto-delete queue bound to the exchange,
// so each process sees every message.
type AMQPBus struct {
	cfg    Config
	logger *slog.Logger

	// channelMutex guards the shared publishing connection.
	channelMutex sync.Mutex
	pubConn      *amqp.Connection
	pubCh        *amqp.Channel
	declared     map[string]bool
	closed       bool
}

// NewAMQPBus creates an AMQPBus. Connections are dialed on first use.
func NewAMQPBus(cfg Config, logger *slog.Logger) *AMQPBus {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	return &AMQPBus{
		cfg:      cfg,
		logger:   logger,
		declared: make(map[string]bool),
	}
}

func (b *AMQPBus) dial() (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(b.cfg.AMQPURL, amqp.Config{
		Dial: amqp.DefaultDial(b.cfg.DialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	return conn, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}

// Subscribe dials a dedicated connection and starts consuming channel.
func (b *AMQPBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.channelMutex.Lock()
	closed := b.closed
	b.channelMutex.Unlock()
	if closed {
		return nil, ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := b.dial()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareExchange(ch, channel); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", channel, err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", channel, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue %s: %w", q.Name, err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	sub := &amqpSubscription{
		conn:    conn,
		channel: channel,
		logger:  b.logger.With("channel", channel, "queue", q.Name),
		msgs:    make(chan Message, b.cfg.BufferSize),
		notify:  conn.NotifyClose(make(chan *amqp.Error, 1)),
		stop:    make(chan struct{}),
	}
	go sub.forward(deliveries)

	b.logger.Debug("amqp subscription confirmed", "channel", channel, "queue", q.Name)
	return sub, nil
}

// Publish sends payload to the fanout exchange named channel.
func (b *AMQPBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.channelMutex.Lock()
	defer b.channelMutex.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if err := b.ensurePublisherLocked(channel); err != nil {
		return err
	}

	err := b.pubCh.PublishWithContext(ctx,
		channel,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// ensurePublisherLocked redials the publishing connection if it was lost.
func (b *AMQPBus) ensurePublisherLocked(channel string) error {
	if b.pubConn == nil || b.pubConn.IsClosed() || b.pubCh == nil || b.pubCh.IsClosed() {
		if b.pubConn != nil {
			b.pubConn.Close()
		}
		b.pubConn, b.pubCh = nil, nil
		b.declared = make(map[string]bool)

		conn, err := b.dial()
		if err != nil {
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("open channel: %w", err)
		}
		b.pubConn, b.pubCh = conn, ch
	}

	if !b.declared[channel] {
		if err := declareExchange(b.pubCh, channel); err != nil {
			return fmt.Errorf("declare exchange %s: %w", channel, err)
		}
		b.declared[channel] = true
	}
	return nil
}

// Close closes the publishing connection. Open subscriptions are closed
// by their owners.
func (b *AMQPBus) Close() error {
	b.channelMutex.Lock()
	defer b.channelMutex.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.pubConn != nil {
		err := b.pubConn.Close()
		b.pubConn, b.pubCh = nil, nil
		return err
	}
	return nil
}

// amqpSubscription forwards deliveries from one exclusive queue.
type amqpSubscription struct {
	conn    *amqp.Connection
	channel string
	logger  *slog.Logger

	msgs   chan Message
	notify chan *amqp.Error
	stop   chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (s *amqpSubscription) Messages() <-chan Message {
	return s.msgs
}

func (s *amqpSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *amqpSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		// Closing the connection ends the deliveries channel.
		err = s.conn.Close()
	})
	return err
}

func (s *amqpSubscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *amqpSubscription) forward(deliveries <-chan amqp.Delivery) {
	defer close(s.msgs)

	for d := range deliveries {
		select {
		case s.msgs <- Message{Channel: s.channel, Payload: d.Body}:
		case <-s.stop:
			return
		}
	}

	if s.stopped() {
		return
	}

	cause := error(ErrSubscriptionLost)
	select {
	case amqpErr, ok := <-s.notify:
		if ok && amqpErr != nil {
			cause = fmt.Errorf("%w: %v", ErrSubscriptionLost, amqpErr)
		}
	default:
	}

	s.mu.Lock()
	s.err = cause
	s.mu.Unlock()
	s.logger.Warn("amqp subscription lost", "error", cause)
	s.conn.Close()
}
