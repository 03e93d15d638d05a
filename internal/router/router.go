package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/eventstream/internal/bus"
	"github.com/rickgao/eventstream/internal/connection"
)

// timestampLayout is ISO-8601 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Router subscribes to the bus channel and delivers records to local entries.
type Router struct {
	cfg    Config
	bus    bus.Bus
	lookup Lookup
	logger *slog.Logger

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error

	// Subscription state
	mu        sync.RWMutex
	connected bool
	attempts  int
	sub       bus.Subscription

	// Stats
	received    atomic.Int64
	delivered   atomic.Int64
	dropped     atomic.Int64
	failed      atomic.Int64
	parseErrors atomic.Int64
}

// NewRouter creates a Router. Zero reconnect settings fall back to defaults.
func NewRouter(cfg Config, b bus.Bus, lookup Lookup, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Channel == "" {
		cfg.Channel = defaults.Channel
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if cfg.ReconnectStep <= 0 {
		cfg.ReconnectStep = defaults.ReconnectStep
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}

	return &Router{
		cfg:    cfg,
		bus:    b,
		lookup: lookup,
		logger: logger.With("channel", cfg.Channel),
	}
}

// Start launches the subscribe/consume loop and returns immediately.
// Bus connectivity problems are retried in the background.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("message router started",
		"host", r.cfg.Host,
		"port", r.cfg.Port,
		"max_reconnect_attempts", r.cfg.MaxReconnectAttempts,
	)
	return nil
}

// Disconnect stops consuming and closes the bus. Repeated calls return the
// result of the first.
func (r *Router) Disconnect(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.logger.Info("disconnecting message router")

		if r.cancel != nil {
			r.cancel()
		}

		r.mu.RLock()
		sub := r.sub
		r.mu.RUnlock()
		if sub != nil {
			sub.Close()
		}

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			r.logger.Warn("message router stop timed out")
		}

		r.mu.Lock()
		r.connected = false
		r.mu.Unlock()

		if err := r.bus.Close(); err != nil {
			r.stopErr = fmt.Errorf("close bus: %w", err)
		}
		r.logger.Info("message router disconnected")
	})
	return r.stopErr
}

// Status returns the current subscription state.
func (r *Router) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Status{
		Connected:         r.connected,
		Channel:           r.cfg.Channel,
		Host:              r.cfg.Host,
		Port:              r.cfg.Port,
		ReconnectAttempts: r.attempts,
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		Received:    r.received.Load(),
		Delivered:   r.delivered.Load(),
		Dropped:     r.dropped.Load(),
		Failed:      r.failed.Load(),
		ParseErrors: r.parseErrors.Load(),
	}
}

// Publish sends ev to the bus channel, filling EventID and Timestamp when
// empty. It returns the event as published.
func (r *Router) Publish(ctx context.Context, ev connection.Event) (connection.Event, error) {
	if ev.TargetIdentity == "" {
		return ev, ErrMissingTarget
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(timestampLayout)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("marshal event: %w", err)
	}
	if err := r.bus.Publish(ctx, r.cfg.Channel, payload); err != nil {
		return ev, err
	}
	return ev, nil
}

// backoffDelay returns the wait after the given failed attempt (1-based).
func (r *Router) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(attempt) * r.cfg.ReconnectStep
	if delay > r.cfg.ReconnectMaxDelay {
		delay = r.cfg.ReconnectMaxDelay
	}
	return delay
}

// run alternates between subscribing and consuming until stopped or the
// reconnect policy gives up.
func (r *Router) run() {
	defer r.wg.Done()

	for {
		sub, ok := r.subscribe()
		if !ok {
			return
		}

		r.consume(sub)

		if r.ctx.Err() != nil {
			return
		}
		delay := r.cfg.ReconnectStep
		r.logger.Warn("bus subscription lost, reconnecting", "retry_in", delay, "error", sub.Err())

		// A flapping bus is retried at most once per step.
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// subscribe applies the reconnect policy until a subscription is confirmed.
func (r *Router) subscribe() (bus.Subscription, bool) {
	attempt := 0
	for {
		if r.ctx.Err() != nil {
			return nil, false
		}

		sub, err := r.bus.Subscribe(r.ctx, r.cfg.Channel)
		if err == nil {
			r.mu.Lock()
			r.sub = sub
			r.connected = true
			r.attempts = 0
			r.mu.Unlock()

			r.logger.Info("subscribed to bus", "after_attempts", attempt)
			return sub, true
		}

		attempt++
		r.mu.Lock()
		r.attempts = attempt
		r.mu.Unlock()

		if attempt > r.cfg.MaxReconnectAttempts {
			r.logger.Error("bus reconnect attempts exhausted, staying disconnected",
				"attempts", attempt,
				"error", err,
			)
			return nil, false
		}

		delay := r.backoffDelay(attempt)
		r.logger.Warn("bus subscribe failed",
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)

		select {
		case <-r.ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
	}
}

// consume delivers messages until the subscription ends or the router stops.
func (r *Router) consume(sub bus.Subscription) {
	defer func() {
		sub.Close()
		r.mu.Lock()
		r.sub = nil
		r.connected = false
		r.mu.Unlock()
	}()

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			r.deliver(msg.Payload)
		}
	}
}

// deliver parses one raw record and hands it to the matching local entry.
func (r *Router) deliver(raw []byte) {
	r.received.Add(1)

	ev, err := parseEvent(raw)
	if err != nil {
		r.parseErrors.Add(1)
		r.logger.Warn("dropping invalid bus record", "error", err, "size", len(raw))
		return
	}

	entry, ok := r.lookup.Get(ev.TargetIdentity)
	if !ok {
		r.dropped.Add(1)
		r.logger.Debug("target not held locally",
			"target", ev.TargetIdentity,
			"event_id", ev.EventID,
		)
		return
	}

	if err := entry.SendEvent(ev); err != nil {
		r.failed.Add(1)
		r.logger.Warn("event delivery failed",
			"target", ev.TargetIdentity,
			"event_id", ev.EventID,
			"error", err,
		)
		return
	}

	r.delivered.Add(1)
	r.logger.Debug("event delivered",
		"target", ev.TargetIdentity,
		"event_id", ev.EventID,
		"action", ev.Action,
	)
}

func parseEvent(raw []byte) (connection.Event, error) {
	var ev connection.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("parse event: %w", err)
	}
	if ev.TargetIdentity == "" {
		return ev, ErrMissingTarget
	}
	return ev, nil
}
