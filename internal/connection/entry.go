package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/eventstream/internal/audit"
)

// Entry owns one client's streaming transport.
//
// All four disconnect signals (passive transport close, heartbeat failure,
// send failure, eviction) funnel into close, which runs its effects once.
type Entry struct {
	id         string
	clientName string
	podName    string
	transport  Transport
	heartbeat  time.Duration
	owner      *Registry
	logger     *slog.Logger

	// Write serialization (events and keepalives)
	writeMu sync.Mutex

	// State
	mu             sync.Mutex
	state          State
	reason         CloseReason
	connectedAt    time.Time
	lastActivityAt time.Time
	closedAt       time.Time
	eventCount     int64

	stop chan struct{} // closed when state becomes Closed
	done chan struct{} // closed after the close effects finished
}

func newEntry(clientName string, t Transport, owner *Registry) *Entry {
	now := time.Now()
	id := uuid.NewString()
	return &Entry{
		id:             id,
		clientName:     clientName,
		podName:        owner.cfg.PodName,
		transport:      t,
		heartbeat:      owner.cfg.HeartbeatInterval,
		owner:          owner,
		logger:         owner.logger.With("client", clientName, "session", id),
		state:          StateAlive,
		connectedAt:    now,
		lastActivityAt: now,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// start launches the supervision loop.
func (e *Entry) start() {
	go e.superviseLoop()
}

// ClientName returns the identity this entry is registered under.
func (e *Entry) ClientName() string {
	return e.clientName
}

// SessionID returns the unique ID of this connection.
func (e *Entry) SessionID() string {
	return e.id
}

// State returns the current lifecycle state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CloseReason returns why the entry closed, or "" while it is alive.
func (e *Entry) CloseReason() CloseReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// Done is closed once the entry has closed and released its transport.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// SendEvent writes ev to the client. A write failure closes the entry.
func (e *Entry) SendEvent(ev Event) error {
	err := e.writeEvent(ev)
	if errors.Is(err, ErrClosed) {
		return err
	}
	if err != nil {
		e.logger.Warn("event write failed", "event_id", ev.EventID, "error", err)
		e.close(ReasonSendFailed)
		return fmt.Errorf("send event %s: %w", ev.EventID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Closed while the write was in flight: the session record is final.
	if e.state == StateClosed {
		return ErrClosed
	}
	e.eventCount++
	e.lastActivityAt = time.Now()
	return nil
}

// writeEvent writes one event, converting a transport panic into an error.
func (e *Entry) writeEvent(ev Event) (err error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if !e.alive() {
		return ErrClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write panic: %v", r)
		}
	}()
	return e.transport.WriteEvent(ev)
}

// Close closes the entry. Calls after the first are no-ops.
func (e *Entry) Close() {
	e.close(ReasonClosed)
}

// Stats returns a snapshot of the entry. Safe in any state.
func (e *Entry) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	end := time.Now()
	if e.state == StateClosed {
		end = e.closedAt
	}

	return Stats{
		SessionID:    e.id,
		ClientName:   e.clientName,
		PodName:      e.podName,
		ConnectedAt:  e.connectedAt,
		LastActivity: e.lastActivityAt,
		EventCount:   e.eventCount,
		IsAlive:      e.state == StateAlive,
		Uptime:       end.Sub(e.connectedAt).Seconds(),
	}
}

func (e *Entry) alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateAlive
}

// superviseLoop watches the transport and sends keepalives until the entry closes.
func (e *Entry) superviseLoop() {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-e.transport.Done():
			e.close(ReasonDisconnected)
			return
		case <-ticker.C:
			if err := e.writeKeepalive(); err != nil {
				e.logger.Warn("heartbeat failed", "error", err)
				e.close(ReasonHeartbeatFailed)
				return
			}
		}
	}
}

// writeKeepalive writes one keepalive, converting a transport panic into an error.
func (e *Entry) writeKeepalive() (err error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if !e.alive() {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keepalive panic: %v", r)
		}
	}()
	return e.transport.WriteKeepalive()
}

// close performs the Alive -> Closed transition. It reports whether this
// call did the transition.
func (e *Entry) close(reason CloseReason) bool {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return false
	}
	e.state = StateClosed
	e.reason = reason
	e.closedAt = time.Now()
	close(e.stop)
	rec := audit.SessionRecord{
		SessionID:   e.id,
		ClientName:  e.clientName,
		PodName:     e.podName,
		ConnectedAt: e.connectedAt,
		ClosedAt:    e.closedAt,
		EventCount:  e.eventCount,
		CloseReason: string(reason),
	}
	e.mu.Unlock()

	if err := e.closeTransport(); err != nil {
		e.logger.Warn("transport close failed", "error", err)
	}

	e.owner.release(e)
	close(e.done)

	e.logger.Info("connection closed",
		"reason", reason,
		"events", rec.EventCount,
		"uptime", rec.ClosedAt.Sub(rec.ConnectedAt).Round(time.Millisecond),
	)

	e.owner.recorder.Record(rec)
	return true
}

// closeTransport terminates the transport, converting a panic into an error
// so the remaining close effects still run.
func (e *Entry) closeTransport() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport close panic: %v", r)
		}
	}()
	return e.transport.Close()
}
