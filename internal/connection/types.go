package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrClosed               = errors.New("connection closed")
	ErrTransportClosed      = errors.New("transport closed")
	ErrStreamingUnsupported = errors.New("response writer does not support streaming")
)

// State is the lifecycle state of an Entry. Transitions are Alive -> Closed only.
type State int32

const (
	StateAlive State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records which trigger closed an entry.
type CloseReason string

const (
	ReasonDisconnected    CloseReason = "disconnected"     // transport reported the peer gone
	ReasonHeartbeatFailed CloseReason = "heartbeat_failed" // keepalive write failed
	ReasonSendFailed      CloseReason = "send_failed"      // event write failed
	ReasonEvicted         CloseReason = "evicted"          // replaced by a newer registration
	ReasonShutdown        CloseReason = "shutdown"         // registry CloseAll
	ReasonClosed          CloseReason = "closed"           // explicit Close call
)

// Event is one record delivered to a client. It is also the bus wire format.
type Event struct {
	TargetIdentity string          `json:"targetIdentity"`
	Action         string          `json:"action"`
	EventID        string          `json:"eventId"`
	Timestamp      string          `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Transport is the server-push handle an Entry owns.
//
// Implementations need not serialize writes; Entry never issues two writes at
// once. Close may be called concurrently with a write and must be safe to
// call more than once.
type Transport interface {
	// WriteEvent writes one application event.
	WriteEvent(ev Event) error

	// WriteKeepalive writes an inert frame the client must not treat as an event.
	WriteKeepalive() error

	// Done is closed when the peer disconnects or the transport fails passively.
	Done() <-chan struct{}

	// Close terminates the transport.
	Close() error
}

// Stats is a read-only snapshot of an Entry.
type Stats struct {
	SessionID    string    `json:"sessionId"`
	ClientName   string    `json:"clientName"`
	PodName      string    `json:"podName"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	EventCount   int64     `json:"eventCount"`
	IsAlive      bool      `json:"isAlive"`
	Uptime       float64   `json:"uptime"` // seconds
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	PodName           string        // Reported in Stats and session records
	HeartbeatInterval time.Duration // Keepalive period per entry
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		PodName:           "local",
		HeartbeatInterval: 30 * time.Second,
	}
}
