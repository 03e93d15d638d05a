package router

import (
	"errors"
	"time"

	"github.com/rickgao/eventstream/internal/connection"
)

// Errors
var (
	ErrMissingTarget = errors.New("record missing targetIdentity")
)

// Config holds configuration for the Router.
type Config struct {
	Channel string

	// Host and Port describe the bus endpoint for Status only.
	Host string
	Port int

	// Reconnect policy: after failed attempt n, wait min(n*ReconnectStep,
	// ReconnectMaxDelay); give up once n exceeds MaxReconnectAttempts.
	MaxReconnectAttempts int           // Default: 10
	ReconnectStep        time.Duration // Default: 100ms
	ReconnectMaxDelay    time.Duration // Default: 2s
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Channel:              "sse-events",
		Host:                 "localhost",
		Port:                 6379,
		MaxReconnectAttempts: 10,
		ReconnectStep:        100 * time.Millisecond,
		ReconnectMaxDelay:    2 * time.Second,
	}
}

// Lookup is the registry view the router delivers through.
type Lookup interface {
	Get(clientName string) (*connection.Entry, bool)
}

// Status reports the bus subscription state.
type Status struct {
	Connected         bool   `json:"connected"`
	Channel           string `json:"channel"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

// Stats contains runtime statistics.
type Stats struct {
	Received    int64 `json:"received"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"` // target not held by this process
	Failed      int64 `json:"failed"`  // SendEvent returned an error
	ParseErrors int64 `json:"parseErrors"`
}
