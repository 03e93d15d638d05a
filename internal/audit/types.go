package audit

import "time"

// SessionRecord summarizes one streaming connection after it closed.
type SessionRecord struct {
	SessionID   string
	ClientName  string
	PodName     string
	ConnectedAt time.Time
	ClosedAt    time.Time
	EventCount  int64
	CloseReason string
}

// Recorder receives session records. Record must not block the caller.
type Recorder interface {
	Record(rec SessionRecord)
}

// Nop discards every record.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(SessionRecord) {}

// Config configures a PGRecorder.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 1 * time.Second,
		BufferSize:    10000,
	}
}

// Metrics tracks recorder activity.
type Metrics struct {
	Recorded int64 `json:"recorded"`
	Dropped  int64 `json:"dropped"`
	Inserted int64 `json:"inserted"`
	Flushes  int64 `json:"flushes"`
	Errors   int64 `json:"errors"`
}
