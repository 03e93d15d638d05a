package connection

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/eventstream/internal/audit"
)

var errWriteFailed = errors.New("write failed")

// fakeTransport records writes and lets tests inject failures.
type fakeTransport struct {
	mu            sync.Mutex
	events        []Event
	keepalives    int
	closes        int
	failWrites    bool
	failKeepalive bool
	panicKeep     bool
	panicWrite    bool
	onClose       func()

	// writeStarted and writeGate, when set, hold WriteEvent until released.
	writeStarted chan struct{}
	writeGate    chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (f *fakeTransport) WriteEvent(ev Event) error {
	if f.writeGate != nil {
		close(f.writeStarted)
		<-f.writeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicWrite {
		panic("write exploded")
	}
	if f.failWrites {
		return errWriteFailed
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeTransport) WriteKeepalive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicKeep {
		panic("keepalive exploded")
	}
	f.keepalives++
	if f.failKeepalive {
		return errWriteFailed
	}
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} {
	return f.done
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	hook := f.onClose
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// disconnect simulates the peer going away.
func (f *fakeTransport) disconnect() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeTransport) setFailWrites(v bool) {
	f.mu.Lock()
	f.failWrites = v
	f.mu.Unlock()
}

func (f *fakeTransport) setFailKeepalive(v bool) {
	f.mu.Lock()
	f.failKeepalive = v
	f.mu.Unlock()
}

func (f *fakeTransport) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeTransport) keepaliveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepalives
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeRecorder collects session records.
type fakeRecorder struct {
	mu      sync.Mutex
	records []audit.SessionRecord
}

func (r *fakeRecorder) Record(rec audit.SessionRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *fakeRecorder) all() []audit.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.SessionRecord, len(r.records))
	copy(out, r.records)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRegistry returns a registry whose heartbeat does not fire during a test
// unless a short interval is given.
func newTestRegistry(t *testing.T, heartbeat time.Duration) (*Registry, *fakeRecorder) {
	t.Helper()
	if heartbeat == 0 {
		heartbeat = time.Hour
	}
	rec := &fakeRecorder{}
	reg := NewRegistry(RegistryConfig{
		PodName:           "pod-test",
		HeartbeatInterval: heartbeat,
	}, rec, discardLogger())
	t.Cleanup(reg.CloseAll)
	return reg, rec
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func waitDone(t *testing.T, e *Entry) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatalf("entry %s did not close", e.ClientName())
	}
}
