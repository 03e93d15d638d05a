package connection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SSETransport streams events over a Server-Sent Events response.
type SSETransport struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	peerGone     <-chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewSSETransport writes the event-stream response headers and returns a
// transport bound to the request. The handler must not return before the
// owning entry is done.
func NewSSETransport(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) (*SSETransport, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	t := &SSETransport{
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		peerGone:     r.Context().Done(),
	}
	if err := t.rc.Flush(); err != nil {
		return nil, fmt.Errorf("flush headers: %w", err)
	}
	return t, nil
}

// WriteEvent writes ev as one SSE frame. The data line carries the full
// JSON record.
func (t *SSETransport) WriteEvent(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var frame bytes.Buffer
	if ev.EventID != "" {
		fmt.Fprintf(&frame, "id: %s\n", sanitizeField(ev.EventID))
	}
	if ev.Action != "" {
		fmt.Fprintf(&frame, "event: %s\n", sanitizeField(ev.Action))
	}
	fmt.Fprintf(&frame, "data: %s\n\n", payload)

	return t.write(frame.Bytes())
}

// WriteKeepalive writes an SSE comment line, which EventSource clients ignore.
func (t *SSETransport) WriteKeepalive() error {
	return t.write([]byte(": keepalive " + time.Now().UTC().Format(time.RFC3339) + "\n\n"))
}

// Done is closed when the client disconnects.
func (t *SSETransport) Done() <-chan struct{} {
	return t.peerGone
}

// Close marks the transport closed. Once it returns no further writes touch
// the response, so the handler may return.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *SSETransport) write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	if t.writeTimeout > 0 {
		err := t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	if _, err := t.w.Write(p); err != nil {
		return err
	}
	return t.rc.Flush()
}

// sanitizeField strips line breaks, which would end an SSE field early.
func sanitizeField(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
