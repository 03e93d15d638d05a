package connection

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsServer upgrades every request and registers it under the "client" query parameter.
func wsServer(t *testing.T, reg *Registry) *httptest.Server {
	t.Helper()
	return wsServerTimeout(t, reg, time.Second)
}

func wsServerTimeout(t *testing.T, reg *Registry, writeTimeout time.Duration) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		tr := NewWebSocketTransport(conn, writeTimeout, discardLogger())
		e := reg.Register(r.URL.Query().Get("client"), tr)
		<-e.Done()
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialWS(t *testing.T, server *httptest.Server, client string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server)+"?client="+client, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketTransport_DeliversEvent(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	server := wsServer(t, reg)
	conn := dialWS(t, server, "A")

	if !waitFor(t, time.Second, func() bool { return reg.Has("A") }) {
		t.Fatal("client A never registered")
	}
	e, _ := reg.Get("A")
	if err := e.SendEvent(testEvent("A", "e1")); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Errorf("message type = %d, want text", msgType)
	}

	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EventID != "e1" || got.TargetIdentity != "A" || got.Action != "notify" {
		t.Errorf("event = %+v", got)
	}
}

func TestWebSocketTransport_ZeroTimeoutWrites(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	server := wsServerTimeout(t, reg, 0)
	conn := dialWS(t, server, "A")

	if !waitFor(t, time.Second, func() bool { return reg.Has("A") }) {
		t.Fatal("client A never registered")
	}
	e, _ := reg.Get("A")
	if err := e.SendEvent(testEvent("A", "e1")); err != nil {
		t.Fatalf("SendEvent with zero timeout: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.EventID != "e1" {
		t.Errorf("EventID = %q, want e1", got.EventID)
	}
	if !e.Stats().IsAlive {
		t.Error("entry should stay alive")
	}
}

func TestWebSocketTransport_KeepaliveIsPing(t *testing.T) {
	reg, _ := newTestRegistry(t, 20*time.Millisecond)
	server := wsServer(t, reg)
	conn := dialWS(t, server, "A")

	var pings atomic.Int32
	conn.SetPingHandler(func(data string) error {
		pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !waitFor(t, time.Second, func() bool { return pings.Load() >= 2 }) {
		t.Errorf("pings = %d, want >= 2", pings.Load())
	}
}

func TestWebSocketTransport_ClientDisconnect(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	server := wsServer(t, reg)
	conn := dialWS(t, server, "A")

	if !waitFor(t, time.Second, func() bool { return reg.Has("A") }) {
		t.Fatal("client A never registered")
	}
	e, _ := reg.Get("A")

	conn.Close()
	waitDone(t, e)

	if e.CloseReason() != ReasonDisconnected {
		t.Errorf("CloseReason = %q, want %q", e.CloseReason(), ReasonDisconnected)
	}
}

func TestWebSocketTransport_ServerCloseSendsNormalClosure(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	server := wsServer(t, reg)
	conn := dialWS(t, server, "A")

	if !waitFor(t, time.Second, func() bool { return reg.Has("A") }) {
		t.Fatal("client A never registered")
	}
	e, _ := reg.Get("A")
	e.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage error = %v, want normal closure", err)
	}
}
