package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/reconnect"
	"github.com/dgnsrekt/streamrelay/internal/session"
	"github.com/dgnsrekt/streamrelay/internal/store"
)

type fakeDialer struct {
	body func() (io.ReadCloser, error)
}

func (f fakeDialer) Connector(string) reconnect.Connector {
	return reconnect.ConnectorFunc(func(context.Context, string) (io.ReadCloser, error) {
		return f.body()
	})
}

// blockingBody serves data and then blocks until closed.
func blockingBody(data string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		if data != "" {
			go func() { _, _ = io.WriteString(pw, data) }()
		}
		return pr, nil
	}
}

func newTestHub(t *testing.T, dialer session.Dialer) (*Hub, *session.Manager, *httptest.Server) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	manager := session.NewManager(dialer, store.NewMemoryStore(), session.Options{
		Policy:      reconnect.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1},
		IdleTimeout: -1,
	}, nil, logger)
	hub := NewHub(manager, logger)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("session"), r.URL.Query().Get("last_event_id"), nil)
	}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return hub, manager, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestServe_RelaysEvents(t *testing.T) {
	hub, _, srv := newTestHub(t, fakeDialer{body: blockingBody("id: 1\nevent: message\ndata: {\"a\":1}\n\nretry: 1500\nid: 2\ndata: two\n\n")})
	conn := dial(t, srv, "session=s1")

	connected := readMessage(t, conn)
	if connected.Type != TypeConnected || connected.Session != "s1" || connected.Resume != "fresh" {
		t.Fatalf("unexpected connected message %+v", connected)
	}

	first := readMessage(t, conn)
	if first.Type != TypeEvent || first.ID != "1" || first.Event != "message" || first.Data != `{"a":1}` {
		t.Errorf("unexpected first event %+v", first)
	}
	second := readMessage(t, conn)
	if second.ID != "2" || second.Data != "two" || second.Retry != 1500 {
		t.Errorf("unexpected second event %+v", second)
	}

	if hub.SessionClients("s1") != 1 {
		t.Errorf("expected 1 client for s1, got %d", hub.SessionClients("s1"))
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not unregistered after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServe_ReportsStreamFailure(t *testing.T) {
	_, _, srv := newTestHub(t, fakeDialer{body: func() (io.ReadCloser, error) {
		return nil, &reconnect.StatusError{Code: http.StatusForbidden}
	}})
	conn := dial(t, srv, "session=s2")

	if msg := readMessage(t, conn); msg.Type != TypeConnected {
		t.Fatalf("expected connected message, got %+v", msg)
	}
	closed := readMessage(t, conn)
	if closed.Type != TypeClosed || !strings.Contains(closed.Error, "403") {
		t.Errorf("expected closed message with status, got %+v", closed)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestHub_ShutdownDisconnectsClients(t *testing.T) {
	hub, _, srv := newTestHub(t, fakeDialer{body: blockingBody("")})
	conn := dial(t, srv, "session=s3")
	readMessage(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if msg := readMessage(t, conn); msg.Type != TypeClosed || msg.Error != "" {
		t.Errorf("expected clean closed message, got %+v", msg)
	}

	// New clients are turned away.
	late := dial(t, srv, "session=s4")
	if msg := readMessage(t, late); msg.Type != TypeClosed {
		t.Errorf("expected rejection, got %+v", msg)
	}
}
