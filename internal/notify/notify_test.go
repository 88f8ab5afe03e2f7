package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/observe"
)

type received struct {
	path     string
	title    string
	priority string
	tags     string
	auth     string
	body     string
}

func newNtfyServer(t *testing.T, status int) (*httptest.Server, chan received) {
	t.Helper()
	ch := make(chan received, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- received{
			path:     r.URL.Path,
			title:    r.Header.Get("Title"),
			priority: r.Header.Get("Priority"),
			tags:     r.Header.Get("Tags"),
			auth:     r.Header.Get("Authorization"),
			body:     string(body),
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, ch
}

func TestClient_SendStreamFailed(t *testing.T) {
	server, ch := newNtfyServer(t, http.StatusOK)
	logger, _ := zap.NewDevelopment()

	client := NewClient(&Config{
		Enabled:  true,
		Server:   server.URL + "/",
		Topic:    "relay",
		Priority: "default",
		Tags:     "satellite",
		Token:    "secret",
	}, logger)
	client.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	err := client.SendStreamFailed(context.Background(), "sess-1", 3, errors.New("upstream status 401"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got := <-ch
	if got.path != "/relay" {
		t.Errorf("expected /relay, got %s", got.path)
	}
	if got.title != "Stream Failed: sess-1" || got.priority != "high" || got.tags != "satellite,x" {
		t.Errorf("unexpected headers %+v", got)
	}
	if got.auth != "Bearer secret" {
		t.Errorf("expected bearer token, got %q", got.auth)
	}
	for _, want := range []string{"Session: sess-1", "Stream: 3", "2026-01-02T03:04:05Z", "upstream status 401"} {
		if !strings.Contains(got.body, want) {
			t.Errorf("body missing %q:\n%s", want, got.body)
		}
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	server, _ := newNtfyServer(t, http.StatusForbidden)
	client := NewClient(&Config{Enabled: true, Server: server.URL, Topic: "t", Priority: "default"}, zap.NewNop())

	if err := client.SendDurabilityAbandoned(context.Background(), "s", 6, nil); err == nil {
		t.Error("expected error for 403 response")
	}
}

func TestClient_DisabledSendsNothing(t *testing.T) {
	client := NewClient(&Config{Enabled: false, Server: "http://127.0.0.1:1"}, zap.NewNop())
	if err := client.SendStreamFailed(context.Background(), "s", 1, nil); err != nil {
		t.Errorf("disabled client should not send: %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, ok := New(&Config{}, zap.NewNop()).(*NoopNotifier); !ok {
		t.Error("disabled config should yield NoopNotifier")
	}
	if _, ok := New(&Config{Enabled: true, Topic: "t"}, zap.NewNop()).(*Client); !ok {
		t.Error("enabled config should yield Client")
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := (&Config{Enabled: true, Priority: "default"}).Validate(); err == nil {
		t.Error("missing topic should fail")
	}
	if err := (&Config{Enabled: true, Topic: "t", Priority: "loud"}).Validate(); err == nil {
		t.Error("invalid priority should fail")
	}
	if err := (&Config{Enabled: true, Topic: "t", Priority: "urgent"}).Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

type recordingNotifier struct {
	mu        sync.Mutex
	failed    []string
	abandoned []int
	sent      chan struct{}
}

func (r *recordingNotifier) SendStreamFailed(_ context.Context, sessionKey string, _ uint64, _ error) error {
	r.mu.Lock()
	r.failed = append(r.failed, sessionKey)
	r.mu.Unlock()
	r.sent <- struct{}{}
	return nil
}

func (r *recordingNotifier) SendDurabilityAbandoned(_ context.Context, _ string, attempts int, _ error) error {
	r.mu.Lock()
	r.abandoned = append(r.abandoned, attempts)
	r.mu.Unlock()
	r.sent <- struct{}{}
	return nil
}

func TestAlerter_SendsFromQueue(t *testing.T) {
	n := &recordingNotifier{sent: make(chan struct{}, 4)}
	a := NewAlerter(n, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	var hook observe.Hook = a
	hook.StreamFailed(observe.Stream{SessionKey: "s1", StreamID: 1}, errors.New("401"))
	hook.DurabilityAbandoned("s2", 6, errors.New("down"))
	hook.ConnectionLost(observe.Stream{}, true, nil) // ignored

	for i := 0; i < 2; i++ {
		select {
		case <-n.sent:
		case <-time.After(2 * time.Second):
			t.Fatal("alert not sent")
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.failed) != 1 || n.failed[0] != "s1" {
		t.Errorf("unexpected stream failures %v", n.failed)
	}
	if len(n.abandoned) != 1 || n.abandoned[0] != 6 {
		t.Errorf("unexpected abandoned alerts %v", n.abandoned)
	}
}

func TestAlerter_DropsWhenFull(t *testing.T) {
	n := &recordingNotifier{sent: make(chan struct{}, alertQueueSize+8)}
	a := NewAlerter(n, zap.NewNop())

	// Run is not started, so nothing drains the queue.
	for i := 0; i < alertQueueSize+5; i++ {
		a.StreamFailed(observe.Stream{SessionKey: "s"}, nil)
	}
	if len(a.queue) != alertQueueSize {
		t.Errorf("expected queue capped at %d, got %d", alertQueueSize, len(a.queue))
	}
}
