package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/observe"
	"github.com/dgnsrekt/streamrelay/internal/persist"
	"github.com/dgnsrekt/streamrelay/internal/reconnect"
	"github.com/dgnsrekt/streamrelay/internal/session"
	"github.com/dgnsrekt/streamrelay/internal/sse"
	"github.com/dgnsrekt/streamrelay/internal/store"
	"github.com/dgnsrekt/streamrelay/internal/upstream"
	"github.com/dgnsrekt/streamrelay/internal/ws"
)

const sessionHeader = "Mcp-Session-Id"

// fakeUpstream is an MCP server stand-in. GET streams replay from the
// requested id; POST and DELETE are recorded.
type fakeUpstream struct {
	mu      sync.Mutex
	lastIDs []string
	deletes []string
	events  func(lastID string) string
	post    func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		lastID := r.Header.Get("Last-Event-ID")
		f.mu.Lock()
		f.lastIDs = append(f.lastIDs, lastID)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, f.events(lastID))
		w.(http.Flusher).Flush()
		<-r.Context().Done()

	case http.MethodPost:
		f.post(w, r)

	case http.MethodDelete:
		f.mu.Lock()
		f.deletes = append(f.deletes, r.Header.Get(sessionHeader))
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (f *fakeUpstream) seenLastIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lastIDs...)
}

type testEnv struct {
	proxy    *httptest.Server
	upstream *fakeUpstream
	store    *store.MemoryStore
	manager  *session.Manager
	metrics  *observe.Metrics
}

func newTestEnv(t *testing.T, up *fakeUpstream) *testEnv {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	upstreamSrv := httptest.NewServer(up)
	t.Cleanup(upstreamSrv.Close)

	client := upstream.NewClient(upstream.Options{URL: upstreamSrv.URL}, logger)
	st := store.NewMemoryStore()
	metrics := observe.NewMetrics()
	manager := session.NewManager(client, st, session.Options{
		Policy:  reconnect.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Persist: persist.Options{RetryInterval: 5 * time.Millisecond},
		Gauge:   metrics,
		// Idle sessions stay around so tests can inspect them.
		IdleTimeout: -1,
	}, observe.NewMulti(metrics, observe.NewLogHook(logger)), logger)
	hub := ws.NewHub(manager, logger)

	srv := NewServer(manager, client, st, metrics, hub, Options{KeepaliveInterval: 20 * time.Millisecond}, logger)
	proxy := httptest.NewServer(NewRouter(srv, []string{"*"}, logger))
	t.Cleanup(proxy.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	return &testEnv{proxy: proxy, upstream: up, store: st, manager: manager, metrics: metrics}
}

// openStream starts a downstream GET and returns a decoder over its body.
func (e *testEnv) openStream(t *testing.T, ctx context.Context, sessionKey, lastID string) (*http.Response, *sse.Decoder) {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.proxy.URL+"/mcp", nil)
	if sessionKey != "" {
		req.Header.Set(sessionHeader, sessionKey)
	}
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	return resp, sse.NewDecoder(resp.Body, 0)
}

func nextEvent(t *testing.T, dec *sse.Decoder) sse.Event {
	t.Helper()
	ev, err := dec.Next()
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	return ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func replay(lastID string) string {
	if lastID == "2" {
		return "id: 2\ndata: b\n\nid: 3\ndata: c\n\n"
	}
	return "id: 1\ndata: a\n\nid: 2\ndata: b\n\n"
}

func TestStream_RelaysUpstreamEvents(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{events: replay})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, dec := env.openStream(t, ctx, "s1", "")
	if got := resp.Header.Get(sessionHeader); got != "s1" {
		t.Errorf("expected session header s1, got %q", got)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}

	first, second := nextEvent(t, dec), nextEvent(t, dec)
	if first.ID != "1" || string(first.Data) != "a" || second.ID != "2" {
		t.Errorf("unexpected events %+v %+v", first, second)
	}

	waitFor(t, "durable token", func() bool {
		tok, _ := env.store.GetLastToken(context.Background(), "s1")
		return tok == "2"
	})
	if env.metrics.Snapshot()["active_streams"] != 1 {
		t.Errorf("expected one active stream, got %v", env.metrics.Snapshot())
	}
}

func TestStream_ResumesInMemoryAfterDisconnect(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{events: replay})

	ctx1, cancel1 := context.WithCancel(context.Background())
	_, dec := env.openStream(t, ctx1, "s1", "")
	nextEvent(t, dec)
	nextEvent(t, dec)
	cancel1()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	_, dec = env.openStream(t, ctx2, "s1", "1")

	ev := nextEvent(t, dec)
	if ev.ID != "3" {
		t.Errorf("replayed event should be suppressed, got id %q", ev.ID)
	}
	if got := fmt.Sprint(env.upstream.seenLastIDs()); got != "[ 2]" {
		t.Errorf("expected resume from newest token, upstream saw %s", got)
	}
}

func TestStream_AssignsSessionAndKeepsAlive(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{events: func(string) string { return "" }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, _ := env.openStream(t, ctx, "", "")
	if key := resp.Header.Get(sessionHeader); len(key) != 36 {
		t.Errorf("expected a generated session id, got %q", key)
	}

	buf := make([]byte, len(": keepalive\n\n"))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("reading keepalive: %v", err)
	}
	if string(buf) != ": keepalive\n\n" {
		t.Errorf("expected keepalive comment, got %q", buf)
	}
}

func TestForward_JSONResponse(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{post: func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(sessionHeader, "assigned-1")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, body)
	}})

	resp, err := http.Post(env.proxy.URL+"/mcp", "application/json", strings.NewReader(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}` {
		t.Errorf("unexpected body %s", body)
	}
	if got := resp.Header.Get(sessionHeader); got != "assigned-1" {
		t.Errorf("expected upstream session id, got %q", got)
	}
}

func TestForward_EventStreamResponse(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{post: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message\r\nid: 7\r\ndata: {\"x\":1}\r\n\r\n")
	}})

	resp, err := http.Post(env.proxy.URL+"/mcp", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "event: message\nid: 7\ndata: {\"x\":1}\n\n" {
		t.Errorf("unexpected reframed body %q", body)
	}
}

func TestDelete_ClosesSessionAndForgetsToken(t *testing.T) {
	up := &fakeUpstream{events: replay}
	env := newTestEnv(t, up)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, dec := env.openStream(t, ctx, "s1", "")
	nextEvent(t, dec)
	nextEvent(t, dec)
	waitFor(t, "durable token", func() bool {
		tok, _ := env.store.GetLastToken(context.Background(), "s1")
		return tok == "2"
	})

	req, _ := http.NewRequest(http.MethodDelete, env.proxy.URL+"/mcp", nil)
	req.Header.Set(sessionHeader, "s1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}

	if _, err := env.store.GetLastToken(context.Background(), "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected token removed, got %v", err)
	}
	if _, ok := env.manager.Session("s1"); ok {
		t.Error("session should be closed")
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.deletes) != 1 || up.deletes[0] != "s1" {
		t.Errorf("expected delete forwarded upstream, got %v", up.deletes)
	}
}

func TestDelete_RequiresSession(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{})
	req, _ := http.NewRequest(http.MethodDelete, env.proxy.URL+"/mcp", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSessionStatus(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{})
	_ = env.store.PutLastToken(context.Background(), "stored", "41")

	resp, err := http.Get(env.proxy.URL + "/sessions/stored")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		Session      string `json:"session"`
		DurableToken string `json:"durable_token"`
		Live         bool   `json:"live"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || status.Session != "stored" || status.DurableToken != "41" || status.Live {
		t.Errorf("unexpected status %d %+v", resp.StatusCode, status)
	}

	resp, err = http.Get(env.proxy.URL + "/sessions/unknown")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{})

	resp, err := http.Get(env.proxy.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("unexpected health %v", health)
	}

	resp, err = http.Get(env.proxy.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "streamrelay_connections_established_total") {
		t.Errorf("metrics output missing counters:\n%s", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{})
	req, _ := http.NewRequest(http.MethodOptions, env.proxy.URL+"/mcp", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected wildcard origin")
	}
	if resp.Header.Get("Access-Control-Expose-Headers") != sessionHeader {
		t.Error("session header should be exposed")
	}
}

func TestMaskQuery(t *testing.T) {
	got := maskQuery("session=abcdefgh")
	if got != "session=abcd****" {
		t.Errorf("expected masked session, got %q", got)
	}
	if maskQuery("") != "" {
		t.Error("empty query should stay empty")
	}
}
