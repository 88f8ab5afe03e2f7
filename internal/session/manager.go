// Package session maps session identities to their upstream streams and
// their shared persistence worker, and decides how reconnecting clients
// resume.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/observe"
	"github.com/dgnsrekt/streamrelay/internal/persist"
	"github.com/dgnsrekt/streamrelay/internal/reconnect"
	"github.com/dgnsrekt/streamrelay/internal/sse"
	"github.com/dgnsrekt/streamrelay/internal/store"
)

// DefaultIdleTimeout is how long a session without streams is kept.
const DefaultIdleTimeout = 5 * time.Minute

var (
	ErrManagerClosed = errors.New("session: manager is shut down")
	ErrNoSessionKey  = errors.New("session: empty session key")

	errSessionClosed = errors.New("session: closed")
)

// Dialer hands out upstream connectors per session.
type Dialer interface {
	Connector(sessionKey string) reconnect.Connector
}

// Consumer receives every non-duplicate event of a stream, in order, on the
// stream's goroutine.
type Consumer func(sessionKey string, ev sse.Event)

// Gauge tracks the number of running streams.
type Gauge interface {
	StreamStarted()
	StreamStopped()
}

// Options configure a Manager. Values are read once at construction.
type Options struct {
	Policy         reconnect.Policy
	WindowCapacity int
	MaxFrameSize   int
	Persist        persist.Options
	// IdleTimeout closes sessions that have had no stream for this long.
	// Negative disables idle closing.
	IdleTimeout time.Duration
	Gauge       Gauge
}

// Manager owns every session of the proxy.
type Manager struct {
	dialer Dialer
	store  store.Store
	opts   Options
	hook   observe.Hook
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a manager. hook may be nil.
func NewManager(dialer Dialer, st store.Store, opts Options, hook observe.Hook, logger *zap.Logger) *Manager {
	if hook == nil {
		hook = observe.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:   dialer,
		store:    st,
		opts:     opts,
		hook:     hook,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Session returns the live session for key.
func (m *Manager) Session(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Keys returns the keys of all live sessions, sorted.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resume reports how a client reconnecting to sessionKey with token would
// resume, without starting anything.
func (m *Manager) Resume(ctx context.Context, sessionKey, token string) (Resumption, error) {
	if s, ok := m.Session(sessionKey); ok {
		return s.decide(ctx, token)
	}
	return decideFromStore(ctx, m.store, sessionKey, token)
}

// Open starts a new upstream stream for sessionKey. token is the client's
// resumption token, possibly empty. The stream ends when ctx is cancelled,
// the session is closed, or the stream fails terminally.
func (m *Manager) Open(ctx context.Context, sessionKey, token string, consumer Consumer) (*Stream, error) {
	if sessionKey == "" {
		return nil, ErrNoSessionKey
	}
	if consumer == nil {
		consumer = func(string, sse.Event) {}
	}

	// A session may be closed by the idle reaper between lookup and
	// registration; retry once with a fresh session.
	for range 2 {
		s, err := m.session(sessionKey)
		if err != nil {
			return nil, err
		}
		st, err := m.start(ctx, s, token, consumer)
		if errors.Is(err, errSessionClosed) {
			continue
		}
		if err != nil {
			m.release(s)
		}
		return st, err
	}
	return nil, fmt.Errorf("opening stream for %s: %w", sessionKey, errSessionClosed)
}

func (m *Manager) start(ctx context.Context, s *Session, token string, consumer Consumer) (*Stream, error) {
	res, err := s.decide(ctx, token)
	if err != nil {
		return nil, err
	}

	id := m.nextID.Add(1)
	streamCtx, cancel := context.WithCancel(ctx)
	stopParent := context.AfterFunc(s.ctx, cancel)

	st := &Stream{
		id:         id,
		sessionKey: s.key,
		resumption: res,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	st.engine = reconnect.New(m.dialer.Connector(s.key), func(ev sse.Event) {
		consumer(s.key, ev)
	}, reconnect.Options{
		Policy:         m.opts.Policy,
		WindowCapacity: m.opts.WindowCapacity,
		MaxFrameSize:   m.opts.MaxFrameSize,
		Stream:         observe.Stream{SessionKey: s.key, StreamID: id},
		Hook:           m.hook,
		Logger:         m.logger,
		OnToken: func(token string) {
			s.sender.Offer(streamCtx, s.key, token)
		},
	})
	switch res.Decision {
	case InMemory:
		st.engine.Restore(res.Snapshot)
	case FromStore:
		st.engine.Seed(res.Token)
	}

	if !s.add(st) {
		stopParent()
		cancel()
		return nil, errSessionClosed
	}
	if s.takeDegraded() {
		s.logger.Info("degraded session cold started")
	}

	m.logger.Info("stream opened",
		zap.String("session", s.key),
		zap.Uint64("stream", id),
		zap.Stringer("resume", res.Decision),
		zap.String("lastEventID", res.Token),
	)
	if m.opts.Gauge != nil {
		m.opts.Gauge.StreamStarted()
	}

	go func() {
		defer close(st.done)
		defer stopParent()
		defer cancel()

		st.err = st.engine.Run(streamCtx)
		if m.opts.Gauge != nil {
			m.opts.Gauge.StreamStopped()
		}
		s.remove(st, m.opts.IdleTimeout, func() { m.reapIdle(s) })
		m.logger.Info("stream ended",
			zap.String("session", s.key),
			zap.Uint64("stream", id),
			zap.Stringer("state", st.engine.State()),
			zap.Error(st.err),
		)
	}()
	return st, nil
}

// session returns the live session for key, creating it and starting its
// persistence worker if needed.
func (m *Manager) session(key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}

	logger := m.logger.With(zap.String("session", key))
	worker := persist.NewWorker(m.store, m.opts.Persist, m.hook, logger)
	ctx, cancel := context.WithCancel(m.ctx)
	s := &Session{
		key:     key,
		store:   m.store,
		logger:  logger,
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		worker:  worker,
		sender:  worker.Sender(),
		streams: make(map[uint64]*Stream),
	}
	// The worker outlives the session context so it can flush after the
	// streams are gone; Session.close stops it.
	go worker.Run(m.ctx)

	m.sessions[key] = s
	logger.Debug("session created")
	return s, nil
}

// release cleans up after a failed Open. A session that never had a stream
// is dropped at once; otherwise its idle timer is armed.
func (m *Manager) release(s *Session) {
	if !s.unused() {
		s.armIdle(m.opts.IdleTimeout, func() { m.reapIdle(s) })
		return
	}

	m.mu.Lock()
	if m.sessions[s.key] != s || !s.unused() {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.key)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout())
	defer cancel()
	if err := s.close(ctx); err != nil {
		s.logger.Warn("unused session close", zap.Error(err))
	}
}

func (m *Manager) reapIdle(s *Session) {
	m.mu.Lock()
	if m.sessions[s.key] != s || !s.isIdle() {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.key)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout())
	defer cancel()
	if err := s.close(ctx); err != nil {
		s.logger.Warn("idle session close", zap.Error(err))
	}
}

// Close ends every stream of sessionKey and flushes its worker. Closing an
// unknown session is a no-op.
func (m *Manager) Close(ctx context.Context, sessionKey string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey]
	delete(m.sessions, sessionKey)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return s.close(ctx)
}

// Shutdown closes all sessions. New streams are refused afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(sessions))
	for i, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.close(ctx)
		}()
	}
	wg.Wait()
	m.cancel()
	return errors.Join(errs...)
}

// stopTimeout bounds a session close: the worker drain plus some slack.
func (m *Manager) stopTimeout() time.Duration {
	d := m.opts.Persist.DrainTimeout
	if d <= 0 {
		d = persist.DefaultDrainTimeout
	}
	return d + time.Second
}

// StreamStatus describes one active stream.
type StreamStatus struct {
	ID          uint64 `json:"id"`
	State       string `json:"state"`
	LastEventID string `json:"last_event_id,omitempty"`
	Resumed     string `json:"resumed"`
}

// Status describes a session for diagnostics.
type Status struct {
	SessionKey   string         `json:"session"`
	Created      time.Time      `json:"created"`
	Streams      []StreamStatus `json:"streams"`
	DurableToken string         `json:"durable_token,omitempty"`
	Degraded     string         `json:"degraded,omitempty"`
}

// Status returns the state of a live session.
func (m *Manager) Status(ctx context.Context, sessionKey string) (Status, bool) {
	s, ok := m.Session(sessionKey)
	if !ok {
		return Status{}, false
	}

	status := Status{
		SessionKey: s.key,
		Created:    s.created,
		Streams:    []StreamStatus{},
	}
	for _, st := range s.Streams() {
		status.Streams = append(status.Streams, StreamStatus{
			ID:          st.id,
			State:       st.State().String(),
			LastEventID: st.LastEventID(),
			Resumed:     st.resumption.Decision.String(),
		})
	}
	if tok, err := m.store.GetLastToken(ctx, s.key); err == nil {
		status.DurableToken = tok
	}
	if err := s.Degraded(); err != nil {
		status.Degraded = err.Error()
	}
	return status, true
}
