package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/persist"
	"github.com/dgnsrekt/streamrelay/internal/reconnect"
	"github.com/dgnsrekt/streamrelay/internal/store"
	"github.com/dgnsrekt/streamrelay/internal/tracker"
)

// recentWindows bounds how many windows of ended streams a session keeps
// for in-memory resumption.
const recentWindows = 4

// Session owns the streams of one session identity and the single
// persistence worker they share.
type Session struct {
	key     string
	store   store.Store
	logger  *zap.Logger
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	worker *persist.Worker
	sender *persist.Sender

	mu       sync.Mutex
	streams  map[uint64]*Stream
	recent   []*tracker.Snapshot
	degraded error
	closed   bool
	used     bool
	idle     *time.Timer
	wg       sync.WaitGroup
}

// Key returns the session identity.
func (s *Session) Key() string {
	return s.key
}

// Sender returns the shared send handle into the session's worker.
func (s *Session) Sender() *persist.Sender {
	return s.sender
}

// Degraded returns the terminal error of the last failed stream, or nil.
func (s *Session) Degraded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// takeDegraded clears the degraded flag and reports whether it was set.
func (s *Session) takeDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.degraded != nil
	s.degraded = nil
	return was
}

// Streams returns the active streams ordered by id.
func (s *Session) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	sortStreams(out)
	return out
}

// add registers st. It fails when the session is already closed.
func (s *Session) add(st *Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.streams[st.id] = st
	s.used = true
	s.wg.Add(1)
	return true
}

// remove unregisters an ended stream, keeps its window for resumption and
// records a terminal failure. onIdle runs after idleTimeout if no stream is
// left by then.
func (s *Session) remove(st *Stream, idleTimeout time.Duration, onIdle func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.wg.Done()

	delete(s.streams, st.id)
	if snap := st.engine.Snapshot(); snap != nil && snap.LastEventID != "" {
		s.recent = append(s.recent, snap)
		if len(s.recent) > recentWindows {
			s.recent = s.recent[len(s.recent)-recentWindows:]
		}
	}
	if st.engine.State() == reconnect.StateFailed {
		s.degraded = st.engine.Err()
	}
	s.armIdleLocked(idleTimeout, onIdle)
}

// armIdle starts the idle timer if the session has no stream and no timer.
func (s *Session) armIdle(idleTimeout time.Duration, onIdle func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armIdleLocked(idleTimeout, onIdle)
}

func (s *Session) armIdleLocked(idleTimeout time.Duration, onIdle func()) {
	if len(s.streams) == 0 && !s.closed && idleTimeout > 0 && s.idle == nil {
		s.idle = time.AfterFunc(idleTimeout, onIdle)
	}
}

// close cancels all streams, waits for them and flushes the worker.
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	err := s.worker.Stop(ctx)
	s.logger.Info("session closed", zap.Error(err))
	return err
}

// unused reports whether no stream was ever registered.
func (s *Session) unused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.used && !s.closed
}

func (s *Session) isIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams) == 0 && !s.closed
}
