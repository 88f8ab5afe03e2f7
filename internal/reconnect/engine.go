// Package reconnect keeps one upstream event stream alive across network
// failures. An Engine connects, feeds the body through the frame decoder and
// the duplicate tracker, and reconnects with jittered exponential backoff,
// resuming from the newest token it has seen.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/observe"
	"github.com/dgnsrekt/streamrelay/internal/sse"
	"github.com/dgnsrekt/streamrelay/internal/tracker"
)

// ErrStarted is returned when Run is called more than once.
var ErrStarted = errors.New("reconnect: engine already started")

// Connector opens one upstream stream. lastEventID is empty on a cold start.
type Connector interface {
	Connect(ctx context.Context, lastEventID string) (io.ReadCloser, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, lastEventID string) (io.ReadCloser, error)

func (f ConnectorFunc) Connect(ctx context.Context, lastEventID string) (io.ReadCloser, error) {
	return f(ctx, lastEventID)
}

// Deliver receives every event that passed duplicate suppression, in wire
// order, on the engine goroutine.
type Deliver func(ev sse.Event)

// Options configure an Engine.
type Options struct {
	Policy         Policy
	WindowCapacity int
	MaxFrameSize   int

	// Stream identifies this engine in hook calls.
	Stream observe.Stream
	Hook   observe.Hook
	Logger *zap.Logger

	// OnToken is called after an event with a new id has been delivered,
	// with the tracker's latest token. It runs on the engine goroutine, so it
	// must return within a bounded time.
	OnToken func(token string)

	// Rand returns a uniform value in [0, 1) for jitter.
	Rand func() float64
}

// Engine drives one upstream stream. Only the goroutine running Run mutates
// the tracker, under tmu; other goroutines read it through Snapshot and
// LastEventID.
type Engine struct {
	connector Connector
	deliver   Deliver
	opts      Options
	logger    *zap.Logger
	hook      observe.Hook

	tracker *tracker.Tracker
	// hint is the most recent server retry hint, consumed by one failure.
	hint    time.Duration
	hasHint bool

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error

	started atomic.Bool
	state   atomic.Int32
	tmu     sync.Mutex
	lastID  atomic.Pointer[string]

	mu  sync.Mutex
	err error
}

// New creates an engine. deliver may be nil when only durability matters.
func New(connector Connector, deliver Deliver, opts Options) *Engine {
	opts.Policy = opts.Policy.withDefaults()
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = sse.DefaultMaxFrameSize
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if deliver == nil {
		deliver = func(sse.Event) {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hook := opts.Hook
	if hook == nil {
		hook = observe.Nop{}
	}

	e := &Engine{
		connector: connector,
		deliver:   deliver,
		opts:      opts,
		logger: logger.With(
			zap.String("session", opts.Stream.SessionKey),
			zap.Uint64("stream", opts.Stream.StreamID),
		),
		hook:    hook,
		tracker: tracker.New(opts.WindowCapacity),
		sleep:   sleepContext,
	}
	e.state.Store(int32(StateConnecting))
	e.publish()
	return e
}

// Seed primes the resumption token before Run. It has no effect afterwards.
func (e *Engine) Seed(token string) {
	if e.started.Load() {
		return
	}
	e.tmu.Lock()
	e.tracker.Seed(token)
	e.tmu.Unlock()
	e.publish()
}

// Restore primes the tracker from a previous stream's snapshot before Run.
// It has no effect afterwards.
func (e *Engine) Restore(snap *tracker.Snapshot) {
	if e.started.Load() {
		return
	}
	e.tmu.Lock()
	e.tracker.Restore(snap)
	e.tmu.Unlock()
	e.publish()
}

// State returns the current connection state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Snapshot copies the current tracker window.
func (e *Engine) Snapshot() *tracker.Snapshot {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	return e.tracker.Snapshot()
}

// LastEventID returns the newest token seen by the engine.
func (e *Engine) LastEventID() string {
	return *e.lastID.Load()
}

// Err returns the terminal cause once the engine is Failed or Closed.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Policy returns the retry policy in effect.
func (e *Engine) Policy() Policy {
	return e.opts.Policy
}

// Run connects and keeps the stream alive until ctx is cancelled or the
// stream fails terminally. It returns ErrClosed after cancellation and the
// terminal cause after a failure.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrStarted
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return e.close()
		}

		e.setState(StateConnecting)
		lastID := e.tracker.LastEventID()
		e.logger.Debug("connecting upstream", zap.String("lastEventID", lastID))

		body, err := e.connector.Connect(ctx, lastID)
		if err == nil {
			e.setState(StateStreaming)
			failures = 0
			e.hook.ConnectionEstablished(e.opts.Stream)
			err = e.stream(ctx, body)
		}

		if ctx.Err() != nil {
			return e.close()
		}

		class := Classify(err)
		e.hook.ConnectionLost(e.opts.Stream, class == Retryable, err)
		if class == Fatal {
			return e.fail(err)
		}

		delay := e.opts.Policy.Delay(failures, e.opts.Rand())
		if d, ok := retryAfter(err); ok {
			delay = d
		} else if e.hasHint {
			delay = e.hint
		}
		e.hasHint = false

		failures++
		if e.opts.Policy.Exhausted(failures) {
			return e.fail(fmt.Errorf("%w after %d failures: %w", ErrAttemptsExhausted, failures, err))
		}

		e.setState(StateAwaitingRetry)
		e.hook.ReconnectScheduled(e.opts.Stream, failures, delay)
		e.logger.Info("upstream stream interrupted",
			zap.Error(err),
			zap.Int("attempt", failures),
			zap.Duration("delay", delay),
		)

		if err := e.sleep(ctx, delay); err != nil {
			return e.close()
		}
	}
}

// stream reads frames until the body fails or ends.
func (e *Engine) stream(ctx context.Context, body io.ReadCloser) error {
	stop := context.AfterFunc(ctx, func() {
		_ = body.Close()
	})
	defer stop()
	defer body.Close()

	dec := sse.NewDecoder(body, e.opts.MaxFrameSize)
	for {
		ev, err := dec.Next()
		if err != nil {
			if sse.IsRecoverable(err) {
				e.logger.Warn("skipping malformed frame", zap.Error(err))
				continue
			}
			if errors.Is(err, io.EOF) {
				return ErrStreamEnded
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if ev.HasRetry {
			e.hint, e.hasHint = ev.Retry, true
		}

		if !e.tracker.ShouldDeliver(ev) {
			e.observe(ev)
			e.hook.DuplicateSuppressed(e.opts.Stream, ev.ID)
			continue
		}
		e.observe(ev)

		e.deliver(ev)

		if ev.HasID() && e.opts.OnToken != nil && ctx.Err() == nil {
			e.opts.OnToken(e.tracker.LastEventID())
		}
	}
}

func (e *Engine) observe(ev sse.Event) {
	e.tmu.Lock()
	e.tracker.Observe(ev)
	e.tmu.Unlock()
	e.publish()
}

// publish makes the tracker's latest token visible to LastEventID.
func (e *Engine) publish() {
	id := e.tracker.LastEventID()
	if cur := e.lastID.Load(); cur == nil || *cur != id {
		e.lastID.Store(&id)
	}
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Engine) fail(err error) error {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	e.setState(StateFailed)
	e.hook.StreamFailed(e.opts.Stream, err)
	e.logger.Error("upstream stream failed", zap.Error(err))
	return err
}

func (e *Engine) close() error {
	e.mu.Lock()
	if e.err == nil {
		e.err = ErrClosed
	}
	e.mu.Unlock()
	e.setState(StateClosed)
	e.logger.Debug("upstream stream closed")
	return ErrClosed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
