// Package persist moves resumption tokens to durable storage off the event
// delivery path. Each session owns one Worker that drains a bounded channel,
// coalesces requests per session key and retries failed writes from a
// due-time ordered heap.
package persist

import (
	"container/heap"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/observe"
)

// ErrStopped is returned by Stop when the worker did not finish in time.
var ErrStopped = errors.New("persist: worker stop timed out")

// Writer persists the last token of a session.
type Writer interface {
	PutLastToken(ctx context.Context, sessionKey, token string) error
}

// Worker is the single consumer of a session's durability channel. Only the
// goroutine running Run touches the retry heap and the committed positions.
type Worker struct {
	store  Writer
	opts   Options
	hook   observe.Hook
	logger *zap.Logger
	now    func() time.Time

	ch       chan Request
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	runOnce  sync.Once

	retries   retryHeap
	retryGen  map[string]uint64
	committed map[string]time.Time
}

// NewWorker creates a worker writing to store. hook may be nil.
func NewWorker(store Writer, opts Options, hook observe.Hook, logger *zap.Logger) *Worker {
	if hook == nil {
		hook = observe.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Worker{
		store:     store,
		opts:      opts,
		hook:      hook,
		logger:    logger,
		now:       time.Now,
		ch:        make(chan Request, opts.ChannelCapacity),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		retryGen:  make(map[string]uint64),
		committed: make(map[string]time.Time),
	}
}

// Sender returns a send handle for the worker's channel.
func (w *Worker) Sender() *Sender {
	return &Sender{
		ch:      w.ch,
		done:    w.stop,
		timeout: w.opts.EnqueueTimeout,
		hook:    w.hook,
		now:     w.now,
	}
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run processes requests until ctx is cancelled or Stop is called, then
// makes a final best-effort flush bounded by the drain timeout.
func (w *Worker) Run(ctx context.Context) {
	started := false
	w.runOnce.Do(func() { started = true })
	if !started {
		return
	}
	defer close(w.done)

	ticker := time.NewTicker(w.opts.RetryInterval)
	defer ticker.Stop()

	w.logger.Debug("persistence worker started")
	for {
		select {
		case <-ctx.Done():
			w.drain(context.WithoutCancel(ctx))
			return
		case <-w.stop:
			w.drain(ctx)
			return
		case req := <-w.ch:
			b := newBatch()
			w.addRequest(b, req)
			w.collect(b)
			w.popDue(b, w.now())
			w.write(ctx, b)
		case <-ticker.C:
			// A tick that fires while a pass is running is dropped by the
			// ticker, so retry passes never queue up.
			b := newBatch()
			w.popDue(b, w.now())
			if b.len() > 0 {
				w.write(ctx, b)
			}
		}
	}
}

// Stop signals the worker to flush and exit and waits until it has, or
// until ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ErrStopped
	}
}

// collect moves currently queued requests into b without blocking, up to
// the batch size.
func (w *Worker) collect(b *batch) {
	for n := 1; n < w.opts.BatchSize; n++ {
		select {
		case req := <-w.ch:
			w.addRequest(b, req)
		default:
			return
		}
	}
}

func (w *Worker) addRequest(b *batch, req Request) {
	b.add(&RetryEntry{
		SessionKey: req.SessionKey,
		Token:      req.Token,
		ObservedAt: req.ObservedAt,
	})
}

// popDue moves every due, non-stale retry into b.
func (w *Worker) popDue(b *batch, now time.Time) {
	for {
		e, ok := w.retries.popDue(now)
		if !ok {
			return
		}
		if w.stale(e) {
			continue
		}
		b.add(e)
	}
}

// stale reports whether a retry was superseded by a newer retry for its key
// or by a successful write of an equal or later position.
func (w *Worker) stale(e *RetryEntry) bool {
	if e.gen != w.retryGen[e.SessionKey] {
		return true
	}
	committed, ok := w.committed[e.SessionKey]
	return ok && !committed.Before(e.ObservedAt)
}

type writeResult struct {
	entry *RetryEntry
	err   error
}

// write issues one store write per key in b. Fresh keys are written
// concurrently. Retries form a single sequential chain in due order, so a
// retry due earlier is always attempted before one due later. Results are
// applied on the worker goroutine.
func (w *Worker) write(ctx context.Context, b *batch) {
	var fresh, retries []*writeResult
	for _, e := range b.entries() {
		if committed, ok := w.committed[e.SessionKey]; ok && !committed.Before(e.ObservedAt) {
			continue
		}
		r := &writeResult{entry: e}
		if e.retry() {
			retries = append(retries, r)
		} else {
			fresh = append(fresh, r)
		}
	}
	if len(fresh)+len(retries) == 0 {
		return
	}
	slices.SortStableFunc(retries, func(a, b *writeResult) int {
		return a.entry.DueAt.Compare(b.entry.DueAt)
	})

	put := func(r *writeResult) {
		wctx, cancel := context.WithTimeout(ctx, w.opts.WriteTimeout)
		defer cancel()
		r.err = w.store.PutLastToken(wctx, r.entry.SessionKey, r.entry.Token)
	}

	p := pool.New().WithMaxGoroutines(w.opts.WriteConcurrency)
	if len(retries) > 0 {
		p.Go(func() {
			for _, r := range retries {
				put(r)
			}
		})
	}
	for _, r := range fresh {
		p.Go(func() { put(r) })
	}
	p.Wait()

	now := w.now()
	for _, r := range append(retries, fresh...) {
		if r.err == nil {
			w.commit(r.entry)
			continue
		}
		w.fail(r.entry, r.err, now)
	}
}

func (w *Worker) commit(e *RetryEntry) {
	if cur, ok := w.committed[e.SessionKey]; !ok || cur.Before(e.ObservedAt) {
		w.committed[e.SessionKey] = e.ObservedAt
	}
	w.logger.Debug("token persisted",
		zap.String("session", e.SessionKey),
		zap.String("token", e.Token),
		zap.Int("retries", e.Attempt),
	)
}

func (w *Worker) fail(e *RetryEntry, err error, now time.Time) {
	attempt := e.Attempt + 1
	w.hook.DurabilityWriteFailed(e.SessionKey, attempt, err)

	if attempt > w.opts.MaxRetries {
		w.hook.DurabilityAbandoned(e.SessionKey, attempt, err)
		w.logger.Warn("giving up on token write",
			zap.String("session", e.SessionKey),
			zap.String("token", e.Token),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return
	}

	w.retryGen[e.SessionKey]++
	w.retries.push(&RetryEntry{
		DueAt:      now.Add(w.backoff(attempt)),
		SessionKey: e.SessionKey,
		Token:      e.Token,
		ObservedAt: e.ObservedAt,
		Attempt:    attempt,
		gen:        w.retryGen[e.SessionKey],
	})
}

// backoff returns the wait before retry number attempt, doubling from the
// base delay up to the maximum.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.opts.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.opts.RetryMaxDelay {
			return w.opts.RetryMaxDelay
		}
	}
	return min(d, w.opts.RetryMaxDelay)
}

// drain flushes everything still queued plus all live retries, once, within
// the drain timeout. Failures at this point are abandoned.
func (w *Worker) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.DrainTimeout)
	defer cancel()

	b := newBatch()
	for done := false; !done; {
		select {
		case req := <-w.ch:
			w.addRequest(b, req)
		default:
			done = true
		}
	}
	for w.retries.Len() > 0 {
		e := heap.Pop(&w.retries).(*RetryEntry)
		if !w.stale(e) {
			b.add(e)
		}
	}
	if b.len() == 0 {
		w.logger.Debug("persistence worker stopped")
		return
	}

	// No retries remain after the final pass.
	w.opts.MaxRetries = 0
	w.write(ctx, b)
	w.retries = nil
	w.logger.Debug("persistence worker drained", zap.Int("keys", b.len()))
}
