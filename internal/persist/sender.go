package persist

import (
	"context"
	"time"

	"github.com/dgnsrekt/streamrelay/internal/observe"
)

// Sender is the shared send side of a worker's channel. It is safe for
// concurrent use by any number of streams.
type Sender struct {
	ch      chan<- Request
	done    <-chan struct{}
	timeout time.Duration
	hook    observe.Hook
	now     func() time.Time
}

// Enqueue hands req to the worker. When the channel stays full for longer
// than the enqueue timeout, or the worker has stopped, the request is
// dropped and Enqueue returns false. It never blocks longer than the
// timeout.
func (s *Sender) Enqueue(ctx context.Context, req Request) bool {
	if req.ObservedAt.IsZero() {
		req.ObservedAt = s.now()
	}

	select {
	case <-s.done:
		s.hook.DurabilityDropped(req.SessionKey)
		return false
	default:
	}

	select {
	case s.ch <- req:
		return true
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.ch <- req:
		return true
	case <-timer.C:
	case <-ctx.Done():
	case <-s.done:
	}
	s.hook.DurabilityDropped(req.SessionKey)
	return false
}

// Offer enqueues token for sessionKey observed now.
func (s *Sender) Offer(ctx context.Context, sessionKey, token string) bool {
	return s.Enqueue(ctx, Request{
		SessionKey: sessionKey,
		Token:      token,
		ObservedAt: s.now(),
	})
}
