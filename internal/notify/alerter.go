package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/observe"
)

const (
	alertQueueSize = 32
	alertTimeout   = 10 * time.Second
)

type alert struct {
	sessionKey string
	streamID   uint64
	attempts   int
	abandoned  bool
	err        error
}

// Alerter turns terminal stream failures and abandoned token writes into
// notifications. Hook calls only queue the alert; a single goroutine started
// by Run sends them. Alerts are dropped while the queue is full.
type Alerter struct {
	observe.Nop

	notifier Notifier
	logger   *zap.Logger
	queue    chan alert
}

// NewAlerter creates an alerter sending through notifier.
func NewAlerter(notifier Notifier, logger *zap.Logger) *Alerter {
	return &Alerter{
		notifier: notifier,
		logger:   logger,
		queue:    make(chan alert, alertQueueSize),
	}
}

func (a *Alerter) StreamFailed(s observe.Stream, err error) {
	a.enqueue(alert{sessionKey: s.SessionKey, streamID: s.StreamID, err: err})
}

func (a *Alerter) DurabilityAbandoned(sessionKey string, attempts int, err error) {
	a.enqueue(alert{sessionKey: sessionKey, attempts: attempts, abandoned: true, err: err})
}

func (a *Alerter) enqueue(al alert) {
	select {
	case a.queue <- al:
	default:
		a.logger.Warn("alert queue full, dropping alert", zap.String("session", al.sessionKey))
	}
}

// Run sends queued alerts until ctx is cancelled.
func (a *Alerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case al := <-a.queue:
			a.send(ctx, al)
		}
	}
}

func (a *Alerter) send(ctx context.Context, al alert) {
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()

	var err error
	if al.abandoned {
		err = a.notifier.SendDurabilityAbandoned(ctx, al.sessionKey, al.attempts, al.err)
	} else {
		err = a.notifier.SendStreamFailed(ctx, al.sessionKey, al.streamID, al.err)
	}
	if err != nil {
		a.logger.Warn("alert not delivered", zap.String("session", al.sessionKey), zap.Error(err))
	}
}

var _ observe.Hook = (*Alerter)(nil)
