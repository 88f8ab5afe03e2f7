package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/notify"
	"github.com/dgnsrekt/streamrelay/internal/observe"
	"github.com/dgnsrekt/streamrelay/internal/session"
	"github.com/dgnsrekt/streamrelay/internal/store"
	"github.com/dgnsrekt/streamrelay/internal/upstream"
)

// components is the resilience core shared by serve and tail.
type components struct {
	store   store.Backend
	client  *upstream.Client
	manager *session.Manager
	metrics *observe.Metrics
	cancel  context.CancelFunc
}

func buildComponents(ctx context.Context) (*components, error) {
	if cfg.Upstream.URL == "" {
		return nil, errors.New("upstream.url is required (set STREAMRELAY_UPSTREAM_URL)")
	}

	st, err := store.Open(cfg.Store.Kind, cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Kind, err)
	}

	// Alerting runs until close, past cancellation of ctx.
	alertCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	alerter := notify.NewAlerter(notify.New(&cfg.Notify, logger), logger)
	go alerter.Run(alertCtx)

	metrics := observe.NewMetrics()
	hook := observe.NewMulti(observe.NewLogHook(logger), metrics, alerter)

	client := upstream.NewClient(cfg.UpstreamOptions(), logger)
	manager := session.NewManager(client, st, session.Options{
		Policy:         cfg.Policy(),
		WindowCapacity: cfg.Stream.WindowCapacity,
		MaxFrameSize:   cfg.Stream.MaxFrameSize,
		Persist:        cfg.PersistOptions(),
		IdleTimeout:    cfg.Server.IdleTimeout,
		Gauge:          metrics,
	}, hook, logger)

	logger.Info("components ready",
		zap.String("upstream", cfg.Upstream.URL),
		zap.String("store", cfg.Store.Kind),
		zap.Int("windowCapacity", cfg.Stream.WindowCapacity),
		zap.Int("maxAttempts", cfg.Stream.Retry.MaxAttempts),
		zap.Bool("notify", cfg.Notify.Enabled),
	)

	return &components{
		store:   st,
		client:  client,
		manager: manager,
		metrics: metrics,
		cancel:  cancel,
	}, nil
}

// close shuts down every session, flushing durable tokens, then stops
// alerting and closes the store.
func (c *components) close(ctx context.Context) {
	if err := c.manager.Shutdown(ctx); err != nil {
		logger.Warn("session shutdown", zap.Error(err))
	}
	c.cancel()
	if err := c.store.Close(); err != nil {
		logger.Warn("closing store", zap.Error(err))
	}
}
