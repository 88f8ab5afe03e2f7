// Package upstream talks HTTP to the proxied server: long lived GET event
// streams for the reconnection engine, and request forwarding for the
// request/response transport.
package upstream

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/streamrelay/internal/reconnect"
)

const (
	maxErrorBody = 512

	DefaultAcquireTimeout  = 5 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
)

// Options configure a Client.
type Options struct {
	URL           string
	ResumeHeader  string
	SessionHeader string
	Headers       map[string]string
	// ConnectRate limits stream connects per second across all sessions.
	ConnectRate    float64
	ConnectBurst   int
	RequestTimeout time.Duration
	// MaxStreams caps concurrently open event streams across all sessions.
	// Zero means no cap.
	MaxStreams int
	// AcquireTimeout bounds the wait for a free stream slot.
	AcquireTimeout time.Duration
	// IdleConnTimeout closes pooled keep-alive connections left unused.
	IdleConnTimeout time.Duration
	// MaxStreamLifetime closes a stream after this long so the engine
	// reconnects with its resumption token. Zero keeps streams open.
	MaxStreamLifetime time.Duration
}

// Client issues upstream requests.
type Client struct {
	httpClient *http.Client
	opts       Options
	limiter    *rate.Limiter
	slots      *semaphore.Weighted
	logger     *zap.Logger
	now        func() time.Time
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.ResumeHeader == "" {
		opts.ResumeHeader = "Last-Event-ID"
	}
	if opts.SessionHeader == "" {
		opts.SessionHeader = "Mcp-Session-Id"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = DefaultIdleConnTimeout
	}
	limit := rate.Inf
	if opts.ConnectRate > 0 {
		limit = rate.Limit(opts.ConnectRate)
	}
	burst := opts.ConnectBurst
	if burst <= 0 {
		burst = max(1, int(opts.ConnectRate*2))
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		IdleConnTimeout:       opts.IdleConnTimeout,
		ResponseHeaderTimeout: opts.RequestTimeout,
		DisableCompression:    true,
	}

	c := &Client{
		// No client timeout: stream bodies stay open indefinitely.
		httpClient: &http.Client{Transport: transport},
		opts:       opts,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
		now:        time.Now,
	}
	if opts.MaxStreams > 0 {
		c.slots = semaphore.NewWeighted(int64(opts.MaxStreams))
	}
	return c
}

// SessionHeader returns the header carrying the session identity.
func (c *Client) SessionHeader() string {
	return c.opts.SessionHeader
}

// Connector returns a reconnect.Connector opening streams for sessionKey.
func (c *Client) Connector(sessionKey string) reconnect.Connector {
	return reconnect.ConnectorFunc(func(ctx context.Context, lastEventID string) (io.ReadCloser, error) {
		return c.Stream(ctx, sessionKey, lastEventID)
	})
}

// Stream opens one event stream. A non-2xx answer is returned as a
// *reconnect.StatusError carrying any Retry-After hint. With MaxStreams set,
// the stream holds a slot until its body is closed; ErrStreamLimit is
// returned when no slot frees up within AcquireTimeout.
func (c *Client) Stream(ctx context.Context, sessionKey, lastEventID string) (io.ReadCloser, error) {
	if c.opts.URL == "" {
		return nil, reconnect.Terminal(ErrNoURL)
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	body, err := c.open(ctx, sessionKey, lastEventID)
	if err != nil {
		release()
		return nil, err
	}
	return newStreamBody(body, c.opts.MaxStreamLifetime, release), nil
}

// acquire takes a stream slot. The returned func gives it back.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	if c.slots == nil {
		return func() {}, nil
	}
	actx, cancel := context.WithTimeout(ctx, c.opts.AcquireTimeout)
	defer cancel()
	if err := c.slots.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %d streams open after %s", ErrStreamLimit, c.opts.MaxStreams, c.opts.AcquireTimeout)
	}
	return func() { c.slots.Release(1) }, nil
}

func (c *Client) open(ctx context.Context, sessionKey, lastEventID string) (io.ReadCloser, error) {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		return nil, reconnect.Terminal(fmt.Errorf("creating request: %w", err))
	}
	c.setHeaders(req, sessionKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set(c.opts.ResumeHeader, lastEventID)
	}

	c.logger.Debug("opening upstream stream",
		zap.String("url", c.opts.URL),
		zap.String("session", sessionKey),
		zap.String("lastEventID", lastEventID),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	if !IsEventStream(resp.Header.Get("Content-Type")) {
		_ = resp.Body.Close()
		return nil, reconnect.Terminal(fmt.Errorf("%w: %q", ErrNotEventStream, resp.Header.Get("Content-Type")))
	}
	return resp.Body, nil
}

// streamBody gives the stream slot back when the body is closed, and closes
// the body once its lifetime is over.
type streamBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
	expiry  *time.Timer
}

func newStreamBody(body io.ReadCloser, lifetime time.Duration, release func()) *streamBody {
	b := &streamBody{ReadCloser: body, release: release}
	if lifetime > 0 {
		b.expiry = time.AfterFunc(lifetime, func() {
			_ = body.Close()
		})
	}
	return b
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		if b.expiry != nil {
			b.expiry.Stop()
		}
		b.release()
	})
	return err
}

// Forward sends a request body to the upstream and returns the raw
// response. The caller closes the body.
func (c *Client) Forward(ctx context.Context, method, sessionKey string, body io.Reader, header http.Header) (*http.Response, error) {
	if c.opts.URL == "" {
		return nil, ErrNoURL
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for _, k := range []string{"Content-Type", "Accept"} {
		if v := header.Get(k); v != "" {
			req.Header.Set(k, v)
		}
	}
	c.setHeaders(req, sessionKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, sessionKey string) {
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	if sessionKey != "" {
		req.Header.Set(c.opts.SessionHeader, sessionKey)
	}
}

func (c *Client) statusError(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()

	// Read body before closing for error messages
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &reconnect.StatusError{
		Code:       resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		Body:       strings.TrimSpace(string(body)),
	}
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// IsEventStream reports whether contentType names an event stream.
func IsEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}
