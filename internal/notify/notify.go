package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Notifier is the interface for sending stream alerts.
type Notifier interface {
	SendStreamFailed(ctx context.Context, sessionKey string, streamID uint64, err error) error
	SendDurabilityAbandoned(ctx context.Context, sessionKey string, attempts int, err error) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SendStreamFailed sends a notification for a stream that failed terminally.
func (c *Client) SendStreamFailed(ctx context.Context, sessionKey string, streamID uint64, err error) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Stream Failed: %s", sessionKey)
	message := FormatStreamFailure(sessionKey, streamID, err, c.now())
	tags := c.config.Tags + ",x"
	priority := "high" // Override to high priority for failures

	return c.send(ctx, title, message, tags, priority)
}

// SendDurabilityAbandoned sends a notification for a dropped token write.
func (c *Client) SendDurabilityAbandoned(ctx context.Context, sessionKey string, attempts int, err error) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Position Not Saved: %s", sessionKey)
	message := FormatDurabilityAbandoned(sessionKey, attempts, err, c.now())
	tags := c.config.Tags + ",floppy_disk"

	return c.send(ctx, title, message, tags, c.config.Priority)
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is a no-op implementation for when notifications are disabled.
type NoopNotifier struct{}

// SendStreamFailed is a no-op.
func (n *NoopNotifier) SendStreamFailed(_ context.Context, _ string, _ uint64, _ error) error {
	return nil
}

// SendDurabilityAbandoned is a no-op.
func (n *NoopNotifier) SendDurabilityAbandoned(_ context.Context, _ string, _ int, _ error) error {
	return nil
}

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
