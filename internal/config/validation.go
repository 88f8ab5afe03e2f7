package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/streamrelay/internal/store"
)

// FieldError is one invalid configuration key
type FieldError struct {
	Key    string
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

func (e *ValidationErrors) add(key, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Key: key, Reason: fmt.Sprintf(format, args...)})
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

// Has reports whether key failed validation.
func (e *ValidationErrors) Has(key string) bool {
	for _, f := range e.Fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Key, f.Reason))
	}
	return sb.String()
}

// Validate checks every section and reports all problems at once. An empty
// upstream URL is allowed here because the store commands do not need one.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.Upstream.URL != "" {
		u, err := url.Parse(c.Upstream.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.add("upstream.url", "must be an absolute http(s) URL, got %q", c.Upstream.URL)
		}
	}
	if c.Upstream.ConnectRate < 0 {
		errs.add("upstream.connect_rate", "must be >= 0")
	}
	if c.Upstream.ConnectBurst < 0 {
		errs.add("upstream.connect_burst", "must be >= 0")
	}
	if c.Upstream.MaxStreams < 0 {
		errs.add("upstream.max_streams", "must be >= 0")
	}
	if c.Upstream.AcquireTimeout < 0 {
		errs.add("upstream.acquire_timeout", "must be >= 0")
	}
	if c.Upstream.MaxStreamLifetime < 0 {
		errs.add("upstream.max_stream_lifetime", "must be >= 0")
	}

	validateStream(errs, c.Stream)
	validatePersistence(errs, c.Persistence)

	switch c.Store.Kind {
	case store.KindMemory:
	case store.KindFile:
		if c.Store.Path == "" {
			errs.add("store.path", "is required for the file store")
		}
	default:
		errs.add("store.kind", "must be %q or %q, got %q", store.KindMemory, store.KindFile, c.Store.Kind)
	}

	if err := c.Notify.Validate(); err != nil {
		errs.add("notify", "%v", err)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs.add("logging.level", "unknown level %q", c.Logging.Level)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateStream(errs *ValidationErrors, s StreamConfig) {
	if s.MaxFrameSize < 1 {
		errs.add("stream.max_frame_size", "must be >= 1")
	}
	if s.WindowCapacity < 1 {
		errs.add("stream.window_capacity", "must be >= 1")
	}

	r := s.Retry
	if r.BaseDelay <= 0 {
		errs.add("stream.retry.base_delay", "must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		errs.add("stream.retry.max_delay", "must be >= base_delay (%s)", r.BaseDelay)
	}
	if r.Multiplier < 1 {
		errs.add("stream.retry.multiplier", "must be >= 1")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs.add("stream.retry.jitter", "must be within [0, 1]")
	}
	if r.MaxAttempts < 0 {
		errs.add("stream.retry.max_attempts", "must be >= 0 (0 is unbounded)")
	}
}

func validatePersistence(errs *ValidationErrors, p PersistenceConfig) {
	if p.ChannelCapacity < 1 {
		errs.add("persistence.channel_capacity", "must be >= 1")
	}
	if p.BatchSize < 1 {
		errs.add("persistence.batch_size", "must be >= 1")
	}
	if p.WriteConcurrency < 1 {
		errs.add("persistence.write_concurrency", "must be >= 1")
	}
	if p.RetryMaxDelay < p.RetryBaseDelay {
		errs.add("persistence.retry_max_delay", "must be >= retry_base_delay (%s)", p.RetryBaseDelay)
	}
	if p.DrainTimeout <= 0 {
		errs.add("persistence.drain_timeout", "must be positive")
	}
}
