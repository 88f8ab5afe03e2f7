package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/streamrelay/internal/notify"
)

func validConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{URL: "https://mcp.example.com/mcp"},
		Stream: StreamConfig{
			MaxFrameSize:   1 << 20,
			WindowCapacity: 256,
			Retry: RetryConfig{
				BaseDelay:  100 * time.Millisecond,
				MaxDelay:   30 * time.Second,
				Multiplier: 2,
				Jitter:     0.2,
			},
		},
		Persistence: PersistenceConfig{
			ChannelCapacity:  1024,
			BatchSize:        64,
			DrainTimeout:     2 * time.Second,
			RetryBaseDelay:   200 * time.Millisecond,
			RetryMaxDelay:    10 * time.Second,
			WriteConcurrency: 4,
		},
		Store:   StoreConfig{Kind: "memory"},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("expected no error for valid config, got: %v", err)
	}
}

func TestValidate_EmptyUpstreamAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Upstream.URL = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty upstream url should pass validation, got: %v", err)
	}
}

func TestValidate_InvalidUpstreamURL(t *testing.T) {
	cfg := validConfig()
	cfg.Upstream.URL = "ftp://example.com"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for non-http url")
	}
	if !strings.Contains(err.Error(), "upstream.url") {
		t.Errorf("error should mention upstream.url, got: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Stream.Retry.Jitter = 1.5
	cfg.Stream.Retry.MaxDelay = time.Millisecond
	cfg.Persistence.WriteConcurrency = 0
	cfg.Store.Kind = "redis"
	cfg.Logging.Level = "loud"
	cfg.Upstream.MaxStreams = -1

	err := cfg.Validate()
	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected *ValidationErrors, got %T", err)
	}

	for _, key := range []string{
		"stream.retry.jitter",
		"stream.retry.max_delay",
		"persistence.write_concurrency",
		"store.kind",
		"logging.level",
		"upstream.max_streams",
	} {
		if !verrs.Has(key) {
			t.Errorf("expected error for %s, got: %v", key, err)
		}
	}
	if len(verrs.Fields) != 6 {
		t.Errorf("expected 6 errors, got %d", len(verrs.Fields))
	}
}

func TestValidate_FileStoreNeedsPath(t *testing.T) {
	cfg := validConfig()
	cfg.Store = StoreConfig{Kind: "file"}

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "store.path") {
		t.Errorf("expected store.path error, got: %v", err)
	}
}

func TestValidate_NotifyErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Notify = notify.Config{Enabled: true, Priority: "high"}

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "notify.topic") {
		t.Errorf("expected notify topic error, got: %v", err)
	}
}
