package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/streamrelay/internal/notify"
	"github.com/dgnsrekt/streamrelay/internal/persist"
	"github.com/dgnsrekt/streamrelay/internal/reconnect"
	"github.com/dgnsrekt/streamrelay/internal/upstream"
)

// EnvPrefix prefixes every environment override, e.g. STREAMRELAY_UPSTREAM_URL.
const EnvPrefix = "STREAMRELAY"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Store       StoreConfig       `mapstructure:"store"`
	Notify      notify.Config     `mapstructure:"notify"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	IdleTimeout       time.Duration `mapstructure:"session_idle_timeout"`
	WSEnabled         bool          `mapstructure:"ws_enabled"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
}

type UpstreamConfig struct {
	URL            string            `mapstructure:"url"`
	ResumeHeader   string            `mapstructure:"resume_header"`
	SessionHeader  string            `mapstructure:"session_header"`
	Headers        map[string]string `mapstructure:"headers"`
	ConnectRate    float64           `mapstructure:"connect_rate"`
	ConnectBurst   int               `mapstructure:"connect_burst"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`

	MaxStreams        int           `mapstructure:"max_streams"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	IdleConnTimeout   time.Duration `mapstructure:"idle_conn_timeout"`
	MaxStreamLifetime time.Duration `mapstructure:"max_stream_lifetime"`
}

type StreamConfig struct {
	MaxFrameSize   int         `mapstructure:"max_frame_size"`
	WindowCapacity int         `mapstructure:"window_capacity"`
	Retry          RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type PersistenceConfig struct {
	ChannelCapacity  int           `mapstructure:"channel_capacity"`
	BatchSize        int           `mapstructure:"batch_size"`
	EnqueueTimeout   time.Duration `mapstructure:"enqueue_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	MaxRetries       int           `mapstructure:"max_retries"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	WriteConcurrency int           `mapstructure:"write_concurrency"`
}

type StoreConfig struct {
	Kind string `mapstructure:"kind"`
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.keepalive_interval", "15s")
	v.SetDefault("server.session_idle_timeout", "5m")
	v.SetDefault("server.ws_enabled", true)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("upstream.url", "")
	v.SetDefault("upstream.resume_header", "Last-Event-ID")
	v.SetDefault("upstream.session_header", "Mcp-Session-Id")
	v.SetDefault("upstream.connect_rate", 20)
	v.SetDefault("upstream.connect_burst", 40)
	v.SetDefault("upstream.request_timeout", "30s")
	v.SetDefault("upstream.max_streams", 0)
	v.SetDefault("upstream.acquire_timeout", upstream.DefaultAcquireTimeout)
	v.SetDefault("upstream.idle_conn_timeout", upstream.DefaultIdleConnTimeout)
	v.SetDefault("upstream.max_stream_lifetime", 0)

	v.SetDefault("stream.max_frame_size", 1<<20)
	v.SetDefault("stream.window_capacity", 256)
	v.SetDefault("stream.retry.base_delay", reconnect.DefaultBaseDelay.String())
	v.SetDefault("stream.retry.max_delay", reconnect.DefaultMaxDelay.String())
	v.SetDefault("stream.retry.multiplier", reconnect.DefaultMultiplier)
	v.SetDefault("stream.retry.jitter", reconnect.DefaultJitter)
	v.SetDefault("stream.retry.max_attempts", 0)

	v.SetDefault("persistence.channel_capacity", persist.DefaultChannelCapacity)
	v.SetDefault("persistence.batch_size", persist.DefaultBatchSize)
	v.SetDefault("persistence.enqueue_timeout", persist.DefaultEnqueueTimeout.String())
	v.SetDefault("persistence.drain_timeout", persist.DefaultDrainTimeout.String())
	v.SetDefault("persistence.retry_interval", persist.DefaultRetryInterval.String())
	v.SetDefault("persistence.retry_base_delay", persist.DefaultRetryBaseDelay.String())
	v.SetDefault("persistence.retry_max_delay", persist.DefaultRetryMaxDelay.String())
	v.SetDefault("persistence.max_retries", persist.DefaultMaxRetries)
	v.SetDefault("persistence.write_timeout", persist.DefaultWriteTimeout.String())
	v.SetDefault("persistence.write_concurrency", persist.DefaultWriteConcurrency)

	v.SetDefault("store.kind", "memory")
	v.SetDefault("store.path", "data/sessions.cbor.zst")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "high")
	v.SetDefault("notify.tags", "warning,satellite")

	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
}

// Load reads configuration from configPath, or from streamrelay.yaml in
// ./configs or the working directory when configPath is empty. A missing
// default file is not an error. Environment variables override the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Secrets have no defaults, bind them explicitly
	_ = v.BindEnv("notify.token", EnvPrefix+"_NOTIFY_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("streamrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Policy returns the reconnection policy of upstream streams.
func (c *Config) Policy() reconnect.Policy {
	r := c.Stream.Retry
	return reconnect.Policy{
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
		MaxAttempts: r.MaxAttempts,
	}
}

// PersistOptions returns the options of every session's persistence worker.
func (c *Config) PersistOptions() persist.Options {
	p := c.Persistence
	return persist.Options{
		ChannelCapacity:  p.ChannelCapacity,
		BatchSize:        p.BatchSize,
		EnqueueTimeout:   p.EnqueueTimeout,
		DrainTimeout:     p.DrainTimeout,
		RetryInterval:    p.RetryInterval,
		RetryBaseDelay:   p.RetryBaseDelay,
		RetryMaxDelay:    p.RetryMaxDelay,
		MaxRetries:       p.MaxRetries,
		WriteTimeout:     p.WriteTimeout,
		WriteConcurrency: p.WriteConcurrency,
	}
}

// UpstreamOptions returns the options of the upstream client.
func (c *Config) UpstreamOptions() upstream.Options {
	u := c.Upstream
	return upstream.Options{
		URL:            u.URL,
		ResumeHeader:   u.ResumeHeader,
		SessionHeader:  u.SessionHeader,
		Headers:        u.Headers,
		ConnectRate:    u.ConnectRate,
		ConnectBurst:   u.ConnectBurst,
		RequestTimeout: u.RequestTimeout,

		MaxStreams:        u.MaxStreams,
		AcquireTimeout:    u.AcquireTimeout,
		IdleConnTimeout:   u.IdleConnTimeout,
		MaxStreamLifetime: u.MaxStreamLifetime,
	}
}
