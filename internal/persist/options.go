package persist

import "time"

// Default worker settings.
const (
	DefaultChannelCapacity  = 1024
	DefaultBatchSize        = 64
	DefaultEnqueueTimeout   = 100 * time.Millisecond
	DefaultDrainTimeout     = 2 * time.Second
	DefaultRetryInterval    = 250 * time.Millisecond
	DefaultRetryBaseDelay   = 200 * time.Millisecond
	DefaultRetryMaxDelay    = 10 * time.Second
	DefaultMaxRetries       = 5
	DefaultWriteTimeout     = 5 * time.Second
	DefaultWriteConcurrency = 4
)

// Options configure a Worker. Zero values take the defaults.
type Options struct {
	ChannelCapacity int
	BatchSize       int
	// EnqueueTimeout bounds how long a sender waits on a full channel
	// before dropping the request.
	EnqueueTimeout time.Duration
	// DrainTimeout bounds the final flush on shutdown.
	DrainTimeout time.Duration
	// RetryInterval is the period of the retry tick.
	RetryInterval  time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// MaxRetries is the number of retries after the first failed write.
	// Negative disables retries.
	MaxRetries       int
	WriteTimeout     time.Duration
	WriteConcurrency int
}

func (o Options) withDefaults() Options {
	if o.ChannelCapacity <= 0 {
		o.ChannelCapacity = DefaultChannelCapacity
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.WriteConcurrency <= 0 {
		o.WriteConcurrency = DefaultWriteConcurrency
	}
	return o
}
