package latentgo

import (
	"log/slog"

	"github.com/hupe1980/latentgo/coordinator"
	"github.com/hupe1980/latentgo/encoder"
	"github.com/hupe1980/latentgo/latentstore"
	"github.com/hupe1980/latentgo/resource"
	"github.com/hupe1980/latentgo/shard"
)

type options struct {
	logger           *Logger
	metricsCollector coordinator.MetricsCollector
	store            latentstore.Store
	encoder          encoder.Encoder
	resources        resource.Config
	strategy         shard.Strategy
}

// Option configures pipeline construction.
//
// Options exist to inject alternatives for the built-in components
// (e.g. a remote record store or a custom encoder) without exploding
// the constructor surface.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc coordinator.MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithRecordStore injects the latent record store, replacing the
// default local store under OutputDir/latents. Use this to persist
// records remotely (latentstore.S3Store) or to inject a faulty store
// in tests. The pipeline takes ownership and closes it on Close.
func WithRecordStore(s latentstore.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithEncoder injects a pre-built encoder, bypassing construction from
// Config.EncoderType.
func WithEncoder(e encoder.Encoder) Option {
	return func(o *options) {
		o.encoder = e
	}
}

// WithResourceConfig bounds the pipeline's memory, encode concurrency
// and disk read rate.
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = cfg
	}
}

// WithIOLimit caps the aggregate image read rate in bytes per second.
// Convenience for the common case of only throttling IO.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.resources.IOLimitBytesPerSec = bytesPerSec
	}
}

// WithShardStrategy selects how the corpus is partitioned across
// workers. The default interleaved strategy balances class skew; the
// contiguous strategy keeps each worker inside few directories.
func WithShardStrategy(s shard.Strategy) Option {
	return func(o *options) {
		o.strategy = s
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
