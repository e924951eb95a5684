package segdag

import (
	"github.com/hupe1980/segdag/iddag"
	"github.com/hupe1980/segdag/indexlog"
	"github.com/hupe1980/segdag/remote"
)

type options struct {
	logger      *Logger
	metrics     MetricsCollector
	remote      remote.Remote
	logOptFns   []func(o *indexlog.Options)
	dagOptFns   []func(o *iddag.Options)
	fetchOptFns []func(o *remote.CoordinatorOptions)
}

func defaultOptions() options {
	return options{
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
	}
}

// Option configures a Dag.
type Option func(*options)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsCollector sets the metrics collector. Defaults to no-op.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metrics = mc
		}
	}
}

// WithRemote enables lazy fetching of segments and names from r.
// Without a remote, queries touching uncovered ids fail with
// ErrVertexNotFound.
func WithRemote(r remote.Remote) Option {
	return func(o *options) {
		o.remote = r
	}
}

// WithLogOptions configures the on-disk index log. Only used by Open.
func WithLogOptions(optFns ...func(o *indexlog.Options)) Option {
	return func(o *options) {
		o.logOptFns = append(o.logOptFns, optFns...)
	}
}

// WithDagOptions configures the segment engine (threshold, max level).
func WithDagOptions(optFns ...func(o *iddag.Options)) Option {
	return func(o *options) {
		o.dagOptFns = append(o.dagOptFns, optFns...)
	}
}

// WithFetchOptions configures the remote fetch coordinator.
func WithFetchOptions(optFns ...func(o *remote.CoordinatorOptions)) Option {
	return func(o *options) {
		o.fetchOptFns = append(o.fetchOptFns, optFns...)
	}
}
