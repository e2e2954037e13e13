package index

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/liliang-cn/simcache/pkg/core"
)

// Option configures an LSHIndex.
type Option func(*indexOptions)

type indexOptions struct {
	logger    core.Logger
	shards    int
	registry  prometheus.Registerer
	component string
}

// WithLogger sets the logger used for index diagnostics.
func WithLogger(l core.Logger) Option {
	return func(o *indexOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithShards sets the number of lock stripes per table and for the vector store.
// Values <= 0 are ignored.
func WithShards(n int) Option {
	return func(o *indexOptions) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithMetrics exports index metrics to Prometheus under the given component label.
// A nil registerer or empty component disables export.
func WithMetrics(reg prometheus.Registerer, component string) Option {
	return func(o *indexOptions) {
		if reg != nil && component != "" {
			o.registry = reg
			o.component = component
		}
	}
}

func applyOptions(opts ...Option) *indexOptions {
	o := &indexOptions{
		logger: core.NopLogger(),
		shards: DefaultShards,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
