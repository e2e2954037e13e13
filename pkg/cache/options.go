package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/liliang-cn/simcache/pkg/core"
)

// EvictionReason says why an entry left the cache.
type EvictionReason string

// Eviction reasons passed to an EvictCallback.
const (
	ReasonPolicy  EvictionReason = "policy"
	ReasonExpired EvictionReason = "expired"
)

// EvictCallback is called after an entry is evicted or expired.
// It runs outside the cache lock and receives a copy of the entry.
type EvictCallback func(entry CachedEntry, reason EvictionReason)

// Option configures an EmbeddingCache.
type Option func(*cacheOptions)

type cacheOptions struct {
	clock     func() time.Time
	logger    core.Logger
	registry  prometheus.Registerer
	component string
	evictFn   EvictCallback
	strategy  Strategy
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *cacheOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger used for eviction and expiry diagnostics.
func WithLogger(l core.Logger) Option {
	return func(o *cacheOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics exports cache metrics to Prometheus under the given component label.
func WithMetrics(reg prometheus.Registerer, component string) Option {
	return func(o *cacheOptions) {
		if reg != nil && component != "" {
			o.registry = reg
			o.component = component
		}
	}
}

// WithEvictionCallback sets a function called when entries are evicted or expire.
func WithEvictionCallback(fn EvictCallback) Option {
	return func(o *cacheOptions) {
		o.evictFn = fn
	}
}

// WithStrategy overrides the strategy named by Config.EvictionPolicy.
func WithStrategy(s Strategy) Option {
	return func(o *cacheOptions) {
		if s != nil {
			o.strategy = s
		}
	}
}

func applyOptions(opts ...Option) *cacheOptions {
	o := &cacheOptions{
		clock:  time.Now,
		logger: core.NopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
