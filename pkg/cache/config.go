package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/simcache/pkg/core"
)

// EvictionPolicy names a built-in victim selection strategy.
type EvictionPolicy string

// Built-in eviction policies.
const (
	PolicyLRU      EvictionPolicy = "lru"
	PolicyLFU      EvictionPolicy = "lfu"
	PolicyFIFO     EvictionPolicy = "fifo"
	PolicyAdaptive EvictionPolicy = "adaptive"
)

// Default configuration values.
const (
	DefaultMaxEntries          = 10000
	DefaultTTL                 = 24 * time.Hour
	DefaultSimilarityThreshold = float32(0.8)
	DefaultCleanupInterval     = 5 * time.Minute
)

// ParseEvictionPolicy maps a case-insensitive name to a policy.
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	p := EvictionPolicy(strings.ToLower(strings.TrimSpace(s)))
	if !p.valid() {
		return "", fmt.Errorf("%w: unknown eviction policy %q", core.ErrInvalidConfig, s)
	}
	return p, nil
}

func (p EvictionPolicy) valid() bool {
	switch p {
	case PolicyLRU, PolicyLFU, PolicyFIFO, PolicyAdaptive:
		return true
	}
	return false
}

// Config holds cache configuration.
type Config struct {
	// MaxEntries is the capacity; storing a new key at capacity evicts one entry.
	MaxEntries int `json:"max_entries" mapstructure:"max_entries"`

	// TTL is the idle time after which ClearExpired removes an entry.
	// Zero disables expiry.
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`

	EvictionPolicy EvictionPolicy `json:"eviction_policy" mapstructure:"eviction_policy"`

	// SimilarityThreshold is used by FindSimilarDefault.
	SimilarityThreshold float32 `json:"similarity_threshold" mapstructure:"similarity_threshold"`

	// CleanupInterval is the janitor period. Zero disables the janitor.
	CleanupInterval time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:          DefaultMaxEntries,
		TTL:                 DefaultTTL,
		EvictionPolicy:      PolicyLRU,
		SimilarityThreshold: DefaultSimilarityThreshold,
		CleanupInterval:     DefaultCleanupInterval,
	}
}

// Validate checks if the configuration is valid.
// An empty EvictionPolicy is accepted and resolves to LRU.
func (c Config) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("%w: max_entries must be positive, got %d", core.ErrInvalidConfig, c.MaxEntries)
	}
	if c.TTL < 0 {
		return fmt.Errorf("%w: ttl cannot be negative", core.ErrInvalidConfig)
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("%w: cleanup_interval cannot be negative", core.ErrInvalidConfig)
	}
	if c.SimilarityThreshold < -1 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity_threshold must be in [-1, 1], got %v",
			core.ErrInvalidConfig, c.SimilarityThreshold)
	}
	if c.EvictionPolicy != "" && !c.EvictionPolicy.valid() {
		return fmt.Errorf("%w: unknown eviction policy %q", core.ErrInvalidConfig, c.EvictionPolicy)
	}
	return nil
}

// UnmarshalJSON accepts durations as strings ("30m") or integer nanoseconds.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		TTL             interface{} `json:"ttl"`
		CleanupInterval interface{} `json:"cleanup_interval"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if c.TTL, err = parseDurationField(aux.TTL, "ttl"); err != nil {
		return err
	}
	if c.CleanupInterval, err = parseDurationField(aux.CleanupInterval, "cleanup_interval"); err != nil {
		return err
	}
	return nil
}

func parseDurationField(value interface{}, fieldName string) (time.Duration, error) {
	if value == nil {
		return 0, nil
	}

	switch v := value.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s duration: %w", fieldName, err)
		}
		return d, nil
	case float64:
		return time.Duration(int64(v)), nil
	default:
		return 0, fmt.Errorf("invalid %s type: %T", fieldName, value)
	}
}
