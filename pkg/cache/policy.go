package cache

import (
	"fmt"
	"time"

	"github.com/liliang-cn/simcache/pkg/core"
)

// Strategy selects the entry to evict when the cache is full.
// SelectVictim returns false when the view is empty.
// Ties go to the entry created first.
type Strategy interface {
	Name() string
	SelectVictim(view EntryView, now time.Time) (string, bool)
}

// NewStrategy returns the built-in strategy for policy. An empty policy
// selects LRU.
func NewStrategy(policy EvictionPolicy) (Strategy, error) {
	switch policy {
	case PolicyLRU, "":
		return lruStrategy{}, nil
	case PolicyLFU:
		return lfuStrategy{}, nil
	case PolicyFIFO:
		return fifoStrategy{}, nil
	case PolicyAdaptive:
		return adaptiveStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown eviction policy %q", core.ErrInvalidConfig, policy)
	}
}

// minBy returns the key of the entry with the smallest score.
func minBy(view EntryView, score func(e *CachedEntry) float64) (string, bool) {
	var (
		victim string
		best   float64
		found  bool
	)
	view.Each(func(e *CachedEntry) bool {
		s := score(e)
		if !found || s < best {
			victim, best, found = e.Key, s, true
		}
		return true
	})
	return victim, found
}

type lruStrategy struct{}

func (lruStrategy) Name() string { return string(PolicyLRU) }

func (lruStrategy) SelectVictim(view EntryView, _ time.Time) (string, bool) {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	view.Each(func(e *CachedEntry) bool {
		if !found || e.AccessPattern.LastAccessed.Before(oldest) {
			victim, oldest, found = e.Key, e.AccessPattern.LastAccessed, true
		}
		return true
	})
	return victim, found
}

type lfuStrategy struct{}

func (lfuStrategy) Name() string { return string(PolicyLFU) }

func (lfuStrategy) SelectVictim(view EntryView, _ time.Time) (string, bool) {
	return minBy(view, func(e *CachedEntry) float64 { return e.AccessPattern.AccessFrequency })
}

type fifoStrategy struct{}

func (fifoStrategy) Name() string { return string(PolicyFIFO) }

func (fifoStrategy) SelectVictim(view EntryView, _ time.Time) (string, bool) {
	e, ok := view.Oldest()
	if !ok {
		return "", false
	}
	return e.Key, true
}

// adaptiveStrategy evicts the entry that is idle, rarely used and low confidence.
type adaptiveStrategy struct{}

func (adaptiveStrategy) Name() string { return string(PolicyAdaptive) }

func (adaptiveStrategy) SelectVictim(view EntryView, now time.Time) (string, bool) {
	return minBy(view, func(e *CachedEntry) float64 { return -adaptiveScore(e, now) })
}

func adaptiveScore(e *CachedEntry, now time.Time) float64 {
	idle := now.Sub(e.AccessPattern.LastAccessed).Seconds()
	if idle < 0 {
		idle = 0
	}
	freqFactor := 1 / (e.AccessPattern.AccessFrequency + 0.1)
	return idle * freqFactor * (1 - float64(e.Metadata.Confidence))
}
