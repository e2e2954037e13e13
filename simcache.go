package simcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/liliang-cn/simcache/internal/config"
	"github.com/liliang-cn/simcache/internal/encoding"
	"github.com/liliang-cn/simcache/pkg/cache"
	"github.com/liliang-cn/simcache/pkg/core"
	"github.com/liliang-cn/simcache/pkg/index"
	"github.com/liliang-cn/simcache/pkg/snapshot"
)

// Engine owns one index, one cache and, when configured, a snapshot store.
// Cache evictions and expiries are mirrored into the index.
//
// The index holds exactly the keys the cache holds as long as both are only
// mutated through Engine methods. Reads may use Index and Cache directly.
type Engine struct {
	Index     *index.LSHIndex
	Cache     *cache.EmbeddingCache
	Snapshots *snapshot.Store // nil when snapshot.path is empty
	Logger    core.Logger

	config   config.Config
	embedder Embedder

	// writeMu serialises every path that changes cache membership, so the
	// eviction callback always runs inside the write that caused it.
	writeMu sync.Mutex

	janitorMu sync.Mutex
	shutdown  chan struct{}
	done      chan struct{}
}

// Option is a functional option for configuring the Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger   core.Logger
	registry prometheus.Registerer
	embedder Embedder
	clock    func() time.Time
}

// WithLogger overrides the logger built from the log section.
func WithLogger(l core.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithRegisterer sets where metrics are registered when metrics.enabled is
// true. The default is prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registry = reg }
}

// WithEmbedder enables StoreText and SearchText.
func WithEmbedder(e Embedder) Option {
	return func(o *engineOptions) { o.embedder = e }
}

// WithClock replaces time.Now for the cache.
func WithClock(clock func() time.Time) Option {
	return func(o *engineOptions) { o.clock = clock }
}

// Match is one nearest-neighbour hit with the cached metadata of its key.
type Match struct {
	Key        string              `json:"key"`
	Similarity float32             `json:"similarity"`
	Metadata   cache.EntryMetadata `json:"metadata"`
}

// indexMetadata is attached to every indexed vector.
type indexMetadata struct {
	Category string `json:"category,omitempty"`
	Source   string `json:"source,omitempty"`
}

// New builds an Engine from cfg. When snapshot.restore_on_start is set the
// named snapshot is loaded; a missing snapshot is logged and ignored.
// The cache janitor runs until ctx is done or Close is called.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = cfg.Log.NewLogger()
	}

	if o.embedder != nil && o.embedder.Dim() != cfg.Index.Dimension {
		return nil, core.DimensionError("engine_new", cfg.Index.Dimension, o.embedder.Dim())
	}

	indexOpts := []index.Option{index.WithLogger(logger)}
	var cacheOpts []cache.Option
	if cfg.Metrics.Enabled {
		reg := o.registry
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		indexOpts = append(indexOpts, index.WithMetrics(reg, cfg.Metrics.Component))
		cacheOpts = append(cacheOpts, cache.WithMetrics(reg, cfg.Metrics.Component))
	}

	idx, err := index.NewLSHIndex(cfg.Index, indexOpts...)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Index:    idx,
		Logger:   logger,
		config:   cfg,
		embedder: o.embedder,
	}

	cacheOpts = append(cacheOpts,
		cache.WithLogger(logger),
		cache.WithEvictionCallback(e.onEvict),
	)
	if o.clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(o.clock))
	}
	if e.Cache, err = cache.New(cfg.Cache, cacheOpts...); err != nil {
		return nil, err
	}

	if cfg.Snapshot.Path != "" {
		if e.Snapshots, err = snapshot.Open(ctx, cfg.Snapshot.Path, snapshot.WithLogger(logger)); err != nil {
			return nil, err
		}
	}

	if cfg.Snapshot.RestoreOnStart {
		if err := e.Restore(ctx, cfg.Snapshot.Name); err != nil {
			if !errors.Is(err, core.ErrNotFound) {
				_ = e.Close()
				return nil, err
			}
			logger.Info("no snapshot to restore", "name", cfg.Snapshot.Name)
		}
	}

	e.startJanitor(ctx)
	logger.Info("engine started",
		"dimension", cfg.Index.Dimension,
		"tables", cfg.Index.NumTables,
		"policy", cfg.Cache.EvictionPolicy,
		"max_entries", cfg.Cache.MaxEntries)
	return e, nil
}

// Config returns the validated configuration.
func (e *Engine) Config() config.Config {
	return e.config
}

// onEvict runs synchronously inside a cache call made under writeMu.
func (e *Engine) onEvict(entry cache.CachedEntry, reason cache.EvictionReason) {
	if e.Index.RemoveVector(entry.Key) {
		e.Logger.Debug("dropped evicted entry from index", "key", entry.Key, "reason", reason)
	}
}

// Store caches the embedding and indexes it under key.
func (e *Engine) Store(key string, embedding []float32, category, source string, confidence float32) error {
	if len(embedding) != e.config.Index.Dimension {
		return core.DimensionError("engine_store", e.config.Index.Dimension, len(embedding))
	}
	if err := encoding.ValidateVector(embedding); err != nil {
		return core.WrapError("engine_store", err)
	}
	meta, err := json.Marshal(indexMetadata{Category: category, Source: source})
	if err != nil {
		return core.WrapError("engine_store", fmt.Errorf("%w: %v", core.ErrSerialization, err))
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.Cache.Store(key, embedding, category, source, confidence); err != nil {
		return err
	}
	if err := e.Index.IndexVector(key, embedding, meta); err != nil {
		e.Cache.Remove(key)
		e.Index.RemoveVector(key)
		return err
	}
	return nil
}

// Lookup returns the cached embedding for key, recording the access.
func (e *Engine) Lookup(key string) ([]float32, cache.EntryMetadata, bool) {
	return e.Cache.Retrieve(key)
}

// Nearest returns up to k approximate neighbours of embedding, most similar
// first. Each hit counts as a cache access.
func (e *Engine) Nearest(embedding []float32, k int) []Match {
	results := e.Index.Query(embedding, k)
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		_, meta, ok := e.Cache.Retrieve(r.ID)
		if !ok {
			continue
		}
		matches = append(matches, Match{Key: r.ID, Similarity: r.Similarity, Metadata: meta})
	}
	return matches
}

// Remove deletes key from both the cache and the index.
func (e *Engine) Remove(key string) bool {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	inCache := e.Cache.Remove(key)
	inIndex := e.Index.RemoveVector(key)
	return inCache || inIndex
}

// ClearExpired expires idle cache entries and their index vectors.
func (e *Engine) ClearExpired() int {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.Cache.ClearExpired()
}

// startJanitor runs ClearExpired every cache.cleanup_interval until ctx is
// done or Close is called.
func (e *Engine) startJanitor(ctx context.Context) {
	interval := e.config.Cache.CleanupInterval
	if interval <= 0 {
		return
	}

	e.janitorMu.Lock()
	defer e.janitorMu.Unlock()
	if e.done != nil {
		return
	}
	e.shutdown = make(chan struct{})
	e.done = make(chan struct{})
	go e.janitor(ctx, interval, e.shutdown, e.done)
}

func (e *Engine) janitor(ctx context.Context, interval time.Duration, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-ticker.C:
			if n := e.ClearExpired(); n > 0 {
				e.Logger.Debug("janitor expired entries", "count", n)
			}
		}
	}
}

func (e *Engine) stopJanitor() error {
	e.janitorMu.Lock()
	defer e.janitorMu.Unlock()
	if e.done == nil {
		return nil
	}

	select {
	case <-e.shutdown:
	default:
		close(e.shutdown)
	}

	select {
	case <-e.done:
		e.shutdown, e.done = nil, nil
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("timeout waiting for engine janitor to finish")
	}
}

// StoreText embeds text and stores it under key.
func (e *Engine) StoreText(ctx context.Context, key, text, category, source string, confidence float32) error {
	vec, err := e.embed(ctx, text)
	if err != nil {
		return err
	}
	return e.Store(key, vec, category, source, confidence)
}

// StoreTextBatch embeds every text in one EmbedBatch call and stores it under
// its key. Empty texts are skipped.
func (e *Engine) StoreTextBatch(ctx context.Context, texts map[string]string, category, source string, confidence float32) error {
	if e.embedder == nil {
		return ErrEmbedderNotConfigured
	}

	keys := make([]string, 0, len(texts))
	batch := make([]string, 0, len(texts))
	for key, text := range texts {
		if text == "" {
			continue
		}
		keys = append(keys, key)
		batch = append(batch, text)
	}
	if len(batch) == 0 {
		return nil
	}

	vectors, err := e.embedder.EmbedBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	for i, key := range keys {
		if err := e.Store(key, vectors[i], category, source, confidence); err != nil {
			return err
		}
	}
	return nil
}

// SearchText embeds query and returns its nearest cached neighbours.
func (e *Engine) SearchText(ctx context.Context, query string, k int) ([]Match, error) {
	vec, err := e.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return e.Nearest(vec, k), nil
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if e.embedder == nil {
		return nil, ErrEmbedderNotConfigured
	}
	if text == "" {
		return nil, ErrEmptyText
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

// Save writes the cache and the index to the snapshot store under name.
func (e *Engine) Save(ctx context.Context, name string) error {
	if e.Snapshots == nil {
		return ErrSnapshotsDisabled
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.Snapshots.SaveIndex(ctx, name, e.Index); err != nil {
		return err
	}
	if _, err := e.Snapshots.SaveCache(ctx, name, e.Cache); err != nil {
		return err
	}
	e.Logger.Info("snapshot saved", "name", name, "entries", e.Cache.Len())
	return nil
}

// Restore loads the named snapshot. The index is loaded first so that cache
// entries evicted during import are also dropped from the index.
func (e *Engine) Restore(ctx context.Context, name string) error {
	if e.Snapshots == nil {
		return ErrSnapshotsDisabled
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.Snapshots.LoadIndex(ctx, name, e.Index); err != nil {
		return err
	}
	if _, err := e.Snapshots.LoadCache(ctx, name, e.Cache); err != nil {
		e.dropUncached()
		return err
	}
	e.Logger.Info("snapshot restored", "name", name, "entries", e.Cache.Len(), "vectors", e.Index.Len())
	return nil
}

// dropUncached removes index vectors whose key the cache does not hold.
// Caller holds writeMu.
func (e *Engine) dropUncached() {
	cached := make(map[string]struct{}, e.Cache.Len())
	for _, key := range e.Cache.Keys() {
		cached[key] = struct{}{}
	}
	for _, v := range e.Index.Vectors() {
		if _, ok := cached[v.ID]; !ok {
			e.Index.RemoveVector(v.ID)
		}
	}
}

// Close stops the janitor and closes the snapshot store.
func (e *Engine) Close() error {
	var errs []error
	if err := e.stopJanitor(); err != nil {
		errs = append(errs, err)
	}
	if e.Snapshots != nil {
		if err := e.Snapshots.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
