package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/simcache"
	"github.com/liliang-cn/simcache/internal/config"
	"github.com/liliang-cn/simcache/pkg/cache"
	"github.com/liliang-cn/simcache/pkg/core"
	"github.com/liliang-cn/simcache/pkg/index"
	"github.com/liliang-cn/simcache/pkg/snapshot"
)

var (
	configPath  string
	dbPath      string
	verbose     bool
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "simcache",
	Short: "CLI for the simcache LSH index and embedding cache",
	Long: `A command-line interface for benchmarking the LSH index against exact search,
managing SQLite snapshots and inspecting the effective configuration.`,
	SilenceUsage: true,
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure LSH recall and latency against exact search",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("vectors")
		queries, _ := cmd.Flags().GetInt("queries")
		k, _ := cmd.Flags().GetInt("top-k")
		workers, _ := cmd.Flags().GetInt("workers")
		seed, _ := cmd.Flags().GetInt64("seed")
		save, _ := cmd.Flags().GetString("save")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Cache.MaxEntries < n {
			cfg.Cache.MaxEntries = n
		}
		if workers < 1 {
			workers = 1
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		engine, err := openEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		stopMetrics := serveMetrics(ctx, engine.Logger)
		defer stopMetrics()

		dim := cfg.Index.Dimension
		rng := rand.New(rand.NewSource(seed))
		flat := index.NewFlatIndex(dim)

		start := time.Now()
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("vec_%d", i)
			v := randomVector(rng, dim)
			if err := engine.Store(id, v, "bench", "random", rng.Float32()); err != nil {
				return err
			}
			if err := flat.Insert(id, v); err != nil {
				return err
			}
		}
		insertTime := time.Since(start)

		probes := make([][]float32, queries)
		for i := range probes {
			probes[i] = randomVector(rng, dim)
		}

		recalls := make([]float64, queries)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		start = time.Now()
		for i, q := range probes {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				recalls[i] = index.Recall(engine.Index.Query(q, k), flat.Search(q, k))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		queryTime := time.Since(start)

		var recall float64
		for _, r := range recalls {
			recall += r
		}
		if queries > 0 {
			recall /= float64(queries)
		}

		report := benchReport{
			Vectors:    n,
			Queries:    queries,
			TopK:       k,
			Workers:    workers,
			Recall:     recall,
			InsertTime: insertTime.String(),
			QueryTime:  queryTime.String(),
			Index:      engine.Index.GetMetrics(),
			Buckets:    engine.Index.Stats(),
		}

		if save != "" {
			if err := engine.Save(ctx, save); err != nil {
				return err
			}
			report.Snapshot = save
		}

		if asJSON {
			return printJSON(report)
		}
		fmt.Printf("Vectors: %d  Queries: %d  k=%d  workers=%d\n", n, queries, k, workers)
		fmt.Printf("Recall@%d vs exact: %.4f\n", k, recall)
		fmt.Printf("Insert time: %s  Query time: %s\n", report.InsertTime, report.QueryTime)
		fmt.Printf("Avg candidates/query: %.1f  Avg query time: %.0fns\n",
			report.Index.AvgCandidatesPerQuery, report.Index.AvgQueryTimeNs)
		fmt.Printf("Buckets: %d  Largest bucket: %d  Memory estimate: %d bytes\n",
			report.Buckets.TotalBuckets, report.Buckets.MaxBucketSize, report.Index.MemoryUsageEstimate)
		if report.Snapshot != "" {
			fmt.Printf("Saved snapshot %q\n", report.Snapshot)
		}
		return nil
	},
}

type benchReport struct {
	Vectors    int               `json:"vectors"`
	Queries    int               `json:"queries"`
	TopK       int               `json:"top_k"`
	Workers    int               `json:"workers"`
	Recall     float64           `json:"recall"`
	InsertTime string            `json:"insert_time"`
	QueryTime  string            `json:"query_time"`
	Index      index.Metrics     `json:"index"`
	Buckets    index.BucketStats `json:"buckets"`
	Snapshot   string            `json:"snapshot,omitempty"`
}

var searchCmd = &cobra.Command{
	Use:   "search <snapshot>",
	Short: "Restore a snapshot and query it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		k, _ := cmd.Flags().GetInt("top-k")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		exact, _ := cmd.Flags().GetBool("exact")
		asJSON, _ := cmd.Flags().GetBool("json")

		query, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		engine, err := restoreEngine(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer engine.Close()

		if exact {
			results := engine.Cache.FindSimilar(query, float32(threshold))
			if len(results) > k {
				results = results[:k]
			}
			if asJSON {
				return printJSON(results)
			}
			for i, r := range results {
				fmt.Printf("%d. %s (similarity: %.4f, category: %s)\n", i+1, r.Key, r.Similarity, r.Metadata.Category)
			}
			return nil
		}

		matches := engine.Nearest(query, k)
		filtered := matches[:0]
		for _, m := range matches {
			if float64(m.Similarity) >= threshold {
				filtered = append(filtered, m)
			}
		}
		if asJSON {
			return printJSON(filtered)
		}
		if len(filtered) == 0 {
			fmt.Println("No results found")
			return nil
		}
		for i, m := range filtered {
			fmt.Printf("%d. %s (similarity: %.4f, category: %s)\n", i+1, m.Key, m.Similarity, m.Metadata.Category)
		}
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage SQLite snapshots",
}

var snapshotSaveCmd = &cobra.Command{
	Use:   "save <name>",
	Short: "Store a cache export file as a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		importPath, _ := cmd.Flags().GetString("import")

		blob, err := os.ReadFile(importPath)
		if err != nil {
			return fmt.Errorf("failed to read export: %w", err)
		}

		var entries map[string]cache.CachedEntry
		if err := json.Unmarshal(blob, &entries); err != nil {
			return fmt.Errorf("%w: %v", core.ErrSerialization, err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Cache.MaxEntries < len(entries) {
			cfg.Cache.MaxEntries = len(entries)
		}

		engine, err := openEngine(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		// Index first so the cache import below keeps its access history.
		for key, e := range entries {
			if err := engine.Store(key, e.Embedding, e.Metadata.Category, e.Metadata.Source, e.Metadata.Confidence); err != nil {
				return fmt.Errorf("entry %q: %w", key, err)
			}
		}
		if err := engine.Cache.Import(blob); err != nil {
			return err
		}
		if err := engine.Save(cmd.Context(), args[0]); err != nil {
			return err
		}

		fmt.Printf("Saved snapshot %q with %d entries\n", args[0], engine.Cache.Len())
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore a snapshot and print its statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		engine, err := restoreEngine(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer engine.Close()

		stats := struct {
			Cache   cache.CacheStatistics `json:"cache"`
			Index   index.Metrics         `json:"index"`
			Buckets index.BucketStats     `json:"buckets"`
		}{engine.Cache.GetStatistics(), engine.Index.GetMetrics(), engine.Index.Stats()}

		if asJSON {
			return printJSON(stats)
		}
		fmt.Printf("Snapshot %q\n", args[0])
		fmt.Printf("  Cache entries: %d (%.2f MB)\n", stats.Cache.TotalEntries, stats.Cache.MemoryUsageMB)
		fmt.Printf("  Index vectors: %d in %d buckets\n", stats.Index.TotalVectors, stats.Buckets.TotalBuckets)
		return nil
	},
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export <name>",
	Short: "Write the cache part of a snapshot as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		engine, err := restoreEngine(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer engine.Close()

		blob, err := engine.Cache.Export()
		if err != nil {
			return err
		}
		if output == "" || output == "-" {
			_, err = os.Stdout.Write(append(blob, '\n'))
			return err
		}
		return os.WriteFile(output, blob, 0o644)
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		asJSON, _ := cmd.Flags().GetBool("json")

		store, err := openSnapshots(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		infos, err := store.List(cmd.Context(), snapshot.Kind(kind))
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(infos)
		}
		if len(infos) == 0 {
			fmt.Println("No snapshots found")
			return nil
		}
		fmt.Printf("%-20s %-6s %8s  %s\n", "NAME", "KIND", "ENTRIES", "CREATED")
		for _, info := range infos {
			fmt.Printf("%-20s %-6s %8d  %s\n", info.Name, info.Kind, info.Entries, info.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete the cache and index snapshots with this name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSnapshots(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		deleted := 0
		for _, kind := range []snapshot.Kind{snapshot.KindIndex, snapshot.KindCache} {
			err := store.Delete(cmd.Context(), kind, args[0])
			switch {
			case err == nil:
				deleted++
			case !errors.Is(err, core.ErrNotFound):
				return err
			}
		}
		if deleted == 0 {
			return fmt.Errorf("snapshot %q: %w", args[0], core.ErrNotFound)
		}
		fmt.Printf("Deleted snapshot %q\n", args[0])
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printJSON(cfg)
	},
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if dbPath != "" {
		cfg.Snapshot.Path = dbPath
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = metricsAddr
	}
	return *cfg, nil
}

func openEngine(ctx context.Context, cfg config.Config) (*simcache.Engine, error) {
	cfg.Snapshot.RestoreOnStart = false
	engine, err := simcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	return engine, nil
}

func restoreEngine(ctx context.Context, name string) (*simcache.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Snapshot.Path == "" {
		return nil, simcache.ErrSnapshotsDisabled
	}
	engine, err := openEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := engine.Restore(ctx, name); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to restore %q: %w", name, err)
	}
	return engine, nil
}

func openSnapshots(ctx context.Context) (*snapshot.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Snapshot.Path == "" {
		return nil, simcache.ErrSnapshotsDisabled
	}
	return snapshot.Open(ctx, cfg.Snapshot.Path, snapshot.WithLogger(cfg.Log.NewLogger()))
}

// serveMetrics exposes the default registry on --metrics-addr until the
// returned function is called.
func serveMetrics(ctx context.Context, logger core.Logger) func() {
	if metricsAddr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("serving metrics", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		wg.Wait()
	}
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func parseVector(str string) ([]float32, error) {
	if strings.TrimSpace(str) == "" {
		return nil, fmt.Errorf("%w: vector is required", core.ErrInvalidVector)
	}
	parts := strings.Split(str, ",")
	vector := make([]float32, 0, len(parts))
	for _, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		vector = append(vector, float32(val))
	}
	return vector, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./simcache.yaml)")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Snapshot database path (overrides snapshot.path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	// Bench command
	benchCmd.Flags().Int("vectors", 10000, "Number of random vectors to index")
	benchCmd.Flags().Int("queries", 200, "Number of random queries")
	benchCmd.Flags().Int("top-k", 10, "Neighbours per query")
	benchCmd.Flags().Int("workers", 8, "Concurrent query workers")
	benchCmd.Flags().Int64("seed", 1, "Random seed for generated vectors")
	benchCmd.Flags().String("save", "", "Save the populated engine as this snapshot")
	benchCmd.Flags().Bool("json", false, "Output as JSON")

	// Search command
	searchCmd.Flags().String("vector", "", "Query vector (comma-separated)")
	searchCmd.Flags().Int("top-k", 10, "Number of results")
	searchCmd.Flags().Float64("threshold", -1, "Minimum similarity")
	searchCmd.Flags().Bool("exact", false, "Scan the cache instead of querying the index")
	searchCmd.Flags().Bool("json", false, "Output as JSON")
	_ = searchCmd.MarkFlagRequired("vector")

	// Snapshot commands
	snapshotCmd.AddCommand(snapshotSaveCmd, snapshotRestoreCmd, snapshotExportCmd, snapshotListCmd, snapshotDeleteCmd)
	snapshotSaveCmd.Flags().String("import", "", "Cache export JSON to load")
	_ = snapshotSaveCmd.MarkFlagRequired("import")
	snapshotRestoreCmd.Flags().Bool("json", false, "Output as JSON")
	snapshotExportCmd.Flags().StringP("output", "o", "-", "Output file")
	snapshotListCmd.Flags().String("kind", "", "Only list this kind (cache or index)")
	snapshotListCmd.Flags().Bool("json", false, "Output as JSON")

	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(benchCmd, searchCmd, snapshotCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
