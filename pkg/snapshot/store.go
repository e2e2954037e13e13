// Package snapshot persists cache exports and index contents in a SQLite file
// so a process can restart warm.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/liliang-cn/simcache/internal/encoding"
	"github.com/liliang-cn/simcache/pkg/cache"
	"github.com/liliang-cn/simcache/pkg/core"
	"github.com/liliang-cn/simcache/pkg/index"
)

// Kind distinguishes what a snapshot holds.
type Kind string

// Snapshot kinds.
const (
	KindCache Kind = "cache"
	KindIndex Kind = "index"
)

// Info describes a stored snapshot.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Entries   int       `json:"entries"`
	CreatedAt time.Time `json:"created_at"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(l core.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is a SQLite-backed snapshot catalogue. Names are unique per Kind;
// saving under an existing name replaces the previous snapshot.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	logger core.Logger
	closed bool
	now    func() time.Time
}

// Open opens or creates the snapshot database at path.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, core.WrapError("snapshot_open", fmt.Errorf("%w: empty path", core.ErrInvalidConfig))
	}

	s := &Store{
		path:   path,
		logger: core.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	// journal_mode=WAL: readers do not block the writer
	// busy_timeout=5000: wait up to 5s for a lock instead of failing
	// foreign_keys=1: vector rows cascade with their snapshot
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, core.WrapError("snapshot_open", fmt.Errorf("failed to open database: %w", err))
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(2 * time.Hour)
	s.db = db

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, core.WrapError("snapshot_open", err)
	}

	s.logger.Info("snapshot store opened", "path", path)
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		entries INTEGER NOT NULL DEFAULT 0,
		config TEXT,
		payload BLOB,
		created_at INTEGER NOT NULL, -- unix nanoseconds
		UNIQUE (name, kind)
	);

	CREATE TABLE IF NOT EXISTS snapshot_vectors (
		snapshot_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		vector_id TEXT NOT NULL,
		vector BLOB NOT NULL,
		metadata TEXT,
		PRIMARY KEY (snapshot_id, position),
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_created_at ON snapshots(created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// SaveCache stores the export of c under name.
func (s *Store) SaveCache(ctx context.Context, name string, c *cache.EmbeddingCache) (Info, error) {
	blob, err := c.Export()
	if err != nil {
		return Info{}, core.WrapError("save_cache", err)
	}
	config, err := json.Marshal(c.Config())
	if err != nil {
		return Info{}, core.WrapError("save_cache", fmt.Errorf("%w: %v", core.ErrSerialization, err))
	}

	info := Info{Name: name, Kind: KindCache, Entries: c.Len()}
	err = s.write(ctx, "save_cache", &info, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE snapshots SET config = ?, payload = ? WHERE id = ?`,
			string(config), blob, info.ID)
		return err
	})
	if err != nil {
		return Info{}, err
	}
	s.logger.Debug("saved cache snapshot", "name", name, "entries", info.Entries, "bytes", len(blob))
	return info, nil
}

// LoadCache merges the named cache snapshot into c.
func (s *Store) LoadCache(ctx context.Context, name string, c *cache.EmbeddingCache) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Info{}, core.WrapError("load_cache", core.ErrClosed)
	}

	info, err := s.lookup(ctx, s.db, name, KindCache)
	if err != nil {
		return Info{}, core.WrapError("load_cache", err)
	}

	var blob []byte
	if err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE id = ?`, info.ID).Scan(&blob); err != nil {
		return Info{}, core.WrapError("load_cache", fmt.Errorf("failed to read payload: %w", err))
	}
	if err := c.Import(blob); err != nil {
		s.logger.Warn("cache snapshot import failed", "name", name, "error", err)
		return Info{}, core.WrapError("load_cache", err)
	}
	return info, nil
}

// SaveIndex stores every vector of idx, in insertion order, under name.
func (s *Store) SaveIndex(ctx context.Context, name string, idx *index.LSHIndex) (Info, error) {
	config, err := json.Marshal(idx.Config())
	if err != nil {
		return Info{}, core.WrapError("save_index", fmt.Errorf("%w: %v", core.ErrSerialization, err))
	}
	vectors := idx.Vectors()

	info := Info{Name: name, Kind: KindIndex, Entries: len(vectors)}
	err = s.write(ctx, "save_index", &info, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE snapshots SET config = ? WHERE id = ?`, string(config), info.ID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO snapshot_vectors (snapshot_id, position, vector_id, vector, metadata)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i, v := range vectors {
			blob, err := encoding.EncodeVector(v.Vector)
			if err != nil {
				return fmt.Errorf("failed to encode vector %q: %w", v.ID, err)
			}
			meta, err := encoding.EncodeMetadata(v.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata for %q: %w", v.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, info.ID, i, v.ID, blob, meta); err != nil {
				return fmt.Errorf("failed to insert vector %q: %w", v.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return Info{}, err
	}
	s.logger.Debug("saved index snapshot", "name", name, "vectors", info.Entries)
	return info, nil
}

// LoadIndex re-indexes every vector of the named snapshot into idx. The
// snapshot dimension must match idx.
func (s *Store) LoadIndex(ctx context.Context, name string, idx *index.LSHIndex) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Info{}, core.WrapError("load_index", core.ErrClosed)
	}

	info, err := s.lookup(ctx, s.db, name, KindIndex)
	if err != nil {
		return Info{}, core.WrapError("load_index", err)
	}

	var rawConfig string
	if err := s.db.QueryRowContext(ctx, `SELECT config FROM snapshots WHERE id = ?`, info.ID).Scan(&rawConfig); err != nil {
		return Info{}, core.WrapError("load_index", fmt.Errorf("failed to read config: %w", err))
	}
	var saved index.LSHConfig
	if err := json.Unmarshal([]byte(rawConfig), &saved); err != nil {
		return Info{}, core.WrapError("load_index", fmt.Errorf("%w: %v", core.ErrSerialization, err))
	}
	if want := idx.Config().Dimension; saved.Dimension != want {
		return Info{}, core.DimensionError("load_index", want, saved.Dimension)
	}
	if saved != idx.Config() {
		s.logger.Warn("index snapshot was built with different hashing parameters",
			"name", name, "saved", saved, "current", idx.Config())
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT vector_id, vector, metadata FROM snapshot_vectors
		WHERE snapshot_id = ? ORDER BY position`, info.ID)
	if err != nil {
		return Info{}, core.WrapError("load_index", fmt.Errorf("failed to query vectors: %w", err))
	}
	defer rows.Close()

	// Every row is decoded and checked before idx is touched, so a corrupt
	// snapshot leaves the index unchanged.
	var vectors []index.IndexedVector
	for rows.Next() {
		var (
			id   string
			blob []byte
			meta sql.NullString
		)
		if err := rows.Scan(&id, &blob, &meta); err != nil {
			return Info{}, core.WrapError("load_index", fmt.Errorf("failed to scan vector: %w", err))
		}
		if id == "" {
			return Info{}, core.WrapError("load_index", core.ErrInvalidID)
		}
		vec, err := encoding.DecodeVector(blob)
		if err != nil {
			return Info{}, core.WrapError("load_index", fmt.Errorf("vector %q: %w", id, err))
		}
		if len(vec) != saved.Dimension {
			return Info{}, core.WrapError("load_index", fmt.Errorf("vector %q: %w",
				id, core.DimensionError("decode", saved.Dimension, len(vec))))
		}
		if err := encoding.ValidateVector(vec); err != nil {
			return Info{}, core.WrapError("load_index", fmt.Errorf("vector %q: %w", id, err))
		}
		md, err := encoding.DecodeMetadata(meta.String)
		if err != nil {
			return Info{}, core.WrapError("load_index", fmt.Errorf("vector %q: %w", id, err))
		}
		vectors = append(vectors, index.IndexedVector{ID: id, Vector: vec, Metadata: md})
	}
	if err := rows.Err(); err != nil {
		return Info{}, core.WrapError("load_index", err)
	}

	for _, v := range vectors {
		if err := idx.IndexVector(v.ID, v.Vector, v.Metadata); err != nil {
			return Info{}, core.WrapError("load_index", err)
		}
	}
	return info, nil
}

// List returns snapshots of the given kind, newest first. An empty kind lists all.
func (s *Store) List(ctx context.Context, kind Kind) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, core.WrapError("list", core.ErrClosed)
	}

	query := `SELECT id, name, kind, entries, created_at FROM snapshots`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError("list", fmt.Errorf("failed to query snapshots: %w", err))
	}
	defer rows.Close()

	infos := []Info{}
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, core.WrapError("list", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError("list", err)
	}
	return infos, nil
}

// Delete removes the named snapshot. It returns core.ErrNotFound when absent.
func (s *Store) Delete(ctx context.Context, kind Kind, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapError("delete", core.ErrClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.WrapError("delete", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	info, err := s.lookup(ctx, tx, name, kind)
	if err != nil {
		return core.WrapError("delete", err)
	}
	if err := deleteSnapshot(ctx, tx, info.ID); err != nil {
		return core.WrapError("delete", err)
	}
	if err := tx.Commit(); err != nil {
		return core.WrapError("delete", fmt.Errorf("failed to commit: %w", err))
	}
	s.logger.Debug("deleted snapshot", "name", name, "kind", kind)
	return nil
}

// Close closes the database. Further calls return core.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return core.WrapError("close", err)
	}
	return nil
}

// write replaces any snapshot called info.Name of info.Kind with a fresh row,
// fills info.ID and info.CreatedAt, and runs fill inside the same transaction.
func (s *Store) write(ctx context.Context, op string, info *Info, fill func(tx *sql.Tx) error) error {
	if info.Name == "" {
		return core.WrapError(op, fmt.Errorf("%w: empty snapshot name", core.ErrInvalidKey))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapError(op, core.ErrClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.WrapError(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if old, err := s.lookup(ctx, tx, info.Name, info.Kind); err == nil {
		if err := deleteSnapshot(ctx, tx, old.ID); err != nil {
			return core.WrapError(op, err)
		}
	} else if !errors.Is(err, core.ErrNotFound) {
		return core.WrapError(op, err)
	}

	info.ID = uuid.NewString()
	info.CreatedAt = s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, name, kind, entries, created_at) VALUES (?, ?, ?, ?, ?)`,
		info.ID, info.Name, string(info.Kind), info.Entries, info.CreatedAt.UnixNano())
	if err != nil {
		return core.WrapError(op, fmt.Errorf("failed to insert snapshot: %w", err))
	}

	if err := fill(tx); err != nil {
		return core.WrapError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return core.WrapError(op, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) lookup(ctx context.Context, q queryer, name string, kind Kind) (Info, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, kind, entries, created_at FROM snapshots WHERE name = ? AND kind = ?`,
		name, string(kind))
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, fmt.Errorf("%w: %s snapshot %q", core.ErrNotFound, kind, name)
	}
	return info, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(sc scanner) (Info, error) {
	var (
		info    Info
		kind    string
		created int64
	)
	if err := sc.Scan(&info.ID, &info.Name, &kind, &info.Entries, &created); err != nil {
		return Info{}, err
	}
	info.Kind = Kind(kind)
	info.CreatedAt = time.Unix(0, created).UTC()
	return info, nil
}

func deleteSnapshot(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_vectors WHERE snapshot_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
