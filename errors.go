package simcache

import (
	"errors"
)

// Errors returned by text operations.
var (
	// ErrEmbedderNotConfigured is returned when a text operation is called
	// without WithEmbedder.
	ErrEmbedderNotConfigured = errors.New("simcache: embedder not configured, use WithEmbedder or call vector methods directly")

	// ErrEmptyText is returned when an empty text string is provided.
	ErrEmptyText = errors.New("simcache: empty text provided")

	// ErrEmbeddingFailed is returned when the embedder fails to produce a vector.
	ErrEmbeddingFailed = errors.New("simcache: embedding failed")

	// ErrSnapshotsDisabled is returned by Save and Restore when no snapshot path is configured.
	ErrSnapshotsDisabled = errors.New("simcache: snapshots disabled, set snapshot.path")
)
