// Package core holds what the index, cache and snapshot packages share: the
// error taxonomy, the Logger interface with its zap backend, and float32
// vector helpers.
//
// # Errors
//
// Operations return sentinel errors wrapped in *OpError so callers can match
// with errors.Is while messages keep the failing operation:
//
//	if errors.Is(err, core.ErrDimensionMismatch) { ... }
//
// # Logging
//
// Components accept a Logger and default to NopLogger. NewLogger and
// NewJSONLogger build zap-backed loggers; NewZapLogger wraps an existing
// *zap.Logger.
package core
