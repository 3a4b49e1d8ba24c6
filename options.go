package veclake

import (
	"log/slog"

	"github.com/veclake/veclake/blobstore"
	"github.com/veclake/veclake/builder"
)

type options struct {
	catalogPath string
	store       blobstore.Store
	builderOpts builder.Options
	workers     int
	logger      *Logger
}

// Option configures Manager construction.
type Option func(*options)

// WithCatalogPath sets the SQLite catalog database path. Defaults to
// "veclake.db" in the working directory.
func WithCatalogPath(path string) Option {
	return func(o *options) {
		o.catalogPath = path
	}
}

// WithBlobStore sets the artifact store. Defaults to an in-memory store;
// persistent deployments pass a LocalStore, S3 or MinIO store.
func WithBlobStore(store blobstore.Store) Option {
	return func(o *options) {
		if store != nil {
			o.store = store
		}
	}
}

// WithBuilderOptions configures the partition builder (parallelism, lease
// TTL, scan pacing, artifact codec and compression, cross-node lock).
func WithBuilderOptions(opts builder.Options) Option {
	return func(o *options) {
		o.builderOpts = opts
	}
}

// WithExecutorWorkers sizes the search fan-out worker pool. Non-positive
// defaults to GOMAXPROCS.
func WithExecutorWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithLogger configures structured logging. Pass nil to keep the default
// (no logging).
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		catalogPath: "veclake.db",
		store:       blobstore.NewMemoryStore(),
		logger:      NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
