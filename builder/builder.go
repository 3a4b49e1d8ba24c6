// Package builder constructs ANN index artifacts, one partition at a time.
// Each partition build is an independent, retryable unit of work guarded
// by a catalog lease: the building transition is won atomically, a
// heartbeat keeps the lease alive, and the only mutation of catalog state
// on the success path is the final commit to ready. A crash mid-build
// leaves the partition in building until the lease expires and a recovery
// sweep reverts it to failed.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/veclake/veclake/blobstore"
	"github.com/veclake/veclake/catalog"
	"github.com/veclake/veclake/codec"
	"github.com/veclake/veclake/index"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/source"
)

// Options configures a Builder.
type Options struct {
	// Parallelism bounds concurrent partition builds in BuildAll.
	Parallelism int

	// LeaseTTL is how long a build lease lives without a heartbeat.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often an in-flight build extends its lease.
	HeartbeatInterval time.Duration

	// ScanRate optionally paces row reading (rows per second) to bound
	// load on the row storage service. Zero disables pacing.
	ScanRate rate.Limit

	// Codec encodes artifact bodies. Defaults to codec.Default.
	Codec codec.Codec

	// Compression wraps artifact payloads. Defaults to zstd.
	Compression index.Compression

	// Coordinator optionally adds a cross-node build lock on top of the
	// catalog CAS. Nil when all builders share one catalog database.
	Coordinator Coordinator
}

// DefaultOptions are the options used for unset fields.
var DefaultOptions = Options{
	Parallelism:       4,
	LeaseTTL:          2 * time.Minute,
	HeartbeatInterval: 30 * time.Second,
	Compression:       index.CompressionZstd,
}

// Builder runs partition index builds against a catalog, a row source and
// an artifact store.
type Builder struct {
	catalog *catalog.Catalog
	meta    source.Metadata
	rows    source.RowReader
	store   blobstore.Store
	logger  *slog.Logger
	opts    Options
	limiter *rate.Limiter
}

// New creates a Builder.
func New(cat *catalog.Catalog, meta source.Metadata, rows source.RowReader, store blobstore.Store, logger *slog.Logger, opts Options) *Builder {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultOptions.Parallelism
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultOptions.LeaseTTL
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultOptions.HeartbeatInterval
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Compression == "" {
		opts.Compression = DefaultOptions.Compression
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		catalog: cat,
		meta:    meta,
		rows:    rows,
		store:   store,
		logger:  logger,
		opts:    opts,
	}
	if opts.ScanRate > 0 {
		b.limiter = rate.NewLimiter(opts.ScanRate, int(opts.ScanRate))
	}
	return b
}

// BuildPartition builds the index artifact for one index partition (the
// sentinel key for an unpartitioned index). force rebuilds even a ready
// partition (explicit UPDATE VECTOR INDEX). The returned error is
// ErrBuildConflict when another build holds the lease.
func (b *Builder) BuildPartition(ctx context.Context, def *catalog.Definition, key model.PartitionKey, force bool) error {
	group, err := b.resolveGroup(ctx, def, key)
	if err != nil {
		return err
	}
	version := group.Version

	leaseID := uuid.NewString()
	if coord := b.opts.Coordinator; coord != nil {
		if err := coord.Acquire(ctx, def.ID, key, leaseID, b.opts.LeaseTTL); err != nil {
			if errors.Is(err, ErrLockHeld) {
				return fmt.Errorf("%w: partition %q of index %s", catalog.ErrBuildConflict, key, def.ID)
			}
			return err
		}
		defer func() {
			if err := coord.Release(context.WithoutCancel(ctx), def.ID, key, leaseID); err != nil {
				b.logger.Warn("failed to release build lock",
					"partition", string(key), "error", err)
			}
		}()
	}
	if err := b.catalog.TryBeginBuild(ctx, def.ID, key, leaseID, b.opts.LeaseTTL, force); err != nil {
		return err
	}

	// Keep the lease alive while the build runs.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go b.heartbeat(hbCtx, def.ID, key, leaseID)

	artifactPath, err := b.runBuild(ctx, def, group)
	if err != nil {
		stopHeartbeat()
		if recordErr := b.catalog.RecordBuildFailure(context.WithoutCancel(ctx), def.ID, key, leaseID, err); recordErr != nil {
			b.logger.Error("failed to record build failure",
				"index", def.Name, "partition", string(key), "error", recordErr)
		}
		return fmt.Errorf("build %s partition %q: %w", def.Name, key, err)
	}

	stopHeartbeat()
	if err := b.catalog.RecordBuildSuccess(ctx, def.ID, key, leaseID, artifactPath, version); err != nil {
		return fmt.Errorf("commit build of %s partition %q: %w", def.Name, key, err)
	}
	b.logger.Info("partition index built",
		"index", def.Name, "partition", string(key),
		"artifact", artifactPath, "data_version", uint64(version))
	return nil
}

// runBuild reads the snapshot, validates it, builds the artifact and
// uploads it. It never touches catalog state; commit and failure recording
// belong to the caller.
func (b *Builder) runBuild(ctx context.Context, def *catalog.Definition, group source.IndexPartition) (string, error) {
	rows, err := b.readRows(ctx, def, group.Sources)
	if err != nil {
		return "", err
	}
	if err := index.ValidateRows(rows, def.Dimension); err != nil {
		return "", err
	}

	plugin, err := index.Lookup(def.IndexType)
	if err != nil {
		return "", err
	}
	artifact, err := plugin.Build(ctx, rows, index.BuildSpec{
		Dimension: def.Dimension,
		Metric:    def.Metric,
		Options:   def.Options,
	})
	if err != nil {
		return "", err
	}

	data, err := index.EncodeArtifact(plugin, artifact, b.opts.Codec, b.opts.Compression)
	if err != nil {
		return "", err
	}

	artifactPath := ArtifactPath(def.ID, group.Key)
	if err := b.store.Put(ctx, artifactPath, data); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return artifactPath, nil
}

// ArtifactPath returns the blob name for a partition's artifact. A fresh
// uuid per build keeps artifacts immutable: a rebuild writes a new blob
// and the catalog repoints at commit time.
func ArtifactPath(indexID string, key model.PartitionKey) string {
	return fmt.Sprintf("indexes/%s/%s/%s.vla", indexID, url.PathEscape(string(key)), uuid.NewString())
}

// readRows snapshots the candidate rows of every base partition the index
// partition covers.
func (b *Builder) readRows(ctx context.Context, def *catalog.Definition, sources []model.PartitionKey) ([]model.Row, error) {
	var all []model.Row
	for _, key := range sources {
		rows, err := b.rows.ReadPartition(ctx, def.Table, def.IDColumn, def.VectorColumn, key)
		if err != nil {
			return nil, fmt.Errorf("read partition %q: %w", key, err)
		}
		if b.limiter != nil {
			if err := b.limiter.WaitN(ctx, len(rows)); err != nil {
				return nil, err
			}
		}
		all = append(all, rows...)
	}
	return all, nil
}

// indexPartitions maps the table's current base partitions onto the
// definition's index partitions.
func (b *Builder) indexPartitions(ctx context.Context, def *catalog.Definition) ([]source.IndexPartition, error) {
	infos, err := b.meta.Partitions(ctx, def.Table)
	if err != nil {
		return nil, fmt.Errorf("partitions of %s: %w", def.Table, err)
	}
	return source.GroupPartitions(infos, def.PartitionColumns)
}

func (b *Builder) resolveGroup(ctx context.Context, def *catalog.Definition, key model.PartitionKey) (source.IndexPartition, error) {
	groups, err := b.indexPartitions(ctx, def)
	if err != nil {
		return source.IndexPartition{}, err
	}
	for _, group := range groups {
		if group.Key == key {
			return group, nil
		}
	}
	return source.IndexPartition{}, fmt.Errorf("%w: %q in table %s", source.ErrUnknownPartition, key, def.Table)
}

func (b *Builder) heartbeat(ctx context.Context, indexID string, key model.PartitionKey, leaseID string) {
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.catalog.Heartbeat(ctx, indexID, key, leaseID, b.opts.LeaseTTL); err != nil {
				b.logger.Warn("build lease heartbeat failed",
					"partition", string(key), "error", err)
				return
			}
		}
	}
}

// BuildAll rebuilds the index partitions selected by the filter, running
// up to Parallelism builds concurrently; partitions of the same index have
// no ordering dependency. A non-nil filter resolves against the base table
// and selects every index partition with a matching base partition. A nil
// filter rebuilds the partitions currently known in the catalog for this
// index; for an unpartitioned index it always rebuilds the single sentinel
// partition. Returns the number of partitions targeted.
func (b *Builder) BuildAll(ctx context.Context, def *catalog.Definition, filter source.PartitionFilter, force bool) (int, error) {
	targets, err := b.buildTargets(ctx, def, filter)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Parallelism)
	for _, key := range targets {
		key := key
		g.Go(func() error {
			return b.BuildPartition(gctx, def, key, force)
		})
	}
	return len(targets), g.Wait()
}

func (b *Builder) buildTargets(ctx context.Context, def *catalog.Definition, filter source.PartitionFilter) ([]model.PartitionKey, error) {
	if filter != nil || def.Unpartitioned() {
		groups, err := b.indexPartitions(ctx, def)
		if err != nil {
			return nil, err
		}
		targets := make([]model.PartitionKey, 0, len(groups))
		for _, group := range groups {
			if len(group.MatchingSources(filter)) > 0 {
				targets = append(targets, group.Key)
			}
		}
		return targets, nil
	}

	// No filter: rebuild what the catalog already knows, not every base
	// partition. Partitions never built stay unbuilt until an explicit
	// filtered update targets them.
	states, err := b.catalog.PartitionStates(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	targets := make([]model.PartitionKey, 0, len(states))
	for _, ps := range states {
		targets = append(targets, ps.Key)
	}
	return targets, nil
}

// SweepExpiredLeases reverts crashed builds (building with an expired
// lease) to failed so they become retryable.
func (b *Builder) SweepExpiredLeases(ctx context.Context) (int, error) {
	swept, err := b.catalog.SweepExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		b.logger.Warn("reverted expired build leases", "count", swept)
	}
	return swept, nil
}
