// Package catalog is the durable metadata store for vector index
// definitions and per-partition build state. It is the single source of
// truth for "does a usable index exist for partition P", and the arbiter
// of the at-most-one-build-in-flight invariant: every lifecycle transition
// is a compare-and-swap on the expected prior state.
//
// The catalog is backed by SQLite (modernc.org/sqlite, pure Go). Writes go
// through a single connection, so CAS updates serialize without
// SQLITE_BUSY handling.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/index"
	"github.com/veclake/veclake/source"
)

var (
	// ErrAlreadyExists is returned when defining an index whose name
	// collides within its table's namespace.
	ErrAlreadyExists = errors.New("index already exists")

	// ErrNotFound is returned when a lookup misses.
	ErrNotFound = errors.New("index not found")

	// ErrBuildConflict is returned when a build request races an
	// in-flight build for the same partition. The caller may retry
	// later; no state is corrupted.
	ErrBuildConflict = errors.New("build already in flight")
)

// InvalidDefinitionError rejects a definition at define time. Invalid
// definitions are never persisted.
type InvalidDefinitionError struct {
	Reason string
}

func (e *InvalidDefinitionError) Error() string {
	return "invalid index definition: " + e.Reason
}

// Definition is a vector index definition. Immutable after creation.
type Definition struct {
	ID               string
	Name             string
	Table            string
	IDColumn         string
	VectorColumn     string
	Metric           distance.Metric
	IndexType        string
	Options          map[string]string
	PartitionColumns []string // empty = unpartitioned
	Dimension        int
	CreatedAt        time.Time
}

// Unpartitioned reports whether the index covers the whole table as a
// single sentinel partition.
func (d *Definition) Unpartitioned() bool { return len(d.PartitionColumns) == 0 }

const schemaDDL = `
CREATE TABLE IF NOT EXISTS vector_indexes (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	table_name        TEXT NOT NULL,
	id_column         TEXT NOT NULL,
	vector_column     TEXT NOT NULL,
	metric            TEXT NOT NULL,
	index_type        TEXT NOT NULL,
	options           TEXT NOT NULL,
	partition_columns TEXT NOT NULL,
	dimension         INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	UNIQUE (table_name, name)
);

CREATE TABLE IF NOT EXISTS index_partitions (
	index_id      TEXT NOT NULL REFERENCES vector_indexes(id),
	partition_key TEXT NOT NULL,
	state         TEXT NOT NULL,
	data_version  INTEGER NOT NULL DEFAULT 0,
	artifact_path TEXT NOT NULL DEFAULT '',
	built_at      INTEGER,
	last_error    TEXT NOT NULL DEFAULT '',
	lease_id      TEXT NOT NULL DEFAULT '',
	lease_expires INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (index_id, partition_key)
);
`

// Catalog provides access to the metadata store.
type Catalog struct {
	db *sql.DB
}

// Open opens (and if necessary initializes) a catalog at the given SQLite
// path. Use ":memory:" for an ephemeral catalog in tests.
func Open(ctx context.Context, path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	// A single connection serializes writers; CAS correctness then
	// reduces to per-statement rows-affected checks.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: init schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error { return c.db.Close() }

func validateDefinition(def *Definition, schema source.TableSchema) error {
	if def.Name == "" || def.Table == "" {
		return &InvalidDefinitionError{Reason: "index name and table are required"}
	}
	if def.IDColumn == "" {
		return &InvalidDefinitionError{Reason: "candidate id column is required"}
	}
	dim, ok := schema.VectorColumns[def.VectorColumn]
	if !ok {
		return &InvalidDefinitionError{Reason: fmt.Sprintf(
			"column %q is not a fixed-dimension vector column of table %q", def.VectorColumn, def.Table)}
	}
	if def.Dimension == 0 {
		def.Dimension = dim
	} else if def.Dimension != dim {
		return &InvalidDefinitionError{Reason: fmt.Sprintf(
			"declared dimension %d disagrees with column %q dimension %d", def.Dimension, def.VectorColumn, dim)}
	}
	tableCols := make(map[string]bool, len(schema.PartitionColumns))
	for _, col := range schema.PartitionColumns {
		tableCols[col] = true
	}
	for _, col := range def.PartitionColumns {
		if !tableCols[col] {
			return &InvalidDefinitionError{Reason: fmt.Sprintf(
				"partition column %q is not a partition key of table %q", col, def.Table)}
		}
	}
	if _, err := distance.Parse(def.Metric.String()); err != nil {
		return &InvalidDefinitionError{Reason: err.Error()}
	}
	if !index.Registered(def.IndexType) {
		return &InvalidDefinitionError{Reason: fmt.Sprintf("unrecognized index type %q", def.IndexType)}
	}
	return nil
}

// Define persists a new index definition, validating it against the
// owning table's schema. Returns the assigned index ID.
func (c *Catalog) Define(ctx context.Context, def Definition, schema source.TableSchema) (string, error) {
	if err := validateDefinition(&def, schema); err != nil {
		return "", err
	}

	def.ID = uuid.NewString()
	def.CreatedAt = time.Now().UTC()

	options, err := encodeStringMap(def.Options)
	if err != nil {
		return "", err
	}
	partCols, err := encodeStringSlice(def.PartitionColumns)
	if err != nil {
		return "", err
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO vector_indexes
			(id, name, table_name, id_column, vector_column, metric,
			 index_type, options, partition_columns, dimension, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Table, def.IDColumn, def.VectorColumn,
		def.Metric.String(), def.IndexType, options, partCols,
		def.Dimension, def.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s on table %s", ErrAlreadyExists, def.Name, def.Table)
		}
		return "", fmt.Errorf("catalog: define %s: %w", def.Name, err)
	}
	return def.ID, nil
}

const definitionColumns = `id, name, table_name, id_column, vector_column,
	metric, index_type, options, partition_columns, dimension, created_at`

// Lookup returns the definition of the named index within a table's
// namespace.
func (c *Catalog) Lookup(ctx context.Context, table, name string) (*Definition, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM vector_indexes WHERE table_name = ? AND name = ?`,
		table, name)
	return scanDefinition(row, table+"."+name)
}

// LookupByID returns the definition with the given index ID.
func (c *Catalog) LookupByID(ctx context.Context, id string) (*Definition, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM vector_indexes WHERE id = ?`, id)
	return scanDefinition(row, id)
}

// LookupByColumn returns the index registered for a (table, vector column)
// pair, the pair the query rewriter routes on.
func (c *Catalog) LookupByColumn(ctx context.Context, table, vectorColumn string) (*Definition, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM vector_indexes
		 WHERE table_name = ? AND vector_column = ?
		 ORDER BY created_at LIMIT 1`,
		table, vectorColumn)
	return scanDefinition(row, table+"("+vectorColumn+")")
}

func scanDefinition(row *sql.Row, ref string) (*Definition, error) {
	var (
		def       Definition
		metric    string
		options   string
		partCols  string
		createdAt int64
	)
	err := row.Scan(&def.ID, &def.Name, &def.Table, &def.IDColumn, &def.VectorColumn,
		&metric, &def.IndexType, &options, &partCols, &def.Dimension, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	if def.Metric, err = distance.Parse(metric); err != nil {
		return nil, fmt.Errorf("catalog: corrupt metric for %s: %w", ref, err)
	}
	if def.Options, err = decodeStringMap(options); err != nil {
		return nil, fmt.Errorf("catalog: corrupt options for %s: %w", ref, err)
	}
	if def.PartitionColumns, err = decodeStringSlice(partCols); err != nil {
		return nil, fmt.Errorf("catalog: corrupt partition columns for %s: %w", ref, err)
	}
	def.CreatedAt = time.Unix(0, createdAt).UTC()
	return &def, nil
}
