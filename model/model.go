// Package model holds the small shared types passed between veclake
// subsystems: candidate rows, search candidates, partition keys and data
// versions.
package model

// Row is one candidate row read from the base table: the candidate ID and
// its embedding vector.
type Row struct {
	ID     int64
	Vector []float32
}

// Candidate is one scored search result. Score semantics depend on the
// distance metric: similarity metrics (cosine, inner product) are
// higher-is-better, distance metrics (L2) are lower-is-better.
type Candidate struct {
	ID    int64
	Score float32
}

// PartitionKey identifies one partition of a table in canonical encoded
// form ("col=value", multiple columns joined by "/"). The empty key is the
// sentinel for unpartitioned tables and indexes.
type PartitionKey string

// Sentinel is the partition key used for unpartitioned tables.
const Sentinel PartitionKey = ""

// DataVersion is a monotonically increasing version of a partition's data,
// provided by the table metadata service. A partition's index artifact is
// fresh iff the version recorded at build time equals the current version.
type DataVersion uint64
