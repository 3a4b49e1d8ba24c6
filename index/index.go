// Package index defines the index-type plugin contract and the registry
// that selects a plugin by the string tag stored in a vector index
// definition. An index type provides two capabilities: build an artifact
// from a partition's rows, and probe an artifact for the top-k neighbors
// of a query vector.
package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/veclake/veclake/codec"
	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/model"
)

// BuildSpec carries the definition-level parameters of a build.
type BuildSpec struct {
	// Dimension is the declared fixed dimension of the embedding column.
	// Every row must match; validation happens before Build is invoked.
	Dimension int

	// Metric is the distance metric the index is defined with. Probes are
	// answered in this metric's score space.
	Metric distance.Metric

	// Options is the opaque index-type-specific option map from the
	// definition (e.g. "nlist" for ivfflat).
	Options map[string]string
}

// Artifact is an opaque, index-type-specific build product. Artifacts are
// immutable and safe for concurrent probes.
type Artifact interface {
	// Probe returns the top-k candidates for the query vector, sorted
	// best-first in the metric's direction with ties broken by ascending
	// candidate ID. runtimeOptions carries index-type-specific tuning
	// (e.g. "nprobe"); unknown keys are rejected.
	Probe(ctx context.Context, query []float32, k int, runtimeOptions map[string]string) ([]model.Candidate, error)

	// Dimension returns the fixed dimension the artifact was built with.
	Dimension() int

	// Metric returns the metric the artifact was built with.
	Metric() distance.Metric
}

// Type is an index-type plugin.
type Type interface {
	// Name returns the stable tag stored in index definitions.
	Name() string

	// Build constructs an artifact from a partition snapshot. Rows are
	// dimension-validated by the caller. Build must be deterministic for
	// identical input (rebuild idempotence).
	Build(ctx context.Context, rows []model.Row, spec BuildSpec) (Artifact, error)

	// Unmarshal decodes an artifact body previously produced by Marshal
	// on an artifact of this type.
	Unmarshal(c codec.Codec, body []byte) (Artifact, error)

	// Marshal encodes the artifact body.
	Marshal(c codec.Codec, a Artifact) ([]byte, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Type)
)

// Register adds an index-type plugin to the registry. Plugins register
// themselves in init; registering a duplicate tag panics.
func Register(t Type) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := t.Name()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("index: duplicate registration of type %q", name))
	}
	registry[name] = t
}

// Lookup returns the plugin registered under the tag.
func Lookup(name string) (Type, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	t, ok := registry[name]
	if !ok {
		known := make([]string, 0, len(registry))
		for n := range registry {
			known = append(known, n)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("index: unregistered index type %q (registered: %s)",
			name, strings.Join(known, ", "))
	}
	return t, nil
}

// Registered reports whether an index type tag is registered.
func Registered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Names returns the registered type tags, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
