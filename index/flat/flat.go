// Package flat implements the exact index type: the artifact stores the
// partition's vectors in columnar form and probes score every candidate.
// It is the ground truth the ANN plugins are tested against and a usable
// index type for small partitions.
package flat

import (
	"context"
	"fmt"

	"github.com/veclake/veclake/codec"
	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/index"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/topk"
)

// TypeName is the tag stored in index definitions.
const TypeName = "flat"

func init() {
	index.Register(Type{})
}

// Type is the flat index plugin.
type Type struct{}

// Compile-time check.
var _ index.Type = Type{}

// Name implements index.Type.
func (Type) Name() string { return TypeName }

// Build implements index.Type. The flat type accepts no build options.
func (Type) Build(_ context.Context, rows []model.Row, spec index.BuildSpec) (index.Artifact, error) {
	for key := range spec.Options {
		return nil, fmt.Errorf("flat: unrecognized build option %q", key)
	}

	a := &Artifact{
		Dim:        spec.Dimension,
		MetricName: spec.Metric.String(),
		IDs:        make([]int64, len(rows)),
		Vectors:    make([]float32, 0, len(rows)*spec.Dimension),
	}
	for i, r := range rows {
		a.IDs[i] = r.ID
		a.Vectors = append(a.Vectors, r.Vector...)
	}
	return a.init()
}

// Unmarshal implements index.Type.
func (Type) Unmarshal(c codec.Codec, body []byte) (index.Artifact, error) {
	var a Artifact
	if err := c.Unmarshal(body, &a); err != nil {
		return nil, err
	}
	return a.init()
}

// Marshal implements index.Type.
func (Type) Marshal(c codec.Codec, a index.Artifact) ([]byte, error) {
	fa, ok := a.(*Artifact)
	if !ok {
		return nil, fmt.Errorf("flat: cannot marshal artifact of type %T", a)
	}
	return c.Marshal(fa)
}

// Artifact is a columnar copy of the partition's candidate vectors.
type Artifact struct {
	Dim        int       `json:"dim"`
	MetricName string    `json:"metric"`
	IDs        []int64   `json:"ids"`
	Vectors    []float32 `json:"vectors"` // len(IDs) * Dim, row-major

	metric distance.Metric
	score  distance.Func
}

func (a *Artifact) init() (*Artifact, error) {
	m, err := distance.Parse(a.MetricName)
	if err != nil {
		return nil, fmt.Errorf("flat artifact: %w", err)
	}
	f, err := distance.Provider(m)
	if err != nil {
		return nil, err
	}
	if len(a.Vectors) != len(a.IDs)*a.Dim {
		return nil, fmt.Errorf("flat artifact: %d ids with dim %d but %d vector values",
			len(a.IDs), a.Dim, len(a.Vectors))
	}
	a.metric = m
	a.score = f
	return a, nil
}

// Dimension implements index.Artifact.
func (a *Artifact) Dimension() int { return a.Dim }

// Metric implements index.Artifact.
func (a *Artifact) Metric() distance.Metric { return a.metric }

// Probe implements index.Artifact by brute-force scoring every candidate.
func (a *Artifact) Probe(ctx context.Context, query []float32, k int, runtimeOptions map[string]string) ([]model.Candidate, error) {
	for key := range runtimeOptions {
		return nil, fmt.Errorf("flat: unrecognized runtime option %q", key)
	}
	if err := distance.ValidateDimension(query, a.Dim); err != nil {
		return nil, err
	}

	heap := topk.New(a.metric, k)
	for i, id := range a.IDs {
		if i%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		vec := a.Vectors[i*a.Dim : (i+1)*a.Dim]
		heap.Push(model.Candidate{ID: id, Score: a.score(query, vec)})
	}
	return heap.Results(), nil
}
