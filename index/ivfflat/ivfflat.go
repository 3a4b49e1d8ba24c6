// Package ivfflat implements an IVF-Flat ANN index type: a k-means coarse
// quantizer partitions the candidate vectors into nlist inverted lists,
// and probes scan the nprobe lists whose centroids are nearest the query.
// Posting lists are stored as roaring bitmaps over row ordinals.
//
// Build options:
//
//	nlist    number of inverted lists (default: sqrt of row count)
//	max_iter k-means iteration cap (default 25)
//	seed     k-means initialization seed (default 1); builds with equal
//	         rows and seed are deterministic, so rebuilding an unchanged
//	         partition yields an artifact with identical probe results
//
// Runtime options:
//
//	nprobe   number of lists to scan (default 1; nlist = exact scan)
package ivfflat

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/veclake/veclake/codec"
	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/index"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/topk"
)

// TypeName is the tag stored in index definitions.
const TypeName = "ivfflat"

func init() {
	index.Register(Type{})
}

// Type is the IVF-Flat index plugin.
type Type struct{}

// Compile-time check.
var _ index.Type = Type{}

// Name implements index.Type.
func (Type) Name() string { return TypeName }

type buildOptions struct {
	nlist   int
	maxIter int
	seed    int64
}

func parseBuildOptions(opts map[string]string, rowCount int) (buildOptions, error) {
	out := buildOptions{
		nlist:   int(math.Sqrt(float64(rowCount))),
		maxIter: 25,
		seed:    1,
	}
	if out.nlist < 1 {
		out.nlist = 1
	}
	for key, value := range opts {
		switch key {
		case "nlist":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return out, fmt.Errorf("ivfflat: invalid nlist %q", value)
			}
			out.nlist = n
		case "max_iter":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return out, fmt.Errorf("ivfflat: invalid max_iter %q", value)
			}
			out.maxIter = n
		case "seed":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return out, fmt.Errorf("ivfflat: invalid seed %q", value)
			}
			out.seed = n
		default:
			return out, fmt.Errorf("ivfflat: unrecognized build option %q", key)
		}
	}
	if out.nlist > rowCount && rowCount > 0 {
		out.nlist = rowCount
	}
	return out, nil
}

// Build implements index.Type.
func (Type) Build(ctx context.Context, rows []model.Row, spec index.BuildSpec) (index.Artifact, error) {
	opts, err := parseBuildOptions(spec.Options, len(rows))
	if err != nil {
		return nil, err
	}

	a := &Artifact{
		Dim:        spec.Dimension,
		MetricName: spec.Metric.String(),
		NList:      opts.nlist,
		IDs:        make([]int64, len(rows)),
		Vectors:    make([]float32, 0, len(rows)*spec.Dimension),
	}
	for i, r := range rows {
		a.IDs[i] = r.ID
		a.Vectors = append(a.Vectors, r.Vector...)
	}

	if len(rows) == 0 {
		a.NList = 0
		return a.init()
	}

	centroids, err := trainKMeans(ctx, a.Vectors, spec.Dimension, opts.nlist, opts.maxIter, opts.seed)
	if err != nil {
		return nil, err
	}
	a.Centroids = centroids

	lists := make([]*roaring64.Bitmap, opts.nlist)
	for i := range lists {
		lists[i] = roaring64.New()
	}
	for ord := range rows {
		vec := a.Vectors[ord*spec.Dimension : (ord+1)*spec.Dimension]
		lists[nearestCentroid(vec, centroids, spec.Dimension)].Add(uint64(ord))
	}

	a.Lists = make([][]byte, opts.nlist)
	for i, list := range lists {
		data, err := list.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("ivfflat: serialize posting list %d: %w", i, err)
		}
		a.Lists[i] = data
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
	ia, ok := a.(*Artifact)
	if !ok {
		return nil, fmt.Errorf("ivfflat: cannot marshal artifact of type %T", a)
	}
	return c.Marshal(ia)
}

// Artifact holds the coarse quantizer, posting lists and columnar vectors.
type Artifact struct {
	Dim        int       `json:"dim"`
	MetricName string    `json:"metric"`
	NList      int       `json:"nlist"`
	Centroids  []float32 `json:"centroids"` // NList * Dim
	Lists      [][]byte  `json:"lists"`     // serialized roaring64 bitmaps of row ordinals
	IDs        []int64   `json:"ids"`
	Vectors    []float32 `json:"vectors"` // len(IDs) * Dim, row-major

	metric distance.Metric
	score  distance.Func
	lists  []*roaring64.Bitmap
}

func (a *Artifact) init() (*Artifact, error) {
	m, err := distance.Parse(a.MetricName)
	if err != nil {
		return nil, fmt.Errorf("ivfflat artifact: %w", err)
	}
	f, err := distance.Provider(m)
	if err != nil {
		return nil, err
	}
	if len(a.Vectors) != len(a.IDs)*a.Dim {
		return nil, fmt.Errorf("ivfflat artifact: %d ids with dim %d but %d vector values",
			len(a.IDs), a.Dim, len(a.Vectors))
	}
	if len(a.Lists) != a.NList || len(a.Centroids) != a.NList*a.Dim {
		return nil, fmt.Errorf("ivfflat artifact: inconsistent nlist %d", a.NList)
	}
	a.metric = m
	a.score = f
	a.lists = make([]*roaring64.Bitmap, len(a.Lists))
	for i, data := range a.Lists {
		bm := roaring64.New()
		if err := bm.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("ivfflat artifact: posting list %d: %w", i, err)
		}
		a.lists[i] = bm
	}
	return a, nil
}

// Dimension implements index.Artifact.
func (a *Artifact) Dimension() int { return a.Dim }

// Metric implements index.Artifact.
func (a *Artifact) Metric() distance.Metric { return a.metric }

// Probe implements index.Artifact. Centroids are ranked by squared L2
// distance to the query; the defined metric scores the candidates within
// the selected lists.
func (a *Artifact) Probe(ctx context.Context, query []float32, k int, runtimeOptions map[string]string) ([]model.Candidate, error) {
	nprobe := 1
	for key, value := range runtimeOptions {
		switch key {
		case "nprobe":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("ivfflat: invalid nprobe %q", value)
			}
			nprobe = n
		default:
			return nil, fmt.Errorf("ivfflat: unrecognized runtime option %q", key)
		}
	}
	if err := distance.ValidateDimension(query, a.Dim); err != nil {
		return nil, err
	}
	if a.NList == 0 {
		return nil, nil
	}
	if nprobe > a.NList {
		nprobe = a.NList
	}

	// Rank centroids nearest-first.
	type rankedList struct {
		list int
		dist float32
	}
	ranked := make([]rankedList, a.NList)
	for i := 0; i < a.NList; i++ {
		center := a.Centroids[i*a.Dim : (i+1)*a.Dim]
		ranked[i] = rankedList{list: i, dist: distance.SquaredL2(query, center)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].dist != ranked[j].dist {
			return ranked[i].dist < ranked[j].dist
		}
		return ranked[i].list < ranked[j].list
	})

	heap := topk.New(a.metric, k)
	for _, rl := range ranked[:nprobe] {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		it := a.lists[rl.list].Iterator()
		for it.HasNext() {
			ord := int(it.Next())
			vec := a.Vectors[ord*a.Dim : (ord+1)*a.Dim]
			heap.Push(model.Candidate{ID: a.IDs[ord], Score: a.score(query, vec)})
		}
	}
	return heap.Results(), nil
}
