// Package topk implements the bounded top-k selection used by both the
// exact fallback engine and the distributed merge step. The heap keeps the
// k best candidates seen so far in the metric's preferred direction, with
// equal scores ordered by ascending candidate ID so that results are
// deterministic across re-execution and partition dispatch order.
package topk

import (
	"sort"

	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/model"
)

// Heap is a bounded selection of the k best candidates. Not safe for
// concurrent use; each partition task and each merge owns its own Heap.
type Heap struct {
	k      int
	metric distance.Metric
	items  []model.Candidate // binary heap, worst candidate at items[0]
}

// New returns a Heap retaining the k best candidates under the metric.
func New(metric distance.Metric, k int) *Heap {
	return &Heap{
		k:      k,
		metric: metric,
		items:  make([]model.Candidate, 0, k),
	}
}

// beats reports whether a outranks b: strictly better score, or equal score
// and smaller ID.
func (h *Heap) beats(a, b model.Candidate) bool {
	if a.Score != b.Score {
		return h.metric.Better(a.Score, b.Score)
	}
	return a.ID < b.ID
}

// Push offers a candidate. It is kept only if fewer than k candidates are
// held or it outranks the current worst.
func (h *Heap) Push(c model.Candidate) {
	if h.k <= 0 {
		return
	}
	if len(h.items) < h.k {
		h.items = append(h.items, c)
		h.siftUp(len(h.items) - 1)
		return
	}
	if h.beats(c, h.items[0]) {
		h.items[0] = c
		h.siftDown(0)
	}
}

// PushAll offers every candidate in cs.
func (h *Heap) PushAll(cs []model.Candidate) {
	for _, c := range cs {
		h.Push(c)
	}
}

// Len returns the number of candidates currently held.
func (h *Heap) Len() int { return len(h.items) }

// Results returns the held candidates ordered best-first. The heap is
// consumed; Results must be called at most once.
func (h *Heap) Results() []model.Candidate {
	out := h.items
	h.items = nil
	sort.Slice(out, func(i, j int) bool {
		return h.beats(out[i], out[j])
	})
	return out
}

// worse orders the heap: items[0] is the worst held candidate.
func (h *Heap) worse(a, b model.Candidate) bool {
	return h.beats(b, a)
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.worse(h.items[i], h.items[parent]) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *Heap) siftDown(i int) {
	n := len(h.items)
	for {
		worst := i
		left := 2*i + 1
		right := 2*i + 2
		if left < n && h.worse(h.items[left], h.items[worst]) {
			worst = left
		}
		if right < n && h.worse(h.items[right], h.items[worst]) {
			worst = right
		}
		if worst == i {
			return
		}
		h.items[i], h.items[worst] = h.items[worst], h.items[i]
		i = worst
	}
}

// Merge returns the global top-k of any number of per-partition partial
// results. Each partial may be unsorted; the output is sorted best-first
// with ties broken by ascending ID. The result is invariant under
// permutation of partials.
func Merge(metric distance.Metric, k int, partials ...[]model.Candidate) []model.Candidate {
	h := New(metric, k)
	for _, p := range partials {
		h.PushAll(p)
	}
	return h.Results()
}
