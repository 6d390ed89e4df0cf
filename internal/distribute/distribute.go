// Package distribute spreads a batch across nodes so their total weights end
// up close to each other (longest processing time first).
package distribute

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/reloquent/tableshift/internal/catalog"
)

type load struct {
	weight uint64
	node   int
}

// loadHeap is a min-heap on accumulated weight, lower node index first on ties.
type loadHeap []load

func (h loadHeap) Len() int { return len(h) }
func (h loadHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight < h[j].weight
	}
	return h[i].node < h[j].node
}
func (h loadHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *loadHeap) Push(x any) { *h = append(*h, x.(load)) }

func (h *loadHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Distribute assigns every item to one of n queues. Items are taken heaviest
// first and each goes to the queue with the least weight so far.
func Distribute(items []catalog.WorkItem, n int) ([][]catalog.WorkItem, error) {
	if n < 1 {
		return nil, fmt.Errorf("cannot distribute across %d nodes", n)
	}

	sorted := make([]catalog.WorkItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return sorted[i].Key < sorted[j].Key
	})

	h := make(loadHeap, n)
	for i := range h {
		h[i] = load{node: i}
	}
	heap.Init(&h)

	queues := make([][]catalog.WorkItem, n)
	for _, it := range sorted {
		l := heap.Pop(&h).(load)
		queues[l.node] = append(queues[l.node], it)
		l.weight += it.Weight
		heap.Push(&h, l)
	}
	return queues, nil
}

// Loads returns the total weight of each queue.
func Loads(queues [][]catalog.WorkItem) []uint64 {
	out := make([]uint64, len(queues))
	for i, q := range queues {
		out[i] = catalog.TotalWeight(q)
	}
	return out
}
