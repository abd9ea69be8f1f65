package engine

// execItem is one queued execution awaiting a scheduler worker. rank is
// the flow priority rank; seq preserves submission order within a rank.
type execItem struct {
	execID string
	rank   int
	seq    uint64
}

// execHeap orders queued executions by (priority rank, submission
// order). It implements container/heap.
type execHeap []execItem

func (h execHeap) Len() int { return len(h) }

func (h execHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h execHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *execHeap) Push(x any) { *h = append(*h, x.(execItem)) }

func (h *execHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
