package compaction

import "container/heap"

// priorityQueue orders tasks by Priority descending, then by
// CreatedAt ascending (oldest first within a priority band) — FIFO
// fairness among equal-priority triggers. No third-party
// priority-queue library appears anywhere in the retrieval pack, so
// this is built on container/heap, the standard library's own
// heap-ordered container primitive (see DESIGN.md).
type priorityQueue []*Task

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].CreatedAt.Before(pq[j].CreatedAt)
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) {
	*pq = append(*pq, x.(*Task))
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

var _ heap.Interface = (*priorityQueue)(nil)
