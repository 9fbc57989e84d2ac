package queue

import "pubplane/internal/store"

// entry wraps a job for heap indexing. Entries are discarded lazily: a stale
// entry (removed, or whose job left the pending state) is skipped on pop and
// a fresh one is pushed when the job becomes pending again.
type entry struct {
	job     *store.Job
	seq     uint64 // insertion order, breaks ties within a priority tier
	removed bool
}

// readyHeap orders eligible jobs by priority descending, then FIFO.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayHeap orders not-yet-eligible jobs by their eligible time.
type delayHeap []*entry

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	return h[i].job.EligibleAt.Before(h[j].job.EligibleAt)
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }

func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
