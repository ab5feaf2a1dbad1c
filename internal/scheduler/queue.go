package scheduler

import (
	"container/heap"

	"github.com/google/uuid"

	"github.com/kerntest/orchestrator/internal/models"
)

// pendingQueue orders pending jobs by priority tier, then by submission
// sequence number (FIFO within a tier). The sequence number, not the wall
// clock, decides ties so ordering is deterministic.
type pendingQueue struct {
	items []*models.Job
	index map[uuid.UUID]int
}

func newPendingQueue() *pendingQueue {
	pq := &pendingQueue{index: make(map[uuid.UUID]int)}
	heap.Init(pq)
	return pq
}

func (pq *pendingQueue) Len() int { return len(pq.items) }

func (pq *pendingQueue) Less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

func (pq *pendingQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.index[pq.items[i].ID] = i
	pq.index[pq.items[j].ID] = j
}

func (pq *pendingQueue) Push(x any) {
	job := x.(*models.Job)
	pq.index[job.ID] = len(pq.items)
	pq.items = append(pq.items, job)
}

func (pq *pendingQueue) Pop() any {
	old := pq.items
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	pq.items = old[:n-1]
	delete(pq.index, job.ID)
	return job
}

// push enqueues a pending job.
func (pq *pendingQueue) push(job *models.Job) {
	heap.Push(pq, job)
}

// pop removes and returns the highest-priority pending job.
func (pq *pendingQueue) pop() *models.Job {
	if pq.Len() == 0 {
		return nil
	}
	return heap.Pop(pq).(*models.Job)
}

// remove deletes a specific job from the queue (used for cancellation).
func (pq *pendingQueue) remove(id uuid.UUID) *models.Job {
	i, ok := pq.index[id]
	if !ok {
		return nil
	}
	return heap.Remove(pq, i).(*models.Job)
}

// ordered returns the queued jobs in admission order without mutating the
// queue. The admission loop walks this list so that a job it cannot place
// (no compatible environment) does not block later compatible ones.
func (pq *pendingQueue) ordered() []*models.Job {
	cp := &pendingQueue{
		items: append([]*models.Job(nil), pq.items...),
		index: make(map[uuid.UUID]int, len(pq.items)),
	}
	for i, j := range cp.items {
		cp.index[j.ID] = i
	}
	out := make([]*models.Job, 0, cp.Len())
	for cp.Len() > 0 {
		out = append(out, cp.pop())
	}
	return out
}
