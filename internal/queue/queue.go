// Package queue implements the four-tier ready queue. Tiers are strict:
// every Critical task is popped before any High task, and so on. Within a
// tier, order is FIFO by enqueue time with ties broken by task id.
package queue

import (
	"sync"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// item is one queued task reference.
type item struct {
	taskID     string
	enqueuedAt time.Time
}

// tierCount is the number of priority tiers.
const tierCount = 4

// Queue is the ready queue of schedulable tasks.
type Queue struct {
	mu    sync.Mutex
	tiers [tierCount][]item
	index map[string]models.Priority
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{index: make(map[string]models.Priority)}
}

// Push enqueues a task at its priority tier. Enqueuing an id already in the
// queue is a no-op.
func (q *Queue) Push(taskID string, priority models.Priority, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[taskID]; ok {
		return
	}
	q.insertLocked(priority, item{taskID: taskID, enqueuedAt: now})
}

// insertLocked places it into the tier keeping (enqueuedAt, taskID) order.
func (q *Queue) insertLocked(priority models.Priority, it item) {
	rank := priority.Rank()
	tier := q.tiers[rank]

	pos := len(tier)
	for i, have := range tier {
		if it.enqueuedAt.Before(have.enqueuedAt) ||
			(it.enqueuedAt.Equal(have.enqueuedAt) && it.taskID < have.taskID) {
			pos = i
			break
		}
	}
	tier = append(tier, item{})
	copy(tier[pos+1:], tier[pos:])
	tier[pos] = it
	q.tiers[rank] = tier
	q.index[it.taskID] = priority
}

// Pop removes and returns the highest-priority task. The second return is
// false when the queue is empty.
func (q *Queue) Pop() (string, models.Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for rank := 0; rank < tierCount; rank++ {
		tier := q.tiers[rank]
		if len(tier) == 0 {
			continue
		}
		it := tier[0]
		q.tiers[rank] = tier[1:]
		prio := q.index[it.taskID]
		delete(q.index, it.taskID)
		return it.taskID, prio, true
	}
	return "", "", false
}

// Peek returns the highest-priority task without removing it.
func (q *Queue) Peek() (string, models.Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for rank := 0; rank < tierCount; rank++ {
		if len(q.tiers[rank]) > 0 {
			id := q.tiers[rank][0].taskID
			return id, q.index[id], true
		}
	}
	return "", "", false
}

// Requeue puts a popped task back at the head of its tier, preserving its
// original enqueue time so FIFO order is unchanged.
func (q *Queue) Requeue(taskID string, priority models.Priority, enqueuedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[taskID]; ok {
		return
	}
	q.insertLocked(priority, item{taskID: taskID, enqueuedAt: enqueuedAt})
}

// Remove deletes a task from the queue. Returns true if it was present.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	prio, ok := q.index[taskID]
	if !ok {
		return false
	}
	rank := prio.Rank()
	tier := q.tiers[rank]
	for i, it := range tier {
		if it.taskID == taskID {
			q.tiers[rank] = append(tier[:i], tier[i+1:]...)
			break
		}
	}
	delete(q.index, taskID)
	return true
}

// Contains returns true if the task is queued.
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[taskID]
	return ok
}

// Len returns the number of queued tasks across all tiers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Age promotes every task that has waited longer than threshold by one tier,
// capped at Critical. Promotion keeps the original enqueue time so a
// promoted task competes fairly in its new tier. Returns the promoted ids.
func (q *Queue) Age(threshold time.Duration, now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var promoted []string
	// Walk from High downward; Critical cannot be promoted further.
	for rank := 1; rank < tierCount; rank++ {
		tier := q.tiers[rank]
		var keep []item
		for _, it := range tier {
			if now.Sub(it.enqueuedAt) > threshold {
				prio := q.index[it.taskID].Promote()
				delete(q.index, it.taskID)
				q.insertLocked(prio, it)
				promoted = append(promoted, it.taskID)
			} else {
				keep = append(keep, it)
			}
		}
		q.tiers[rank] = keep
	}
	return promoted
}
