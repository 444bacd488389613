package reminder

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler is the time-ordered queue of pending plan items. Its mutex only
// guards the heap and is never held across I/O.
type Scheduler struct {
	mu    sync.Mutex
	queue dueQueue
	index map[uuid.UUID]*queued
	seq   uint64
}

type queued struct {
	item  *Item
	due   time.Time
	prio  int
	rank  int
	seq   uint64
	index int
}

func NewScheduler() *Scheduler {
	return &Scheduler{index: make(map[uuid.UUID]*queued)}
}

// Enqueue inserts an item keyed by its DueAt. Re-enqueueing an item that is
// already queued moves it to its new due time.
func (s *Scheduler) Enqueue(it *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.index[it.ID]; ok {
		q.due = it.DueAt
		heap.Fix(&s.queue, q.index)
		return
	}

	s.seq++
	q := &queued{
		item: it,
		due:  it.DueAt,
		prio: it.Tier.Priority(),
		rank: it.rank,
		seq:  s.seq,
	}
	heap.Push(&s.queue, q)
	s.index[it.ID] = q
}

// Advance pops every item due at or before now. The result is ordered by due
// time, then tier (High first), then channel rank. An item is returned once
// per enqueue.
func (s *Scheduler) Advance(now time.Time) []*Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Item
	for s.queue.Len() > 0 {
		next := s.queue[0]
		if next.due.After(now) {
			break
		}
		heap.Pop(&s.queue)
		delete(s.index, next.item.ID)
		due = append(due, next.item)
	}
	return due
}

// Remove drops an item from the queue. It reports whether the item was queued.
func (s *Scheduler) Remove(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.index[id]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, q.index)
	delete(s.index, id)
	return true
}

func (s *Scheduler) Contains(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// NextDue returns the earliest due time, if any.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return time.Time{}, false
	}
	return s.queue[0].due, true
}

type dueQueue []*queued

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	if a.prio != b.prio {
		return a.prio > b.prio
	}
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.seq < b.seq
}

func (q dueQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *dueQueue) Push(x any) {
	item := x.(*queued)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}
