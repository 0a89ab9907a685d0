package scheduler

import (
	"container/heap"
	"time"
)

// timedQueue is a min-heap keyed by id and ordered by due time. Entries
// with the same due time come out in insertion order. It is not safe for
// concurrent use.
type timedQueue[V any] struct {
	heap  qheap[V]
	items map[string]*qitem[V]
	seq   uint64
}

type qitem[V any] struct {
	id    string
	due   time.Time
	seq   uint64
	value V
	index int
}

// Push adds or replaces the entry for id. It returns true if the entry is
// now at the front of the queue.
func (q *timedQueue[V]) Push(id string, due time.Time, v V) bool {
	if q.items == nil {
		q.items = map[string]*qitem[V]{}
	}
	if it, ok := q.items[id]; ok {
		it.due, it.value = due, v
		heap.Fix(&q.heap, it.index)
		return it.index == 0
	}

	q.seq++
	it := &qitem[V]{id: id, due: due, seq: q.seq, value: v}
	q.items[id] = it
	heap.Push(&q.heap, it)
	return it.index == 0
}

// Peek returns the earliest entry without removing it.
func (q *timedQueue[V]) Peek() (id string, due time.Time, v V, ok bool) {
	if q.heap.Len() == 0 {
		return "", time.Time{}, v, false
	}
	it := q.heap.items[0]
	return it.id, it.due, it.value, true
}

// Pop removes and returns the earliest entry.
func (q *timedQueue[V]) Pop() (id string, due time.Time, v V, ok bool) {
	if q.heap.Len() == 0 {
		return "", time.Time{}, v, false
	}
	it := heap.Pop(&q.heap).(*qitem[V])
	delete(q.items, it.id)
	return it.id, it.due, it.value, true
}

// Remove removes the entry for id. It returns false if there is none.
func (q *timedQueue[V]) Remove(id string) bool {
	it, ok := q.items[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.items, id)
	return true
}

// Has reports whether id is queued.
func (q *timedQueue[V]) Has(id string) bool {
	_, ok := q.items[id]
	return ok
}

// Len returns the number of entries.
func (q *timedQueue[V]) Len() int {
	return q.heap.Len()
}

// qheap implements heap.Interface.
type qheap[V any] struct {
	items []*qitem[V]
}

func (h *qheap[V]) Len() int {
	return len(h.items)
}

func (h *qheap[V]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.due.Equal(b.due) {
		return a.seq < b.seq
	}
	return a.due.Before(b.due)
}

func (h *qheap[V]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *qheap[V]) Push(x any) {
	it := x.(*qitem[V])
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *qheap[V]) Pop() any {
	n := len(h.items) - 1
	it := h.items[n]
	h.items[n] = nil // avoid memory leak
	h.items = h.items[:n]
	it.index = -1
	return it
}
