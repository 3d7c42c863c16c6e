// Package fifo implements the queue of pending work items handed between
// transactions.
//
// Items are stored in nodes owned by the queue and linked by index, so the
// queue never embeds a link inside caller memory. Popped nodes go on a free
// list with their link and payload cleared: a removed item never keeps the
// rest of the queue reachable, and the queue never keeps a removed item
// reachable.
package fifo

const none = -1

type node[T any] struct {
	item T
	next int
}

// Queue is a FIFO of T. The zero value is an empty queue. A Queue is not safe
// for concurrent use.
type Queue[T any] struct {
	nodes []node[T]
	free  int // head of the free list, threaded through next
	first int
	last  int
	n     int
	init  bool
}

func (q *Queue[T]) lazyInit() {
	if !q.init {
		q.free, q.first, q.last = none, none, none
		q.init = true
	}
}

// Append adds item at the back.
func (q *Queue[T]) Append(item T) {
	q.lazyInit()
	var h int
	if q.free != none {
		h = q.free
		q.free = q.nodes[h].next
	} else {
		h = len(q.nodes)
		q.nodes = append(q.nodes, node[T]{})
	}
	q.nodes[h] = node[T]{item: item, next: none}
	if q.last == none {
		q.first = h
	} else {
		q.nodes[q.last].next = h
	}
	q.last = h
	q.n++
}

// Pop removes and returns the front item. ok is false when the queue is
// empty.
func (q *Queue[T]) Pop() (item T, ok bool) {
	q.lazyInit()
	if q.first == none {
		return item, false
	}
	h := q.first
	nd := &q.nodes[h]
	item = nd.item
	q.first = nd.next
	if q.first == none {
		q.last = none
	}
	var zero T
	nd.item = zero
	nd.next = q.free
	q.free = h
	q.n--
	return item, true
}

// Peek returns the front item without removing it.
func (q *Queue[T]) Peek() (item T, ok bool) {
	if !q.init || q.first == none {
		return item, false
	}
	return q.nodes[q.first].item, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return q.n }

// Empty reports whether the queue has no items.
func (q *Queue[T]) Empty() bool { return q.n == 0 }

// Each calls fn for every item, front to back, until fn returns false.
func (q *Queue[T]) Each(fn func(T) bool) {
	if !q.init {
		return
	}
	for h := q.first; h != none; h = q.nodes[h].next {
		if !fn(q.nodes[h].item) {
			return
		}
	}
}

// Reset empties the queue and drops every node.
func (q *Queue[T]) Reset() {
	clear(q.nodes)
	q.nodes = q.nodes[:0]
	q.free, q.first, q.last = none, none, none
	q.n = 0
	q.init = true
}
