package engine

// queue is the mutable execution queue. FIFO except for explicit
// prepends from routing and fork continuation. It is owned by the
// scheduling goroutine and never shared.
type queue struct {
	items []string
}

func newQueue(ids []string) *queue {
	q := &queue{items: make([]string, len(ids))}
	copy(q.items, ids)
	return q
}

func (q *queue) Len() int { return len(q.items) }

// PopFront removes and returns the head of the queue.
func (q *queue) PopFront() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

// PushBack appends ids in order.
func (q *queue) PushBack(ids ...string) {
	q.items = append(q.items, ids...)
}

// PushFront inserts ids at the head, preserving their given order:
// prepending [x, y] onto [b, c] yields [x, y, b, c].
func (q *queue) PushFront(ids ...string) {
	if len(ids) == 0 {
		return
	}
	next := make([]string, 0, len(ids)+len(q.items))
	next = append(next, ids...)
	next = append(next, q.items...)
	q.items = next
}

// Snapshot returns a copy of the remaining queue, for logging.
func (q *queue) Snapshot() []string {
	out := make([]string, len(q.items))
	copy(out, q.items)
	return out
}
