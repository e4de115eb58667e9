package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueFIFO(t *testing.T) {
	q := newQueue([]string{"a", "b"})
	q.PushBack("c")

	id, ok := q.PopFront()
	assert.True(t, ok)
	assert.Equal(t, "a", id)
	assert.Equal(t, []string{"b", "c"}, q.Snapshot())
}

func TestQueuePushFrontPreservesOrder(t *testing.T) {
	// Prepending [x, y] to [b, c] must yield [x, y, b, c].
	q := newQueue([]string{"b", "c"})
	q.PushFront("x", "y")
	assert.Equal(t, []string{"x", "y", "b", "c"}, q.Snapshot())
}

func TestQueuePopEmpty(t *testing.T) {
	q := newQueue(nil)
	_, ok := q.PopFront()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}
